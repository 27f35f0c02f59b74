package services

import "errors"

var (
	// ErrUpstreamUnavailable means the retrieval gateway failed or timed out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrRateLimited is returned by generators when the provider throttles a credential.
	ErrRateLimited = errors.New("rate limited")
	// ErrMalformedInput is an unparseable or incomplete inbound message.
	ErrMalformedInput = errors.New("malformed input")
	// ErrStorageUnavailable wraps every analytics store write failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrSessionNotFound means no active conversation exists for the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotOpen is returned when asking on a session that was never opened or already closed.
	ErrSessionNotOpen = errors.New("session not open")
	// ErrUserNotFound is returned by the analytics drill-down for unknown users.
	ErrUserNotFound = errors.New("user not found")
	// ErrConnectionLost marks an abrupt client disconnect.
	ErrConnectionLost = errors.New("connection lost")
)
