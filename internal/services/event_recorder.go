package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"careline/internal/models"

	"github.com/sirupsen/logrus"
)

// EventMeta is carried by every lifecycle event.
type EventMeta struct {
	SessionID string
	UserID    string
	At        time.Time
}

func (m EventMeta) meta() EventMeta { return m }

// Event is one of SessionStart, QuestionAsked, BotResponse, SessionEnd,
// UserIdentified, PageChanged or ErrorOccurred.
type Event interface {
	Kind() string
	meta() EventMeta
}

type SessionStart struct {
	EventMeta
	PageURL    string
	ClientInfo string
}

type QuestionAsked struct {
	EventMeta
	Question string
}

type BotResponse struct {
	EventMeta
	Answer  string
	Sources []string
	Latency time.Duration
}

type SessionEnd struct {
	EventMeta
	Status   string        // session status: completed or error
	Duration time.Duration // connection lifetime
}

type UserIdentified struct {
	EventMeta
	PreviousUserID string
}

type PageChanged struct {
	EventMeta
	PageURL string
}

type ErrorOccurred struct {
	EventMeta
	Reason string
	Detail string
}

func (SessionStart) Kind() string   { return "session_start" }
func (QuestionAsked) Kind() string  { return "question_asked" }
func (BotResponse) Kind() string    { return "bot_response" }
func (SessionEnd) Kind() string     { return "session_end" }
func (UserIdentified) Kind() string { return "user_identified" }
func (PageChanged) Kind() string    { return "page_changed" }
func (ErrorOccurred) Kind() string  { return "error" }

// EventRecorder turns lifecycle events into analytics writes. Storage failures
// are logged and returned but never stop the remaining writes of an event.
type EventRecorder struct {
	store  *AnalyticsStore
	logger *logrus.Logger
}

func NewEventRecorder(store *AnalyticsStore, logger *logrus.Logger) *EventRecorder {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventRecorder{store: store, logger: logger}
}

// Record applies ev. A nil error means every write succeeded or the event was
// dropped on purpose (no active conversation).
func (r *EventRecorder) Record(ctx context.Context, ev Event) error {
	m := ev.meta()
	if m.At.IsZero() {
		m.At = r.store.now()
	}
	m.At = m.At.UTC()
	log := r.logger.WithFields(logrus.Fields{
		"event":      ev.Kind(),
		"session_id": m.SessionID,
		"user_id":    m.UserID,
	})

	var err error
	switch e := ev.(type) {
	case SessionStart:
		err = r.sessionStart(ctx, m, e)
	case QuestionAsked:
		err = r.questionAsked(ctx, m, e)
	case BotResponse:
		err = r.botResponse(ctx, m, e)
	case SessionEnd:
		err = r.sessionEnd(ctx, m, e)
	case UserIdentified:
		err = r.userIdentified(ctx, m, e)
	case PageChanged:
		err = r.pageChanged(ctx, m, e)
	case ErrorOccurred:
		err = r.errorOccurred(ctx, m, e)
	default:
		err = fmt.Errorf("unknown event %T", ev)
	}

	if errors.Is(err, ErrSessionNotFound) {
		log.Warn("No active conversation, event dropped")
		return nil
	}
	if err != nil {
		log.WithError(err).Error("Failed to record event")
		return err
	}
	log.Debug("Event recorded")
	return nil
}

func (r *EventRecorder) sessionStart(ctx context.Context, m EventMeta, e SessionStart) error {
	var errs []error
	if _, err := r.store.EnsureUser(ctx, m.UserID, m.At); err != nil {
		// without a user row nothing below may reference it
		return err
	}
	errs = append(errs, r.store.StartUserSession(ctx, m.UserID, e.PageURL, m.At))
	errs = append(errs, r.store.CreateSession(ctx, &models.Session{
		SessionID:  m.SessionID,
		UserID:     m.UserID,
		StartTime:  m.At,
		PageURL:    e.PageURL,
		ClientInfo: e.ClientInfo,
		Status:     models.SessionActive,
	}))

	conv := &models.Conversation{
		SessionID: m.SessionID,
		UserID:    m.UserID,
		StartTime: m.At,
		Status:    models.ConversationActive,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	errs = append(errs, r.store.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ConversationID,
		UserID:         m.UserID,
		MessageType:    models.MessageSystem,
		Content:        "session_start",
		Timestamp:      m.At,
	}))
	return errors.Join(errs...)
}

func (r *EventRecorder) questionAsked(ctx context.Context, m EventMeta, e QuestionAsked) error {
	conv, err := r.store.ActiveConversation(ctx, m.SessionID)
	if err != nil {
		return err
	}
	var errs []error
	errs = append(errs, r.store.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ConversationID,
		UserID:         m.UserID,
		MessageType:    models.MessageUser,
		Content:        e.Question,
		Timestamp:      m.At,
	}))
	errs = append(errs, r.store.IncrementUserMessages(ctx, m.UserID, m.At))
	errs = append(errs, r.store.IncrementSessionMessages(ctx, m.SessionID))
	return errors.Join(errs...)
}

func (r *EventRecorder) botResponse(ctx context.Context, m EventMeta, e BotResponse) error {
	conv, err := r.store.ActiveConversation(ctx, m.SessionID)
	if err != nil {
		return err
	}
	return r.store.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ConversationID,
		UserID:         m.UserID,
		MessageType:    models.MessageBot,
		Content:        e.Answer,
		LatencyMs:      e.Latency.Milliseconds(),
		Timestamp:      m.At,
	})
}

func (r *EventRecorder) sessionEnd(ctx context.Context, m EventMeta, e SessionEnd) error {
	status := e.Status
	if status == "" {
		status = models.SessionCompleted
	}

	var errs []error
	if _, err := r.store.EndSession(ctx, m.SessionID, m.At, wholeSeconds(e.Duration), status); err != nil {
		errs = append(errs, err)
	}

	conv, err := r.store.ActiveConversation(ctx, m.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) && len(errs) > 0 {
			return errors.Join(errs...)
		}
		return errors.Join(append(errs, err)...)
	}

	convStatus := models.ConversationCompleted
	if handover, err := r.store.HandoverRequested(ctx, m.SessionID); err != nil {
		errs = append(errs, err)
	} else if handover {
		convStatus = models.ConversationHandover
	}

	duration, err := r.store.CloseConversation(ctx, conv, m.At, convStatus)
	errs = append(errs, err)
	errs = append(errs, r.store.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ConversationID,
		UserID:         m.UserID,
		MessageType:    models.MessageSystem,
		Content:        "session_end",
		Timestamp:      m.At,
	}))
	errs = append(errs, r.store.CloseUser(ctx, m.UserID, m.At, duration))
	return errors.Join(errs...)
}

func (r *EventRecorder) userIdentified(ctx context.Context, m EventMeta, e UserIdentified) error {
	if _, err := r.store.EnsureUser(ctx, m.UserID, m.At); err != nil {
		return err
	}

	var errs []error
	if m.SessionID != "" {
		prev := e.PreviousUserID
		sess, err := r.store.GetSession(ctx, m.SessionID)
		switch {
		case err == nil && prev == "":
			prev = sess.UserID
		case err != nil && !errors.Is(err, ErrSessionNotFound):
			errs = append(errs, err)
		}
		errs = append(errs, r.store.RebindSession(ctx, m.SessionID, m.UserID))
		// the session counts for the identified user only
		if err == nil && prev != "" && prev != m.UserID {
			errs = append(errs, r.store.TransferUserSession(ctx, prev, m.UserID, m.At))
		}
	}
	errs = append(errs, r.store.MarkReturning(ctx, m.UserID, m.At))
	return errors.Join(errs...)
}

func (r *EventRecorder) pageChanged(ctx context.Context, m EventMeta, e PageChanged) error {
	return errors.Join(
		r.store.UpdateSessionPage(ctx, m.SessionID, e.PageURL),
		r.store.UpdateUserPage(ctx, m.UserID, e.PageURL, m.At),
	)
}

func (r *EventRecorder) errorOccurred(ctx context.Context, m EventMeta, e ErrorOccurred) error {
	r.logger.WithFields(logrus.Fields{
		"session_id": m.SessionID,
		"reason":     e.Reason,
		"detail":     e.Detail,
	}).Warn("Chat error")

	conv, err := r.store.ActiveConversation(ctx, m.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// already logged above
			return nil
		}
		return err
	}
	content := "error: " + e.Reason
	if e.Detail != "" {
		content += " (" + truncate(e.Detail, 500) + ")"
	}
	return r.store.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ConversationID,
		UserID:         m.UserID,
		MessageType:    models.MessageSystem,
		Content:        content,
		Timestamp:      m.At,
	})
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
