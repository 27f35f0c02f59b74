package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"careline/internal/models"

	"github.com/sirupsen/logrus"
)

// HandoverNotifier forwards handover requests to staff. *queue.Publisher
// implements it.
type HandoverNotifier interface {
	NotifyHandover(ctx context.Context, req *models.HandoverRequest) error
}

// WidgetEvent is a lifecycle event reported by the widget over HTTP instead
// of the persistent channel.
type WidgetEvent struct {
	Type       string    `json:"type" binding:"required"` // session_start, user_identified, page_changed
	UserID     string    `json:"user_id" binding:"required"`
	SessionID  string    `json:"session_id"`
	PageURL    string    `json:"page_url"`
	ClientInfo string    `json:"client_info"`
	At         time.Time `json:"timestamp"`
}

// CaptureService handles the side-channel writes: leads, handovers, widget
// close and explicit session end.
type CaptureService struct {
	store    *AnalyticsStore
	recorder *EventRecorder
	notifier HandoverNotifier
	logger   *logrus.Logger
}

func NewCaptureService(store *AnalyticsStore, recorder *EventRecorder, notifier HandoverNotifier, logger *logrus.Logger) *CaptureService {
	if logger == nil {
		logger = logrus.New()
	}
	return &CaptureService{store: store, recorder: recorder, notifier: notifier, logger: logger}
}

func (s *CaptureService) CaptureLead(ctx context.Context, lead *models.Lead) error {
	if lead.UserID != "" {
		if _, err := s.store.EnsureUser(ctx, lead.UserID, s.store.now()); err != nil {
			return err
		}
	}
	return s.store.CreateLead(ctx, lead)
}

// RequestHandover stores the request and notifies staff. A failed
// notification is logged; the stored request is still the source of truth.
func (s *CaptureService) RequestHandover(ctx context.Context, req *models.HandoverRequest) error {
	if err := s.store.CreateHandover(ctx, req); err != nil {
		return err
	}
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.NotifyHandover(ctx, req); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"handover_id": req.HandoverID,
			"session_id":  req.SessionID,
		}).Warn("Failed to publish handover request")
	}
	return nil
}

func (s *CaptureService) RecordChatbotClose(ctx context.Context, ev *models.ChatbotCloseEvent) error {
	return s.store.CreateChatbotClose(ctx, ev)
}

// EndSession closes a session reported finished by the widget. Ending a
// session that is already closed is a no-op.
func (s *CaptureService) EndSession(ctx context.Context, sessionID string, end time.Time, duration time.Duration) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = s.store.now()
	}
	return s.recorder.Record(ctx, SessionEnd{
		EventMeta: EventMeta{SessionID: sessionID, UserID: sess.UserID, At: end},
		Status:    models.SessionCompleted,
		Duration:  duration,
	})
}

// RecordWidgetEvent applies a widget event. session_start is ignored for a
// session id that already exists.
func (s *CaptureService) RecordWidgetEvent(ctx context.Context, ev WidgetEvent) error {
	meta := EventMeta{SessionID: ev.SessionID, UserID: ev.UserID, At: ev.At}
	switch strings.ToLower(ev.Type) {
	case "session_start":
		if ev.SessionID == "" {
			return fmt.Errorf("session_start without session_id: %w", ErrMalformedInput)
		}
		if _, err := s.store.GetSession(ctx, ev.SessionID); err == nil {
			return nil
		}
		return s.recorder.Record(ctx, SessionStart{EventMeta: meta, PageURL: ev.PageURL, ClientInfo: ev.ClientInfo})
	case "user_identified":
		return s.recorder.Record(ctx, UserIdentified{EventMeta: meta})
	case "page_changed", "page_view":
		return s.recorder.Record(ctx, PageChanged{EventMeta: meta, PageURL: ev.PageURL})
	default:
		return fmt.Errorf("unknown event type %q: %w", ev.Type, ErrMalformedInput)
	}
}
