package services

import (
	"context"
	"fmt"
	"time"

	"careline/internal/models"
	"careline/pkg/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalyticsStore holds the write helpers over users, sessions, conversations,
// messages and the side tables. Every method issues autocommitted statements
// and wraps failures in ErrStorageUnavailable.
type AnalyticsStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewAnalyticsStore(db *gorm.DB, logger *logrus.Logger) *AnalyticsStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &AnalyticsStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// wholeSeconds truncates d to seconds, never negative.
func wholeSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// EnsureUser creates the user row if absent, otherwise bumps last_active_at.
// It reports whether the row was created.
func (s *AnalyticsStore) EnsureUser(ctx context.Context, userID string, at time.Time) (bool, error) {
	user := models.User{
		UserID:       userID,
		FirstSeenAt:  at,
		LastActiveAt: at,
		IsActive:     true,
		UserType:     models.UserTypeNew,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
	if res.Error != nil {
		return false, storageErr("create user", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", userID).
		Update("last_active_at", at).Error
	return false, storageErr("touch user", err)
}

// StartUserSession counts a new session against the user and marks them active.
func (s *AnalyticsStore) StartUserSession(ctx context.Context, userID, pageURL string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"total_sessions": gorm.Expr("total_sessions + ?", 1),
			"is_active":      true,
			"last_active_at": at,
			"last_page_url":  pageURL,
		}).Error
	return storageErr("start user session", err)
}

func (s *AnalyticsStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.Status == "" {
		session.Status = models.SessionActive
	}
	return storageErr("create session", s.db.WithContext(ctx).Create(session).Error)
}

func (s *AnalyticsStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ConversationID == "" {
		conv.ConversationID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationActive
	}
	return storageErr("create conversation", s.db.WithContext(ctx).Create(conv).Error)
}

// InsertMessage appends a message; id and timestamp are filled when empty.
func (s *AnalyticsStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = utils.GenerateMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return storageErr("insert message", s.db.WithContext(ctx).Create(msg).Error)
}

// ActiveConversation returns the most recently started active conversation of
// the session, or ErrSessionNotFound.
func (s *AnalyticsStore) ActiveConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, models.ConversationActive).
		Order("start_time DESC").
		Limit(1).
		Find(&convs).Error
	if err != nil {
		return nil, storageErr("find active conversation", err)
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return &convs[0], nil
}

func (s *AnalyticsStore) IncrementUserMessages(ctx context.Context, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"total_messages": gorm.Expr("total_messages + ?", 1),
			"last_active_at": at,
		}).Error
	return storageErr("increment user messages", err)
}

func (s *AnalyticsStore) IncrementSessionMessages(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Update("message_count", gorm.Expr("message_count + ?", 1)).Error
	return storageErr("increment session messages", err)
}

// CloseConversation ends an active conversation and returns its duration in
// whole seconds. A conversation that is no longer active is left alone.
func (s *AnalyticsStore) CloseConversation(ctx context.Context, conv *models.Conversation, end time.Time, status string) (int64, error) {
	duration := wholeSeconds(end.Sub(conv.StartTime))
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("conversation_id = ? AND status = ?", conv.ConversationID, models.ConversationActive).
		Updates(map[string]interface{}{
			"end_time": end,
			"duration": duration,
			"status":   status,
		}).Error
	if err != nil {
		return 0, storageErr("close conversation", err)
	}
	return duration, nil
}

// CloseUser marks the user inactive and folds a finished conversation into the totals.
func (s *AnalyticsStore) CloseUser(ctx context.Context, userID string, at time.Time, duration int64) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"is_active":           false,
			"last_active_at":      at,
			"total_duration":      gorm.Expr("total_duration + ?", duration),
			"total_conversations": gorm.Expr("total_conversations + ?", 1),
		}).Error
	return storageErr("close user", err)
}

// EndSession closes an active session row. Ending twice is a no-op.
func (s *AnalyticsStore) EndSession(ctx context.Context, sessionID string, end time.Time, duration int64, status string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND status = ?", sessionID, models.SessionActive).
		Updates(map[string]interface{}{
			"end_time": end,
			"duration": duration,
			"status":   status,
		})
	if res.Error != nil {
		return false, storageErr("end session", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetSession loads one session row.
func (s *AnalyticsStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sessions []models.Session
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Limit(1).Find(&sessions).Error; err != nil {
		return nil, storageErr("get session", err)
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return &sessions[0], nil
}

func (s *AnalyticsStore) MarkReturning(ctx context.Context, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"last_active_at": at,
			"user_type":      models.UserTypeReturning,
			"is_active":      true,
		}).Error
	return storageErr("mark returning", err)
}

// RebindSession moves the session and its active conversation to userID.
func (s *AnalyticsStore) RebindSession(ctx context.Context, sessionID, userID string) error {
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Update("user_id", userID).Error; err != nil {
		return storageErr("rebind session", err)
	}
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("session_id = ? AND status = ?", sessionID, models.ConversationActive).
		Update("user_id", userID).Error
	return storageErr("rebind conversation", err)
}

// TransferUserSession moves one session credit from the anonymous id a
// visitor started with to the id they identified as, and marks the old id
// inactive.
func (s *AnalyticsStore) TransferUserSession(ctx context.Context, fromUserID, toUserID string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", fromUserID).
		Updates(map[string]interface{}{
			"total_sessions": gorm.Expr("CASE WHEN total_sessions > 0 THEN total_sessions - 1 ELSE 0 END"),
			"is_active":      false,
			"last_active_at": at,
		}).Error; err != nil {
		return storageErr("release user session", err)
	}
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", toUserID).
		Update("total_sessions", gorm.Expr("total_sessions + ?", 1)).Error
	return storageErr("claim user session", err)
}

func (s *AnalyticsStore) UpdateSessionPage(ctx context.Context, sessionID, pageURL string) error {
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Update("page_url", pageURL).Error
	return storageErr("update session page", err)
}

func (s *AnalyticsStore) UpdateUserPage(ctx context.Context, userID, pageURL string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"last_page_url":  pageURL,
			"last_active_at": at,
		}).Error
	return storageErr("update user page", err)
}

// HandoverRequested reports whether a human handover was requested in the session.
func (s *AnalyticsStore) HandoverRequested(ctx context.Context, sessionID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.HandoverRequest{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	if err != nil {
		return false, storageErr("count handovers", err)
	}
	return n > 0, nil
}

func (s *AnalyticsStore) CreateLead(ctx context.Context, lead *models.Lead) error {
	if lead.LeadID == "" {
		lead.LeadID = uuid.NewString()
	}
	if lead.LeadType == "" {
		lead.LeadType = "appointment_scheduled"
	}
	return storageErr("create lead", s.db.WithContext(ctx).Create(lead).Error)
}

func (s *AnalyticsStore) CreateHandover(ctx context.Context, req *models.HandoverRequest) error {
	if req.HandoverID == "" {
		req.HandoverID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	if req.Status == "" {
		req.Status = "pending"
	}
	return storageErr("create handover", s.db.WithContext(ctx).Create(req).Error)
}

func (s *AnalyticsStore) CreateChatbotClose(ctx context.Context, ev *models.ChatbotCloseEvent) error {
	if ev.ClosedAt.IsZero() {
		ev.ClosedAt = s.now()
	}
	return storageErr("create chatbot close", s.db.WithContext(ctx).Create(ev).Error)
}
