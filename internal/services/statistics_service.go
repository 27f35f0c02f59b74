package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"careline/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// StatisticsService serves the read-only analytics views.
type StatisticsService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewStatisticsService(db *gorm.DB, logger *logrus.Logger) *StatisticsService {
	if logger == nil {
		logger = logrus.New()
	}
	return &StatisticsService{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SessionEvent is one message of a session, as shown in the drill-down.
type SessionEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}

type SessionHistory struct {
	SessionID    string         `json:"session_id"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time"`
	Duration     int64          `json:"duration"`
	PageURL      string         `json:"page_url"`
	MessageCount int            `json:"message_count"`
	Status       string         `json:"status"`
	Events       []SessionEvent `json:"events"`
}

type UserAnalytics struct {
	UserID             string           `json:"user_id"`
	Sessions           int              `json:"sessions"`
	TotalMessages      int              `json:"total_messages"`
	TotalDuration      int64            `json:"total_duration"`
	TotalConversations int              `json:"total_conversations"`
	LastActive         time.Time        `json:"last_active"`
	CreatedAt          time.Time        `json:"created_at"`
	IsActive           bool             `json:"is_active"`
	UserType           string           `json:"user_type"`
	SessionHistory     []SessionHistory `json:"session_history"`
}

type AnalyticsOverview struct {
	TotalUsers        int64                    `json:"total_users"`
	TotalSessions     int64                    `json:"total_sessions"`
	TotalQuestions    int64                    `json:"total_questions"`
	TotalChatbotOpens int64                    `json:"total_chatbot_opens"`
	Users             map[string]UserAnalytics `json:"users"`
}

type SessionStats struct {
	ActiveSessions  int64            `json:"active_sessions"`
	TodaySessions   int64            `json:"today_sessions"`
	AverageDuration float64          `json:"average_duration"`
	RecentSessions  []models.Session `json:"recent_sessions"`
}

type ConversationSummary struct {
	ConversationID string     `json:"conversation_id"`
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	Duration       int64      `json:"duration"`
	Status         string     `json:"status"`
	MessageCount   int64      `json:"message_count"`
}

type ConversationStats struct {
	TotalConversations     int64                 `json:"total_conversations"`
	ActiveConversations    int64                 `json:"active_conversations"`
	CompletedConversations int64                 `json:"completed_conversations"`
	HandoverConversations  int64                 `json:"handover_conversations"`
	AverageDuration        float64               `json:"average_duration"`
	TotalMessages          int64                 `json:"total_messages"`
	RecentConversations    []ConversationSummary `json:"recent_conversations"`
}

type MessageStats struct {
	AnsweredQuestions int64            `json:"total_messages"`
	UserMessages      int64            `json:"user_messages"`
	BotMessages       int64            `json:"bot_messages"`
	SystemMessages    int64            `json:"system_messages"`
	RecentMessages    []models.Message `json:"recent_messages"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type LeadStats struct {
	TotalLeads int64            `json:"total_leads"`
	ByType     map[string]int64 `json:"by_type"`
	DailyLeads []DailyCount     `json:"daily_leads"`
}

type HandoverStats struct {
	TotalHandover  int64                    `json:"total_handover"`
	RecentHandover []models.HandoverRequest `json:"recent_handover"`
}

type groupCount struct {
	GroupKey string
	Total    int64
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *StatisticsService) countBy(ctx context.Context, model interface{}, column string) (map[string]int64, error) {
	var rows []groupCount
	err := s.db.WithContext(ctx).Model(model).
		Select(column + " AS group_key, COUNT(*) AS total").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.GroupKey] = r.Total
	}
	return out, nil
}

// Overview returns the global totals and up to limit most recently active users
// with their session history.
func (s *StatisticsService) Overview(ctx context.Context, limit int) (*AnalyticsOverview, error) {
	if limit <= 0 {
		limit = 100
	}
	out := &AnalyticsOverview{Users: map[string]UserAnalytics{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.User{}).Count(&out.TotalUsers).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.User{}).
			Select("COALESCE(SUM(total_sessions), 0)").Scan(&out.TotalSessions).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.User{}).
			Select("COALESCE(SUM(total_messages), 0)").Scan(&out.TotalQuestions).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.User{}).
			Where("total_sessions > 0").Count(&out.TotalChatbotOpens).Error
	})
	var users []models.User
	g.Go(func() error {
		return s.db.WithContext(gctx).Order("last_active_at DESC").Limit(limit).Find(&users).Error
	})
	if err := g.Wait(); err != nil {
		return nil, storageErr("analytics overview", err)
	}

	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.UserID
	}
	histories, err := s.sessionHistories(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		out.Users[u.UserID] = userAnalytics(u, histories[u.UserID])
	}
	return out, nil
}

// UserDetail is the per-user drill-down.
func (s *StatisticsService) UserDetail(ctx context.Context, userID string) (*UserAnalytics, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&users).Error; err != nil {
		return nil, storageErr("get user", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}
	histories, err := s.sessionHistories(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	ua := userAnalytics(users[0], histories[userID])
	return &ua, nil
}

func userAnalytics(u models.User, history []SessionHistory) UserAnalytics {
	if history == nil {
		history = []SessionHistory{}
	}
	return UserAnalytics{
		UserID:             u.UserID,
		Sessions:           u.TotalSessions,
		TotalMessages:      u.TotalMessages,
		TotalDuration:      u.TotalDuration,
		TotalConversations: u.TotalConversations,
		LastActive:         u.LastActiveAt,
		CreatedAt:          u.FirstSeenAt,
		IsActive:           u.IsActive,
		UserType:           u.UserType,
		SessionHistory:     history,
	}
}

// sessionHistories loads sessions, conversations and messages for the users in
// three queries and groups them by user id, newest session first.
func (s *StatisticsService) sessionHistories(ctx context.Context, userIDs []string) (map[string][]SessionHistory, error) {
	out := make(map[string][]SessionHistory, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	var sessions []models.Session
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Order("start_time DESC").
		Find(&sessions).Error; err != nil {
		return nil, storageErr("load sessions", err)
	}
	if len(sessions) == 0 {
		return out, nil
	}

	sessionIDs := make([]string, len(sessions))
	for i, sess := range sessions {
		sessionIDs[i] = sess.SessionID
	}
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).
		Where("session_id IN ?", sessionIDs).
		Find(&convs).Error; err != nil {
		return nil, storageErr("load conversations", err)
	}

	sessionOf := make(map[string]string, len(convs))
	convIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		sessionOf[c.ConversationID] = c.SessionID
		convIDs = append(convIDs, c.ConversationID)
	}

	events := make(map[string][]SessionEvent)
	if len(convIDs) > 0 {
		var msgs []models.Message
		if err := s.db.WithContext(ctx).
			Where("conversation_id IN ?", convIDs).
			Order("sent_at ASC, message_id ASC").
			Find(&msgs).Error; err != nil {
			return nil, storageErr("load messages", err)
		}
		for _, m := range msgs {
			sid := sessionOf[m.ConversationID]
			events[sid] = append(events[sid], SessionEvent{Type: m.MessageType, Timestamp: m.Timestamp, Data: m.Content})
		}
	}

	for _, sess := range sessions {
		ev := events[sess.SessionID]
		if ev == nil {
			ev = []SessionEvent{}
		}
		out[sess.UserID] = append(out[sess.UserID], SessionHistory{
			SessionID:    sess.SessionID,
			StartTime:    sess.StartTime,
			EndTime:      sess.EndTime,
			Duration:     sess.Duration,
			PageURL:      sess.PageURL,
			MessageCount: sess.MessageCount,
			Status:       sess.Status,
			Events:       ev,
		})
	}
	return out, nil
}

func (s *StatisticsService) SessionStats(ctx context.Context) (*SessionStats, error) {
	out := &SessionStats{}
	today := s.now().Truncate(24 * time.Hour)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.Session{}).
			Where("status = ?", models.SessionActive).Count(&out.ActiveSessions).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.Session{}).
			Where("start_time >= ?", today).Count(&out.TodaySessions).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.Session{}).
			Where("duration > 0").
			Select("COALESCE(AVG(duration), 0)").Scan(&out.AverageDuration).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Order("start_time DESC").Limit(10).Find(&out.RecentSessions).Error
	})
	if err := g.Wait(); err != nil {
		return nil, storageErr("session stats", err)
	}
	out.AverageDuration = round2(out.AverageDuration)
	return out, nil
}

func (s *StatisticsService) ConversationStats(ctx context.Context) (*ConversationStats, error) {
	out := &ConversationStats{}
	var byStatus map[string]int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		byStatus, err = s.countBy(gctx, &models.Conversation{}, "status")
		return err
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.Conversation{}).
			Where("status <> ?", models.ConversationActive).
			Select("COALESCE(AVG(duration), 0)").Scan(&out.AverageDuration).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.Message{}).
			Where("message_type = ?", models.MessageUser).Count(&out.TotalMessages).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.Conversation{}).
			Select("conversations.*, (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = conversations.conversation_id AND m.message_type = ?) AS message_count", models.MessageUser).
			Order("start_time DESC").
			Limit(10).
			Scan(&out.RecentConversations).Error
	})
	if err := g.Wait(); err != nil {
		return nil, storageErr("conversation stats", err)
	}

	for status, n := range byStatus {
		out.TotalConversations += n
		switch status {
		case models.ConversationActive:
			out.ActiveConversations = n
		case models.ConversationCompleted:
			out.CompletedConversations = n
		case models.ConversationHandover:
			out.HandoverConversations = n
		}
	}
	out.AverageDuration = round2(out.AverageDuration)
	if out.RecentConversations == nil {
		out.RecentConversations = []ConversationSummary{}
	}
	return out, nil
}

// MessageStats counts messages by type. AnsweredQuestions counts user messages
// that were followed by a bot message in the same conversation.
func (s *StatisticsService) MessageStats(ctx context.Context) (*MessageStats, error) {
	out := &MessageStats{}
	var byType map[string]int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		byType, err = s.countBy(gctx, &models.Message{}, "message_type")
		return err
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Table("messages AS m1").
			Where("m1.message_type = ?", models.MessageUser).
			Where("EXISTS (SELECT 1 FROM messages m2 WHERE m2.conversation_id = m1.conversation_id AND m2.message_type = ? AND m2.message_id > m1.message_id)", models.MessageBot).
			Count(&out.AnsweredQuestions).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Order("sent_at DESC, message_id DESC").Limit(20).Find(&out.RecentMessages).Error
	})
	if err := g.Wait(); err != nil {
		return nil, storageErr("message stats", err)
	}
	out.UserMessages = byType[models.MessageUser]
	out.BotMessages = byType[models.MessageBot]
	out.SystemMessages = byType[models.MessageSystem]
	return out, nil
}

// LeadStats returns lead totals and per-day counts over the last 30 days.
func (s *StatisticsService) LeadStats(ctx context.Context) (*LeadStats, error) {
	out := &LeadStats{}
	var created []time.Time

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.ByType, err = s.countBy(gctx, &models.Lead{}, "lead_type")
		return err
	})
	g.Go(func() error {
		// bucketed here, DATE() differs across the supported dialects
		return s.db.WithContext(gctx).Model(&models.Lead{}).
			Where("created_at >= ?", s.now().Add(-30*24*time.Hour)).
			Pluck("created_at", &created).Error
	})
	if err := g.Wait(); err != nil {
		return nil, storageErr("lead stats", err)
	}
	for _, n := range out.ByType {
		out.TotalLeads += n
	}
	out.DailyLeads = dailyCounts(created)
	return out, nil
}

// dailyCounts buckets timestamps by UTC day, newest day first.
func dailyCounts(times []time.Time) []DailyCount {
	byDay := make(map[string]int64)
	for _, t := range times {
		byDay[t.UTC().Format("2006-01-02")]++
	}
	out := make([]DailyCount, 0, len(byDay))
	for day, n := range byDay {
		out = append(out, DailyCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

func (s *StatisticsService) HandoverStats(ctx context.Context) (*HandoverStats, error) {
	out := &HandoverStats{}
	err := s.db.WithContext(ctx).Model(&models.HandoverRequest{}).Count(&out.TotalHandover).Error
	if err == nil {
		err = s.db.WithContext(ctx).Order("requested_at DESC").Limit(20).Find(&out.RecentHandover).Error
	}
	if err != nil {
		return nil, storageErr("handover stats", err)
	}
	return out, nil
}

// IsNotFound reports whether err means the requested analytics row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrSessionNotFound)
}
