package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"careline/internal/models"
	"careline/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// AnalyticsHandler serves the dashboard views and the widget's
// side-channel captures. Views are returned unwrapped because the
// dashboard reads them field by field.
type AnalyticsHandler struct {
	stats   *services.StatisticsService
	capture *services.CaptureService
	logger  *logrus.Logger
}

func NewAnalyticsHandler(stats *services.StatisticsService, capture *services.CaptureService, logger *logrus.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AnalyticsHandler{stats: stats, capture: capture, logger: logger}
}

// RegisterAnalyticsReadRoutes mounts the dashboard views.
func RegisterAnalyticsReadRoutes(r gin.IRoutes, h *AnalyticsHandler) {
	r.GET("/analytics", h.Overview)
	r.GET("/analytics/sessions", h.Sessions)
	r.GET("/analytics/conversations", h.Conversations)
	r.GET("/analytics/messages", h.Messages)
	r.GET("/analytics/user/:user_id", h.User)
	r.GET("/analytics/leads", h.Leads)
	r.GET("/analytics/human_handover", h.Handovers)
}

// RegisterCaptureRoutes mounts the public widget captures.
func RegisterCaptureRoutes(r gin.IRoutes, h *AnalyticsHandler) {
	r.POST("/analytics/leads", h.CaptureLead)
	r.POST("/analytics/human_handover", h.RequestHandover)
	r.POST("/analytics/chatbot_close", h.ChatbotClose)
	r.POST("/analytics/session_end", h.SessionEnd)
	r.POST("/analytics/event", h.WidgetEvent)
}

func (h *AnalyticsHandler) view(c *gin.Context, name string, fn func(ctx context.Context) (interface{}, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	out, err := fn(ctx)
	if err != nil {
		if services.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.WithError(err).WithField("view", name).Error("Analytics query failed")
		respondError(c, http.StatusInternalServerError, "Internal Server Error", "failed to load "+name)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AnalyticsHandler) Overview(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	h.view(c, "overview", func(ctx context.Context) (interface{}, error) {
		return h.stats.Overview(ctx, limit)
	})
}

func (h *AnalyticsHandler) Sessions(c *gin.Context) {
	h.view(c, "sessions", func(ctx context.Context) (interface{}, error) {
		return h.stats.SessionStats(ctx)
	})
}

func (h *AnalyticsHandler) Conversations(c *gin.Context) {
	h.view(c, "conversations", func(ctx context.Context) (interface{}, error) {
		return h.stats.ConversationStats(ctx)
	})
}

func (h *AnalyticsHandler) Messages(c *gin.Context) {
	h.view(c, "messages", func(ctx context.Context) (interface{}, error) {
		return h.stats.MessageStats(ctx)
	})
}

func (h *AnalyticsHandler) User(c *gin.Context) {
	userID := c.Param("user_id")
	h.view(c, "user", func(ctx context.Context) (interface{}, error) {
		return h.stats.UserDetail(ctx, userID)
	})
}

func (h *AnalyticsHandler) Leads(c *gin.Context) {
	h.view(c, "leads", func(ctx context.Context) (interface{}, error) {
		return h.stats.LeadStats(ctx)
	})
}

func (h *AnalyticsHandler) Handovers(c *gin.Context) {
	h.view(c, "handovers", func(ctx context.Context) (interface{}, error) {
		return h.stats.HandoverStats(ctx)
	})
}

// parseClientTime accepts the timestamp shapes browsers send: RFC 3339
// with or without zone and fraction, or a space separated datetime.
// Empty or unparseable values yield the zero time.
func parseClientTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type leadRequest struct {
	LeadType   string `json:"lead_type"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Department string `json:"department"`
	Notes      string `json:"notes"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
}

func (h *AnalyticsHandler) CaptureLead(c *gin.Context) {
	var req leadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	lead := &models.Lead{
		LeadType:   req.LeadType,
		Name:       req.Name,
		Phone:      req.Phone,
		Email:      req.Email,
		Department: req.Department,
		Notes:      req.Notes,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
	}
	if err := h.capture.CaptureLead(c.Request.Context(), lead); err != nil {
		h.logger.WithError(err).Error("Failed to capture lead")
		respondError(c, http.StatusInternalServerError, "Internal Server Error", "failed to capture lead")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "lead_id": lead.LeadID})
}

type handoverRequest struct {
	UserID        string          `json:"user_id"`
	SessionID     string          `json:"session_id" binding:"required"`
	RequestedAt   string          `json:"requested_at"`
	Method        string          `json:"method"`
	Issues        json.RawMessage `json:"issues"`
	OtherText     string          `json:"other_text"`
	SupportOption string          `json:"support_option"`
	LastMessage   string          `json:"last_message"`
}

func (h *AnalyticsHandler) RequestHandover(c *gin.Context) {
	var req handoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	issues := datatypes.JSON("[]")
	if len(req.Issues) > 0 && string(req.Issues) != "null" {
		issues = datatypes.JSON(req.Issues)
	}
	handover := &models.HandoverRequest{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		RequestedAt:   parseClientTime(req.RequestedAt),
		Method:        req.Method,
		Issues:        issues,
		OtherText:     req.OtherText,
		SupportOption: req.SupportOption,
		LastMessage:   req.LastMessage,
	}
	if err := h.capture.RequestHandover(c.Request.Context(), handover); err != nil {
		h.logger.WithError(err).Error("Failed to record handover request")
		respondError(c, http.StatusInternalServerError, "Internal Server Error", "failed to record handover request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "handover_id": handover.HandoverID})
}

type chatbotCloseRequest struct {
	UserID           string `json:"user_id"`
	SessionID        string `json:"session_id"`
	ClosedAt         string `json:"closed_at"`
	TimeSpentSeconds int64  `json:"time_spent_seconds"`
	LastUserMessage  string `json:"last_user_message"`
	LastBotMessage   string `json:"last_bot_message"`
}

func (h *AnalyticsHandler) ChatbotClose(c *gin.Context) {
	var req chatbotCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	ev := &models.ChatbotCloseEvent{
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		ClosedAt:         parseClientTime(req.ClosedAt),
		TimeSpentSeconds: req.TimeSpentSeconds,
		LastUserMessage:  req.LastUserMessage,
		LastBotMessage:   req.LastBotMessage,
	}
	if err := h.capture.RecordChatbotClose(c.Request.Context(), ev); err != nil {
		h.logger.WithError(err).Error("Failed to record chatbot close")
		respondError(c, http.StatusInternalServerError, "Internal Server Error", "failed to record chatbot close")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

type sessionEndRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	EndTime   string `json:"end_time"`
	Duration  int64  `json:"duration"`
}

func (h *AnalyticsHandler) SessionEnd(c *gin.Context) {
	var req sessionEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	err := h.capture.EndSession(c.Request.Context(), req.SessionID, parseClientTime(req.EndTime), time.Duration(req.Duration)*time.Second)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			respondError(c, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.WithError(err).WithField("session_id", req.SessionID).Error("Failed to end session")
		respondError(c, http.StatusInternalServerError, "Internal Server Error", "failed to end session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *AnalyticsHandler) WidgetEvent(c *gin.Context) {
	var ev services.WidgetEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		respondError(c, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.capture.RecordWidgetEvent(c.Request.Context(), ev); err != nil {
		if errors.Is(err, services.ErrMalformedInput) {
			respondError(c, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		h.logger.WithError(err).WithField("type", ev.Type).Error("Failed to record widget event")
		respondError(c, http.StatusInternalServerError, "Internal Server Error", "failed to record event")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
