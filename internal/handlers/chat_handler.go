package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	appmetrics "careline/internal/metrics"
	"careline/internal/services"
	"careline/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ChatHandler serves the request/response form of the assistant.
type ChatHandler struct {
	sessions       *services.SessionManager
	defaultSession string
	logger         *logrus.Logger
}

func NewChatHandler(sessions *services.SessionManager, defaultSession string, logger *logrus.Logger) *ChatHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if defaultSession == "" {
		defaultSession = "default"
	}
	return &ChatHandler{sessions: sessions, defaultSession: defaultSession, logger: logger}
}

type QueryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type QueryResponse struct {
	Answer    string   `json:"answer"`
	Sources   []string `json:"sources"`
	SessionID string   `json:"session_id"`
	Duration  string   `json:"duration"`
}

// Query answers one question. Sessions opened here are transient and dropped
// once idle for chat.session_idle_ttl.
func (h *ChatHandler) Query(c *gin.Context) {
	start := time.Now()

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appmetrics.IncMalformed(appmetrics.ChannelHTTP)
		respondError(c, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}
	question := strings.TrimSpace(req.Question)
	if !utils.ValidateMessage(question) {
		appmetrics.IncMalformed(appmetrics.ChannelHTTP)
		respondError(c, http.StatusBadRequest, "Bad Request", "question is required")
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = h.defaultSession
	}

	appmetrics.IncQuestion(appmetrics.ChannelHTTP)
	h.sessions.OpenTransient(sessionID)
	answer, err := h.sessions.Ask(c.Request.Context(), sessionID, question)
	if err != nil {
		if errors.Is(err, services.ErrMalformedInput) {
			respondError(c, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		appmetrics.IncUpstreamError(appmetrics.ChannelHTTP)
		h.logger.WithError(err).WithField("session_id", sessionID).Warn("Query failed")
		respondError(c, http.StatusServiceUnavailable, "Service Unavailable",
			"the assistant is temporarily unavailable, please try again")
		return
	}

	appmetrics.IncAnswer(appmetrics.ChannelHTTP)
	sources := answer.Sources
	if sources == nil {
		sources = []string{}
	}
	c.JSON(http.StatusOK, QueryResponse{
		Answer:    answer.Text,
		Sources:   sources,
		SessionID: sessionID,
		Duration:  time.Since(start).String(),
	})
}
