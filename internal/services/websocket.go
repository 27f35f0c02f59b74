package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appmetrics "careline/internal/metrics"
	"careline/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ConnectionState is the lifecycle state of one chat connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HistoryEntry is one chat_history item sent by the widget.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InboundMessage is what the widget sends. Every field is optional but at
// least one must be present.
type InboundMessage struct {
	UserInput   *string        `json:"user_input"`
	ChatHistory []HistoryEntry `json:"chat_history"`
	PageURL     string         `json:"page_url"`
	UserID      string         `json:"user_id"`
}

func (m *InboundMessage) empty() bool {
	return m.UserInput == nil && len(m.ChatHistory) == 0 && m.PageURL == "" && m.UserID == ""
}

// OutboundMessage is either an answer or an error envelope.
type OutboundMessage struct {
	Text    string   `json:"text,omitempty"`
	Sources []string `json:"sources,omitempty"`
	Error   string   `json:"error,omitempty"`
	Done    bool     `json:"done"`
}

// EventSink receives lifecycle events. *EventRecorder is the production sink.
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}

// TurnsFromHistory pairs each user entry with the assistant entry after it.
// A trailing user entry becomes a turn with an empty answer.
func TurnsFromHistory(entries []HistoryEntry) []Turn {
	var turns []Turn
	var open *Turn
	for _, e := range entries {
		content := strings.TrimSpace(e.Content)
		switch strings.ToLower(e.Role) {
		case "user", "human":
			if open != nil {
				turns = append(turns, *open)
			}
			open = &Turn{Question: content}
		case "assistant", "bot", "ai":
			if open == nil {
				continue
			}
			open.Answer = content
			turns = append(turns, *open)
			open = nil
		}
	}
	if open != nil {
		turns = append(turns, *open)
	}
	return turns
}

type ChatHubConfig struct {
	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
}

func (c *ChatHubConfig) setDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

const upstreamErrorText = "Sorry, I could not answer that right now. Please try again in a moment."

// ChatHub accepts chat connections and keeps the live ones.
type ChatHub struct {
	sessions *SessionManager
	events   EventSink
	cfg      ChatHubConfig
	upgrader websocket.Upgrader
	logger   *logrus.Logger
	now      func() time.Time

	mutex   sync.RWMutex
	clients map[string]*ChatConnection
	wg      sync.WaitGroup
}

func NewChatHub(sessions *SessionManager, events EventSink, cfg ChatHubConfig, logger *logrus.Logger) *ChatHub {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.setDefaults()
	h := &ChatHub{
		sessions: sessions,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[string]*ChatConnection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *ChatHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and runs the connection until it closes.
func (h *ChatHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	now := h.now()
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		userID = utils.GenerateUserID(now)
	}

	cc := &ChatConnection{
		hub:       h,
		conn:      conn,
		sessionID: utils.GenerateSessionID(),
		userID:    userID,
		pageURL:   c.Query("page_url"),
		startedAt: now,
		send:      make(chan OutboundMessage, 16),
		inbound:   make(chan []byte, 16),
	}
	cc.ctx, cc.cancel = context.WithCancel(context.Background())
	cc.open(c.Request.UserAgent())
}

// ConnectionCount reports live connections.
func (h *ChatHub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats is served by the ws stats endpoint.
func (h *ChatHub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connections":     h.ConnectionCount(),
		"active_sessions": h.sessions.ActiveSessions(),
	}
}

// Shutdown closes every connection and waits for their teardown.
func (h *ChatHub) Shutdown(ctx context.Context) error {
	h.mutex.RLock()
	conns := make([]*ChatConnection, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mutex.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ChatHub) register(c *ChatConnection) {
	h.mutex.Lock()
	h.clients[c.sessionID] = c
	h.mutex.Unlock()
}

func (h *ChatHub) unregister(c *ChatConnection) {
	h.mutex.Lock()
	delete(h.clients, c.sessionID)
	h.mutex.Unlock()
}

// ChatConnection drives one chat session. Frames are read by readPump, handled
// one at a time by dispatch, and written by writePump.
type ChatConnection struct {
	hub       *ChatHub
	conn      *websocket.Conn
	sessionID string
	startedAt time.Time
	state     atomic.Int32

	// owned by the dispatch goroutine
	userID  string
	pageURL string

	// set by readPump before inbound is closed
	lostErr error

	send    chan OutboundMessage
	inbound chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	teardownOnce sync.Once
}

func (c *ChatConnection) State() ConnectionState { return ConnectionState(c.state.Load()) }

func (c *ChatConnection) SessionID() string { return c.sessionID }

func (c *ChatConnection) setState(s ConnectionState) {
	c.state.Store(int32(s))
	c.log().WithField("state", s.String()).Debug("Connection state changed")
}

func (c *ChatConnection) log() *logrus.Entry {
	return c.hub.logger.WithFields(logrus.Fields{
		"session_id": c.sessionID,
	})
}

func (c *ChatConnection) meta() EventMeta {
	return EventMeta{SessionID: c.sessionID, UserID: c.userID, At: c.hub.now()}
}

// record writes an analytics event. Storage failures are already logged by
// the sink and never reach the chat path.
func (c *ChatConnection) record(ev Event) {
	if c.hub.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	defer cancel()
	_ = c.hub.events.Record(ctx, ev)
}

func (c *ChatConnection) open(clientInfo string) {
	c.setState(StateConnecting)
	c.hub.sessions.Open(c.sessionID)
	c.hub.register(c)

	c.hub.wg.Add(3)
	go func() { defer c.hub.wg.Done(); c.writePump() }()
	go func() { defer c.hub.wg.Done(); c.readPump() }()

	c.setState(StateActive)
	c.log().WithField("user_id", c.userID).Info("Chat connection opened")
	go func() {
		defer c.hub.wg.Done()
		c.record(SessionStart{EventMeta: c.meta(), PageURL: c.pageURL, ClientInfo: clientInfo})
		c.dispatch()
	}()
}

func (c *ChatConnection) readPump() {
	defer close(c.inbound)

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				c.ctx.Err() == nil {
				c.log().WithError(err).Warn("Chat connection lost")
				c.lostErr = fmt.Errorf("%w: %w", ErrConnectionLost, err)
			}
			c.cancel()
			return
		}
		select {
		case c.inbound <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *ChatConnection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log().WithError(err).Warn("Chat write failed")
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// dispatch is the single consumer of inbound frames.
func (c *ChatConnection) dispatch() {
	defer c.teardown()
	for data := range c.inbound {
		if c.ctx.Err() != nil {
			continue
		}
		c.handle(data)
	}
}

func (c *ChatConnection) reply(msg OutboundMessage) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (c *ChatConnection) malformed(detail string) {
	appmetrics.IncMalformed(appmetrics.ChannelWebSocket)
	c.record(ErrorOccurred{EventMeta: c.meta(), Reason: "malformed_input", Detail: detail})
	c.reply(OutboundMessage{Error: "Malformed message: " + detail, Done: true})
}

// handle applies one payload: identity, then page, then history, then question.
func (c *ChatConnection) handle(data []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.malformed("invalid JSON")
		return
	}
	if msg.empty() {
		c.malformed("no recognised fields")
		return
	}

	if id := strings.TrimSpace(msg.UserID); id != "" && id != c.userID {
		prev := c.userID
		c.userID = id
		c.log().WithFields(logrus.Fields{"user_id": id, "previous_user_id": prev}).Info("User identified")
		c.record(UserIdentified{EventMeta: c.meta(), PreviousUserID: prev})
	}

	if page := strings.TrimSpace(msg.PageURL); page != "" && page != c.pageURL {
		c.pageURL = page
		c.record(PageChanged{EventMeta: c.meta(), PageURL: page})
	}

	if len(msg.ChatHistory) > 0 {
		if err := c.hub.sessions.ReplaceHistory(c.ctx, c.sessionID, TurnsFromHistory(msg.ChatHistory)); err != nil {
			c.log().WithError(err).Warn("Failed to replace chat history")
		}
	}

	if msg.UserInput == nil {
		return
	}
	question := strings.TrimSpace(*msg.UserInput)
	if !utils.ValidateMessage(question) {
		c.malformed(fmt.Sprintf("user_input must be 1-%d characters", utils.MaxMessageLength))
		return
	}
	c.ask(question)
}

func (c *ChatConnection) ask(question string) {
	appmetrics.IncQuestion(appmetrics.ChannelWebSocket)
	c.record(QuestionAsked{EventMeta: c.meta(), Question: question})

	started := time.Now()
	answer, err := c.hub.sessions.Ask(c.ctx, c.sessionID, question)
	latency := time.Since(started)
	if err != nil {
		if c.ctx.Err() != nil {
			// client already gone, nobody to answer
			return
		}
		reason := "upstream_unavailable"
		if errors.Is(err, ErrMalformedInput) {
			reason = "malformed_input"
		}
		appmetrics.IncUpstreamError(appmetrics.ChannelWebSocket)
		c.record(ErrorOccurred{EventMeta: c.meta(), Reason: reason, Detail: err.Error()})
		c.reply(OutboundMessage{Error: upstreamErrorText, Done: true})
		return
	}

	appmetrics.IncAnswer(appmetrics.ChannelWebSocket)
	c.reply(OutboundMessage{Text: answer.Text, Sources: answer.Sources, Done: true})
	c.record(BotResponse{EventMeta: c.meta(), Answer: answer.Text, Sources: answer.Sources, Latency: latency})
}

// teardown runs once, after the read side is finished.
func (c *ChatConnection) teardown() {
	c.teardownOnce.Do(func() {
		c.setState(StateClosing)
		c.cancel()

		status := "completed"
		if c.lostErr != nil {
			status = "error"
			c.record(ErrorOccurred{EventMeta: c.meta(), Reason: "connection_lost", Detail: c.lostErr.Error()})
		}
		duration := c.hub.now().Sub(c.startedAt)
		c.record(SessionEnd{EventMeta: c.meta(), Status: status, Duration: duration})
		c.hub.sessions.Close(c.sessionID)
		c.hub.unregister(c)
		close(c.send)

		c.setState(StateClosed)
		c.log().WithFields(logrus.Fields{
			"user_id":  c.userID,
			"duration": duration.Round(time.Second),
			"status":   status,
		}).Info("Chat connection closed")
	})
}

// closeWith asks the client to close and stops reading.
func (c *ChatConnection) closeWith(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(c.hub.cfg.WriteWait))
	c.cancel()
	_ = c.conn.Close()
}
