package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"careline/pkg/utils"

	"github.com/sirupsen/logrus"
)

// DefaultHistoryWindow is the number of question/answer pairs kept per session.
const DefaultHistoryWindow = 10

// Turn is one question/answer pair.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ChatHistoryWindow is a bounded transcript; the oldest turns are evicted first.
type ChatHistoryWindow struct {
	turns []Turn
	limit int
}

func NewChatHistoryWindow(limit int) *ChatHistoryWindow {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}
	return &ChatHistoryWindow{limit: limit}
}

// Append adds a turn and drops the oldest ones beyond the limit.
func (w *ChatHistoryWindow) Append(t Turn) {
	w.turns = append(w.turns, t)
	if over := len(w.turns) - w.limit; over > 0 {
		w.turns = append([]Turn(nil), w.turns[over:]...)
	}
}

// Replace swaps the whole transcript, keeping only the newest turns.
func (w *ChatHistoryWindow) Replace(turns []Turn) {
	if over := len(turns) - w.limit; over > 0 {
		turns = turns[over:]
	}
	w.turns = append([]Turn(nil), turns...)
}

// Turns returns a copy of the transcript, oldest first.
func (w *ChatHistoryWindow) Turns() []Turn {
	return append([]Turn(nil), w.turns...)
}

func (w *ChatHistoryWindow) Len() int { return len(w.turns) }

// sessionState owns one window. lock is a one-slot semaphore so waiting for it
// can be abandoned when the caller's context ends.
type sessionState struct {
	lock      chan struct{}
	window    *ChatHistoryWindow
	transient bool
	lastUsed  atomic.Int64 // unix nanos
}

func (s *sessionState) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

func (s *sessionState) tryAcquire() bool {
	select {
	case s.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *sessionState) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sessionState) release() { <-s.lock }

// SessionManagerConfig tunes the session manager.
type SessionManagerConfig struct {
	HistoryWindow int
	TopK          int
	AnswerTimeout time.Duration
	// IdleTTL bounds how long a transient session may sit unused. Zero keeps
	// transient sessions until Close.
	IdleTTL time.Duration
}

// SessionManager maps session ids to their history windows and mediates every
// question/answer exchange. Asks on the same session are serialized; asks on
// different sessions run independently.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	gateway  RetrievalGateway
	cfg      SessionManagerConfig
	logger   *logrus.Logger
	now      func() time.Time
}

func NewSessionManager(gateway RetrievalGateway, cfg SessionManagerConfig, logger *logrus.Logger) *SessionManager {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &SessionManager{
		sessions: make(map[string]*sessionState),
		gateway:  gateway,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Open creates an empty window for sessionID. Opening an open session is a no-op.
func (m *SessionManager) Open(sessionID string) {
	m.open(sessionID, false)
}

// OpenTransient is Open for sessions nobody will Close, such as those named by
// request/response clients. They are dropped by EvictIdle once unused for
// IdleTTL. An already open session keeps its kind.
func (m *SessionManager) OpenTransient(sessionID string) {
	m.open(sessionID, true)
}

func (m *SessionManager) open(sessionID string, transient bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return
	}
	st := &sessionState{
		lock:      make(chan struct{}, 1),
		window:    NewChatHistoryWindow(m.cfg.HistoryWindow),
		transient: transient,
	}
	st.touch(m.now())
	m.sessions[sessionID] = st
}

// Close discards the window. Closing twice is a no-op.
func (m *SessionManager) Close(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *SessionManager) get(sessionID string) (*sessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	return st, ok
}

// Ask answers question with the session history as context. On success the
// turn is appended; on any failure the window is left exactly as it was.
func (m *SessionManager) Ask(ctx context.Context, sessionID, question string) (*Answer, error) {
	if !utils.ValidateMessage(question) {
		return nil, fmt.Errorf("question: %w", ErrMalformedInput)
	}
	st, ok := m.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotOpen)
	}
	st.touch(m.now())

	if m.cfg.AnswerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.AnswerTimeout)
		defer cancel()
	}

	if err := st.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for session %s: %w", ErrUpstreamUnavailable, sessionID, err)
	}
	defer st.release()

	question = strings.TrimSpace(question)
	history := st.window.Turns()
	started := time.Now()
	answer, err := m.gateway.Answer(ctx, question, history, m.cfg.TopK)
	if err == nil && ctx.Err() != nil {
		// late answers count as timeouts
		err = ctx.Err()
	}
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"elapsed":    time.Since(started),
		}).WithError(err).Warn("Retrieval gateway failed")
		if errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	st.window.Append(Turn{Question: question, Answer: answer.Text})
	st.touch(m.now())
	return answer, nil
}

// ReplaceHistory overrides the server-held window with a client-supplied one.
// The window is replaced wholesale, never merged.
func (m *SessionManager) ReplaceHistory(ctx context.Context, sessionID string, turns []Turn) error {
	st, ok := m.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotOpen)
	}
	if err := st.acquire(ctx); err != nil {
		return err
	}
	defer st.release()
	st.window.Replace(turns)
	return nil
}

// History returns a copy of the session's window.
func (m *SessionManager) History(sessionID string) ([]Turn, bool) {
	st, ok := m.get(sessionID)
	if !ok {
		return nil, false
	}
	// snapshot under the session lock so a concurrent Ask cannot tear it
	st.lock <- struct{}{}
	defer st.release()
	return st.window.Turns(), true
}

// ActiveSessions reports how many windows are open.
func (m *SessionManager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EvictIdle drops transient sessions unused for longer than IdleTTL. Sessions
// with an Ask in flight are skipped.
func (m *SessionManager) EvictIdle() int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleTTL).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, st := range m.sessions {
		if !st.transient || st.lastUsed.Load() > cutoff {
			continue
		}
		if !st.tryAcquire() {
			continue
		}
		delete(m.sessions, id)
		st.release()
		evicted++
	}
	return evicted
}

// RunJanitor calls EvictIdle every interval until ctx ends.
func (m *SessionManager) RunJanitor(ctx context.Context, interval time.Duration) {
	if m.cfg.IdleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(); n > 0 {
				m.logger.WithFields(logrus.Fields{
					"evicted": n,
					"open":    m.ActiveSessions(),
				}).Debug("Evicted idle sessions")
			}
		}
	}
}
