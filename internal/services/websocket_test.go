package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind()
	}
	return out
}

func (s *recordingSink) first() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[0]
}

func (s *recordingSink) last(kind string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Kind() == kind {
			return s.events[i]
		}
	}
	return nil
}

type chatFixture struct {
	hub     *ChatHub
	gateway *stubGateway
	sink    *recordingSink
	url     string
}

func newChatFixture(t *testing.T, cfg ChatHubConfig) *chatFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gw := &stubGateway{}
	sink := &recordingSink{}
	sessions := NewSessionManager(gw, SessionManagerConfig{AnswerTimeout: 5 * time.Second}, quietLogger())
	hub := NewChatHub(sessions, sink, cfg, quietLogger())

	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return &chatFixture{
		hub:     hub,
		gateway: gw,
		sink:    sink,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (f *chatFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.url+query, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, payload string) OutboundMessage {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out OutboundMessage
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestChatHub_ConversationLifecycle(t *testing.T) {
	// registered first so it runs after the fixture cleanup
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	f := newChatFixture(t, ChatHubConfig{})
	conn := f.dial(t, "?user_id=U1&page_url=/home")

	out := exchange(t, conn, `{"user_input":"What are OPD timings?"}`)
	assert.Equal(t, OutboundMessage{Text: "A:What are OPD timings?", Sources: []string{"faq.csv"}, Done: true}, out)
	assert.Equal(t, 1, f.hub.ConnectionCount())

	out = exchange(t, conn, `{"user_input":"And on Sunday?"}`)
	assert.Equal(t, "A:And on Sunday?", out.Text)
	want := []Turn{{Question: "What are OPD timings?", Answer: "A:What are OPD timings?"}}
	if diff := cmp.Diff(want, f.gateway.lastHistory()); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"session_start",
		"question_asked", "bot_response",
		"question_asked", "bot_response",
		"session_end",
	}, f.sink.kinds())

	end := f.sink.last("session_end").(SessionEnd)
	assert.Equal(t, "completed", end.Status)
	assert.Equal(t, "U1", end.UserID)
	start := f.sink.first().(SessionStart)
	assert.Equal(t, "/home", start.PageURL)
	assert.Equal(t, 0, f.hub.sessions.ActiveSessions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Shutdown(ctx))
}

func TestChatHub_MalformedInputKeepsConnection(t *testing.T) {
	f := newChatFixture(t, ChatHubConfig{})
	conn := f.dial(t, "")
	defer conn.Close()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `hello there`},
		{"no fields", `{}`},
		{"blank question", `{"user_input":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := exchange(t, conn, tt.payload)
			assert.True(t, out.Done)
			assert.Contains(t, out.Error, "Malformed message")
			assert.Empty(t, out.Text)
		})
	}

	out := exchange(t, conn, `{"user_input":"still there?"}`)
	assert.Equal(t, "A:still there?", out.Text)

	ev := f.sink.last("error").(ErrorOccurred)
	assert.Equal(t, "malformed_input", ev.Reason)
}

func TestChatHub_UpstreamErrorLeavesHistory(t *testing.T) {
	f := newChatFixture(t, ChatHubConfig{})
	conn := f.dial(t, "")
	defer conn.Close()

	exchange(t, conn, `{"user_input":"first"}`)
	f.gateway.mu.Lock()
	f.gateway.err = ErrUpstreamUnavailable
	f.gateway.mu.Unlock()

	out := exchange(t, conn, `{"user_input":"second"}`)
	assert.Equal(t, upstreamErrorText, out.Error)
	assert.True(t, out.Done)

	sessionID := f.sink.first().(SessionStart).SessionID
	turns, ok := f.hub.sessions.History(sessionID)
	require.True(t, ok)
	assert.Equal(t, []Turn{{Question: "first", Answer: "A:first"}}, turns)
	assert.Equal(t, "upstream_unavailable", f.sink.last("error").(ErrorOccurred).Reason)
}

func TestChatHub_IdentityPageAndHistory(t *testing.T) {
	f := newChatFixture(t, ChatHubConfig{})
	conn := f.dial(t, "")
	defer conn.Close()

	payload := `{"user_id":"U7","page_url":"/doctors","chat_history":[
		{"role":"user","content":"Q1"},{"role":"assistant","content":"A1"},
		{"role":"user","content":"Q2"},{"role":"bot","content":"A2"}
	],"user_input":"Q3"}`
	out := exchange(t, conn, payload)
	assert.Equal(t, "A:Q3", out.Text)

	want := []Turn{{"Q1", "A1"}, {"Q2", "A2"}}
	if diff := cmp.Diff(want, f.gateway.lastHistory()); diff != "" {
		t.Fatalf("replayed history (-want +got):\n%s", diff)
	}

	ident := f.sink.last("user_identified").(UserIdentified)
	assert.Equal(t, "U7", ident.UserID)
	assert.True(t, strings.HasPrefix(ident.PreviousUserID, "user_"))
	assert.Equal(t, time.UTC, ident.At.Location())
	assert.Equal(t, time.UTC, f.sink.first().(SessionStart).At.Location())
	page := f.sink.last("page_changed").(PageChanged)
	assert.Equal(t, "/doctors", page.PageURL)
	assert.Equal(t, "U7", f.sink.last("bot_response").(BotResponse).UserID)
}

func TestChatHub_ShutdownClosesClients(t *testing.T) {
	f := newChatFixture(t, ChatHubConfig{})
	conn := f.dial(t, "")
	defer conn.Close()
	exchange(t, conn, `{"user_input":"hello"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, f.hub.ConnectionCount())
	assert.Equal(t, "session_end", f.sink.kinds()[len(f.sink.kinds())-1])
}

func TestChatHub_RejectsForeignOrigin(t *testing.T) {
	f := newChatFixture(t, ChatHubConfig{AllowedOrigins: []string{"https://hospital.example"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://hospital.example")
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestTurnsFromHistory(t *testing.T) {
	got := TurnsFromHistory([]HistoryEntry{
		{Role: "assistant", Content: "Welcome!"},
		{Role: "user", Content: "Q1"},
		{Role: "user", Content: "Q2"},
		{Role: "AI", Content: "A2"},
		{Role: "human", Content: "Q3"},
	})
	want := []Turn{{"Q1", ""}, {"Q2", "A2"}, {"Q3", ""}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("turns (-want +got):\n%s", diff)
	}
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
