package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// stubGateway answers "A:<question>" and records the history it was given.
type stubGateway struct {
	mu        sync.Mutex
	err       error
	delay     time.Duration
	histories [][]Turn
}

func (g *stubGateway) Answer(ctx context.Context, question string, history []Turn, k int) (*Answer, error) {
	g.mu.Lock()
	g.histories = append(g.histories, history)
	err, delay := g.err, g.delay
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Answer{Text: "A:" + question, Sources: []string{"faq.csv"}}, nil
}

func (g *stubGateway) lastHistory() []Turn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.histories[len(g.histories)-1]
}

func TestChatHistoryWindow_EvictsOldest(t *testing.T) {
	w := NewChatHistoryWindow(3)
	for i := 1; i <= 5; i++ {
		w.Append(Turn{Question: fmt.Sprintf("q%d", i), Answer: fmt.Sprintf("a%d", i)})
	}
	want := []Turn{{"q3", "a3"}, {"q4", "a4"}, {"q5", "a5"}}
	if diff := cmp.Diff(want, w.Turns()); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}

	w.Replace([]Turn{{"x", "y"}})
	assert.Equal(t, 1, w.Len())
}

func TestSessionManager_HistoryFlowsIntoNextAsk(t *testing.T) {
	gw := &stubGateway{}
	m := NewSessionManager(gw, SessionManagerConfig{}, quietLogger())
	m.Open("s1")

	a1, err := m.Ask(context.Background(), "s1", "What are OPD timings?")
	require.NoError(t, err)
	assert.Equal(t, "A:What are OPD timings?", a1.Text)
	assert.Empty(t, gw.lastHistory())

	_, err = m.Ask(context.Background(), "s1", "And on Sunday?")
	require.NoError(t, err)
	want := []Turn{{Question: "What are OPD timings?", Answer: "A:What are OPD timings?"}}
	if diff := cmp.Diff(want, gw.lastHistory()); diff != "" {
		t.Fatalf("history passed to gateway (-want +got):\n%s", diff)
	}
}

func TestSessionManager_WindowCappedAtTen(t *testing.T) {
	m := NewSessionManager(&stubGateway{}, SessionManagerConfig{}, quietLogger())
	m.Open("s1")
	for i := 0; i < 12; i++ {
		_, err := m.Ask(context.Background(), "s1", fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}
	turns, ok := m.History("s1")
	require.True(t, ok)
	require.Len(t, turns, DefaultHistoryWindow)
	assert.Equal(t, "question 2", turns[0].Question)
	assert.Equal(t, "question 11", turns[9].Question)
}

func TestSessionManager_FailedAskLeavesWindowUnchanged(t *testing.T) {
	gw := &stubGateway{}
	m := NewSessionManager(gw, SessionManagerConfig{}, quietLogger())
	m.Open("s1")
	_, err := m.Ask(context.Background(), "s1", "first")
	require.NoError(t, err)
	before, _ := m.History("s1")

	gw.err = errors.New("boom")
	_, err = m.Ask(context.Background(), "s1", "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	after, _ := m.History("s1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("window changed after failure (-before +after):\n%s", diff)
	}
}

func TestSessionManager_Timeout(t *testing.T) {
	gw := &stubGateway{delay: time.Second}
	m := NewSessionManager(gw, SessionManagerConfig{AnswerTimeout: 20 * time.Millisecond}, quietLogger())
	m.Open("s1")

	_, err := m.Ask(context.Background(), "s1", "slow question")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	turns, _ := m.History("s1")
	assert.Empty(t, turns)
}

func TestSessionManager_Errors(t *testing.T) {
	m := NewSessionManager(&stubGateway{}, SessionManagerConfig{}, quietLogger())

	_, err := m.Ask(context.Background(), "missing", "hello")
	assert.ErrorIs(t, err, ErrSessionNotOpen)

	m.Open("s1")
	_, err = m.Ask(context.Background(), "s1", "   ")
	assert.ErrorIs(t, err, ErrMalformedInput)

	assert.ErrorIs(t, m.ReplaceHistory(context.Background(), "missing", nil), ErrSessionNotOpen)
}

func TestSessionManager_OpenCloseIdempotent(t *testing.T) {
	m := NewSessionManager(&stubGateway{}, SessionManagerConfig{}, quietLogger())
	m.Open("s1")
	_, err := m.Ask(context.Background(), "s1", "keep me")
	require.NoError(t, err)

	m.Open("s1")
	turns, _ := m.History("s1")
	assert.Len(t, turns, 1, "reopening must not reset the window")
	assert.Equal(t, 1, m.ActiveSessions())

	m.Close("s1")
	m.Close("s1")
	assert.Equal(t, 0, m.ActiveSessions())
	_, ok := m.History("s1")
	assert.False(t, ok)
}

func TestSessionManager_ReplaceHistory(t *testing.T) {
	gw := &stubGateway{}
	m := NewSessionManager(gw, SessionManagerConfig{HistoryWindow: 2}, quietLogger())
	m.Open("s1")
	_, _ = m.Ask(context.Background(), "s1", "server side")

	client := []Turn{{"c1", "r1"}, {"c2", "r2"}, {"c3", "r3"}}
	require.NoError(t, m.ReplaceHistory(context.Background(), "s1", client))

	turns, _ := m.History("s1")
	if diff := cmp.Diff(client[1:], turns); diff != "" {
		t.Fatalf("replaced window (-want +got):\n%s", diff)
	}
}

func TestSessionManager_ConcurrentSessions(t *testing.T) {
	m := NewSessionManager(&stubGateway{}, SessionManagerConfig{}, quietLogger())
	const sessions, asks = 8, 5

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		id := fmt.Sprintf("s%d", s)
		m.Open(id)
		for i := 0; i < asks; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := m.Ask(context.Background(), id, fmt.Sprintf("%s-q%d", id, i))
				assert.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	for s := 0; s < sessions; s++ {
		turns, ok := m.History(fmt.Sprintf("s%d", s))
		require.True(t, ok)
		assert.Len(t, turns, asks)
	}
}

func TestSessionManager_EvictsIdleTransientSessions(t *testing.T) {
	m := NewSessionManager(&stubGateway{}, SessionManagerConfig{IdleTTL: 10 * time.Minute}, quietLogger())
	clock := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.Open("ws-1")
	m.OpenTransient("http-idle")
	m.OpenTransient("http-busy")
	// reopening transiently does not demote a closable session
	m.OpenTransient("ws-1")

	clock = clock.Add(9 * time.Minute)
	_, err := m.Ask(context.Background(), "http-busy", "visiting hours?")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle())
	assert.Equal(t, 2, m.ActiveSessions())

	_, err = m.Ask(context.Background(), "http-idle", "parking?")
	assert.ErrorIs(t, err, ErrSessionNotOpen)
	_, ok := m.History("http-busy")
	assert.True(t, ok)

	clock = clock.Add(time.Hour)
	assert.Equal(t, 1, m.EvictIdle())
	_, ok = m.History("ws-1")
	assert.True(t, ok, "sessions opened with Open stay until Close")
}

func TestSessionManager_EvictIdleSkipsSessionInUse(t *testing.T) {
	gw := &stubGateway{delay: 200 * time.Millisecond}
	m := NewSessionManager(gw, SessionManagerConfig{IdleTTL: time.Minute}, quietLogger())
	clock := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	m.OpenTransient("http-1")

	done := make(chan error, 1)
	go func() {
		_, err := m.Ask(context.Background(), "http-1", "is the lab open?")
		done <- err
	}()
	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.histories) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	clock = clock.Add(time.Hour)
	mu.Unlock()
	assert.Zero(t, m.EvictIdle())
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.ActiveSessions())
}

func TestSessionManager_EvictIdleDisabled(t *testing.T) {
	m := NewSessionManager(&stubGateway{}, SessionManagerConfig{}, quietLogger())
	m.OpenTransient("http-1")
	m.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.Zero(t, m.EvictIdle())
	assert.Equal(t, 1, m.ActiveSessions())
}
