package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncRateLimitDrop(t *testing.T) {
	rl = rateLimitStats{}

	IncRateLimitDrop("/query")
	IncRateLimitDrop("/query")
	IncRateLimitDrop("")

	total, by := RateLimitSnapshot()
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, uint64(2), by["/query"])
	assert.Equal(t, uint64(1), by["global"])
}

func TestIncRateLimitDrop_Concurrent(t *testing.T) {
	rl = rateLimitStats{}

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				IncRateLimitDrop("concurrent")
			}
		}()
	}
	wg.Wait()

	total, by := RateLimitSnapshot()
	assert.Equal(t, uint64(goroutines*perGoroutine), total)
	assert.Equal(t, uint64(goroutines*perGoroutine), by["concurrent"])
}

func TestRateLimitSnapshot_IsCopy(t *testing.T) {
	rl = rateLimitStats{}
	IncRateLimitDrop("a")

	_, by := RateLimitSnapshot()
	by["a"] = 100

	_, again := RateLimitSnapshot()
	assert.Equal(t, uint64(1), again["a"])
}

func TestChatSnapshot(t *testing.T) {
	chat = chatStats{}

	IncQuestion(ChannelWebSocket)
	IncQuestion(ChannelWebSocket)
	IncQuestion(ChannelHTTP)
	IncAnswer(ChannelWebSocket)
	IncUpstreamError(ChannelHTTP)
	IncMalformed(ChannelWebSocket)

	snap := ChatSnapshot()
	assert.Equal(t, map[string]uint64{ChannelWebSocket: 2, ChannelHTTP: 1}, snap.Questions)
	assert.Equal(t, map[string]uint64{ChannelWebSocket: 1}, snap.Answers)
	assert.Equal(t, map[string]uint64{ChannelHTTP: 1}, snap.UpstreamErrors)
	assert.Equal(t, map[string]uint64{ChannelWebSocket: 1}, snap.Malformed)
}

func TestChatSnapshot_Empty(t *testing.T) {
	chat = chatStats{}
	snap := ChatSnapshot()
	assert.Empty(t, snap.Questions)
	assert.NotNil(t, snap.Answers)
}
