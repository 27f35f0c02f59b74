// Package metrics keeps in-process counters exposed on the stats endpoints.
package metrics

import (
	"sync"
	"sync/atomic"
)

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

// Channel names used for chat counters.
const (
	ChannelWebSocket = "websocket"
	ChannelHTTP      = "http"
)

type chatStats struct {
	mu        sync.Mutex
	questions map[string]uint64
	answers   map[string]uint64
	upstream  map[string]uint64
	malformed map[string]uint64
}

var chat chatStats

func inc(m *map[string]uint64, channel string) {
	chat.mu.Lock()
	if *m == nil {
		*m = make(map[string]uint64)
	}
	(*m)[channel]++
	chat.mu.Unlock()
}

func IncQuestion(channel string)      { inc(&chat.questions, channel) }
func IncAnswer(channel string)        { inc(&chat.answers, channel) }
func IncUpstreamError(channel string) { inc(&chat.upstream, channel) }
func IncMalformed(channel string)     { inc(&chat.malformed, channel) }

// ChatCounters is a point-in-time copy of the chat counters, keyed by channel.
type ChatCounters struct {
	Questions      map[string]uint64 `json:"questions"`
	Answers        map[string]uint64 `json:"answers"`
	UpstreamErrors map[string]uint64 `json:"upstream_errors"`
	Malformed      map[string]uint64 `json:"malformed"`
}

func ChatSnapshot() ChatCounters {
	chat.mu.Lock()
	defer chat.mu.Unlock()
	return ChatCounters{
		Questions:      copyCounts(chat.questions),
		Answers:        copyCounts(chat.answers),
		UpstreamErrors: copyCounts(chat.upstream),
		Malformed:      copyCounts(chat.malformed),
	}
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
