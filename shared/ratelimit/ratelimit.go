// Package ratelimit limits requests per client key, in memory or across instances through Redis.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key is allowed now
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory is a token bucket per key. Idle keys are dropped by Sweep.
type Memory struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory allows requests per window with a burst of the full window
func NewMemory(requests int, window time.Duration) *Memory {
	return &Memory{
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = e
	}
	e.lastSeen = now

	return e.limiter.AllowN(now, 1), nil
}

// Sweep forgets keys not seen for idle
func (m *Memory) Sweep(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idle)
	removed := 0
	for key, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// fixedWindowScript increments the window counter and sets its expiry on first use
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Redis is a fixed-window counter shared by every API instance
type Redis struct {
	rdb      redis.Scripter
	prefix   string
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRedis creates a limiter storing counters under prefix
func NewRedis(rdb redis.Scripter, prefix string, requests int, window time.Duration) *Redis {
	return &Redis{
		rdb:      rdb,
		prefix:   prefix,
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

func (r *Redis) windowKey(key string) string {
	slot := r.now().UnixMilli() / r.window.Milliseconds()
	return r.prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	count, err := fixedWindowScript.Run(ctx, r.rdb, []string{r.windowKey(key)}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return count <= int64(r.requests), nil
}
