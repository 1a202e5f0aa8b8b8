package security

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when an event exceeds its rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiterConfig holds the per-key sliding window parameters.
type RateLimiterConfig struct {
	// Window is the sliding window duration.
	Window time.Duration `yaml:"window"`

	// Limit is the maximum number of events per key within the window.
	Limit int `yaml:"limit"`
}

// defaults fills zero values. The defaults bound tool calls per session to
// a level a single interactive conversation never reaches organically.
func (c *RateLimiterConfig) defaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Limit <= 0 {
		c.Limit = 120
	}
}

// RateLimiter implements sliding-window rate limiting keyed by an opaque
// string (the orchestrator keys by session id). Each bucket tracks
// timestamps of recent events within the window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	config  RateLimiterConfig
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the given config.
// Zero-value fields are replaced with defaults.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{
		buckets: make(map[string][]time.Time),
		config:  cfg,
		now:     time.Now,
	}
}

// Allow records an event for key if the limit permits it.
// Returns nil if allowed, ErrRateLimited otherwise.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	events := evict(rl.buckets[key], now.Add(-rl.config.Window))

	if len(events) >= rl.config.Limit {
		rl.buckets[key] = events
		return ErrRateLimited
	}

	rl.buckets[key] = append(events, now)
	return nil
}

// Forget drops the bucket for key. Called when a session is deleted.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// evict removes events before the cutoff. Events are chronologically
// ordered, so only the prefix needs scanning.
func evict(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		events = events[i:]
	}
	return events
}
