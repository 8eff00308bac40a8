// Package ratelimit provides token-bucket rate limiting for broker endpoints.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Tokens is the bucket capacity, also the number of requests allowed
	// in one full window.
	Tokens int `yaml:"tokens"`
	// Window is the period over which a drained bucket fully refills.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration:
// 30 requests per 60 second window.
func DefaultConfig() Config {
	return Config{
		Tokens:  30,
		Window:  60 * time.Second,
		Enabled: true,
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`
	// Remaining is the number of whole tokens left after this check.
	Remaining int `json:"remaining"`
	// ResetInMs is how long until at least one token is available again.
	// Zero when Allowed.
	ResetInMs int64 `json:"reset_in_ms"`
	// FillLevel is the bucket fill fraction in [0,1].
	FillLevel float64 `json:"fill_level"`
}

// bucket implements a time-proportional token bucket.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(config Config) *bucket {
	if config.Tokens <= 0 {
		config.Tokens = 30
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}

	return &bucket{
		tokens:     float64(config.Tokens),
		maxTokens:  float64(config.Tokens),
		refillRate: float64(config.Tokens) / config.Window.Seconds(),
		lastRefill: time.Now(),
	}
}

// check refills, consumes one token if available, and reports the decision.
func (b *bucket) check() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return Decision{
			Allowed:   true,
			Remaining: int(b.tokens),
			FillLevel: b.tokens / b.maxTokens,
		}
	}

	needed := 1 - b.tokens
	resetIn := time.Duration(needed / b.refillRate * float64(time.Second))
	return Decision{
		Allowed:   false,
		Remaining: 0,
		ResetInMs: int64(math.Ceil(float64(resetIn) / float64(time.Millisecond))),
		FillLevel: b.tokens / b.maxTokens,
	}
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Limiter manages independent buckets keyed by (client, endpoint). Separate
// endpoint components keep a discovery burst from starving tool invocation.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// CheckLimit consumes one token for the key if available and returns the
// decision. Disabled limiters always allow.
func (l *Limiter) CheckLimit(key string) Decision {
	if !l.config.Enabled {
		return Decision{Allowed: true, Remaining: l.config.Tokens, FillLevel: 1}
	}

	return l.getBucket(key).check()
}

// getBucket returns or creates a bucket for the given key.
func (l *Limiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()

	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = l.buckets[key]; exists {
		return b
	}

	// Prune if too many keys
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	b = newBucket(l.config)
	l.buckets[key] = b
	return b
}

// prune removes near-full buckets (likely inactive keys).
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		b.mu.Lock()
		b.refill()
		full := b.tokens >= b.maxTokens*0.9
		b.mu.Unlock()
		if full {
			delete(l.buckets, key)
		}
	}
}

// Reset clears the bucket for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
