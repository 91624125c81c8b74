// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket rate limiting keyed by client.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxKeys bounds the number of tracked clients when none is set.
const DefaultMaxKeys = 10000

// TokenBucket allows bursts of up to capacity events and refills at rate
// tokens per second.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity int64, rate float64) *TokenBucket {
	return newTokenBucket(capacity, rate, time.Now)
}

func newTokenBucket(capacity int64, rate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		rate:     rate,
		last:     now(),
		now:      now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if all of them are available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens < float64(n) {
		return false
	}
	tb.tokens -= float64(n)
	return true
}

// Available returns the whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int64(tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.last).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.last = now
}

// Config configures a Limiter.
type Config struct {
	// Burst is the bucket capacity per client.
	Burst int64 `yaml:"burst"`
	// Rate is the refill rate in events per second.
	Rate float64 `yaml:"rate"`
	// MaxKeys bounds the tracked clients; the least recently seen is
	// forgotten first.
	MaxKeys int `yaml:"max_keys"`
	// Now is the clock, time.Now when nil.
	Now func() time.Time `yaml:"-"`
}

// Limiter keeps one TokenBucket per client key.
type Limiter struct {
	cfg     Config
	buckets *lru.Cache[string, *TokenBucket]
	mu      sync.Mutex
}

// NewLimiter creates a Limiter. A non-positive rate or burst is rejected.
func NewLimiter(cfg Config) (*Limiter, error) {
	if cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil, fmt.Errorf("rate limit needs a positive rate and burst: %w", errors.ErrInvalidInput)
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	buckets, err := lru.New[string, *TokenBucket](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, buckets: buckets}, nil
}

// Allow reports whether the client identified by key may perform one more
// event. A nil Limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.bucket(key).Allow()
}

// Check is Allow returning errors.ErrRateLimited on refusal.
func (l *Limiter) Check(key string) error {
	if l.Allow(key) {
		return nil
	}
	return fmt.Errorf("client %s: %w", key, errors.ErrRateLimited)
}

func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	tb, ok := l.buckets.Get(key)
	if !ok {
		tb = newTokenBucket(l.cfg.Burst, l.cfg.Rate, l.cfg.Now)
		l.buckets.Add(key, tb)
	}
	return tb
}

// Remove forgets a client.
func (l *Limiter) Remove(key string) {
	if l == nil {
		return
	}
	l.buckets.Remove(key)
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	return l.buckets.Len()
}
