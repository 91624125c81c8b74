// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	tb := newTokenBucket(3, 2, c.Now)

	assert.True(t, tb.AllowN(3))
	assert.False(t, tb.Allow())

	c.Advance(500 * time.Millisecond)
	assert.Equal(t, int64(1), tb.Available())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	c.Advance(time.Hour)
	assert.Equal(t, int64(3), tb.Available())
}

func TestLimiterPerKey(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	l, err := NewLimiter(Config{Burst: 2, Rate: 1, Now: c.Now})
	require.NoError(t, err)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.ErrorIs(t, l.Check("a"), errors.ErrRateLimited)
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	c.Advance(time.Second)
	assert.NoError(t, l.Check("a"))

	l.Remove("a")
	assert.Equal(t, 1, l.Len())
}

func TestLimiterEvictsLeastRecent(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	l, err := NewLimiter(Config{Burst: 1, Rate: 1, MaxKeys: 2, Now: c.Now})
	require.NoError(t, err)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.True(t, l.Allow("c"))
	assert.Equal(t, 2, l.Len())
	// "a" was evicted and starts with a full bucket again.
	assert.True(t, l.Allow("a"))
}

func TestLimiterConfig(t *testing.T) {
	_, err := NewLimiter(Config{Burst: 0, Rate: 1})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = NewLimiter(Config{Burst: 1})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	var l *Limiter
	assert.True(t, l.Allow("x"))
	assert.NoError(t, l.Check("x"))
	assert.Equal(t, 0, l.Len())
}
