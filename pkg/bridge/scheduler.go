// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"sync"
	"time"
)

// Timer is a cancellable delayed callback.
type Timer interface {
	Stop() bool
}

// Scheduler serializes all work touching one connection's state. Defer never
// runs fn synchronously; it is queued behind everything already scheduled.
type Scheduler interface {
	Defer(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is a Scheduler backed by a single goroutine draining a FIFO queue.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

var _ Scheduler = (*Loop)(nil)

// NewLoop returns a loop. Call Run to start processing.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run executes queued functions until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.Stop()
	for {
		l.mu.Lock()
		q := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range q {
			fn()
		}
		if len(q) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) enqueue(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Defer queues fn. It is dropped silently once the loop has stopped.
func (l *Loop) Defer(fn func()) {
	l.enqueue(fn)
}

// Do queues fn and waits for it to run. It returns false if the loop stopped
// first.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.enqueue(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// AfterFunc queues fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Defer(fn) })
}

// Stop stops the loop. Queued functions that have not started are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stop)
	})
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
