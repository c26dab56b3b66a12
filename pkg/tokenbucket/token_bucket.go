// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket rate limits websocket frames per session.
package tokenbucket

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple threads at once.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float32
	capacity float32
	current  float32
	last     time.Time
}

// New returns a new token bucket that fills at the given rate
// (tokens per second) and has the given capacity (tokens).
func New(rate float32, capacity float32) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// Take consumes n tokens and sleeps until the balance is non-negative again,
// or until ctx is done.
func (tb *TokenBucket) Take(ctx context.Context, n float32) error {
	d := tb.TakeAndUpdate(n, time.Now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryTake consumes n tokens only if that leaves a non-negative balance.
func (tb *TokenBucket) TryTake(n float32) bool {
	return tb.TryTakeAt(n, time.Now())
}

// TryTakeAt is TryTake at a given time.
func (tb *TokenBucket) TryTakeAt(n float32, now time.Time) bool {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refillLocked(now)
	if tb.current < n {
		return false
	}
	tb.current -= n
	return true
}

// TakeAndUpdate updates the state of the bucket to a new time, consumes n tokens, leaving
// a negative balance if necessary, and returns how long the caller should sleep until
// there's a non-negative balance again (may be negative if there was enough capacity).
func (tb *TokenBucket) TakeAndUpdate(n float32, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refillLocked(now)
	tb.current -= n
	return time.Duration(-tb.current / tb.rate * float32(time.Second))
}

// refillLocked adds capacity for the time elapsed, capped at capacity.
func (tb *TokenBucket) refillLocked(now time.Time) {
	if now.After(tb.last) {
		tb.current += tb.rate * float32(now.Sub(tb.last).Seconds())
		tb.last = now
	}
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
}

// SetRate allows you to change the rate and capacity of this TokenBucket after it's created.
func (tb *TokenBucket) SetRate(rate, capacity float32) {
	tb.lock.Lock()
	tb.rate = rate
	tb.capacity = capacity
	tb.lock.Unlock()
}
