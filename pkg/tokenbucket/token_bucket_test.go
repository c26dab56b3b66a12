// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestTakeAndUpdate(t *testing.T) {
	tb := New(100, 500)
	start := tb.last
	at := func(ms int) time.Time { return start.Add(time.Duration(ms) * time.Millisecond) }

	steps := []struct {
		at       int
		take     float32
		min, max time.Duration
	}{
		{1000, 100, -10 * time.Second, 0},
		{2000, 100, -10 * time.Second, 0},
		{3000, 500, -10 * time.Second, 0},
		// Only 10 are left by now.
		{3000, 100, 800 * time.Millisecond, 1000 * time.Millisecond},
		{4000, 10, time.Nanosecond, 10 * time.Second},
		{5000, 100, 50 * time.Millisecond, 150 * time.Millisecond},
		// Refill is capped at capacity.
		{100000, 500, -10 * time.Second, 0},
		{200000, 501, 0, 10 * time.Second},
	}
	for i, s := range steps {
		if d := tb.TakeAndUpdate(s.take, at(s.at)); d < s.min || d > s.max {
			t.Errorf("step %d: sleep %s, expected within [%s, %s]", i, d, s.min, s.max)
		}
	}
}

// Taking fixed units at full speed takes (total-capacity)/rate seconds.
func TestSustainedRate(t *testing.T) {
	for _, c := range []struct{ rate, cap, unit, total float32 }{
		{100, 0, 1, 1000},
		{100, 0, 100, 1000},
		{100, 200, 10, 1000},
		{100, 2000, 10, 1000},
	} {
		expected := math.Max(0, float64((c.total-c.cap)/c.rate))
		tb := New(c.rate, c.cap)
		start := tb.last
		now := start
		for i := float32(0); i < c.total; i += c.unit {
			if d := tb.TakeAndUpdate(c.unit, now); d > 0 {
				now = now.Add(d)
			}
		}
		elapsed := now.Sub(start).Seconds()
		if expected > 0.001 && math.Abs((elapsed-expected)/expected) > 0.01 {
			t.Errorf("%+v: took %vs, expected %vs", c, elapsed, expected)
		}
	}
}

func TestTryTake(t *testing.T) {
	tb := New(10, 3)
	start := tb.last
	for i := 0; i < 3; i++ {
		if !tb.TryTakeAt(1, start) {
			t.Fatalf("take %d refused", i)
		}
	}
	if tb.TryTakeAt(1, start) {
		t.Fatalf("empty bucket gave a token")
	}
	// A refused take doesn't go into debt.
	if !tb.TryTakeAt(1, start.Add(100*time.Millisecond)) {
		t.Errorf("token not refilled after 100ms")
	}
	// Time going backwards doesn't refill.
	if tb.TryTakeAt(1, start) {
		t.Errorf("refilled from the past")
	}
}

func TestTakeCanceled(t *testing.T) {
	tb := New(1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tb.Take(ctx, 5); err == nil {
		t.Errorf("Take should have been canceled")
	}
}
