// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package observable

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// recorder collects deliveries to one subscriber.
type recorder struct {
	data chan value.Value
	errs chan error
}

func newRecorder() *recorder {
	return &recorder{data: make(chan value.Value, 1000), errs: make(chan error, 100)}
}

func (r *recorder) onData(v value.Value, _ uint32) { r.data <- v }
func (r *recorder) onError(err error)             { r.errs <- err }

func (r *recorder) next(t *testing.T) value.Value {
	t.Helper()
	select {
	case v := <-r.data:
		return v
	case err := <-r.errs:
		t.Fatalf("expected data, got error %s", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for data")
	}
	return nil
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-r.data:
		t.Fatalf("unexpected delivery %s", value.String(v))
	case err := <-r.errs:
		t.Fatalf("unexpected error %s", err)
	case <-time.After(wait):
	}
}

// counter is an evaluation function that returns its call count.
type counter struct {
	calls int32
	gate  chan struct{} // if set, every call waits on it
}

func (c *counter) eval(ctx context.Context) (value.Value, error) {
	n := atomic.AddInt32(&c.calls, 1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return value.Int(n), nil
}

func (c *counter) count() int {
	return int(atomic.LoadInt32(&c.calls))
}

func testCache(idle time.Duration) *Cache {
	cfg := DefaultTestConfig
	cfg.IdleTimeout = idle
	return NewCache(cfg)
}

// Concurrent subscribers to one fingerprint share a single evaluation.
func TestAtMostOneEvaluation(t *testing.T) {
	c := testCache(time.Second)
	defer c.Close()
	ev := &counter{gate: make(chan struct{})}

	const n = 50
	recs := make([]*recorder, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		recs[i] = newRecorder()
		g.Go(func() error {
			// Equal payloads built in different key orders.
			var p *value.Map
			if i%2 == 0 {
				p = value.MapOf(value.E("a", value.Int(1)), value.E("b", value.Int(2)))
			} else {
				p = value.MapOf(value.E("b", value.Int(2)), value.E("a", value.Int(1)))
			}
			_, err := c.Subscribe(Query{Name: "q", Payload: p, Eval: ev.eval}, recs[i].onData, recs[i].onError)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	close(ev.gate)
	for i, r := range recs {
		if v := r.next(t); !value.Equal(v, value.Int(1)) {
			t.Errorf("subscriber %d got %s", i, value.String(v))
		}
	}
	if ev.count() != 1 {
		t.Errorf("%d evaluations, expected 1", ev.count())
	}
	if c.Len() != 1 {
		t.Errorf("%d observables, expected 1", c.Len())
	}
}

func TestChecksumGate(t *testing.T) {
	c := testCache(time.Second)
	defer c.Close()
	ev := &counter{}
	r := newRecorder()
	h, err := c.Subscribe(Query{Name: "q", Eval: ev.eval}, r.onData, r.onError)
	if err != nil {
		t.Fatal(err)
	}
	r.next(t)

	res := value.MapOf(value.E("x", value.Int(1)), value.E("y", value.Int(2)))
	c.Publish(h.Fingerprint(), res)
	r.next(t)
	// Same content, different key order: nothing new to push.
	c.Publish(h.Fingerprint(), value.MapOf(value.E("y", value.Int(2)), value.E("x", value.Int(1))))
	r.none(t, 50*time.Millisecond)

	c.Publish(h.Fingerprint(), value.Int(7))
	if v := r.next(t); !value.Equal(v, value.Int(7)) {
		t.Errorf("got %s", value.String(v))
	}

	// A second subscriber gets the current result once.
	r2 := newRecorder()
	if _, err := c.Subscribe(Query{Name: "q", Eval: ev.eval}, r2.onData, r2.onError); err != nil {
		t.Fatal(err)
	}
	if v := r2.next(t); !value.Equal(v, value.Int(7)) {
		t.Errorf("late subscriber got %s", value.String(v))
	}
	r.none(t, 50*time.Millisecond)

	if c.Publish(12345, value.Int(1)) {
		t.Errorf("publish to an unknown fingerprint succeeded")
	}
}

// Deliveries to one subscriber keep publish order.
func TestDeliveryOrder(t *testing.T) {
	c := testCache(time.Second)
	defer c.Close()
	r := newRecorder()
	h, err := c.Subscribe(Query{Name: "q", Eval: (&counter{}).eval}, r.onData, r.onError)
	if err != nil {
		t.Fatal(err)
	}
	r.next(t)
	for i := 100; i < 200; i++ {
		c.Publish(h.Fingerprint(), value.Int(i))
	}
	for i := 100; i < 200; i++ {
		if v := r.next(t); !value.Equal(v, value.Int(i)) {
			t.Fatalf("delivery %d is %s", i, value.String(v))
		}
	}
}

func TestIdleEviction(t *testing.T) {
	const idle = 60 * time.Millisecond
	c := testCache(idle)
	defer c.Close()
	closed := make(chan time.Time, 1)
	ev := &counter{}
	q := Query{Name: "q", Eval: ev.eval, OnClose: func() { closed <- time.Now() }}

	r := newRecorder()
	h, err := c.Subscribe(q, r.onData, r.onError)
	if err != nil {
		t.Fatal(err)
	}
	r.next(t)
	start := time.Now()
	h.Close()
	h.Close()

	select {
	case at := <-closed:
		if at.Sub(start) < idle {
			t.Errorf("destroyed after %s, grace period is %s", at.Sub(start), idle)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("observable never destroyed")
	}
	if c.Len() != 0 {
		t.Errorf("%d observables left", c.Len())
	}
}

// Subscribing during the grace period cancels the eviction and reuses the
// result.
func TestIdleCancelled(t *testing.T) {
	const idle = 60 * time.Millisecond
	c := testCache(idle)
	defer c.Close()
	var closes int32
	ev := &counter{}
	q := Query{Name: "q", Eval: ev.eval, OnClose: func() { atomic.AddInt32(&closes, 1) }}

	r := newRecorder()
	h, _ := c.Subscribe(q, r.onData, r.onError)
	r.next(t)
	h.Close()
	time.Sleep(idle / 3)

	r2 := newRecorder()
	if _, err := c.Subscribe(q, r2.onData, r2.onError); err != nil {
		t.Fatal(err)
	}
	if v := r2.next(t); !value.Equal(v, value.Int(1)) {
		t.Errorf("resubscriber got %s", value.String(v))
	}
	time.Sleep(3 * idle)
	if n := atomic.LoadInt32(&closes); n != 0 {
		t.Errorf("close callback ran %d times", n)
	}
	if ev.count() != 1 {
		t.Errorf("%d evaluations, expected 1", ev.count())
	}
}

// Deadlines longer than the longest single timer are chained.
func TestIdleChained(t *testing.T) {
	const idle = 80 * time.Millisecond
	c := testCache(idle)
	defer c.Close()
	c.maxSpan = 15 * time.Millisecond

	closed := make(chan time.Time, 1)
	q := Query{Name: "q", Eval: (&counter{}).eval, OnClose: func() { closed <- time.Now() }}
	r := newRecorder()
	h, _ := c.Subscribe(q, r.onData, r.onError)
	r.next(t)

	// Cancel in the middle of the chain.
	h.Close()
	time.Sleep(40 * time.Millisecond)
	h2, _ := c.Subscribe(q, r.onData, r.onError)
	select {
	case <-closed:
		t.Fatalf("destroyed while subscribed")
	case <-time.After(2 * idle):
	}

	start := time.Now()
	h2.Close()
	select {
	case at := <-closed:
		if at.Sub(start) < idle {
			t.Errorf("destroyed after %s, grace period is %s", at.Sub(start), idle)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("observable never destroyed")
	}
}

func TestEvaluationErrorIsolated(t *testing.T) {
	c := testCache(time.Second)
	defer c.Close()
	bad := Query{Name: "bad", Eval: func(context.Context) (value.Value, error) {
		return nil, fmt.Errorf("boom")
	}}
	good := Query{Name: "good", Eval: (&counter{}).eval}

	rb, rg := newRecorder(), newRecorder()
	if _, err := c.Subscribe(bad, rb.onData, rb.onError); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(good, rg.onData, rg.onError); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-rb.errs:
		if !core.ErrEvaluation.Is(err) {
			t.Errorf("error %v doesn't carry ErrEvaluation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no error delivered")
	}
	rg.next(t)
	rb.none(t, 20*time.Millisecond)
	rg.none(t, 20*time.Millisecond)
}

// Refreshes during an evaluation coalesce into one more run.
func TestRefreshWhileEvaluating(t *testing.T) {
	c := testCache(time.Second)
	defer c.Close()
	ev := &counter{gate: make(chan struct{})}
	r := newRecorder()
	h, _ := c.Subscribe(Query{Name: "q", Eval: ev.eval}, r.onData, r.onError)
	for i := 0; i < 5; i++ {
		if !c.Refresh(h.Fingerprint()) {
			t.Fatalf("refresh failed")
		}
	}
	ev.gate <- struct{}{}
	ev.gate <- struct{}{}

	r.next(t)
	if v := r.next(t); !value.Equal(v, value.Int(2)) {
		t.Errorf("final result %s, expected 2", value.String(v))
	}
	r.none(t, 50*time.Millisecond)
	if ev.count() != 2 {
		t.Errorf("%d evaluations, expected 2", ev.count())
	}
}

func TestTouch(t *testing.T) {
	c := testCache(time.Second)
	defer c.Close()
	users, teams, all := &counter{}, &counter{}, &counter{}
	ru, rt, ra := newRecorder(), newRecorder(), newRecorder()
	c.Subscribe(Query{Name: "users", Tags: []string{"user"}, Eval: users.eval}, ru.onData, ru.onError)
	c.Subscribe(Query{Name: "teams", Tags: []string{"team"}, Eval: teams.eval}, rt.onData, rt.onError)
	c.Subscribe(Query{Name: "all", Tags: []string{core.AnyType}, Eval: all.eval}, ra.onData, ra.onError)
	ru.next(t)
	rt.next(t)
	ra.next(t)

	if n := c.Touch("user"); n != 2 {
		t.Errorf("touched %d observables, expected 2", n)
	}
	ru.next(t)
	ra.next(t)
	rt.none(t, 50*time.Millisecond)
	if teams.count() != 1 {
		t.Errorf("team observable evaluated %d times", teams.count())
	}
}

// An evaluation that completes after the last subscriber left is dropped, and
// the observable still idles out.
func TestDiscardWithoutSubscribers(t *testing.T) {
	const idle = 50 * time.Millisecond
	c := testCache(idle)
	defer c.Close()
	ev := &counter{gate: make(chan struct{})}
	closed := make(chan struct{})
	r := newRecorder()
	h, _ := c.Subscribe(Query{Name: "q", Eval: ev.eval, OnClose: func() { close(closed) }}, r.onData, r.onError)
	h.Close()
	close(ev.gate)
	r.none(t, 20*time.Millisecond)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("observable never destroyed")
	}
	st := c.Stats()
	if len(st) != 0 {
		t.Errorf("stats after eviction: %+v", st)
	}
}

func TestAdmission(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.MaxObservables = 1
	c := NewCache(cfg)
	defer c.Close()
	if _, err := c.Subscribe(Query{Name: "a", Eval: (&counter{}).eval}, nil, nil); err != nil {
		t.Fatal(err)
	}
	// Attaching to an existing observable is always fine.
	if _, err := c.Subscribe(Query{Name: "a", Eval: (&counter{}).eval}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(Query{Name: "b", Eval: (&counter{}).eval}, nil, nil); !core.ErrTooBusy.Is(err) {
		t.Errorf("over the observable limit: %v", err)
	}

	cfg = DefaultTestConfig
	cfg.FreeMemLimit = 1 << 30
	lowMem := NewCache(cfg)
	defer lowMem.Close()
	lowMem.freeMem = func() (uint64, error) { return 1 << 20, nil }
	if _, err := lowMem.Subscribe(Query{Name: "a", Eval: (&counter{}).eval}, nil, nil); !core.ErrTooBusy.Is(err) {
		t.Errorf("low memory: %v", err)
	}
	if _, err := lowMem.Subscribe(Query{Name: "a"}, nil, nil); err == nil {
		t.Errorf("subscribe without an evaluation function succeeded")
	}
}

func TestClose(t *testing.T) {
	c := testCache(time.Hour)
	var closes int32
	ev := &counter{gate: make(chan struct{})}
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		q := Query{Name: name, Eval: ev.eval, OnClose: func() { atomic.AddInt32(&closes, 1); wg.Done() }}
		if _, err := c.Subscribe(q, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	// Close cancels the blocked evaluations.
	c.Close()
	wg.Wait()
	if n := atomic.LoadInt32(&closes); n != 2 {
		t.Errorf("%d close callbacks, expected 2", n)
	}
	if _, err := c.Subscribe(Query{Name: "a", Eval: ev.eval}, nil, nil); !core.ErrClosed.Is(err) {
		t.Errorf("subscribe after close: %v", err)
	}
}
