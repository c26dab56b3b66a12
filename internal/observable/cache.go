// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package observable keeps live query results shared between subscribers.
//
// An observable is identified by the fingerprint of its query name and
// payload. The first subscriber creates it and starts an evaluation; later
// subscribers with the same fingerprint attach to it, so there is never more
// than one evaluation in flight per fingerprint. Every new result is
// checksummed and delivered only to subscribers that haven't seen that
// checksum. When the last subscriber leaves, an idle timer is armed; the
// observable is destroyed if nobody subscribes before it fires.
package observable

import (
	"context"
	"sync"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/pkg/checksum"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

var (
	mActive = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "observable",
		Name:      "active",
		Help:      "number of live observables",
	})
	mSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "observable",
		Name:      "subscribers",
		Help:      "number of subscribers over all observables",
	})
	mEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "observable",
		Name:      "evaluations",
		Help:      "evaluations by outcome",
	}, []string{"result"})
	mPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "observable",
		Name:      "pushes",
		Help:      "result deliveries, and deliveries suppressed because the subscriber had the checksum",
	}, []string{"kind"})
	mPushed     = mPushes.WithLabelValues("pushed")
	mSuppressed = mPushes.WithLabelValues("suppressed")
)

// EvalFunc computes the result of an observable.
type EvalFunc func(ctx context.Context) (value.Value, error)

// DataFunc receives a result and its checksum.
type DataFunc func(result value.Value, sum uint32)

// ErrorFunc receives evaluation errors.
type ErrorFunc func(err error)

// Query describes an observable. Subscriptions with the same name and an
// equal payload share one observable, and only the first one's Eval and
// OnClose are used.
type Query struct {
	Name    string
	Payload value.Value

	// Tags name what the result depends on, type names for database queries.
	// Touch re-evaluates the observables carrying a tag. core.AnyType matches
	// every tag.
	Tags []string

	Eval EvalFunc

	// OnClose, if set, is called once when the observable is destroyed.
	OnClose func()
}

// Fingerprint returns the identity of q.
func (q Query) Fingerprint() uint64 {
	return checksum.Fingerprint(q.Name, q.Payload)
}

type subscriber struct {
	id      core.SubscriberID
	onData  DataFunc
	onError ErrorFunc
	out     outbox

	seen    bool
	lastSum uint32
}

// entry is one observable. Fields below lock are protected by it.
type entry struct {
	fp    uint64
	query Query

	lock       sync.Mutex
	subs       map[core.SubscriberID]*subscriber
	result     value.Value
	sum        uint32
	hasResult  bool
	stale      bool  // result predates a refresh that found no subscribers
	err        error // error of the last evaluation
	evaluating bool
	dirty      bool // refreshed while evaluating
	destroyed  bool
	timer      *time.Timer
	timerGen   uint64
}

// Cache is the table of live observables.
type Cache struct {
	cfg     Config
	maxSpan time.Duration

	// freeMem reports free system memory.
	freeMem func() (uint64, error)

	ctx    context.Context
	cancel context.CancelFunc
	evals  sync.WaitGroup

	lock    sync.Mutex
	entries map[uint64]*entry
	closed  bool
}

// NewCache creates an empty cache.
func NewCache(cfg Config) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:     cfg,
		maxSpan: core.MaxTimerSpan,
		freeMem: sysFreeMem,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[uint64]*entry),
	}
}

func sysFreeMem() (uint64, error) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return 0, err
	}
	return mem.ActualFree, nil
}

// Handle is one subscription.
type Handle struct {
	c    *Cache
	e    *entry
	id   core.SubscriberID
	once sync.Once
}

// ID returns the subscriber id.
func (h *Handle) ID() core.SubscriberID { return h.id }

// Fingerprint returns the fingerprint of the observable subscribed to.
func (h *Handle) Fingerprint() uint64 { return h.e.fp }

// Subscribe attaches a subscriber to the observable of q, creating and
// evaluating it if it doesn't exist. onData is called with the current result
// and with every later result whose checksum differs from the last one this
// subscriber got; onError with evaluation errors. Callbacks for one
// subscriber run in order, never concurrently, and never under cache locks.
func (c *Cache) Subscribe(q Query, onData DataFunc, onError ErrorFunc) (*Handle, error) {
	fp := q.Fingerprint()

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, core.ErrClosed.Error()
	}
	e := c.entries[fp]
	if e == nil {
		if err := c.admit(); err != nil {
			c.lock.Unlock()
			return nil, err
		}
		if q.Eval == nil {
			c.lock.Unlock()
			return nil, core.ErrInvalidArgument.Errorf("observable %q has no evaluation function", q.Name)
		}
		e = &entry{fp: fp, query: q, subs: make(map[core.SubscriberID]*subscriber)}
		c.entries[fp] = e
		mActive.Inc()
		log.V(2).Infof("observable %016x (%s) created", fp, q.Name)
	}
	// Hand over to the entry lock so the entry can't be destroyed in between.
	e.lock.Lock()
	c.lock.Unlock()
	defer e.lock.Unlock()

	sub := &subscriber{id: core.NewSubscriberID(), onData: onData, onError: onError}
	e.subs[sub.id] = sub
	mSubscribers.Inc()

	// An idle timer, if armed, no longer applies.
	e.cancelTimerLocked()

	switch {
	case e.evaluating:
		// Attach: the running evaluation delivers to us.
	case e.hasResult && !e.stale:
		c.deliverLocked(e, sub)
	default:
		c.startLocked(e)
	}
	return &Handle{c: c, e: e, id: sub.id}, nil
}

// admit checks whether a new observable may be created. c.lock is held.
func (c *Cache) admit() error {
	if len(c.entries) >= c.cfg.MaxObservables {
		return core.ErrTooBusy.Errorf("%d observables", len(c.entries))
	}
	if c.cfg.FreeMemLimit == 0 {
		return nil
	}
	free, err := c.freeMem()
	if err != nil {
		log.Errorf("failed to get memory info: %s", err)
		return nil
	}
	if free < c.cfg.FreeMemLimit {
		log.Errorf("out of memory for a new observable: %d bytes free", free)
		return core.ErrTooBusy.Errorf("low on memory")
	}
	return nil
}

// Close removes the subscriber. The observable goes idle when it was the last
// one. Close may be called more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		e := h.e
		e.lock.Lock()
		defer e.lock.Unlock()
		if _, ok := e.subs[h.id]; !ok {
			return
		}
		delete(e.subs, h.id)
		mSubscribers.Dec()
		if len(e.subs) == 0 && !e.destroyed {
			h.c.armTimerLocked(e)
		}
	})
}

// Publish sets the result of the observable fp, delivering it to every
// subscriber that hasn't seen its checksum. It returns false if there is no
// such observable.
func (c *Cache) Publish(fp uint64, result value.Value) bool {
	e := c.lookup(fp)
	if e == nil {
		return false
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.destroyed {
		return false
	}
	c.publishLocked(e, result)
	return true
}

// Refresh re-evaluates the observable fp. A refresh while an evaluation is in
// flight re-runs it once that one is done. An idle observable is only marked
// stale, and evaluated again if someone subscribes.
func (c *Cache) Refresh(fp uint64) bool {
	e := c.lookup(fp)
	if e == nil {
		return false
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.destroyed {
		return false
	}
	c.refreshLocked(e)
	return true
}

func (c *Cache) refreshLocked(e *entry) {
	switch {
	case e.evaluating:
		e.dirty = true
	case len(e.subs) == 0:
		e.stale = true
	default:
		c.startLocked(e)
	}
}

// Touch refreshes every observable tagged with tag and returns how many there
// were.
func (c *Cache) Touch(tag string) int {
	var hit []*entry
	c.lock.Lock()
	for _, e := range c.entries {
		for _, t := range e.query.Tags {
			if t == tag || t == core.AnyType {
				hit = append(hit, e)
				break
			}
		}
	}
	c.lock.Unlock()

	n := 0
	for _, e := range hit {
		e.lock.Lock()
		if !e.destroyed {
			c.refreshLocked(e)
			n++
		}
		e.lock.Unlock()
	}
	return n
}

func (c *Cache) lookup(fp uint64) *entry {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.entries[fp]
}

// startLocked starts an evaluation of e. e.lock is held.
func (c *Cache) startLocked(e *entry) {
	e.evaluating = true
	e.dirty = false
	c.evals.Add(1)
	go c.evaluate(e)
}

// evaluate runs the evaluation function until a run completes without a
// refresh arriving meanwhile.
func (c *Cache) evaluate(e *entry) {
	defer c.evals.Done()
	for {
		ctx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.cfg.EvalTimeout > 0 {
			ctx, cancel = context.WithTimeout(c.ctx, c.cfg.EvalTimeout)
		}
		res, err := e.query.Eval(ctx)
		cancel()

		e.lock.Lock()
		switch {
		case e.destroyed:
			e.evaluating = false
			e.lock.Unlock()
			return
		case len(e.subs) == 0:
			// Nobody to deliver to. The idle timer was armed when the last
			// subscriber left.
			mEvaluations.WithLabelValues("discarded").Inc()
			e.stale = true
			e.evaluating = false
			e.lock.Unlock()
			return
		case err != nil:
			mEvaluations.WithLabelValues("error").Inc()
			log.Errorf("observable %016x (%s) failed: %s", e.fp, e.query.Name, err)
			e.err = err
			// A later subscriber evaluates again rather than get the old result.
			e.stale = true
			c.failLocked(e, err)
		default:
			mEvaluations.WithLabelValues("ok").Inc()
			c.publishLocked(e, res)
		}
		if !e.dirty {
			e.evaluating = false
			e.lock.Unlock()
			return
		}
		e.dirty = false
		e.lock.Unlock()
	}
}

func (c *Cache) publishLocked(e *entry, res value.Value) {
	e.result = res
	e.sum = checksum.HashUnordered(res)
	e.hasResult = true
	e.stale = false
	e.err = nil
	for _, sub := range e.subs {
		c.deliverLocked(e, sub)
	}
}

// deliverLocked queues the current result for sub unless it has it already.
func (c *Cache) deliverLocked(e *entry, sub *subscriber) {
	if sub.seen && sub.lastSum == e.sum {
		mSuppressed.Inc()
		return
	}
	sub.seen, sub.lastSum = true, e.sum
	mPushed.Inc()
	res, sum, fn := e.result, e.sum, sub.onData
	if fn != nil {
		sub.out.push(func() { fn(res, sum) })
	}
}

func (c *Cache) failLocked(e *entry, err error) {
	wrapped := core.ErrEvaluation.Errorf("%s: %s", e.query.Name, err)
	for _, sub := range e.subs {
		// The next good result must reach everyone again.
		sub.seen = false
		if fn := sub.onError; fn != nil {
			sub.out.push(func() { fn(wrapped) })
		}
	}
}

// armTimerLocked starts the idle countdown of e. e.lock is held.
func (c *Cache) armTimerLocked(e *entry) {
	e.cancelTimerLocked()
	gen := e.timerGen
	c.scheduleLocked(e, gen, time.Now().Add(c.cfg.IdleTimeout))
}

// scheduleLocked arms a timer towards deadline, at most maxSpan long. A
// deadline further out is reached by chaining timers.
func (c *Cache) scheduleLocked(e *entry, gen uint64, deadline time.Time) {
	d := time.Until(deadline)
	if d > c.maxSpan {
		d = c.maxSpan
	}
	e.timer = time.AfterFunc(d, func() { c.expire(e, gen, deadline) })
}

// cancelTimerLocked disarms the idle timer. Bumping the generation makes a
// timer that already fired a no-op.
func (e *entry) cancelTimerLocked() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (c *Cache) expire(e *entry, gen uint64, deadline time.Time) {
	c.lock.Lock()
	e.lock.Lock()
	if e.timerGen != gen || e.destroyed || len(e.subs) > 0 {
		e.lock.Unlock()
		c.lock.Unlock()
		return
	}
	if time.Now().Before(deadline) {
		c.scheduleLocked(e, gen, deadline)
		e.lock.Unlock()
		c.lock.Unlock()
		return
	}
	e.destroyed = true
	e.timer = nil
	if c.entries[e.fp] == e {
		delete(c.entries, e.fp)
		mActive.Dec()
	}
	e.lock.Unlock()
	c.lock.Unlock()

	log.V(2).Infof("observable %016x (%s) destroyed after idling", e.fp, e.query.Name)
	if e.query.OnClose != nil {
		e.query.OnClose()
	}
}

// Len returns the number of live observables.
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// Stats describes one observable for status pages.
type Stats struct {
	Fingerprint uint64
	Name        string
	Subscribers int
	Checksum    uint32
	Evaluating  bool
	Idle        bool
	Err         string // error of the last evaluation, if it failed
}

// Stats returns a description of every live observable.
func (c *Cache) Stats() []Stats {
	c.lock.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.lock.Unlock()

	out := make([]Stats, 0, len(entries))
	for _, e := range entries {
		e.lock.Lock()
		st := Stats{
			Fingerprint: e.fp,
			Name:        e.query.Name,
			Subscribers: len(e.subs),
			Checksum:    e.sum,
			Evaluating:  e.evaluating,
			Idle:        len(e.subs) == 0,
		}
		if e.err != nil {
			st.Err = e.err.Error()
		}
		e.lock.Unlock()
		out = append(out, st)
	}
	return out
}

// Close destroys every observable, cancels running evaluations and waits for
// them to return. Subscribing afterwards fails with ErrClosed.
func (c *Cache) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[uint64]*entry)
	c.lock.Unlock()

	for _, e := range entries {
		e.lock.Lock()
		e.cancelTimerLocked()
		e.destroyed = true
		mSubscribers.Sub(float64(len(e.subs)))
		e.subs = nil
		e.lock.Unlock()
		mActive.Dec()
		if e.query.OnClose != nil {
			e.query.OnClose()
		}
	}
	c.cancel()
	c.evals.Wait()
}
