// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package migration pauses background workers while the schema changes.
//
// Every worker owns a state word, AWAKE or SLEEP, shared with the
// coordinator. To migrate, the coordinator writes SLEEP to every word and
// waits until each worker has parked. Workers only look at their word between
// jobs, so a job that was running when SLEEP was written completes first.
// After the migration the coordinator writes AWAKE and waits until each worker
// has acknowledged resumption.
package migration

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// State is the value of a worker's state word.
type State uint32

// Worker states.
const (
	Sleep State = 0
	Awake State = 1
)

func (s State) String() string {
	if s == Awake {
		return "AWAKE"
	}
	return "SLEEP"
}

var (
	mMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "migration",
		Name:      "migrations",
		Help:      "migrations by outcome",
	}, []string{"result"})
	mParked = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "migration",
		Name:      "parked_workers",
		Help:      "workers currently parked",
	})
)

// Job is one unit of work. It runs to completion before its worker parks.
type Job func()

// Coordinator owns a set of workers.
type Coordinator struct {
	// Serializes migrations.
	migrateLock sync.Mutex

	// Protects the fields below and the parked/running flags of workers.
	// cond is broadcast on every change to them and to any state word.
	lock      sync.Mutex
	cond      *sync.Cond
	workers   []*Worker
	migrating bool
}

// NewCoordinator returns a coordinator without workers.
func NewCoordinator() *Coordinator {
	c := &Coordinator{}
	c.cond = sync.NewCond(&c.lock)
	return c
}

// Worker is a goroutine that runs jobs and parks on request.
type Worker struct {
	name string
	c    *Coordinator

	// state is the shared word. It's written with c.lock held and may be
	// read without it.
	state uint32

	// wake interrupts a worker waiting for a job.
	wake chan struct{}

	parked  bool // guarded by c.lock
	running bool // guarded by c.lock

	parks, resumes uint64 // atomic
}

// NewWorker registers a new worker. It starts awake, or asleep if a
// migration is under way.
func (c *Coordinator) NewWorker(name string) *Worker {
	c.lock.Lock()
	defer c.lock.Unlock()
	w := &Worker{name: name, c: c, state: uint32(Awake), wake: make(chan struct{}, 1)}
	if c.migrating {
		w.state = uint32(Sleep)
	}
	c.workers = append(c.workers, w)
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// State returns the current value of the state word.
func (w *Worker) State() State { return State(atomic.LoadUint32(&w.state)) }

// Parks returns how many times the worker has parked.
func (w *Worker) Parks() uint64 { return atomic.LoadUint64(&w.parks) }

// Resumes returns how many times the worker has resumed after parking.
func (w *Worker) Resumes() uint64 { return atomic.LoadUint64(&w.resumes) }

// Run runs jobs until jobs is closed or ctx is done. Between jobs it parks
// while its state is SLEEP.
func (w *Worker) Run(ctx context.Context, jobs <-chan Job) error {
	c := w.c
	c.lock.Lock()
	w.running = true
	c.cond.Broadcast()
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		w.running = false
		c.cond.Broadcast()
		c.lock.Unlock()
	}()

	for {
		if err := w.Checkpoint(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
			// Re-check the state word.
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			job()
		}
	}
}

// Checkpoint parks the calling worker while its state is SLEEP. Workers with
// their own loop instead of Run call it between units of work.
func (w *Worker) Checkpoint(ctx context.Context) error {
	if w.State() == Awake {
		return nil
	}
	c := w.c
	c.lock.Lock()
	defer c.lock.Unlock()

	w.parked = true
	atomic.AddUint64(&w.parks, 1)
	mParked.Inc()
	log.V(1).Infof("worker %s parked", w.name)
	c.cond.Broadcast()

	err := c.waitLocked(ctx, func() bool { return w.State() == Awake })

	w.parked = false
	mParked.Dec()
	if err == nil {
		atomic.AddUint64(&w.resumes, 1)
		log.V(1).Infof("worker %s resumed", w.name)
	}
	c.cond.Broadcast()
	return err
}

// waitLocked waits on c.cond until done returns true or ctx is done. c.lock
// is held.
func (c *Coordinator) waitLocked(ctx context.Context, done func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		c.lock.Lock()
		c.cond.Broadcast()
		c.lock.Unlock()
	})
	defer stop()
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

func (c *Coordinator) setStateLocked(s State) {
	for _, w := range c.workers {
		atomic.StoreUint32(&w.state, uint32(s))
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	c.cond.Broadcast()
}

// Sleep puts every worker to sleep and returns once each running worker has
// parked. Workers that aren't running park as soon as they start. If ctx ends
// first the workers are woken again and ErrCanceled is returned.
func (c *Coordinator) Sleep(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.migrating = true
	c.setStateLocked(Sleep)
	err := c.waitLocked(ctx, func() bool {
		for _, w := range c.workers {
			if w.running && !w.parked {
				return false
			}
		}
		return true
	})
	if err != nil {
		c.migrating = false
		c.setStateLocked(Awake)
		return core.ErrCanceled.Errorf("waiting for workers to park: %s", err)
	}
	log.Infof("all %d workers asleep", len(c.workers))
	return nil
}

// Wake wakes every worker and returns once each has resumed.
func (c *Coordinator) Wake(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.setStateLocked(Awake)
	c.migrating = false
	err := c.waitLocked(ctx, func() bool {
		for _, w := range c.workers {
			if w.parked {
				return false
			}
		}
		return true
	})
	if err != nil {
		return core.ErrCanceled.Errorf("waiting for workers to resume: %s", err)
	}
	log.Infof("all %d workers awake", len(c.workers))
	return nil
}

// Migrate runs fn with every worker parked, and wakes them afterwards whatever
// fn returns. Migrations don't overlap.
func (c *Coordinator) Migrate(ctx context.Context, fn func(ctx context.Context) error) error {
	c.migrateLock.Lock()
	defer c.migrateLock.Unlock()

	if err := c.Sleep(ctx); err != nil {
		mMigrations.WithLabelValues("canceled").Inc()
		return err
	}
	err := fn(ctx)
	if werr := c.Wake(context.WithoutCancel(ctx)); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		mMigrations.WithLabelValues("failed").Inc()
		return err
	}
	mMigrations.WithLabelValues("ok").Inc()
	return nil
}

// Migrating reports whether workers are being put to sleep or are asleep.
func (c *Coordinator) Migrating() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.migrating
}

// WorkerStats describes a worker for status pages.
type WorkerStats struct {
	Name    string
	State   State
	Parked  bool
	Running bool
	Parks   uint64
	Resumes uint64
}

// Stats describes every worker.
func (c *Coordinator) Stats() []WorkerStats {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]WorkerStats, len(c.workers))
	for i, w := range c.workers {
		out[i] = WorkerStats{
			Name:    w.name,
			State:   w.State(),
			Parked:  w.parked,
			Running: w.running,
			Parks:   w.Parks(),
			Resumes: w.Resumes(),
		}
	}
	return out
}
