// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package migration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// startWorkers runs n workers, each with its own job channel.
func startWorkers(t *testing.T, c *Coordinator, n int) ([]*Worker, []chan Job, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	workers := make([]*Worker, n)
	queues := make([]chan Job, n)
	for i := range workers {
		w := c.NewWorker(string(rune('a' + i)))
		q := make(chan Job, 16)
		workers[i], queues[i] = w, q
		g.Go(func() error { return w.Run(ctx, q) })
	}
	stop := func() {
		for _, q := range queues {
			close(q)
		}
		if err := g.Wait(); err != nil && err != context.Canceled {
			t.Errorf("worker failed: %v", err)
		}
		cancel()
	}
	return workers, queues, stop
}

// waitRunning spins until every worker has entered Run.
func waitRunning(t *testing.T, c *Coordinator) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		all := true
		for _, s := range c.Stats() {
			all = all && s.Running
		}
		if all {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workers never started")
}

// Each worker parks once and resumes once per migration, and the migration
// body runs with every worker parked.
func TestMigrateParksEveryWorker(t *testing.T) {
	c := NewCoordinator()
	workers, _, stop := startWorkers(t, c, 2)
	defer stop()
	waitRunning(t, c)

	ran := false
	err := c.Migrate(context.Background(), func(ctx context.Context) error {
		ran = true
		for _, s := range c.Stats() {
			if !s.Parked || s.State != Sleep {
				t.Errorf("worker %s not parked during migration: %+v", s.Name, s)
			}
		}
		if !c.Migrating() {
			t.Errorf("coordinator should report a migration")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !ran {
		t.Fatalf("migration body did not run")
	}
	for _, w := range workers {
		if w.Parks() != 1 || w.Resumes() != 1 {
			t.Errorf("worker %s parked %d and resumed %d times, expected once each", w.Name(), w.Parks(), w.Resumes())
		}
		if w.State() != Awake {
			t.Errorf("worker %s is %s after migration", w.Name(), w.State())
		}
	}
	if c.Migrating() {
		t.Errorf("coordinator still migrating")
	}
}

// A job that is running when SLEEP is written completes before the migration
// body starts.
func TestRunningJobCompletes(t *testing.T) {
	c := NewCoordinator()
	_, queues, stop := startWorkers(t, c, 1)
	defer stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var done int32
	queues[0] <- func() {
		close(started)
		<-release
		atomic.StoreInt32(&done, 1)
	}
	<-started

	res := make(chan error, 1)
	go func() {
		res <- c.Migrate(context.Background(), func(context.Context) error {
			if atomic.LoadInt32(&done) != 1 {
				t.Errorf("migration started while a job was running")
			}
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := <-res; err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

// Jobs queued during a migration run after it.
func TestJobsWaitForMigration(t *testing.T) {
	c := NewCoordinator()
	_, queues, stop := startWorkers(t, c, 1)
	defer stop()
	waitRunning(t, c)

	var migrated, late int32
	ran := make(chan struct{})
	err := c.Migrate(context.Background(), func(context.Context) error {
		queues[0] <- func() {
			late = atomic.LoadInt32(&migrated)
			close(ran)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&migrated, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	<-ran
	if late != 1 {
		t.Errorf("job queued during the migration ran before it finished")
	}
}

// The body's error is returned and the workers still wake.
func TestMigrateError(t *testing.T) {
	c := NewCoordinator()
	workers, _, stop := startWorkers(t, c, 2)
	defer stop()
	waitRunning(t, c)

	err := c.Migrate(context.Background(), func(context.Context) error {
		return core.ErrSchema.Errorf("bad schema")
	})
	if !core.ErrSchema.Is(err) {
		t.Fatalf("expected the body's error, got %v", err)
	}
	for _, w := range workers {
		if w.State() != Awake || w.Resumes() != 1 {
			t.Errorf("worker %s: state %s, resumes %d", w.Name(), w.State(), w.Resumes())
		}
	}
}

// A worker that never checkpoints holds Sleep until the context ends, and
// the others are woken again.
func TestSleepCanceled(t *testing.T) {
	c := NewCoordinator()
	workers, queues, stop := startWorkers(t, c, 2)
	defer stop()

	release := make(chan struct{})
	started := make(chan struct{})
	queues[0] <- func() {
		close(started)
		<-release
	}
	<-started
	waitRunning(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Sleep(ctx)
	close(release)
	if !core.ErrCanceled.Is(err) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if c.Migrating() {
		t.Errorf("canceled sleep left the coordinator migrating")
	}
	for _, w := range workers {
		if w.State() != Awake {
			t.Errorf("worker %s left %s", w.Name(), w.State())
		}
	}
}

// Workers that are not running don't hold up a migration, and park as soon
// as they start.
func TestIdleWorkerParksOnStart(t *testing.T) {
	c := NewCoordinator()
	w := c.NewWorker("late")
	if err := c.Sleep(context.Background()); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs := make(chan Job)
	res := make(chan error, 1)
	go func() { res <- w.Run(ctx, jobs) }()

	deadline := time.Now().Add(5 * time.Second)
	for w.Parks() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never parked")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Wake(context.Background()); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if w.Resumes() != 1 {
		t.Errorf("resumes %d, expected 1", w.Resumes())
	}
	close(jobs)
	if err := <-res; err != nil {
		t.Errorf("Run: %v", err)
	}
}

// Migrations from many goroutines are serialized.
func TestConcurrentMigrations(t *testing.T) {
	c := NewCoordinator()
	workers, _, stop := startWorkers(t, c, 3)
	defer stop()
	waitRunning(t, c)

	var inside int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return c.Migrate(context.Background(), func(context.Context) error {
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Errorf("migrations overlapped")
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, w := range workers {
		if w.Parks() != 8 || w.Resumes() != 8 {
			t.Errorf("worker %s parked %d resumed %d, expected 8", w.Name(), w.Parks(), w.Resumes())
		}
	}
}
