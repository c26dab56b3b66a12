// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

func TestOpMetric(t *testing.T) {
	m := NewOpMetric("server_test_ops", "op")

	ok := m.Start("mutate")
	ok.End()

	var err error = core.ErrTooBusy.Error()
	busy := m.Start("mutate")
	busy.EndWithError(&err)

	err = core.ErrRange.Errorf("too long")
	failed := m.Start("mutate")
	if m.Pending("mutate") != 1 {
		t.Errorf("pending %d, expected 1", m.Pending("mutate"))
	}
	failed.EndWithError(&err)

	got := map[string]uint64{
		"all":      m.Count("all", "mutate"),
		"too_busy": m.Count("too_busy", "mutate"),
		"failed":   m.Count("failed", "mutate"),
	}
	exp := map[string]uint64{"all": 3, "too_busy": 1, "failed": 1}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
	if m.Pending("mutate") != 0 {
		t.Errorf("pending %d after End", m.Pending("mutate"))
	}
	if s := m.String("mutate"); !strings.Contains(s, "Total count=1") || !strings.Contains(s, "1 rejected") {
		t.Errorf("unexpected summary %q", s)
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatalf("couldn't take two permits")
	}
	if s.TryAcquire() {
		t.Fatalf("took a third permit")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Fatalf("Acquire should time out")
	}
	s.Release()
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s.InUse() != 2 {
		t.Errorf("in use %d", s.InUse())
	}
}

func TestRecordLocks(t *testing.T) {
	lm := NewFineGrainedLock()
	pa, pb := core.Prefix{'A', 'a'}, core.Prefix{'B', 'b'}

	var inside int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			k := core.RecordKey{Prefix: pa, ID: 1}
			lm.LockRecord(k)
			defer lm.UnlockRecord(k)
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Errorf("two holders of %s", k)
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			return nil
		})
	}
	g.Wait()

	// Other records aren't blocked.
	lm.LockRecord(core.RecordKey{Prefix: pa, ID: 2})
	done := make(chan struct{})
	go func() {
		lm.LockRecord(core.RecordKey{Prefix: pb, ID: 2})
		lm.UnlockRecord(core.RecordKey{Prefix: pb, ID: 2})
		close(done)
	}()
	<-done

	// The same record is.
	got := make(chan struct{})
	go func() {
		lm.LockRecord(core.RecordKey{Prefix: pa, ID: 2})
		close(got)
	}()
	select {
	case <-got:
		t.Fatalf("record lock taken twice")
	case <-time.After(20 * time.Millisecond):
	}
	lm.UnlockRecord(core.RecordKey{Prefix: pa, ID: 2})
	<-got
	lm.UnlockRecord(core.RecordKey{Prefix: pa, ID: 2})
}

func TestOpFailure(t *testing.T) {
	f := NewOpFailure()
	if err := f.Check("mutate"); err != nil {
		t.Fatalf("no failures registered, got %v", err)
	}

	srv := httptest.NewServer(f)
	defer srv.Close()
	body := `{"mutate":` + jsonInt(int(core.ErrTooBusy)) + `}`
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !core.ErrTooBusy.Is(f.Check("mutate")) {
		t.Errorf("expected injected ErrTooBusy, got %v", f.Check("mutate"))
	}
	if f.Get("query") != core.NoError {
		t.Errorf("query should not fail")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL, nil)
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if f.Get("mutate") != core.NoError {
		t.Errorf("DELETE didn't clear failures")
	}
	if err := f.Update(json.RawMessage(`{"mutate":`)); err == nil {
		t.Errorf("bad config accepted")
	}
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

type fakeMigrator struct {
	decl    []byte
	sum     uint64
	running bool
	err     error
}

func (f *fakeMigrator) Schema() ([]byte, uint64) { return f.decl, f.sum }
func (f *fakeMigrator) Migrating() bool          { return f.running }
func (f *fakeMigrator) Migrate(ctx context.Context, decl []byte) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.decl, f.sum = decl, f.sum+1
	return f.sum, nil
}

func TestMigrateHandler(t *testing.T) {
	m := &fakeMigrator{decl: []byte(`{"types":[]}`), sum: 0xab}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		MigrateHandler(w, r, m)
	}))
	defer srv.Close()

	get := func() MigrateState {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var st MigrateState
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			t.Fatal(err)
		}
		return st
	}
	if st := get(); st.Checksum != "00000000000000ab" || string(st.Schema) != `{"types":[]}` {
		t.Errorf("unexpected state %+v", st)
	}

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"types":[{"name":"x"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST status %d", resp.StatusCode)
	}
	if st := get(); st.Checksum != "00000000000000ac" {
		t.Errorf("checksum not updated: %+v", st)
	}

	m.err = core.ErrSchema.Errorf("duplicate type")
	resp, err = http.Post(srv.URL, "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("schema error gave status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL, nil)
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PUT status %d", resp.StatusCode)
	}
}
