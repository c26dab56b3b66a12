// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rtdb

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/realtime"
	"github.com/westerndigitalcorporation/rtdb/pkg/testutil"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

const testDecl = `{
  "version": 1,
  "types": [
    {"name": "user", "prefix": "Us", "props": [
      {"name": "name", "type": "string"},
      {"name": "age", "type": "integer"}
    ]}
  ]
}`

const nextDecl = `{
  "version": 2,
  "types": [
    {"name": "user", "prefix": "Us", "props": [
      {"name": "name", "type": "string"},
      {"name": "nick", "type": "string"},
      {"name": "age", "type": "integer"}
    ]}
  ]
}`

// newTestServer starts a server over httptest with testDecl installed.
func newTestServer(t *testing.T) (*realtime.Server, string) {
	dir := testutil.TempSubDir(t, "rtdb_client")
	path := filepath.Join(dir, "schema.json")
	if err := os.WriteFile(path, []byte(testDecl), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := realtime.DefaultTestConfig
	cfg.SchemaFile = path
	s, err := realtime.NewServer(&cfg)
	if err != nil {
		t.Fatalf("NewServer: %s", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, strings.TrimPrefix(ts.URL, "http://")
}

func newTestClient(t *testing.T, addr string) *Client {
	cli := NewClient(Options{Addr: addr, RetryTimeout: 5 * time.Second})
	t.Cleanup(cli.Close)
	return cli
}

func user(name string, age int64) *value.Map {
	return value.MapOf(value.E("name", value.Str(name)), value.E("age", value.Int(age)))
}

func mustDef(t *testing.T, s string) *query.Def {
	v, err := value.ParseJSON([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	d, err := query.ParseDef(v)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestClientMutateQueryGet(t *testing.T) {
	s, addr := newTestServer(t)
	cli := newTestClient(t, addr)
	ctx := context.Background()

	sch, err := cli.Schema(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sch.Checksum() != s.DB().Schema().Checksum() {
		t.Errorf("client schema %016x, server %016x", sch.Checksum(), s.DB().Schema().Checksum())
	}

	for i, u := range []*value.Map{user("ada", 36), user("fred", 12), user("bob", 51)} {
		id, err := cli.Mutate(ctx, "user", core.OpCreate, 0, u)
		if err != nil {
			t.Fatal(err)
		}
		if id != core.RecordID(i+1) {
			t.Errorf("created id %d, expected %d", id, i+1)
		}
	}
	if _, err := cli.Mutate(ctx, "user", core.OpUpdate, 2, value.MapOf(value.E("age", value.Int(13)))); err != nil {
		t.Fatal(err)
	}

	got, err := cli.Get(ctx, "user", 2)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Get("age"); !value.Equal(v, value.Int(13)) {
		t.Errorf("got %s after update", value.String(got))
	}
	if _, err := cli.Get(ctx, "user", 9); !core.ErrNoSuchRecord.Is(err) {
		t.Errorf("expected ErrNoSuchRecord, got %v", err)
	}

	res, sum, err := cli.Query(ctx, mustDef(t, `{"types": "user", "filter": {"field": "age", "op": ">=", "value": 18}, "sort": {"field": "name"}, "include": {"user": ["name"]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if sum != realtime.ResultChecksum(res) {
		t.Errorf("checksum %08x, result hashes to %08x", sum, realtime.ResultChecksum(res))
	}
	var got2 []string
	for _, r := range res.(value.List) {
		n, _ := r.(*value.Map).Get("name")
		got2 = append(got2, value.String(n))
	}
	if diff := cmp.Diff([]string{`"ada"`, `"bob"`}, got2); diff != "" {
		t.Errorf("query rows (-want +got):\n%s", diff)
	}

	if _, err := cli.Mutate(ctx, "robot", core.OpCreate, 0, nil); !core.ErrNoSuchType.Is(err) {
		t.Errorf("expected ErrNoSuchType, got %v", err)
	}
}

// A client holding an old schema refetches it once and retries.
func TestClientStaleSchema(t *testing.T) {
	s, addr := newTestServer(t)
	cli := newTestClient(t, addr)
	ctx := context.Background()

	old, err := cli.Schema(ctx)
	if err != nil {
		t.Fatal(err)
	}
	td, _ := old.Type("user")
	rec, err := modify.Encode(td, core.OpCreate, 0, user("ada", 36), modify.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	sum, err := s.DB().Migrate(ctx, []byte(nextDecl))
	if err != nil {
		t.Fatalf("Migrate: %s", err)
	}

	id, err := cli.Mutate(ctx, "user", core.OpCreate, 0, value.MapOf(value.E("name", value.Str("fred")), value.E("nick", value.Str("f"))))
	if err != nil {
		t.Fatalf("mutate after migration: %s", err)
	}
	cur, _ := cli.Schema(ctx)
	if cur.Checksum() != sum {
		t.Errorf("client holds %016x after retry, server has %016x", cur.Checksum(), sum)
	}

	// Pre-encoded records aren't re-encoded.
	if _, err := cli.MutateRecord(ctx, rec.Bytes, old.Checksum()); !core.ErrStaleSchema.Is(err) {
		t.Errorf("expected ErrStaleSchema, got %v", err)
	}

	got, err := cli.Get(ctx, "user", id)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Get("nick"); !value.Equal(v, value.Str("f")) {
		t.Errorf("got %s", value.String(got))
	}
}

// A query on a field the cached schema doesn't know yet refetches it.
func TestClientQueryAfterMigration(t *testing.T) {
	s, addr := newTestServer(t)
	cli := newTestClient(t, addr)
	ctx := context.Background()

	if _, err := cli.Schema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Migrate(ctx, []byte(nextDecl)); err != nil {
		t.Fatalf("Migrate: %s", err)
	}
	if _, err := s.DB().MutatePayload(ctx, "user", core.OpCreate, 0, value.MapOf(value.E("name", value.Str("fred")), value.E("nick", value.Str("f")))); err != nil {
		t.Fatal(err)
	}

	res, _, err := cli.Query(ctx, mustDef(t, `{"types": "user", "filter": {"field": "nick", "op": "=", "value": "f"}, "aggregate": "count"}`))
	if err != nil {
		t.Fatalf("query after migration: %s", err)
	}
	if !value.Equal(res, value.MapOf(value.E("count", value.Int(1)))) {
		t.Errorf("got %s", value.String(res))
	}

	// An error the fresh schema raises too is returned as is.
	if _, _, err := cli.Query(ctx, mustDef(t, `{"types": "user", "filter": {"field": "color", "op": "=", "value": 1}}`)); !core.ErrQuery.Is(err) {
		t.Errorf("expected ErrQuery, got %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	cli := NewClient(Options{Addr: "localhost:1", DisableRetry: true})
	defer cli.Close()
	if _, err := cli.Schema(context.Background()); !core.ErrRPC.Is(err) {
		t.Errorf("expected ErrRPC, got %v", err)
	}
}

func TestStream(t *testing.T) {
	_, addr := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := Dial(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if err := st.Subscribe("n", mustDef(t, `{"types": "user", "aggregate": "count"}`)); err != nil {
		t.Fatal(err)
	}
	ev, err := st.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != EventData || ev.Sub != "n" || value.String(ev.Result) != `{"count":0}` {
		t.Fatalf("first event %+v", ev)
	}

	if err := st.Mutate("m1", "user", core.OpCreate, 0, user("ada", 36)); err != nil {
		t.Fatal(err)
	}
	var acked, counted bool
	for !acked || !counted {
		ev, err := st.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		switch ev.Kind {
		case EventAck:
			acked = ev.Sub == "m1" && ev.ID == 1
		case EventData:
			counted = value.String(ev.Result) == `{"count":1}`
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}

	if err := st.Mutate("m2", "user", core.OpDelete, 5, nil); err != nil {
		t.Fatal(err)
	}
	if err := st.Mutate("m3", "user", core.OpUpdate, 5, user("x", 1)); err != nil {
		t.Fatal(err)
	}
	for {
		ev, err := st.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == EventAck {
			continue
		}
		if ev.Kind != EventError || ev.Sub != "m3" || !core.ErrNoSuchRecord.Is(ev.Err) {
			t.Errorf("expected ErrNoSuchRecord on m3, got %+v", ev)
		}
		break
	}

	// Next gives up when ctx is done.
	short, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	if _, err := st.Next(short); !core.ErrCanceled.Is(err) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}

func TestParseRemoteError(t *testing.T) {
	err := parseRemoteError(core.ErrStaleSchema.Errorf("abc").Error())
	if !core.ErrStaleSchema.Is(err) || !strings.HasSuffix(err.Error(), ": abc") {
		t.Errorf("got %v", err)
	}
	if err := parseRemoteError("whatever"); !core.ErrUnknown.Is(err) {
		t.Errorf("got %v", err)
	}
}
