// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/server"
	"github.com/westerndigitalcorporation/rtdb/internal/store"
	"github.com/westerndigitalcorporation/rtdb/pkg/rpc"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// newTestServer serves a fresh database with the test schema over httptest.
func newTestServer(t *testing.T, cfg *Config) (*Server, string) {
	st := store.NewMem()
	db, err := Open(cfg, st, []byte(testDecl))
	if err != nil {
		t.Fatal(err)
	}
	s := newServer(cfg, st, db)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, strings.TrimPrefix(ts.URL, "http://")
}

func TestRPC(t *testing.T) {
	s, addr := newTestServer(t, testConfig())
	cc := rpc.NewConnectionCache(time.Second, 5*time.Second, 4)
	defer cc.CloseAll()
	ctx := context.Background()

	var sreply core.SchemaReply
	if err := cc.Send(ctx, addr, core.SchemaMethod, core.SchemaReq{}, &sreply); err != nil || sreply.Err != core.NoError {
		t.Fatalf("Schema: %v %s", err, sreply.Err)
	}
	if sreply.Checksum != s.db.Schema().Checksum() {
		t.Errorf("schema checksum %016x, server has %016x", sreply.Checksum, s.db.Schema().Checksum())
	}

	td, _ := s.db.Schema().Type("user")
	res, err := modify.Encode(td, core.OpCreate, 0, user("ada", 36), modify.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	mreq := core.MutateReq{SchemaChecksum: sreply.Checksum, ReqID: rpc.GenID()}
	mreq.Set(res.Bytes, false)
	var mreply core.MutateReply
	if err := cc.Send(ctx, addr, core.MutateMethod, &mreq, &mreply); err != nil {
		t.Fatal(err)
	}
	if mreply.Err != core.NoError || mreply.ID != 1 {
		t.Fatalf("Mutate reply %+v", mreply)
	}

	// Stale checksum.
	mreq = core.MutateReq{SchemaChecksum: sreply.Checksum + 1}
	mreq.Set(res.Bytes, false)
	mreply = core.MutateReply{}
	cc.Send(ctx, addr, core.MutateMethod, &mreq, &mreply)
	if mreply.Err != core.ErrStaleSchema {
		t.Errorf("mutate with a wrong checksum: %+v", mreply)
	}

	var greply core.GetReply
	if err := cc.Send(ctx, addr, core.GetMethod, core.GetReq{Type: "user", ID: 1}, &greply); err != nil || greply.Err != core.NoError {
		t.Fatalf("Get: %v %+v", err, greply)
	}
	fields, err := value.ParseJSON(greply.Fields)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := fields.(*value.Map).Get("name"); !value.Equal(v, value.Str("ada")) {
		t.Errorf("Get returned %s", greply.Fields)
	}

	prog, err := query.Compile(s.db.Schema(), &query.Def{Types: []string{"user"}})
	if err != nil {
		t.Fatal(err)
	}
	qreq := core.QueryReq{ReqID: rpc.GenID()}
	qreq.Set(prog.Bytes(), false)
	var qreply core.QueryReply
	if err := cc.Send(ctx, addr, core.QueryMethod, &qreq, &qreply); err != nil || qreply.Err != core.NoError {
		t.Fatalf("Query: %v %+v", err, qreply)
	}
	rows, err := value.ParseJSON(qreply.Result)
	if err != nil {
		t.Fatal(err)
	}
	if l, ok := rows.(value.List); !ok || len(l) != 1 {
		t.Errorf("query result %s", qreply.Result)
	}
	if qreply.Checksum != ResultChecksum(rows) {
		t.Errorf("reply checksum %08x, result hashes to %08x", qreply.Checksum, ResultChecksum(rows))
	}
}

func TestRPCFailureInjection(t *testing.T) {
	cfg := testConfig()
	cfg.UseFailure = true
	s, addr := newTestServer(t, cfg)
	cc := rpc.NewConnectionCache(time.Second, 5*time.Second, 4)
	defer cc.CloseAll()

	if err := s.failures.Update(json.RawMessage(`{"Get": ` + jsonInt(core.ErrTooBusy) + `}`)); err != nil {
		t.Fatal(err)
	}
	var reply core.GetReply
	cc.Send(context.Background(), addr, core.GetMethod, core.GetReq{Type: "user", ID: 1}, &reply)
	if reply.Err != core.ErrTooBusy {
		t.Errorf("injected failure not returned: %+v", reply)
	}

	s.failures.Update(nil)
	reply = core.GetReply{}
	cc.Send(context.Background(), addr, core.GetMethod, core.GetReq{Type: "user", ID: 1}, &reply)
	if reply.Err != core.ErrNoSuchRecord {
		t.Errorf("Get of a missing record: %+v", reply)
	}
}

func jsonInt(e core.Error) string {
	b, _ := json.Marshal(e)
	return string(b)
}

// wsClient reads push frames off a websocket.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSession(t *testing.T, addr string) *wsClient {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/subscribe", nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(f ClientFrame) {
	if err := c.conn.WriteJSON(f); err != nil {
		c.t.Fatalf("write: %s", err)
	}
}

func (c *wsClient) next() Push {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, msg, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %s", err)
	}
	if kind != websocket.BinaryMessage {
		c.t.Fatalf("got a frame of type %d", kind)
	}
	p, err := ParsePush(msg)
	if err != nil {
		c.t.Fatal(err)
	}
	return p
}

func TestSession(t *testing.T) {
	_, addr := newTestServer(t, testConfig())
	c := dialSession(t, addr)

	c.send(ClientFrame{Op: "subscribe", Sub: "adults", Query: json.RawMessage(`{"types": "user", "filter": {"field": "age", "op": ">=", "value": 18}}`)})
	p := c.next()
	if p.Kind != PushData || p.Sub != "adults" || string(p.Body) != "[]" {
		t.Fatalf("first push %+v %s", p, p.Body)
	}

	c.send(ClientFrame{Op: "mutate", Sub: "m1", Type: "user", Kind: "create", Payload: json.RawMessage(`{"name": "ada", "age": 36}`)})
	var ack, data *Push
	for ack == nil || data == nil {
		p := c.next()
		switch p.Kind {
		case PushAck:
			ack = &p
		case PushData:
			data = &p
		default:
			t.Fatalf("unexpected push %+v %s", p, p.Body)
		}
	}
	if ack.Sub != "m1" || string(ack.Body) != `{"id":1}` {
		t.Errorf("ack %+v %s", ack, ack.Body)
	}
	res, err := value.ParseJSON(data.Body)
	if err != nil {
		t.Fatal(err)
	}
	if data.Checksum != ResultChecksum(res) {
		t.Errorf("push checksum %08x, body hashes to %08x", data.Checksum, ResultChecksum(res))
	}
	if diff := names(t, res); len(diff) != 1 || diff[0] != `"ada"` {
		t.Errorf("pushed rows %s", data.Body)
	}

	// Errors come back on the sub that caused them.
	c.send(ClientFrame{Op: "mutate", Sub: "m2", Type: "user", Kind: "update", ID: 7, Payload: json.RawMessage(`{"age": 1}`)})
	p = c.next()
	if p.Kind != PushError || p.Sub != "m2" || !strings.Contains(string(p.Body), core.ErrNoSuchRecord.String()) {
		t.Errorf("error push %+v %s", p, p.Body)
	}
	c.send(ClientFrame{Op: "subscribe", Sub: "bad", Query: json.RawMessage(`{"types": "nobody"}`)})
	if p = c.next(); p.Kind != PushError || p.Sub != "bad" {
		t.Errorf("bad query push %+v %s", p, p.Body)
	}

	// No more pushes on an unsubscribed query.
	c.send(ClientFrame{Op: "unsubscribe", Sub: "adults"})
	c.send(ClientFrame{Op: "mutate", Sub: "m3", Type: "user", Kind: "create", Payload: json.RawMessage(`{"name": "bob", "age": 51}`)})
	if p = c.next(); p.Kind != PushAck || p.Sub != "m3" {
		t.Errorf("expected only the ack, got %+v %s", p, p.Body)
	}
}

// A mutation waiting on parked workers doesn't hold up other frames.
func TestSessionMutationWaitsAlone(t *testing.T) {
	s, addr := newTestServer(t, testConfig())
	c := dialSession(t, addr)
	ctx := context.Background()

	coord := s.db.Coordinator()
	if err := coord.Sleep(ctx); err != nil {
		t.Fatal(err)
	}
	c.send(ClientFrame{Op: "mutate", Sub: "m1", Type: "user", Kind: "create", Payload: json.RawMessage(`{"name": "ada", "age": 36}`)})
	c.send(ClientFrame{Op: "mutate", Sub: "m2", Type: "user", Kind: "create", Payload: json.RawMessage(`{"name": "bob", "age": 51}`)})
	c.send(ClientFrame{Op: "subscribe", Sub: "n", Query: json.RawMessage(`{"types": "user", "aggregate": "count"}`)})
	if p := c.next(); p.Kind != PushData || p.Sub != "n" || string(p.Body) != `{"count":0}` {
		t.Fatalf("expected the subscription to be served first, got %+v %s", p, p.Body)
	}

	if err := coord.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	var acks []string
	for len(acks) < 2 {
		p := c.next()
		if p.Kind == PushAck {
			acks = append(acks, p.Sub)
		} else if p.Kind != PushData {
			t.Fatalf("unexpected push %+v %s", p, p.Body)
		}
	}
	if acks[0] != "m1" || acks[1] != "m2" {
		t.Errorf("acks out of order: %v", acks)
	}
}

func TestSessionGeneratesSub(t *testing.T) {
	_, addr := newTestServer(t, testConfig())
	c := dialSession(t, addr)
	c.send(ClientFrame{Op: "subscribe", Query: json.RawMessage(`{"types": "$any", "aggregate": "count"}`)})
	p := c.next()
	if p.Kind != PushData || len(p.Sub) == 0 {
		t.Fatalf("push %+v", p)
	}
	if _, err := core.ParseSubscriberID(p.Sub); err != nil {
		t.Errorf("generated sub %q: %s", p.Sub, err)
	}
}

func TestSessionRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.FrameRate, cfg.FrameBurst = 0.001, 1
	_, addr := newTestServer(t, cfg)
	c := dialSession(t, addr)

	c.send(ClientFrame{Op: "unsubscribe", Sub: "a"})
	c.send(ClientFrame{Op: "unsubscribe", Sub: "b"})
	p := c.next()
	if p.Kind != PushError || p.Sub != "b" || !strings.Contains(string(p.Body), core.ErrTooBusy.String()) {
		t.Errorf("expected a too busy push for b, got %+v %s", p, p.Body)
	}
}

func TestPushFrame(t *testing.T) {
	b := AppendPush(nil, Push{Kind: PushData, Checksum: 0xdeadbeef, Sub: "s1", Body: []byte(`[1]`)})
	exp := []byte{PushData, 0xef, 0xbe, 0xad, 0xde, 2, 's', '1', '[', '1', ']'}
	if !bytes.Equal(b, exp) {
		t.Fatalf("encoded % x, expected % x", b, exp)
	}
	p, err := ParsePush(b)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != PushData || p.Checksum != 0xdeadbeef || p.Sub != "s1" || string(p.Body) != "[1]" {
		t.Errorf("decoded %+v", p)
	}
	if _, err := ParsePush(b[:7]); !core.ErrCorruptData.Is(err) {
		t.Errorf("truncated sub: %v", err)
	}
	if _, err := ParsePush(b[:3]); !core.ErrCorruptData.Is(err) {
		t.Errorf("truncated header: %v", err)
	}
}

func TestMigrateEndpoint(t *testing.T) {
	s, addr := newTestServer(t, testConfig())
	s.db.MutatePayload(context.Background(), "user", core.OpCreate, 0, user("ada", 36))

	resp, err := http.Post("http://"+addr+"/migrate", "application/json", strings.NewReader(migratedDecl))
	if err != nil {
		t.Fatal(err)
	}
	var st server.MigrateState
	json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || st.Error != "" {
		t.Fatalf("migrate: %d %+v", resp.StatusCode, st)
	}
	if _, sum := s.Schema(); st.Checksum != fmt.Sprintf("%016x", sum) {
		t.Errorf("reply checksum %s, schema %016x", st.Checksum, sum)
	}

	resp, err = http.Post("http://"+addr+"/migrate", "application/json", strings.NewReader(`{"types": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad declaration answered %d", resp.StatusCode)
	}
}

func TestStatusPage(t *testing.T) {
	s, addr := newTestServer(t, testConfig())
	req, _ := http.NewRequest("GET", "http://"+addr+"/", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st StatusData
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Checksum != s.db.Schema().Checksum() || len(st.Types) != 2 || len(st.Workers) != s.cfg.Workers {
		t.Errorf("status %+v", st)
	}

	resp, err = http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("html status: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}
