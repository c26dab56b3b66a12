// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package realtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/observable"
	"github.com/westerndigitalcorporation/rtdb/pkg/tokenbucket"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

/*

Websocket sessions.

Clients send JSON text frames:

  {"op":"subscribe","sub":"s1","name":"query","query":{...}}
  {"op":"unsubscribe","sub":"s1"}
  {"op":"mutate","sub":"m1","type":"user","kind":"create","id":0,"payload":{...}}

"sub" names the subscription, or correlates a mutation with its ack. The
server generates one for a subscribe without it. The server sends binary
push frames:

  +------+-------------+--------+-----------+------+
  | kind | checksum    | subLen | sub       | body |
  | 1 B  | 4 B, LE     | 1 B    | subLen B  |      |
  +------+-------------+--------+-----------+------+

kind is PushData with the result as JSON, PushError with an error message,
or PushAck with {"id":n} for a mutation. checksum is the result checksum for
PushData and zero otherwise.

*/

// Push frame kinds.
const (
	PushData  byte = 1
	PushError byte = 2
	PushAck   byte = 3
)

// PushHeaderLen is the size of a push frame without sub and body.
const PushHeaderLen = 6

// MaxSubLen bounds subscription names.
const MaxSubLen = 255

var mSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "rtdb",
	Name:      "sessions",
	Help:      "open websocket sessions",
})

// Push is a decoded push frame.
type Push struct {
	Kind     byte
	Checksum uint32
	Sub      string
	Body     []byte
}

// AppendPush appends the encoding of p to b.
func AppendPush(b []byte, p Push) []byte {
	b = append(b, p.Kind)
	b = binary.LittleEndian.AppendUint32(b, p.Checksum)
	b = append(b, byte(len(p.Sub)))
	b = append(b, p.Sub...)
	return append(b, p.Body...)
}

// ParsePush decodes a push frame. Body aliases b.
func ParsePush(b []byte) (Push, error) {
	if len(b) < PushHeaderLen {
		return Push{}, core.ErrCorruptData.Errorf("push frame of %d bytes", len(b))
	}
	p := Push{Kind: b[0], Checksum: binary.LittleEndian.Uint32(b[1:5])}
	n := int(b[5])
	if len(b) < PushHeaderLen+n {
		return Push{}, core.ErrCorruptData.Errorf("push frame truncated in sub")
	}
	p.Sub = string(b[PushHeaderLen : PushHeaderLen+n])
	p.Body = b[PushHeaderLen+n:]
	return p, nil
}

// ClientFrame is a request sent by a websocket client.
type ClientFrame struct {
	Op      string          `json:"op"`
	Sub     string          `json:"sub,omitempty"`
	Name    string          `json:"name,omitempty"`
	Query   json.RawMessage `json:"query,omitempty"`
	Type    string          `json:"type,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	ID      core.RecordID   `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the body of a PushAck frame.
type Ack struct {
	ID core.RecordID `json:"id"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// session is one websocket client.
type session struct {
	id  core.SessionID
	db  *DB
	cfg *Config
	ws  *websocket.Conn

	send chan []byte
	// Mutations wait here for their worker, in arrival order, so the read
	// loop keeps serving other frames while workers are parked.
	mutations chan *ClientFrame
	bucket    *tokenbucket.TokenBucket
	events trace.EventLog

	lock sync.Mutex
	subs map[string]*observable.Handle
}

func newSession(db *DB, cfg *Config, ws *websocket.Conn) *session {
	id := core.NewSessionID()
	return &session{
		id:     id,
		db:     db,
		cfg:    cfg,
		ws:     ws,
		send:      make(chan []byte, cfg.SendBuffer),
		mutations: make(chan *ClientFrame, cfg.SendBuffer),
		bucket:    tokenbucket.New(cfg.FrameRate, cfg.FrameBurst),
		events:    trace.NewEventLog("rtdb.session", id.String()),
		subs:      make(map[string]*observable.Handle),
	}
}

// run serves the session until the connection fails or ctx is done.
func (s *session) run(ctx context.Context) {
	mSessions.Inc()
	defer mSessions.Dec()
	s.events.Printf("open from %s", s.ws.RemoteAddr())
	log.V(1).Infof("session %s: open from %s", s.id, s.ws.RemoteAddr())

	g, ctx := errgroup.WithContext(ctx)
	// ReadMessage doesn't watch ctx.
	stop := context.AfterFunc(ctx, func() { s.ws.Close() })
	defer stop()

	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.mutateLoop(ctx) })
	g.Go(func() error { return s.readLoop(ctx) })
	err := g.Wait()

	s.lock.Lock()
	for _, h := range s.subs {
		h.Close()
	}
	s.subs = nil
	s.lock.Unlock()
	s.ws.Close()

	s.events.Printf("closed: %s", err)
	s.events.Finish()
	log.V(1).Infof("session %s: closed: %s", s.id, err)
}

func (s *session) writeLoop(ctx context.Context) error {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case msg := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return err
			}
		case <-ping.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return err
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) error {
	s.ws.SetReadLimit(int64(s.cfg.MaxRecordSize) + 4096)
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	for {
		s.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		kind, msg, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			s.pushError(ctx, "", core.ErrInvalidArgument.Errorf("expected a text frame"))
			continue
		}
		var f ClientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.pushError(ctx, "", core.ErrInvalidArgument.Errorf("bad frame: %s", err))
			continue
		}
		if len(f.Sub) > MaxSubLen {
			s.pushError(ctx, "", core.ErrInvalidArgument.Errorf("sub of %d bytes", len(f.Sub)))
			continue
		}
		if !s.bucket.TryTake(1) {
			s.pushError(ctx, f.Sub, core.ErrTooBusy.Errorf("frame rate exceeded"))
			continue
		}
		s.handle(ctx, &f)
	}
}

func (s *session) handle(ctx context.Context, f *ClientFrame) {
	s.events.Printf("%s %s", f.Op, f.Sub)
	var err error
	switch f.Op {
	case "subscribe":
		err = s.subscribe(ctx, f)
	case "unsubscribe":
		s.unsubscribe(f.Sub)
	case "mutate":
		select {
		case s.mutations <- f:
		case <-ctx.Done():
		}
	default:
		err = core.ErrInvalidArgument.Errorf("unknown op %q", f.Op)
	}
	if err != nil {
		s.events.Errorf("%s %s: %s", f.Op, f.Sub, err)
		s.pushError(ctx, f.Sub, err)
	}
}

// mutateLoop applies queued mutations one at a time and pushes their acks.
func (s *session) mutateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.mutations:
			if err := s.mutate(ctx, f); err != nil {
				s.events.Errorf("mutate %s: %s", f.Sub, err)
				s.pushError(ctx, f.Sub, err)
			}
		}
	}
}

func (s *session) subscribe(ctx context.Context, f *ClientFrame) error {
	if f.Name != "" && f.Name != QueryName {
		return core.ErrInvalidArgument.Errorf("unknown observable %q", f.Name)
	}
	if f.Sub == "" {
		f.Sub = core.NewSubscriberID().String()
	}
	def, err := value.ParseJSON(f.Query)
	if err != nil {
		return core.ErrQuery.Errorf("%s", err)
	}

	s.lock.Lock()
	_, dup := s.subs[f.Sub]
	s.lock.Unlock()
	if dup {
		return core.ErrInvalidArgument.Errorf("subscription %q exists", f.Sub)
	}

	sub := f.Sub
	onData := func(res value.Value, sum uint32) {
		body, err := value.MarshalJSON(res)
		if err != nil {
			s.pushError(ctx, sub, err)
			return
		}
		s.push(ctx, Push{Kind: PushData, Checksum: sum, Sub: sub, Body: body})
	}
	onError := func(err error) {
		s.pushError(ctx, sub, err)
	}
	h, err := s.db.Subscribe(def, onData, onError)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.subs == nil {
		// Closed meanwhile.
		h.Close()
		return nil
	}
	s.subs[sub] = h
	return nil
}

func (s *session) unsubscribe(sub string) {
	s.lock.Lock()
	h := s.subs[sub]
	delete(s.subs, sub)
	s.lock.Unlock()
	if h != nil {
		h.Close()
	}
}

func (s *session) mutate(ctx context.Context, f *ClientFrame) error {
	op, err := core.ParseOpKind(f.Kind)
	if err != nil {
		return err
	}
	var payload *value.Map
	if len(f.Payload) > 0 {
		v, err := value.ParseJSON(f.Payload)
		if err != nil {
			return core.ErrInvalidValue.Errorf("%s", err)
		}
		switch t := v.(type) {
		case *value.Map:
			payload = t
		case value.Null:
		default:
			return core.ErrInvalidValue.Errorf("payload must be an object")
		}
	}
	id, err := s.db.MutatePayload(ctx, f.Type, op, f.ID, payload)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(Ack{ID: id})
	s.push(ctx, Push{Kind: PushAck, Sub: f.Sub, Body: body})
	return nil
}

// push queues a frame, waiting for room in the send buffer.
func (s *session) push(ctx context.Context, p Push) {
	msg := AppendPush(make([]byte, 0, PushHeaderLen+len(p.Sub)+len(p.Body)), p)
	select {
	case s.send <- msg:
	case <-ctx.Done():
	}
}

func (s *session) pushError(ctx context.Context, sub string, err error) {
	s.push(ctx, Push{Kind: PushError, Sub: sub, Body: []byte(err.Error())})
}
