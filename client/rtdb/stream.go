// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rtdb

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/realtime"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// Event kinds delivered by Stream.Next.
const (
	EventData  = realtime.PushData
	EventError = realtime.PushError
	EventAck   = realtime.PushAck
)

// Event is one push from the server.
type Event struct {
	Kind byte
	Sub  string

	// For EventData.
	Checksum uint32
	Result   value.Value

	// For EventAck.
	ID core.RecordID

	// For EventError.
	Err error
}

// Stream is a websocket session with a server. Writes may be made from any
// goroutine; Next must be called from one goroutine at a time.
type Stream struct {
	ws *websocket.Conn

	// Serializes writes.
	wlock sync.Mutex

	// Checksum last delivered per subscription, touched only by Next.
	seen map[string]uint32
}

// Dial opens a stream to the server at addr.
func Dial(ctx context.Context, addr string) (*Stream, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/subscribe", nil)
	if err != nil {
		return nil, core.ErrNetworkConn.Errorf("dialing %s: %s", addr, err)
	}
	return &Stream{ws: ws, seen: make(map[string]uint32)}, nil
}

func (st *Stream) write(f realtime.ClientFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return core.ErrInvalidArgument.Errorf("%s", err)
	}
	st.wlock.Lock()
	defer st.wlock.Unlock()
	if err := st.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return core.ErrNetworkConn.Errorf("%s", err)
	}
	return nil
}

// Subscribe starts a live query named sub. Results arrive through Next.
func (st *Stream) Subscribe(sub string, d *query.Def) error {
	q, err := value.MarshalJSON(d.Value())
	if err != nil {
		return core.ErrQuery.Errorf("%s", err)
	}
	return st.write(realtime.ClientFrame{Op: "subscribe", Sub: sub, Name: realtime.QueryName, Query: q})
}

// Unsubscribe ends the live query named sub.
func (st *Stream) Unsubscribe(sub string) error {
	return st.write(realtime.ClientFrame{Op: "unsubscribe", Sub: sub})
}

// Mutate asks the server to encode and apply a mutation. The outcome arrives
// through Next as an EventAck or EventError tagged with sub.
func (st *Stream) Mutate(sub, typeName string, op core.OpKind, id core.RecordID, payload *value.Map) error {
	f := realtime.ClientFrame{Op: "mutate", Sub: sub, Type: typeName, Kind: op.String(), ID: id}
	if payload != nil {
		b, err := value.MarshalJSON(payload)
		if err != nil {
			return core.ErrInvalidValue.Errorf("%s", err)
		}
		f.Payload = b
	}
	return st.write(f)
}

// Next returns the next event. Data pushes whose checksum matches the last
// one delivered for the same subscription are skipped.
func (st *Stream) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		// Unblocks ReadMessage.
		st.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, msg, err := st.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, core.ErrCanceled.Errorf("%s", ctx.Err())
			}
			return Event{}, core.ErrNetworkConn.Errorf("%s", err)
		}
		if kind != websocket.BinaryMessage {
			log.Errorf("unexpected websocket frame of type %d", kind)
			continue
		}
		p, err := realtime.ParsePush(msg)
		if err != nil {
			return Event{}, err
		}
		ev := Event{Kind: p.Kind, Sub: p.Sub}
		switch p.Kind {
		case realtime.PushData:
			if last, ok := st.seen[p.Sub]; ok && last == p.Checksum {
				continue
			}
			if ev.Result, err = value.ParseJSON(p.Body); err != nil {
				return Event{}, core.ErrCorruptData.Errorf("result of %s: %s", p.Sub, err)
			}
			st.seen[p.Sub] = p.Checksum
			ev.Checksum = p.Checksum
		case realtime.PushAck:
			var a realtime.Ack
			if err := json.Unmarshal(p.Body, &a); err != nil {
				return Event{}, core.ErrCorruptData.Errorf("ack of %s: %s", p.Sub, err)
			}
			ev.ID = a.ID
		case realtime.PushError:
			ev.Err = parseRemoteError(string(p.Body))
		default:
			log.Errorf("unknown push kind %d", p.Kind)
			continue
		}
		return ev, nil
	}
}

// Close ends the session.
func (st *Stream) Close() error {
	st.wlock.Lock()
	st.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	st.wlock.Unlock()
	return st.ws.Close()
}

// parseRemoteError recovers the code of an error message sent by the
// server, falling back to ErrUnknown.
func parseRemoteError(msg string) error {
	for e := core.NoError + 1; e <= core.ErrUnknown; e++ {
		if rest, ok := strings.CutPrefix(msg, e.String()); ok {
			return core.ReplyError(e, strings.TrimLeft(rest, ": "))
		}
	}
	return core.ReplyError(core.ErrUnknown, msg)
}
