// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package modify turns typed payloads into modify records and back.
//
// A modify record is
//
//	[opKind:1][targetId:4 LE][typePrefix:2][fieldOps...]
//
// and a field op is [propId:2 LE] followed by the property payload. Fixed size
// payloads are written as is, variable size ones carry a 4 byte length
// prefix. MERGE_MAIN records pack every fixed size property into a single op
// with property id 0:
//
//	[0:2][len:4 LE]{[offset:2 LE][size:2 LE][bytes]}*
//
// and write variable size properties as normal ops after it. Field ops are
// always written in property id order, so the encoding of a payload doesn't
// depend on the order its keys were built in.
package modify

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// HookFunc transforms the value at a property path before it is written. It
// gets the current value and the map holding it and returns the replacement.
type HookFunc func(v value.Value, container *value.Map) (value.Value, error)

// Hook attaches a HookFunc to a dotted property path.
type Hook struct {
	Path string
	Fn   HookFunc
}

// Options control one encode call.
type Options struct {
	// InitialSize is the starting capacity of the record buffer.
	InitialSize int

	// Max is the largest record the buffer may grow to. Writes beyond it fail
	// with core.ErrRange.
	Max int

	// Safe validates values against the property constraints: unknown
	// properties, enum membership, maxBytes and required properties.
	Safe bool

	// Overwrite makes references properties replace the stored list instead
	// of adding to it.
	Overwrite bool

	// Hooks run in order before any field is written.
	Hooks []Hook
}

// DefaultOptions are safe options suitable for client requests.
func DefaultOptions() Options {
	return Options{InitialSize: 256, Max: 1 << 20, Safe: true}
}

// Result is an encoded record.
type Result struct {
	// Bytes is the modify record.
	Bytes []byte

	// Main maps the path of every property written to its new value.
	Main *value.Map
}

// Context is the state of one in-flight mutation. It is not safe for
// concurrent use and is discarded once the record is flushed.
type Context struct {
	ID        core.RecordID
	Type      *schema.TypeDef
	Op        core.OpKind
	Safe      bool
	Overwrite bool

	buf  *Buffer
	main *value.Map
}

// NewContext starts a mutation of record id of type td.
func NewContext(td *schema.TypeDef, op core.OpKind, id core.RecordID, opts Options) *Context {
	return &Context{
		ID:        id,
		Type:      td,
		Op:        op,
		Safe:      opts.Safe,
		Overwrite: opts.Overwrite,
		buf:       NewBuffer(opts.InitialSize, opts.Max),
		main:      value.NewMap(),
	}
}

// Cursor returns the current write offset.
func (c *Context) Cursor() int {
	return c.buf.Len()
}

// Encode builds the modify record applying op to record id of type td with
// the given payload. The payload is not modified; hooks work on a copy.
func Encode(td *schema.TypeDef, op core.OpKind, id core.RecordID, payload *value.Map, opts Options) (*Result, error) {
	if !op.Valid() {
		return nil, core.ErrInvalidArgument.Errorf("operation %d", op)
	}
	c := NewContext(td, op, id, opts)
	if r := c.writeHeader(); r != 0 {
		return nil, c.rangeError("header")
	}
	if op == core.OpDelete {
		return c.result(), nil
	}

	if payload == nil {
		payload = value.NewMap()
	} else {
		payload = payload.Clone()
	}
	if err := applyHooks(payload, opts.Hooks); err != nil {
		return nil, err
	}

	vals, err := c.collect(payload)
	if err != nil {
		return nil, err
	}

	if op == core.OpMergeMain {
		err = c.writeMerge(vals)
	} else {
		err = c.writeFields(vals)
	}
	if err != nil {
		return nil, err
	}
	return c.result(), nil
}

func (c *Context) result() *Result {
	return &Result{Bytes: c.buf.Bytes(), Main: c.main}
}

func (c *Context) rangeError(what string) error {
	return core.ErrRange.Errorf("%s %s of %s %d: record exceeds %d bytes", c.Op, what, c.Type.Name, c.ID, c.buf.Max())
}

func (c *Context) writeHeader() int {
	if r := c.buf.writeU8(uint8(c.Op)); r != 0 {
		return r
	}
	if r := c.buf.writeU32(uint32(c.ID)); r != 0 {
		return r
	}
	return c.buf.write(c.Type.Prefix[:])
}

// applyHooks runs hooks in declaration order. A hook whose path doesn't
// resolve to a value is skipped.
func applyHooks(payload *value.Map, hooks []Hook) error {
	for _, h := range hooks {
		keys := strings.Split(h.Path, ".")
		container := payload
		if len(keys) > 1 {
			v, ok := payload.Path(keys[:len(keys)-1])
			if !ok {
				continue
			}
			if container, ok = v.(*value.Map); !ok {
				continue
			}
		}
		last := keys[len(keys)-1]
		v, ok := container.Get(last)
		if !ok || value.IsNull(v) {
			continue
		}
		nv, err := h.Fn(v, container)
		if err != nil {
			return core.ErrInvalidValue.Errorf("hook on %q: %s", h.Path, err)
		}
		container.Set(last, nv)
	}
	return nil
}

// collect flattens the payload into a value per property, in property id
// order. Null values are treated as absent.
func (c *Context) collect(payload *value.Map) ([]value.Value, error) {
	vals := make([]value.Value, len(c.Type.Props))
	if err := c.flatten(payload, "", vals); err != nil {
		return nil, err
	}
	if c.Op == core.OpCreate && c.Safe {
		for i, p := range c.Type.Props {
			if p.Required() && vals[i] == nil {
				return nil, core.ErrInvalidValue.Errorf("%s.%s is required", c.Type.Name, p.Path)
			}
		}
	}
	return vals, nil
}

func (c *Context) flatten(m *value.Map, prefix string, vals []value.Value) error {
	for _, e := range m.Entries() {
		path := prefix + e.Key
		if p := c.Type.Prop(path); p != nil {
			if !value.IsNull(e.Value) {
				vals[p.ID-1] = e.Value
			}
			continue
		}
		if sub, ok := e.Value.(*value.Map); ok {
			if err := c.flatten(sub, path+".", vals); err != nil {
				return err
			}
			continue
		}
		if c.Safe {
			return core.ErrSchema.Errorf("%s has no property %q", c.Type.Name, path)
		}
		log.V(2).Infof("%s: dropping unknown property %q", c.Type.Name, path)
	}
	return nil
}

func (c *Context) writeFields(vals []value.Value) error {
	for i, v := range vals {
		if v == nil {
			continue
		}
		p := c.Type.Props[i]
		payload, nv, err := c.convert(p, v)
		if err != nil {
			return err
		}
		if r := c.buf.writeU16(uint16(p.ID)); r != 0 {
			return c.rangeError(p.Path)
		}
		if r := c.writePayload(p, payload); r != 0 {
			return c.rangeError(p.Path)
		}
		c.main.Set(p.Path, nv)
	}
	return nil
}

func (c *Context) writeMerge(vals []value.Value) error {
	// Main op first. Its length is patched in once the segments are written.
	if r := c.buf.writeU16(uint16(core.MainPropID)); r != 0 {
		return c.rangeError("main")
	}
	lenAt := c.buf.Len()
	if r := c.buf.writeU32(0); r != 0 {
		return c.rangeError("main")
	}
	for i, v := range vals {
		p := c.Type.Props[i]
		if v == nil || !p.Wire.Fixed() {
			continue
		}
		payload, nv, err := c.convert(p, v)
		if err != nil {
			return err
		}
		if r := c.buf.writeU16(uint16(p.Offset)); r != 0 {
			return c.rangeError(p.Path)
		}
		if r := c.buf.writeU16(uint16(p.Size)); r != 0 {
			return c.rangeError(p.Path)
		}
		if r := c.buf.write(payload); r != 0 {
			return c.rangeError(p.Path)
		}
		c.main.Set(p.Path, nv)
	}
	c.buf.patchU32(lenAt, uint32(c.buf.Len()-lenAt-core.LenPrefixLen))

	for i, v := range vals {
		p := c.Type.Props[i]
		if v == nil || p.Wire.Fixed() {
			continue
		}
		payload, nv, err := c.convert(p, v)
		if err != nil {
			return err
		}
		if r := c.buf.writeU16(uint16(p.ID)); r != 0 {
			return c.rangeError(p.Path)
		}
		if r := c.writePayload(p, payload); r != 0 {
			return c.rangeError(p.Path)
		}
		c.main.Set(p.Path, nv)
	}
	return nil
}

// writePayload writes the raw bytes of p, with a length prefix for variable
// size properties.
func (c *Context) writePayload(p *schema.PropDef, payload []byte) int {
	if !p.Wire.Fixed() {
		if r := c.buf.EnsureCapacity(core.LenPrefixLen + len(payload)); r != 0 {
			return r
		}
		c.buf.writeU32(uint32(len(payload)))
	}
	return c.buf.write(payload)
}

// convert checks v against p and returns its wire bytes (without a length
// prefix) along with the normalized value recorded in the delta map.
func (c *Context) convert(p *schema.PropDef, v value.Value) ([]byte, value.Value, error) {
	bad := func() ([]byte, value.Value, error) {
		return nil, nil, core.ErrInvalidValue.Errorf("%s.%s: %s value %s for %s property",
			c.Type.Name, p.Path, v.Kind(), value.String(v), p.Wire)
	}
	var b []byte
	switch p.Wire {
	case core.WireBoolean:
		x, ok := v.(value.Bool)
		if !ok {
			return bad()
		}
		if x {
			return []byte{1}, x, nil
		}
		return []byte{0}, x, nil

	case core.WireInteger:
		var x int64
		switch t := v.(type) {
		case value.Int:
			x = int64(t)
		case value.Float:
			// Whole floats are accepted outside safe mode.
			if c.Safe || t != value.Float(math.Trunc(float64(t))) || math.IsInf(float64(t), 0) {
				return bad()
			}
			x = int64(t)
		default:
			return bad()
		}
		return appendU64(b, uint64(x)), value.Int(x), nil

	case core.WireDouble:
		var x float64
		switch t := v.(type) {
		case value.Float:
			x = float64(t)
		case value.Int:
			x = float64(t)
		default:
			return bad()
		}
		return appendU64(b, math.Float64bits(x)), value.Float(x), nil

	case core.WireTimestamp:
		var ms int64
		switch t := v.(type) {
		case value.Int:
			ms = int64(t)
		case value.Str:
			ts, err := time.Parse(time.RFC3339Nano, string(t))
			if err != nil {
				return bad()
			}
			ms = ts.UnixMilli()
		default:
			return bad()
		}
		return appendU64(b, uint64(ms)), value.Int(ms), nil

	case core.WireEnum:
		var idx int
		switch t := v.(type) {
		case value.Str:
			i, ok := p.EnumIndex(string(t))
			if !ok {
				return bad()
			}
			idx = i
		case value.Int:
			if t < 1 || int(t) > len(p.Enum) {
				return bad()
			}
			idx = int(t)
		default:
			return bad()
		}
		return []byte{uint8(idx)}, value.Str(p.Enum[idx-1]), nil

	case core.WireReference:
		id, ok := refID(v)
		if !ok {
			return bad()
		}
		return appendU32(b, uint32(id)), value.Int(id), nil

	case core.WireString:
		s, ok := v.(value.Str)
		if !ok {
			return bad()
		}
		if c.Safe {
			if !utf8.ValidString(string(s)) {
				return bad()
			}
			if p.Flags&schema.FlagMaxBytes != 0 && len(s) > p.MaxBytes {
				return nil, nil, core.ErrRange.Errorf("%s.%s: %d bytes exceeds maxBytes %d", c.Type.Name, p.Path, len(s), p.MaxBytes)
			}
		}
		return []byte(s), s, nil

	case core.WireBinary:
		x, ok := v.(value.Bytes)
		if !ok {
			return bad()
		}
		if c.Safe && p.Flags&schema.FlagMaxBytes != 0 && len(x) > p.MaxBytes {
			return nil, nil, core.ErrRange.Errorf("%s.%s: %d bytes exceeds maxBytes %d", c.Type.Name, p.Path, len(x), p.MaxBytes)
		}
		return x, x, nil

	case core.WireReferences:
		var items value.List
		switch t := v.(type) {
		case value.List:
			items = t
		case value.Int:
			items = value.List{t}
		default:
			return bad()
		}
		mode := core.RefsAdd
		if c.Overwrite {
			mode = core.RefsOverwrite
		}
		b = append(b, uint8(mode))
		ids := make(value.List, 0, len(items))
		for _, it := range items {
			id, ok := refID(it)
			if !ok {
				return bad()
			}
			b = appendU32(b, uint32(id))
			ids = append(ids, value.Int(id))
		}
		return b, ids, nil
	}
	return nil, nil, core.ErrSchema.Errorf("%s.%s: unknown wire type %d", c.Type.Name, p.Path, p.Wire)
}

func refID(v value.Value) (int64, bool) {
	x, ok := v.(value.Int)
	if !ok || x < 1 || x > math.MaxUint32 {
		return 0, false
	}
	return int64(x), true
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// EncodeValue returns the wire bytes of v as a value of property p of td,
// without a length prefix, and the normalized value. Property constraints
// other than the value's type aren't checked.
func EncodeValue(td *schema.TypeDef, p *schema.PropDef, v value.Value) ([]byte, value.Value, error) {
	c := &Context{Type: td}
	return c.convert(p, v)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(p *schema.PropDef, raw []byte) (value.Value, error) {
	if p.Wire.Fixed() && len(raw) != p.Size {
		return nil, core.ErrCorruptData.Errorf("%s: %d bytes for a %d byte %s", p.Path, len(raw), p.Size, p.Wire)
	}
	v, _, err := decodeValue(p, raw)
	return v, err
}
