// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package modify

import (
	"encoding/binary"
	"math"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// Record is a decoded modify record.
type Record struct {
	Op   core.OpKind
	ID   core.RecordID
	Type *schema.TypeDef

	// Props holds the value of every property present, by property id.
	Props map[core.PropID]value.Value

	// Modes holds the mode of every references property present.
	Modes map[core.PropID]core.ReferencesMode
}

// Key returns the storage key of the record.
func (r *Record) Key() core.RecordKey {
	return core.RecordKey{Prefix: r.Type.Prefix, ID: r.ID}
}

// Fields returns the properties as a nested map, in property id order.
func (r *Record) Fields() *value.Map {
	m := value.NewMap()
	for _, p := range r.Type.Props {
		if v, ok := r.Props[p.ID]; ok {
			m.SetPath(p.Keys, v)
		}
	}
	return m
}

// Header decodes only the record header.
func Header(b []byte) (op core.OpKind, id core.RecordID, prefix core.Prefix, err error) {
	if len(b) < core.RecordHeaderLen {
		return 0, 0, prefix, core.ErrCorruptData.Errorf("record of %d bytes has no header", len(b))
	}
	op = core.OpKind(b[0])
	if !op.Valid() {
		return 0, 0, prefix, core.ErrCorruptData.Errorf("unknown operation %d", b[0])
	}
	id = core.RecordID(binary.LittleEndian.Uint32(b[1:5]))
	prefix = core.Prefix{b[5], b[6]}
	return op, id, prefix, nil
}

// SetID rewrites the record id in an encoded record header.
func SetID(b []byte, id core.RecordID) {
	binary.LittleEndian.PutUint32(b[1:5], uint32(id))
}

// Decode is the inverse of Encode. The type is found through the prefix in
// the header.
func Decode(s *schema.Schema, b []byte) (*Record, error) {
	op, id, prefix, err := Header(b)
	if err != nil {
		return nil, err
	}
	td, err := s.TypeByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	r := &Record{
		Op:    op,
		ID:    id,
		Type:  td,
		Props: make(map[core.PropID]value.Value),
		Modes: make(map[core.PropID]core.ReferencesMode),
	}
	d := decoder{td: td, b: b, off: core.RecordHeaderLen}
	for d.off < len(d.b) {
		pid, err := d.u16()
		if err != nil {
			return nil, err
		}
		if pid == uint16(core.MainPropID) {
			if err := d.main(r); err != nil {
				return nil, err
			}
			continue
		}
		p := td.PropByID(core.PropID(pid))
		if p == nil {
			return nil, core.ErrCorruptData.Errorf("%s has no property %d", td.Name, pid)
		}
		var raw []byte
		if p.Wire.Fixed() {
			raw, err = d.take(p.Size)
		} else {
			raw, err = d.lenPrefixed()
		}
		if err != nil {
			return nil, err
		}
		v, mode, err := decodeValue(p, raw)
		if err != nil {
			return nil, err
		}
		r.Props[p.ID] = v
		if p.Wire == core.WireReferences {
			r.Modes[p.ID] = mode
		}
	}
	if op == core.OpDelete && len(r.Props) != 0 {
		return nil, core.ErrCorruptData.Errorf("delete record carries fields")
	}
	return r, nil
}

type decoder struct {
	td  *schema.TypeDef
	b   []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.b) {
		return nil, core.ErrCorruptData.Errorf("%s record truncated at %d, want %d more bytes", d.td.Name, d.off, n)
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p, nil
}

func (d *decoder) u16() (uint16, error) {
	p, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (d *decoder) lenPrefixed() ([]byte, error) {
	p, err := d.take(core.LenPrefixLen)
	if err != nil {
		return nil, err
	}
	return d.take(int(binary.LittleEndian.Uint32(p)))
}

// main decodes the packed fixed size properties of a MERGE_MAIN op.
func (d *decoder) main(r *Record) error {
	body, err := d.lenPrefixed()
	if err != nil {
		return err
	}
	seg := decoder{td: d.td, b: body}
	for seg.off < len(seg.b) {
		off, err := seg.u16()
		if err != nil {
			return err
		}
		size, err := seg.u16()
		if err != nil {
			return err
		}
		raw, err := seg.take(int(size))
		if err != nil {
			return err
		}
		p := propAtOffset(d.td, int(off))
		if p == nil || p.Size != int(size) {
			return core.ErrCorruptData.Errorf("%s has no %d byte property at offset %d", d.td.Name, size, off)
		}
		v, _, err := decodeValue(p, raw)
		if err != nil {
			return err
		}
		r.Props[p.ID] = v
	}
	return nil
}

// propAtOffset finds the fixed size property starting at off.
func propAtOffset(td *schema.TypeDef, off int) *schema.PropDef {
	for _, p := range td.Props {
		if p.Size > 0 && p.Offset == off {
			return p
		}
	}
	return nil
}

// decodeValue turns the wire bytes of p back into a value.
func decodeValue(p *schema.PropDef, raw []byte) (value.Value, core.ReferencesMode, error) {
	switch p.Wire {
	case core.WireBoolean:
		return value.Bool(raw[0] != 0), 0, nil
	case core.WireInteger, core.WireTimestamp:
		return value.Int(int64(binary.LittleEndian.Uint64(raw))), 0, nil
	case core.WireDouble:
		return value.Float(math.Float64frombits(binary.LittleEndian.Uint64(raw))), 0, nil
	case core.WireEnum:
		i := int(raw[0])
		if i < 1 || i > len(p.Enum) {
			return nil, 0, core.ErrCorruptData.Errorf("%s: enum index %d out of range", p.Path, i)
		}
		return value.Str(p.Enum[i-1]), 0, nil
	case core.WireReference:
		return value.Int(binary.LittleEndian.Uint32(raw)), 0, nil
	case core.WireString:
		return value.Str(raw), 0, nil
	case core.WireBinary:
		return value.Bytes(append([]byte(nil), raw...)), 0, nil
	case core.WireReferences:
		if len(raw) < 1 || (len(raw)-1)%4 != 0 {
			return nil, 0, core.ErrCorruptData.Errorf("%s: references payload of %d bytes", p.Path, len(raw))
		}
		mode := core.ReferencesMode(raw[0])
		if mode != core.RefsAdd && mode != core.RefsOverwrite {
			return nil, 0, core.ErrCorruptData.Errorf("%s: references mode %d", p.Path, mode)
		}
		ids := make(value.List, 0, (len(raw)-1)/4)
		for i := 1; i < len(raw); i += 4 {
			ids = append(ids, value.Int(binary.LittleEndian.Uint32(raw[i:])))
		}
		return ids, mode, nil
	}
	return nil, 0, core.ErrCorruptData.Errorf("%s: unknown wire type %d", p.Path, p.Wire)
}
