// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package query

import (
	"encoding/binary"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// Filter tokens. Filters are postfix: operands are pushed, operators pop them
// and push their result.
const (
	TokField     = '$'  // $<propId:2>: push the field value
	TokLiteral   = '"'  // "<len:4><bytes>": push a literal, closed by a quote
	TokSet       = '\'' // '<count:2>: the last count literals form one set
	TokEq        = '='
	TokNeq       = '!'
	TokLt        = '('
	TokLe        = '['
	TokGt        = ')'
	TokGe        = ']'
	TokIncludes  = 'i'
	TokNIncludes = 'I'
	TokLike      = '~'
	TokExists    = 'x'
	TokNExists   = 'X'
	TokRange     = 'r'
	TokNRange    = 'R'
	TokAnd       = '.' // also the fallthrough marker between branches
	TokOr        = ':'
	TokType      = 'e' // e<prefix:2>: push whether the record has the type
	TokLabel     = 'L' // L e<prefix> > body Z: per type branch
	TokBranch    = '>'
	TokEnd       = 'Z'
)

// IDPropID is the property id the filter uses for the record id.
const IDPropID = core.MainPropID

// AllFields in an include body returns every field.
const AllFields = 0xffff

// SortEdge says what a sort key is taken from.
type SortEdge uint8

const (
	// EdgeValue sorts by the property value.
	EdgeValue SortEdge = 0
	// EdgeCount sorts a references property by the number of references.
	EdgeCount SortEdge = 1
)

// SortSpec is the compiled sort.
type SortSpec struct {
	PropID core.PropID
	Wire   core.WireType
	Offset int
	Size   int
	Edge   SortEdge
	Desc   bool
	Locale string
}

// Program is a compiled query:
//
//	[schemaChecksum:8][agg:1][offset:4][limit:4]
//	[typeCount:1][prefix:2]*
//	[hasSort:1]([propId:2][wireType:1][offset:2][size:2][edge:1][dir:1][localeLen:1][locale])
//	[filterLen:4][filter tokens]
//	[includeLen:4][include tokens]
//
// with every integer little endian.
type Program struct {
	SchemaChecksum uint64
	Aggregate      core.Aggregate
	Offset         uint32
	Limit          uint32
	Prefixes       []core.Prefix
	Sort           *SortSpec
	Filter         []byte
	Include        []byte
}

// Bytes encodes p.
func (p *Program) Bytes() []byte {
	b := make([]byte, 0, 32+2*len(p.Prefixes)+len(p.Filter)+len(p.Include))
	b = binary.LittleEndian.AppendUint64(b, p.SchemaChecksum)
	b = append(b, byte(p.Aggregate))
	b = binary.LittleEndian.AppendUint32(b, p.Offset)
	b = binary.LittleEndian.AppendUint32(b, p.Limit)
	b = append(b, byte(len(p.Prefixes)))
	for _, pre := range p.Prefixes {
		b = append(b, pre[:]...)
	}
	if s := p.Sort; s == nil {
		b = append(b, 0)
	} else {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint16(b, uint16(s.PropID))
		b = append(b, byte(s.Wire))
		b = binary.LittleEndian.AppendUint16(b, uint16(s.Offset))
		b = binary.LittleEndian.AppendUint16(b, uint16(s.Size))
		b = append(b, byte(s.Edge))
		if s.Desc {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = append(b, byte(len(s.Locale)))
		b = append(b, s.Locale...)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Filter)))
	b = append(b, p.Filter...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Include)))
	b = append(b, p.Include...)
	return b
}

// ParseProgram decodes the sections of a compiled program. It doesn't look
// inside the filter and include token streams.
func ParseProgram(b []byte) (*Program, error) {
	r := reader{b: b}
	p := &Program{}
	p.SchemaChecksum = r.u64()
	p.Aggregate = core.Aggregate(r.u8())
	p.Offset = r.u32()
	p.Limit = r.u32()
	n := int(r.u8())
	for i := 0; i < n && r.err == nil; i++ {
		raw := r.take(2)
		if raw != nil {
			p.Prefixes = append(p.Prefixes, core.Prefix{raw[0], raw[1]})
		}
	}
	if r.u8() == 1 {
		s := &SortSpec{}
		s.PropID = core.PropID(r.u16())
		s.Wire = core.WireType(r.u8())
		s.Offset = int(r.u16())
		s.Size = int(r.u16())
		s.Edge = SortEdge(r.u8())
		s.Desc = r.u8() == 1
		s.Locale = string(r.take(int(r.u8())))
		p.Sort = s
	}
	p.Filter = r.take(int(r.u32()))
	p.Include = r.take(int(r.u32()))
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(b) {
		return nil, core.ErrCorruptData.Errorf("%d trailing bytes after program", len(b)-r.off)
	}
	if p.Aggregate > core.AggCount {
		return nil, core.ErrCorruptData.Errorf("unknown aggregate %d", p.Aggregate)
	}
	return p, nil
}

// reader is a sticky-error little endian reader.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = core.ErrCorruptData.Errorf("program truncated at %d", r.off)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) u8() uint8 {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}
