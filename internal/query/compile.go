// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package query compiles declarative queries into bytecode programs.
//
// A program carries the checksum of the schema it was compiled against, so an
// executor can reject programs compiled by a client holding a stale schema
// without looking at the rest of it. Filters compile to a postfix token
// stream. When a query targets several types, property ids differ between
// them, so the filter and the include set compile to one branch per type,
// guarded by a type test, followed by a shared fallthrough clause.
package query

import (
	"encoding/binary"
	"sort"

	log "github.com/golang/glog"
	"golang.org/x/text/language"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// idProp describes the record id pseudo field.
var idProp = &schema.PropDef{ID: IDPropID, Path: "id", Keys: []string{"id"}, Wire: core.WireReference, Size: 4}

// Compile compiles d against s. It fails with an ErrQuery error, and no
// program, if a type or field doesn't resolve or an operator doesn't apply to
// the field it's used on.
func Compile(s *schema.Schema, d *Def) (*Program, error) {
	types, err := targetTypes(s, d.Types)
	if err != nil {
		return nil, err
	}
	p := &Program{SchemaChecksum: s.Checksum(), Offset: uint32(d.Offset), Limit: uint32(d.Limit)}
	if d.Offset < 0 || d.Limit < 0 {
		return nil, core.ErrQuery.Errorf("negative offset or limit")
	}
	for _, t := range types {
		p.Prefixes = append(p.Prefixes, t.Prefix)
	}

	switch d.Aggregate {
	case "", "none":
		p.Aggregate = core.AggNone
	case "count":
		p.Aggregate = core.AggCount
	default:
		return nil, core.ErrQuery.Errorf("unknown aggregate %q", d.Aggregate)
	}

	if d.Sort != nil {
		if p.Sort, err = compileSort(types, d.Sort); err != nil {
			return nil, err
		}
	}
	if d.Filter != nil {
		if p.Filter, err = compileFilter(types, d.Filter); err != nil {
			return nil, err
		}
	}
	if d.Include != nil {
		if p.Include, err = compileInclude(types, d.Include); err != nil {
			return nil, err
		}
	}
	log.V(2).Infof("compiled query on %v: %d filter bytes, %d include bytes", d.Types, len(p.Filter), len(p.Include))
	return p, nil
}

// targetTypes resolves type names. core.AnyType expands to every type.
func targetTypes(s *schema.Schema, names []string) ([]*schema.TypeDef, error) {
	if len(names) == 0 {
		return nil, core.ErrQuery.Errorf("query has no target type")
	}
	var out []*schema.TypeDef
	seen := make(map[*schema.TypeDef]bool)
	add := func(t *schema.TypeDef) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, n := range names {
		if n == core.AnyType {
			for _, t := range s.Types {
				add(t)
			}
			continue
		}
		t, err := s.Type(n)
		if err != nil {
			return nil, core.ErrQuery.Errorf("unknown type %q", n)
		}
		add(t)
	}
	if len(out) == 0 || len(out) > 255 {
		return nil, core.ErrQuery.Errorf("query targets %d types", len(out))
	}
	return out, nil
}

// field resolves a field path in td. "id" is the record id unless td has a
// property of that name.
func field(td *schema.TypeDef, path string) (*schema.PropDef, error) {
	if p := td.Prop(path); p != nil {
		return p, nil
	}
	if path == "id" {
		return idProp, nil
	}
	return nil, core.ErrQuery.Errorf("%s has no field %q", td.Name, path)
}

func compileSort(types []*schema.TypeDef, s *Sort) (*SortSpec, error) {
	if s.Locale != "" {
		if _, err := language.Parse(s.Locale); err != nil {
			return nil, core.ErrQuery.Errorf("sort locale %q: %s", s.Locale, err)
		}
		if len(s.Locale) > 255 {
			return nil, core.ErrQuery.Errorf("sort locale too long")
		}
	}
	var spec *SortSpec
	for _, td := range types {
		p, err := field(td, s.Field)
		if err != nil {
			return nil, core.ErrQuery.Errorf("sort: %s", err)
		}
		edge := EdgeValue
		switch p.Wire {
		case core.WireReferences:
			edge = EdgeCount
		case core.WireBinary:
			return nil, core.ErrQuery.Errorf("can't sort on binary field %q", s.Field)
		}
		cur := &SortSpec{PropID: p.ID, Wire: p.Wire, Offset: p.Offset, Size: p.Size, Edge: edge, Desc: s.Desc, Locale: s.Locale}
		if spec != nil && *spec != *cur {
			return nil, core.ErrQuery.Errorf("sort field %q has a different layout in %s", s.Field, td.Name)
		}
		spec = cur
	}
	return spec, nil
}

func compileFilter(types []*schema.TypeDef, f *Filter) ([]byte, error) {
	if len(types) == 1 {
		var b []byte
		return emitFilter(b, types[0], f)
	}
	var b []byte
	for _, td := range types {
		var err error
		b = append(b, TokLabel, TokType, td.Prefix[0], td.Prefix[1], TokBranch)
		if b, err = emitFilter(b, td, f); err != nil {
			return nil, err
		}
		b = append(b, TokEnd)
	}
	// Records of any other type don't match.
	return append(b, TokAnd), nil
}

func emitFilter(b []byte, td *schema.TypeDef, f *Filter) ([]byte, error) {
	var err error
	combine := func(children []*Filter, tok byte) ([]byte, error) {
		if len(children) == 0 {
			return nil, core.ErrQuery.Errorf("empty and/or")
		}
		for i, c := range children {
			if b, err = emitFilter(b, td, c); err != nil {
				return nil, err
			}
			if i > 0 {
				b = append(b, tok)
			}
		}
		return b, nil
	}

	switch {
	case f == nil:
		return nil, core.ErrQuery.Errorf("null filter")
	case f.And != nil && f.Or == nil && f.Field == "":
		return combine(f.And, TokAnd)
	case f.Or != nil && f.And == nil && f.Field == "":
		return combine(f.Or, TokOr)
	case f.And != nil || f.Or != nil:
		return nil, core.ErrQuery.Errorf("filter mixes and, or and a field")
	}
	return emitLeaf(b, td, f)
}

type opInfo struct {
	tok     byte
	ordered bool // needs an ordered field type
	nvals   int  // 0 none, 1 one value, 2 two values (range)
}

var ops = map[Op]opInfo{
	OpEq:          {TokEq, false, 1},
	OpNeq:         {TokNeq, false, 1},
	OpLt:          {TokLt, true, 1},
	OpLe:          {TokLe, true, 1},
	OpGt:          {TokGt, true, 1},
	OpGe:          {TokGe, true, 1},
	OpIncludes:    {TokIncludes, false, 1},
	OpNotIncludes: {TokNIncludes, false, 1},
	OpLike:        {TokLike, false, 1},
	OpExists:      {TokExists, false, 0},
	OpNotExists:   {TokNExists, false, 0},
	OpRange:       {TokRange, true, 2},
	OpNotRange:    {TokNRange, true, 2},
}

func ordered(w core.WireType) bool {
	switch w {
	case core.WireInteger, core.WireDouble, core.WireTimestamp, core.WireEnum, core.WireReference, core.WireString:
		return true
	}
	return false
}

func emitLeaf(b []byte, td *schema.TypeDef, f *Filter) ([]byte, error) {
	info, ok := ops[f.Op]
	if !ok {
		return nil, core.ErrQuery.Errorf("unknown operator %q", f.Op)
	}
	if f.Field == "" {
		return nil, core.ErrQuery.Errorf("%q filter has no field", f.Op)
	}
	p, err := field(td, f.Field)
	if err != nil {
		return nil, err
	}
	if info.ordered && !ordered(p.Wire) {
		return nil, core.ErrQuery.Errorf("%q doesn't apply to %s field %s.%s", f.Op, p.Wire, td.Name, p.Path)
	}

	b = append(b, TokField)
	b = binary.LittleEndian.AppendUint16(b, uint16(p.ID))

	// Operand type for literals: references compare element-wise.
	lit := p
	if p.Wire == core.WireReferences {
		lit = &schema.PropDef{ID: p.ID, Path: p.Path, Keys: p.Keys, Wire: core.WireReference, Size: 4}
	}

	switch f.Op {
	case OpExists, OpNotExists:
		if !value.IsNull(f.Value) {
			return nil, core.ErrQuery.Errorf("%q takes no value", f.Op)
		}
	case OpRange, OpNotRange:
		l, ok := f.Value.(value.List)
		if !ok || len(l) != 2 {
			return nil, core.ErrQuery.Errorf("%q on %s needs exactly two values", f.Op, p.Path)
		}
		if b, err = emitSet(b, td, lit, l); err != nil {
			return nil, err
		}
	case OpLike:
		if p.Wire != core.WireString {
			return nil, core.ErrQuery.Errorf("like doesn't apply to %s field %s.%s", p.Wire, td.Name, p.Path)
		}
		if b, err = emitLiteral(b, td, lit, f.Value); err != nil {
			return nil, err
		}
	case OpIncludes, OpNotIncludes:
		switch {
		case p.Wire == core.WireString || p.Wire == core.WireBinary:
			b, err = emitLiteral(b, td, lit, f.Value)
		case p.Wire == core.WireReferences:
			if l, isList := f.Value.(value.List); isList {
				b, err = emitSet(b, td, lit, l)
			} else {
				b, err = emitLiteral(b, td, lit, f.Value)
			}
		default:
			// Membership of a scalar in a set.
			l, isList := f.Value.(value.List)
			if !isList {
				return nil, core.ErrQuery.Errorf("%q on %s field %s.%s needs a list", f.Op, p.Wire, td.Name, p.Path)
			}
			b, err = emitSet(b, td, lit, l)
		}
		if err != nil {
			return nil, err
		}
	default:
		if p.Wire == core.WireReferences {
			return nil, core.ErrQuery.Errorf("%q doesn't apply to references field %s.%s, use includes", f.Op, td.Name, p.Path)
		}
		if b, err = emitLiteral(b, td, lit, f.Value); err != nil {
			return nil, err
		}
	}
	return append(b, info.tok), nil
}

func emitLiteral(b []byte, td *schema.TypeDef, p *schema.PropDef, v value.Value) ([]byte, error) {
	if value.IsNull(v) {
		return nil, core.ErrQuery.Errorf("filter on %s.%s needs a value", td.Name, p.Path)
	}
	raw, _, err := modify.EncodeValue(td, p, v)
	if err != nil {
		return nil, core.ErrQuery.Errorf("bad literal for %s.%s: %s", td.Name, p.Path, err)
	}
	b = append(b, TokLiteral)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(raw)))
	b = append(b, raw...)
	return append(b, TokLiteral), nil
}

func emitSet(b []byte, td *schema.TypeDef, p *schema.PropDef, l value.List) ([]byte, error) {
	if len(l) == 0 || len(l) > 0xffff {
		return nil, core.ErrQuery.Errorf("set on %s.%s has %d values", td.Name, p.Path, len(l))
	}
	var err error
	for _, v := range l {
		if b, err = emitLiteral(b, td, p, v); err != nil {
			return nil, err
		}
	}
	b = append(b, TokSet)
	return binary.LittleEndian.AppendUint16(b, uint16(len(l))), nil
}

func compileInclude(types []*schema.TypeDef, inc map[string][]string) ([]byte, error) {
	targets := make(map[string]bool, len(types))
	for _, td := range types {
		targets[td.Name] = true
	}
	for t := range inc {
		if t != core.AnyType && !targets[t] {
			return nil, core.ErrQuery.Errorf("include names %q, which the query doesn't target", t)
		}
	}

	body := func(b []byte, td *schema.TypeDef, fields []string) ([]byte, error) {
		if len(fields) >= AllFields {
			return nil, core.ErrQuery.Errorf("too many include fields")
		}
		b = append(b, TokLiteral)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(fields)))
		for _, f := range fields {
			p, err := field(td, f)
			if err != nil {
				return nil, err
			}
			b = binary.LittleEndian.AppendUint16(b, uint16(p.ID))
		}
		return append(b, TokLiteral), nil
	}
	fieldsFor := func(td *schema.TypeDef) ([]string, bool) {
		if f, ok := inc[td.Name]; ok {
			return f, true
		}
		f, ok := inc[core.AnyType]
		return f, ok
	}

	var b []byte
	var err error
	if len(types) == 1 {
		fields, ok := fieldsFor(types[0])
		if !ok {
			return nil, nil
		}
		return body(b, types[0], fields)
	}
	for _, td := range types {
		fields, ok := fieldsFor(td)
		if !ok {
			continue
		}
		b = append(b, TokLabel, TokType, td.Prefix[0], td.Prefix[1], TokBranch)
		if b, err = body(b, td, fields); err != nil {
			return nil, err
		}
		b = append(b, TokEnd)
	}
	// Types without a list get every field.
	b = append(b, TokAnd, TokLiteral)
	b = binary.LittleEndian.AppendUint16(b, AllFields)
	return append(b, TokLiteral), nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
