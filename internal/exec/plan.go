// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package exec runs compiled query programs against stored records.
package exec

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	log "github.com/golang/glog"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// Meta keys of every result row.
const (
	KeyID   = "$id"
	KeyType = "$type"
)

// Source iterates the stored snapshots of one type in id order.
type Source interface {
	Scan(prefix core.Prefix, fn func(id core.RecordID, data []byte) error) error
}

// Plan is a program prepared against the schema it was compiled for.
type Plan struct {
	Program *query.Program

	s     *schema.Schema
	types []*schema.TypeDef

	filtered bool
	filters  map[core.Prefix][]token
	fallback []token

	// Include lists by prefix. A missing prefix, or a nil list, is every field.
	includes   map[core.Prefix][]core.PropID
	includeAll []core.PropID

	collator *collate.Collator
}

// Prepare decodes prog and checks it against s. A program compiled against
// another schema fails with ErrStaleSchema.
func Prepare(s *schema.Schema, prog []byte) (*Plan, error) {
	p, err := query.ParseProgram(prog)
	if err != nil {
		return nil, err
	}
	if p.SchemaChecksum != s.Checksum() {
		return nil, core.ErrStaleSchema.Errorf("program compiled for schema %016x, current is %016x", p.SchemaChecksum, s.Checksum())
	}
	pl := &Plan{Program: p, s: s}
	for _, pre := range p.Prefixes {
		td, err := s.TypeByPrefix(pre)
		if err != nil {
			return nil, core.ErrCorruptData.Errorf("program targets unknown prefix %s", pre)
		}
		pl.types = append(pl.types, td)
	}
	if len(p.Filter) > 0 {
		toks, err := tokenize(p.Filter)
		if err != nil {
			return nil, err
		}
		if pl.filters, pl.fallback, err = branches(toks); err != nil {
			return nil, err
		}
		pl.filtered = true
	}
	if err := pl.parseInclude(p.Include); err != nil {
		return nil, err
	}
	if p.Sort != nil && p.Sort.Locale != "" {
		tag, err := language.Parse(p.Sort.Locale)
		if err != nil {
			return nil, core.ErrCorruptData.Errorf("sort locale %q: %s", p.Sort.Locale, err)
		}
		pl.collator = collate.New(tag)
	}
	return pl, nil
}

// parseInclude reads the include section: either one list, or branches of
// lists followed by a fallthrough list.
func (pl *Plan) parseInclude(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	list := func(b []byte) ([]core.PropID, []byte, error) {
		if len(b) < 4 || b[0] != query.TokLiteral {
			return nil, nil, core.ErrCorruptData.Errorf("bad include list")
		}
		n := int(binary.LittleEndian.Uint16(b[1:]))
		if n == query.AllFields {
			if b[3] != query.TokLiteral {
				return nil, nil, core.ErrCorruptData.Errorf("unterminated include list")
			}
			return nil, b[4:], nil
		}
		if len(b) < 4+2*n || b[3+2*n] != query.TokLiteral {
			return nil, nil, core.ErrCorruptData.Errorf("truncated include list")
		}
		ids := make([]core.PropID, n)
		for i := range ids {
			ids[i] = core.PropID(binary.LittleEndian.Uint16(b[3+2*i:]))
		}
		return ids, b[4+2*n:], nil
	}

	var err error
	if b[0] != query.TokLabel {
		var ids []core.PropID
		if ids, b, err = list(b); err != nil {
			return err
		}
		if len(b) != 0 {
			return core.ErrCorruptData.Errorf("%d bytes after include list", len(b))
		}
		// An empty list still means "no fields", which differs from nil.
		if ids == nil {
			return nil
		}
		pl.includeAll = ids
		pl.includes = map[core.Prefix][]core.PropID{}
		for _, td := range pl.types {
			pl.includes[td.Prefix] = ids
		}
		return nil
	}

	pl.includes = make(map[core.Prefix][]core.PropID)
	for len(b) > 0 && b[0] == query.TokLabel {
		if len(b) < 5 || b[1] != query.TokType || b[4] != query.TokBranch {
			return core.ErrCorruptData.Errorf("malformed include branch")
		}
		pre := core.Prefix{b[2], b[3]}
		var ids []core.PropID
		if ids, b, err = list(b[5:]); err != nil {
			return err
		}
		if len(b) == 0 || b[0] != query.TokEnd {
			return core.ErrCorruptData.Errorf("unterminated include branch for %s", pre)
		}
		b = b[1:]
		if ids == nil {
			ids = []core.PropID{}
		}
		pl.includes[pre] = ids
	}
	if len(b) == 0 || b[0] != query.TokAnd {
		return core.ErrCorruptData.Errorf("include branches without a fallthrough")
	}
	if pl.includeAll, b, err = list(b[1:]); err != nil {
		return err
	}
	if len(b) != 0 {
		return core.ErrCorruptData.Errorf("%d bytes after include fallthrough", len(b))
	}
	return nil
}

// Match reports whether rec passes the filter.
func (pl *Plan) Match(rec *modify.Record) (bool, error) {
	if !pl.filtered {
		return true, nil
	}
	toks, ok := pl.filters[rec.Type.Prefix]
	if !ok {
		toks = pl.fallback
	}
	return eval(toks, rec)
}

// Project returns the result row of rec: the meta keys followed by the
// included fields.
func (pl *Plan) Project(rec *modify.Record) *value.Map {
	row := value.NewMap()
	row.Set(KeyID, value.Int(rec.ID))
	row.Set(KeyType, value.Str(rec.Type.Name))

	ids, ok := pl.includes[rec.Type.Prefix]
	if !ok {
		ids = pl.includeAll
	}
	if ids == nil {
		for _, e := range rec.Fields().Entries() {
			row.Set(e.Key, e.Value)
		}
		return row
	}
	for _, id := range ids {
		// The id pseudo field is already in the row.
		p := rec.Type.PropByID(id)
		if p == nil {
			continue
		}
		if v, ok := rec.Props[id]; ok {
			row.SetPath(p.Keys, v)
		}
	}
	return row
}

type match struct {
	rec *modify.Record
	key value.Value
}

// Run evaluates the plan over src. It returns a list of rows, or a map with a
// single "count" key for counting programs.
func (pl *Plan) Run(src Source) (value.Value, error) {
	var matches []match
	for _, td := range pl.types {
		err := src.Scan(td.Prefix, func(id core.RecordID, data []byte) error {
			rec, _, err := modify.Load(pl.s, data)
			if err != nil {
				return err
			}
			if rec.Type != td || rec.ID != id {
				return core.ErrCorruptData.Errorf("snapshot stored as %s:%d holds %s:%d", td.Prefix, id, rec.Type.Prefix, rec.ID)
			}
			ok, err := pl.Match(rec)
			if err != nil || !ok {
				return err
			}
			matches = append(matches, match{rec: rec, key: pl.sortKey(rec)})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if pl.Program.Aggregate == core.AggCount {
		return value.MapOf(value.E("count", value.Int(len(matches)))), nil
	}

	if pl.Program.Sort != nil {
		pl.sort(matches)
	}
	start := int(pl.Program.Offset)
	if start > len(matches) {
		start = len(matches)
	}
	matches = matches[start:]
	if l := int(pl.Program.Limit); l > 0 && l < len(matches) {
		matches = matches[:l]
	}

	rows := make(value.List, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, pl.Project(m.rec))
	}
	log.V(2).Infof("query over %d types returned %d rows", len(pl.types), len(rows))
	return rows, nil
}

func (pl *Plan) sortKey(rec *modify.Record) value.Value {
	s := pl.Program.Sort
	if s == nil {
		return nil
	}
	if s.PropID == query.IDPropID && rec.Type.PropByID(s.PropID) == nil {
		return value.Int(rec.ID)
	}
	v, ok := rec.Props[s.PropID]
	if !ok {
		return nil
	}
	if s.Edge == query.EdgeCount {
		l, _ := v.(value.List)
		return value.Int(len(l))
	}
	return v
}

// sort orders matches by the sort key. Absent keys sort first, ties keep
// type and id order. Descending reverses the whole order but ties.
func (pl *Plan) sort(ms []match) {
	s := pl.Program.Sort
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		p := a.rec.Type.PropByID(s.PropID)
		if p == nil {
			p = idProp
		}
		if s.Edge == query.EdgeCount {
			p = countProp
		}
		c := Compare(p, a.key, b.key, pl.collator)
		if s.Desc {
			return c > 0
		}
		return c < 0
	})
}

var countProp = &schema.PropDef{Path: "count", Wire: core.WireInteger, Size: 8}

// Compare orders two values of property p. nil is an absent value and sorts
// before everything. Enums order by declaration, strings by col when it is
// set.
func Compare(p *schema.PropDef, a, b value.Value, col *collate.Collator) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if p.Wire == core.WireEnum {
		as, _ := a.(value.Str)
		bs, _ := b.(value.Str)
		ai, _ := p.EnumIndex(string(as))
		bi, _ := p.EnumIndex(string(bs))
		return cmpInt(int64(ai), int64(bi))
	}
	switch x := a.(type) {
	case value.Bool:
		y, _ := b.(value.Bool)
		switch {
		case x == y:
			return 0
		case !bool(x):
			return -1
		}
		return 1
	case value.Int:
		switch y := b.(type) {
		case value.Int:
			return cmpInt(int64(x), int64(y))
		case value.Float:
			return cmpFloat(float64(x), float64(y))
		}
	case value.Float:
		switch y := b.(type) {
		case value.Int:
			return cmpFloat(float64(x), float64(y))
		case value.Float:
			return cmpFloat(float64(x), float64(y))
		}
	case value.Str:
		y, _ := b.(value.Str)
		if col != nil {
			return col.CompareString(string(x), string(y))
		}
		return strings.Compare(string(x), string(y))
	case value.Bytes:
		y, _ := b.(value.Bytes)
		return bytes.Compare(x, y)
	case value.List:
		y, _ := b.(value.List)
		return cmpInt(int64(len(x)), int64(len(y)))
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Run prepares prog against s and runs it over src.
func Run(s *schema.Schema, prog []byte, src Source) (value.Value, error) {
	pl, err := Prepare(s, prog)
	if err != nil {
		return nil, err
	}
	return pl.Run(src)
}
