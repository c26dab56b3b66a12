// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package query

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

const testDecl = `{
  "version": 2,
  "types": [
    {"name": "user", "prefix": "Us", "props": [
      {"name": "name", "type": "string"},
      {"name": "age", "type": "integer"},
      {"name": "friends", "type": "references", "ref": "user"},
      {"name": "role", "type": "enum", "enum": ["a", "b"]},
      {"name": "avatar", "type": "binary"}
    ]},
    {"name": "team", "prefix": "Te", "props": [
      {"name": "name", "type": "string"},
      {"name": "size", "type": "integer"},
      {"name": "age", "type": "integer"}
    ]}
  ]
}`

func testSchema(t *testing.T) *schema.Schema {
	s, err := schema.Load([]byte(testDecl))
	if err != nil {
		t.Fatalf("schema: %s", err)
	}
	return s
}

func mustCompile(t *testing.T, s *schema.Schema, d *Def) *Program {
	p, err := Compile(s, d)
	if err != nil {
		t.Fatalf("Compile: %s", err)
	}
	return p
}

func TestCompileLeaf(t *testing.T) {
	s := testSchema(t)
	p := mustCompile(t, s, &Def{Types: []string{"user"}, Filter: Leaf("age", OpGt, value.Int(30))})
	exp := []byte{'$', 2, 0, '"', 8, 0, 0, 0, 30, 0, 0, 0, 0, 0, 0, 0, '"', ')'}
	if !bytes.Equal(p.Filter, exp) {
		t.Errorf("filter % x\nexpected % x", p.Filter, exp)
	}
	if p.SchemaChecksum != s.Checksum() {
		t.Errorf("program carries checksum %x, schema has %x", p.SchemaChecksum, s.Checksum())
	}
}

func TestCompileCombinators(t *testing.T) {
	s := testSchema(t)
	f := And(Leaf("name", OpExists, nil), Or(Leaf("role", OpNotExists, nil), Leaf("id", OpExists, nil)))
	p := mustCompile(t, s, &Def{Types: []string{"user"}, Filter: f})
	exp := []byte{'$', 1, 0, 'x', '$', 4, 0, 'X', '$', 0, 0, 'x', ':', '.'}
	if !bytes.Equal(p.Filter, exp) {
		t.Errorf("filter %q\nexpected %q", p.Filter, exp)
	}
}

func TestCompileSets(t *testing.T) {
	s := testSchema(t)
	p := mustCompile(t, s, &Def{Types: []string{"user"}, Filter: Leaf("friends", OpIncludes, value.List{value.Int(3), value.Int(4)})})
	exp := []byte{'$', 3, 0,
		'"', 4, 0, 0, 0, 3, 0, 0, 0, '"',
		'"', 4, 0, 0, 0, 4, 0, 0, 0, '"',
		'\'', 2, 0, 'i'}
	if !bytes.Equal(p.Filter, exp) {
		t.Errorf("filter % x\nexpected % x", p.Filter, exp)
	}

	p = mustCompile(t, s, &Def{Types: []string{"user"}, Filter: Leaf("role", OpRange, value.List{value.Str("a"), value.Str("b")})})
	exp = []byte{'$', 4, 0, '"', 1, 0, 0, 0, 1, '"', '"', 1, 0, 0, 0, 2, '"', '\'', 2, 0, 'r'}
	if !bytes.Equal(p.Filter, exp) {
		t.Errorf("filter % x\nexpected % x", p.Filter, exp)
	}
}

// Each concrete type gets its own branch, with its own property ids.
func TestCompileMultiType(t *testing.T) {
	s := testSchema(t)
	p := mustCompile(t, s, &Def{Types: []string{core.AnyType}, Filter: Leaf("age", OpExists, nil)})
	exp := []byte{
		'L', 'e', 'U', 's', '>', '$', 2, 0, 'x', 'Z',
		'L', 'e', 'T', 'e', '>', '$', 3, 0, 'x', 'Z',
		'.',
	}
	if !bytes.Equal(p.Filter, exp) {
		t.Errorf("filter %q\nexpected %q", p.Filter, exp)
	}
	if len(p.Prefixes) != 2 || p.Prefixes[0].String() != "Us" || p.Prefixes[1].String() != "Te" {
		t.Errorf("prefixes %v", p.Prefixes)
	}

	p = mustCompile(t, s, &Def{
		Types:   []string{"user", "team"},
		Include: map[string][]string{"team": {"size"}, core.AnyType: {"name", "age"}},
	})
	exp = []byte{
		'L', 'e', 'U', 's', '>', '"', 2, 0, 1, 0, 2, 0, '"', 'Z',
		'L', 'e', 'T', 'e', '>', '"', 1, 0, 2, 0, '"', 'Z',
		'.', '"', 0xff, 0xff, '"',
	}
	if !bytes.Equal(p.Include, exp) {
		t.Errorf("include %q\nexpected %q", p.Include, exp)
	}
}

func TestCompileSingleInclude(t *testing.T) {
	s := testSchema(t)
	p := mustCompile(t, s, &Def{Types: []string{"team"}, Include: map[string][]string{"team": {"age", "name"}}})
	exp := []byte{'"', 2, 0, 3, 0, 1, 0, '"'}
	if !bytes.Equal(p.Include, exp) {
		t.Errorf("include % x\nexpected % x", p.Include, exp)
	}
	// No list for the type returns every field.
	p = mustCompile(t, s, &Def{Types: []string{"team"}, Include: map[string][]string{}})
	if len(p.Include) != 0 {
		t.Errorf("empty include compiled to % x", p.Include)
	}
}

// Compile errors never come with a program.
func TestCompileErrors(t *testing.T) {
	s := testSchema(t)
	cases := map[string]*Def{
		"no types":            {},
		"unknown type":        {Types: []string{"robot"}},
		"unknown field":       {Types: []string{"user"}, Filter: Leaf("height", OpEq, value.Int(1))},
		"missing in one type": {Types: []string{"user", "team"}, Filter: Leaf("role", OpExists, nil)},
		"unknown op":          {Types: []string{"user"}, Filter: Leaf("age", "~=", value.Int(1))},
		"ordered on binary":   {Types: []string{"user"}, Filter: Leaf("avatar", OpLt, value.Bytes{1})},
		"like on integer":     {Types: []string{"user"}, Filter: Leaf("age", OpLike, value.Str("1%"))},
		"eq on references":    {Types: []string{"user"}, Filter: Leaf("friends", OpEq, value.Int(1))},
		"range of three":      {Types: []string{"user"}, Filter: Leaf("age", OpRange, value.List{value.Int(1), value.Int(2), value.Int(3)})},
		"range of scalar":     {Types: []string{"user"}, Filter: Leaf("age", OpRange, value.Int(1))},
		"bad literal":         {Types: []string{"user"}, Filter: Leaf("age", OpEq, value.Str("old"))},
		"bad enum literal":    {Types: []string{"user"}, Filter: Leaf("role", OpEq, value.Str("c"))},
		"exists with value":   {Types: []string{"user"}, Filter: Leaf("age", OpExists, value.Int(1))},
		"missing value":       {Types: []string{"user"}, Filter: Leaf("age", OpEq, nil)},
		"empty and":           {Types: []string{"user"}, Filter: &Filter{And: []*Filter{}}},
		"mixed node":          {Types: []string{"user"}, Filter: &Filter{And: []*Filter{Leaf("age", OpExists, nil)}, Field: "age"}},
		"sort missing":        {Types: []string{"user"}, Sort: &Sort{Field: "height"}},
		"sort layout differs": {Types: []string{"user", "team"}, Sort: &Sort{Field: "age"}},
		"sort on binary":      {Types: []string{"user"}, Sort: &Sort{Field: "avatar"}},
		"bad locale":          {Types: []string{"user"}, Sort: &Sort{Field: "name", Locale: "not a locale!"}},
		"include other type":  {Types: []string{"user"}, Include: map[string][]string{"team": {"name"}}},
		"include unknown":     {Types: []string{"user"}, Include: map[string][]string{"user": {"height"}}},
		"bad aggregate":       {Types: []string{"user"}, Aggregate: "sum"},
	}
	for name, d := range cases {
		p, err := Compile(s, d)
		if !core.ErrQuery.Is(err) {
			t.Errorf("%s: expected ErrQuery, got %v", name, err)
		}
		if p != nil {
			t.Errorf("%s: got a program alongside the error", name)
		}
	}
}

func TestProgramRoundTrip(t *testing.T) {
	s := testSchema(t)
	d := &Def{
		Types:     []string{"user", "team"},
		Filter:    Or(Leaf("age", OpGe, value.Int(18)), Leaf("name", OpLike, value.Str("A%"))),
		Include:   map[string][]string{core.AnyType: {"name"}},
		Sort:      &Sort{Field: "name", Desc: true, Locale: "sv"},
		Aggregate: "count",
		Offset:    5,
		Limit:     20,
	}
	p := mustCompile(t, s, d)
	b := p.Bytes()

	if got := binary.LittleEndian.Uint64(b); got != s.Checksum() {
		t.Errorf("header checksum %x", got)
	}
	if b[8] != byte(core.AggCount) {
		t.Errorf("aggregate byte %d", b[8])
	}

	back, err := ParseProgram(b)
	if err != nil {
		t.Fatalf("ParseProgram: %s", err)
	}
	if diff := cmp.Diff(p, back, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("program changed on round trip (-want +got):\n%s", diff)
	}
	exp := &SortSpec{PropID: 1, Wire: core.WireString, Edge: EdgeValue, Desc: true, Locale: "sv"}
	if diff := cmp.Diff(exp, back.Sort); diff != "" {
		t.Errorf("sort spec (-want +got):\n%s", diff)
	}

	for n := 0; n < len(b); n++ {
		if _, err := ParseProgram(b[:n]); !core.ErrCorruptData.Is(err) {
			t.Fatalf("truncated program of %d bytes: %v", n, err)
		}
	}
}

func TestReferencesSortByCount(t *testing.T) {
	s := testSchema(t)
	p := mustCompile(t, s, &Def{Types: []string{"user"}, Sort: &Sort{Field: "friends"}})
	if p.Sort.Edge != EdgeCount || p.Sort.Desc {
		t.Errorf("sort spec %+v", p.Sort)
	}
}

func TestParseDef(t *testing.T) {
	in := `{
	  "types": "user",
	  "filter": {"and": [
	    {"field": "age", "op": "range", "value": [18, 65]},
	    {"or": [{"field": "name", "op": "like", "value": "A%"}, {"field": "role", "op": "exists"}]}
	  ]},
	  "include": {"user": ["name", "age"]},
	  "sort": {"field": "age", "order": "desc"},
	  "limit": 10
	}`
	v, err := value.ParseJSON([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	d, err := ParseDef(v)
	if err != nil {
		t.Fatalf("ParseDef: %s", err)
	}
	exp := &Def{
		Types: []string{"user"},
		Filter: And(
			Leaf("age", OpRange, value.List{value.Int(18), value.Int(65)}),
			Or(Leaf("name", OpLike, value.Str("A%")), Leaf("role", OpExists, nil)),
		),
		Include: map[string][]string{"user": {"name", "age"}},
		Sort:    &Sort{Field: "age", Desc: true},
		Limit:   10,
	}
	eq := cmp.Comparer(func(a, b value.Value) bool { return value.Equal(a, b) })
	if diff := cmp.Diff(exp, d, eq); diff != "" {
		t.Errorf("ParseDef (-want +got):\n%s", diff)
	}

	// The value form parses back to the same query.
	again, err := ParseDef(d.Value())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, again, eq); diff != "" {
		t.Errorf("Value round trip (-want +got):\n%s", diff)
	}
	if _, err := Compile(testSchema(t), d); err != nil {
		t.Errorf("parsed query doesn't compile: %s", err)
	}

	for _, bad := range []string{`[]`, `{"types": 1}`, `{"color": "red"}`, `{"filter": {"fields": "a"}}`, `{"limit": -1}`, `{"sort": {"order": "up"}}`} {
		v, err := value.ParseJSON([]byte(bad))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ParseDef(v); !core.ErrQuery.Is(err) {
			t.Errorf("ParseDef(%s): expected ErrQuery, got %v", bad, err)
		}
	}
}

func TestHashIgnoresKeyOrder(t *testing.T) {
	a, _ := value.ParseJSON([]byte(`{"types": ["user"], "limit": 3, "filter": {"field": "age", "op": ">", "value": 1}}`))
	b, _ := value.ParseJSON([]byte(`{"filter": {"value": 1, "op": ">", "field": "age"}, "limit": 3, "types": ["user"]}`))
	da, err := ParseDef(a)
	if err != nil {
		t.Fatal(err)
	}
	db, err := ParseDef(b)
	if err != nil {
		t.Fatal(err)
	}
	if da.Hash() != db.Hash() {
		t.Errorf("reordered queries hash differently")
	}
}

func TestFilterMap(t *testing.T) {
	f := And(Leaf("age", OpGt, value.Int(1)), Or(Leaf("name", OpEq, value.Str("ada")), Leaf("role", OpExists, nil)))
	m := f.Map()
	back, err := parseFilter(m)
	if err != nil {
		t.Fatalf("parseFilter: %s", err)
	}
	eq := cmp.Comparer(func(a, b value.Value) bool { return value.Equal(a, b) })
	if diff := cmp.Diff(f, back, eq); diff != "" {
		t.Errorf("filter round trip (-want +got):\n%s", diff)
	}
	leaf := f.And[0].Map()
	if v, ok := leaf.Get("value"); !ok || !value.Equal(v, value.Int(1)) {
		t.Errorf("leaf value: got %v, %t", v, ok)
	}
}

func TestCache(t *testing.T) {
	s := testSchema(t)
	c := NewCache(2)
	d1 := &Def{Types: []string{"user"}, Filter: Leaf("age", OpGt, value.Int(1))}
	d2 := &Def{Types: []string{"team"}}
	d3 := &Def{Types: []string{"user", "team"}}

	p1, err := c.Compile(s, d1)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := c.Compile(s, d1)
	if &p1[0] != &again[0] {
		t.Errorf("second compile of the same query missed the cache")
	}
	c.Compile(s, d2)
	c.Compile(s, d3)
	if c.Len() != 2 {
		t.Errorf("cache holds %d programs, max is 2", c.Len())
	}

	if _, err := c.Compile(s, &Def{Types: []string{"robot"}}); !core.ErrQuery.Is(err) {
		t.Errorf("expected ErrQuery, got %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("failed compile was cached")
	}

	c.DropSchema(s.Checksum())
	if c.Len() != 0 || len(c.back) != 0 {
		t.Errorf("DropSchema left %d programs", c.Len())
	}
}
