// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package query

import (
	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/pkg/checksum"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// Op is a filter operator.
type Op string

// Filter operators.
const (
	OpEq          Op = "="
	OpNeq         Op = "!="
	OpLt          Op = "<"
	OpLe          Op = "<="
	OpGt          Op = ">"
	OpGe          Op = ">="
	OpIncludes    Op = "includes"
	OpNotIncludes Op = "!includes"
	OpLike        Op = "like"
	OpExists      Op = "exists"
	OpNotExists   Op = "!exists"
	OpRange       Op = "range"
	OpNotRange    Op = "!range"
)

// Def is a declarative query. It's normally parsed from a value map, see
// ParseDef, and turned back into one with Value; the map form is what
// subscriptions are fingerprinted on.
type Def struct {
	// Types are the target type names. core.AnyType targets every type.
	Types []string

	Filter *Filter

	// Include maps a type name, or core.AnyType for types not listed, to the
	// fields returned for records of that type. No include returns every
	// field.
	Include map[string][]string

	Sort *Sort

	// Aggregate is "" or "count".
	Aggregate string

	Offset int
	Limit  int // 0 is unlimited
}

// Filter is a node of a filter tree: either a combination of children (And
// or Or) or a leaf comparing Field with Value.
type Filter struct {
	And []*Filter
	Or  []*Filter

	Field string
	Op    Op
	Value value.Value
}

// Sort orders results by a field.
type Sort struct {
	Field  string
	Desc   bool
	Locale string
}

// Leaf builds a leaf filter.
func Leaf(field string, op Op, v value.Value) *Filter {
	return &Filter{Field: field, Op: op, Value: v}
}

// And combines filters with AND.
func And(fs ...*Filter) *Filter { return &Filter{And: fs} }

// Or combines filters with OR.
func Or(fs ...*Filter) *Filter { return &Filter{Or: fs} }

// ParseDef reads a query from its value form:
//
//	{"types": ["user"] | "user",
//	 "filter": {"and": [...]} | {"or": [...]} | {"field": f, "op": o, "value": v},
//	 "include": {"user": ["name"], "$any": ["title"]},
//	 "sort": {"field": f, "order": "asc" | "desc", "locale": "en"},
//	 "aggregate": "count",
//	 "offset": n, "limit": n}
func ParseDef(v value.Value) (*Def, error) {
	m, ok := v.(*value.Map)
	if !ok {
		return nil, core.ErrQuery.Errorf("query must be a map, not %s", kindOf(v))
	}
	d := &Def{}
	for _, e := range m.Entries() {
		var err error
		switch e.Key {
		case "types":
			d.Types, err = stringList(e.Key, e.Value)
		case "filter":
			d.Filter, err = parseFilter(e.Value)
		case "include":
			d.Include, err = parseInclude(e.Value)
		case "sort":
			d.Sort, err = parseSort(e.Value)
		case "aggregate":
			s, ok := e.Value.(value.Str)
			if !ok {
				err = core.ErrQuery.Errorf("aggregate must be a string")
			}
			d.Aggregate = string(s)
		case "offset":
			d.Offset, err = count(e.Key, e.Value)
		case "limit":
			d.Limit, err = count(e.Key, e.Value)
		default:
			err = core.ErrQuery.Errorf("unknown query key %q", e.Key)
		}
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func kindOf(v value.Value) string {
	if v == nil {
		return "null"
	}
	return v.Kind().String()
}

func count(key string, v value.Value) (int, error) {
	i, ok := v.(value.Int)
	if !ok || i < 0 || i > 1<<31-1 {
		return 0, core.ErrQuery.Errorf("%s must be a non-negative integer", key)
	}
	return int(i), nil
}

func stringList(key string, v value.Value) ([]string, error) {
	if s, ok := v.(value.Str); ok {
		return []string{string(s)}, nil
	}
	l, ok := v.(value.List)
	if !ok {
		return nil, core.ErrQuery.Errorf("%s must be a string or a list of strings", key)
	}
	out := make([]string, 0, len(l))
	for _, x := range l {
		s, ok := x.(value.Str)
		if !ok {
			return nil, core.ErrQuery.Errorf("%s must be a list of strings", key)
		}
		out = append(out, string(s))
	}
	return out, nil
}

func parseFilter(v value.Value) (*Filter, error) {
	m, ok := v.(*value.Map)
	if !ok {
		return nil, core.ErrQuery.Errorf("filter must be a map, not %s", kindOf(v))
	}
	f := &Filter{}
	for _, e := range m.Entries() {
		switch e.Key {
		case "and", "or":
			l, ok := e.Value.(value.List)
			if !ok {
				return nil, core.ErrQuery.Errorf("%s must be a list of filters", e.Key)
			}
			for _, c := range l {
				cf, err := parseFilter(c)
				if err != nil {
					return nil, err
				}
				if e.Key == "and" {
					f.And = append(f.And, cf)
				} else {
					f.Or = append(f.Or, cf)
				}
			}
		case "field":
			s, ok := e.Value.(value.Str)
			if !ok {
				return nil, core.ErrQuery.Errorf("field must be a string")
			}
			f.Field = string(s)
		case "op":
			s, ok := e.Value.(value.Str)
			if !ok {
				return nil, core.ErrQuery.Errorf("op must be a string")
			}
			f.Op = Op(s)
		case "value":
			f.Value = e.Value
		default:
			return nil, core.ErrQuery.Errorf("unknown filter key %q", e.Key)
		}
	}
	return f, nil
}

func parseInclude(v value.Value) (map[string][]string, error) {
	m, ok := v.(*value.Map)
	if !ok {
		return nil, core.ErrQuery.Errorf("include must be a map of type to fields")
	}
	inc := make(map[string][]string, m.Len())
	for _, e := range m.Entries() {
		fields, err := stringList("include."+e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		inc[e.Key] = fields
	}
	return inc, nil
}

func parseSort(v value.Value) (*Sort, error) {
	m, ok := v.(*value.Map)
	if !ok {
		return nil, core.ErrQuery.Errorf("sort must be a map")
	}
	s := &Sort{}
	for _, e := range m.Entries() {
		str, ok := e.Value.(value.Str)
		if !ok {
			return nil, core.ErrQuery.Errorf("sort.%s must be a string", e.Key)
		}
		switch e.Key {
		case "field":
			s.Field = string(str)
		case "order":
			switch str {
			case "asc", "ascending":
			case "desc", "descending":
				s.Desc = true
			default:
				return nil, core.ErrQuery.Errorf("sort order %q", str)
			}
		case "locale":
			s.Locale = string(str)
		default:
			return nil, core.ErrQuery.Errorf("unknown sort key %q", e.Key)
		}
	}
	return s, nil
}

// Value returns the value form of d, the inverse of ParseDef. Empty parts are
// left out so equal queries have equal values.
func (d *Def) Value() *value.Map {
	m := value.NewMap()
	types := make(value.List, len(d.Types))
	for i, t := range d.Types {
		types[i] = value.Str(t)
	}
	m.Set("types", types)
	if d.Filter != nil {
		m.Set("filter", d.Filter.Map())
	}
	if len(d.Include) != 0 {
		inc := value.NewMap()
		for _, t := range sortedKeys(d.Include) {
			fields := make(value.List, len(d.Include[t]))
			for i, f := range d.Include[t] {
				fields[i] = value.Str(f)
			}
			inc.Set(t, fields)
		}
		m.Set("include", inc)
	}
	if d.Sort != nil {
		s := value.MapOf(value.E("field", value.Str(d.Sort.Field)))
		if d.Sort.Desc {
			s.Set("order", value.Str("desc"))
		}
		if d.Sort.Locale != "" {
			s.Set("locale", value.Str(d.Sort.Locale))
		}
		m.Set("sort", s)
	}
	if d.Aggregate != "" {
		m.Set("aggregate", value.Str(d.Aggregate))
	}
	if d.Offset != 0 {
		m.Set("offset", value.Int(d.Offset))
	}
	if d.Limit != 0 {
		m.Set("limit", value.Int(d.Limit))
	}
	return m
}

// Map returns the value form of f.
func (f *Filter) Map() *value.Map {
	m := value.NewMap()
	list := func(fs []*Filter) value.List {
		l := make(value.List, len(fs))
		for i, c := range fs {
			l[i] = c.Map()
		}
		return l
	}
	if f.And != nil {
		m.Set("and", list(f.And))
	}
	if f.Or != nil {
		m.Set("or", list(f.Or))
	}
	if f.Field != "" {
		m.Set("field", value.Str(f.Field))
	}
	if f.Op != "" {
		m.Set("op", value.Str(string(f.Op)))
	}
	if f.Value != nil {
		m.Set("value", f.Value)
	}
	return m
}

// Hash identifies the query independently of the key order of its value
// form.
func (d *Def) Hash() uint32 {
	return checksum.HashUnordered(d.Value())
}
