// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package value implements the dynamic payload values exchanged between
// clients, the mutation encoder, the query executor and the checksum engine.
//
// A Value is one of a closed set of variants: Null, Bool, Int, Float, Str,
// Bytes, List and *Map. The set is sealed (Value has an unexported method),
// so a type switch over the eight variants is exhaustive.
package value

import (
	"bytes"
	"fmt"
	"math"
	"sort"
)

// Kind identifies the variant of a Value.
type Kind uint8

// Kinds of values.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "bytes", "list", "map"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is a dynamically typed payload value.
type Value interface {
	Kind() Kind
	sealed()
}

type (
	// Null is the absent/null value.
	Null struct{}
	// Bool is a boolean.
	Bool bool
	// Int is a signed 64 bit integer.
	Int int64
	// Float is a double.
	Float float64
	// Str is a utf8 string.
	Str string
	// Bytes is an opaque byte buffer.
	Bytes []byte
	// List is an ordered sequence of values.
	List []Value
)

func (Null) Kind() Kind  { return KindNull }
func (Bool) Kind() Kind  { return KindBool }
func (Int) Kind() Kind   { return KindInt }
func (Float) Kind() Kind { return KindFloat }
func (Str) Kind() Kind   { return KindString }
func (Bytes) Kind() Kind { return KindBytes }
func (List) Kind() Kind  { return KindList }
func (*Map) Kind() Kind  { return KindMap }

func (Null) sealed()  {}
func (Bool) sealed()  {}
func (Int) sealed()   {}
func (Float) sealed() {}
func (Str) sealed()   {}
func (Bytes) sealed() {}
func (List) sealed()  {}
func (*Map) sealed()  {}

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   string
	Value Value
}

// Map is an insertion-ordered string keyed map. The zero value is an empty map
// ready to use. A Map is not safe for concurrent mutation.
type Map struct {
	entries []Entry
	index   map[string]int
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{}
}

// MapOf builds a map from entries, in order. Later duplicates overwrite earlier
// ones in place.
func MapOf(entries ...Entry) *Map {
	m := &Map{}
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// E is shorthand for building an Entry.
func E(key string, v Value) Entry {
	return Entry{Key: key, Value: v}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil || m.index == nil {
		return nil, false
	}
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.entries[i].Value, true
}

// Set stores v under key. An existing key keeps its position.
func (m *Map) Set(key string, v Value) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = v
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Value: v})
}

// Delete removes key, if present.
func (m *Map) Delete(key string) {
	if m == nil || m.index == nil {
		return
	}
	i, ok := m.index[key]
	if !ok {
		return
	}
	copy(m.entries[i:], m.entries[i+1:])
	m.entries = m.entries[:len(m.entries)-1]
	delete(m.index, key)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].Key] = j
	}
}

// Entries returns the entries in insertion order. The slice must not be
// modified.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	return m.entries
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, m.Len())
	for _, e := range m.Entries() {
		keys = append(keys, e.Key)
	}
	return keys
}

// SortedKeys returns the keys in lexical order.
func (m *Map) SortedKeys() []string {
	keys := m.Keys()
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	out := &Map{}
	for _, e := range m.Entries() {
		out.Set(e.Key, Clone(e.Value))
	}
	return out
}

// Clone deep copies v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Bytes:
		return Bytes(append([]byte(nil), t...))
	case List:
		out := make(List, len(t))
		for i, c := range t {
			out[i] = Clone(c)
		}
		return out
	case *Map:
		return t.Clone()
	}
	return v
}

// IsNull returns true for nil and Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Equal reports whether a and b are deeply equal. Maps compare equal when they
// hold the same keys and values regardless of insertion order. Float NaNs are
// equal to each other so round trips of NaN compare equal.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Bool:
		return x == b.(Bool)
	case Int:
		return x == b.(Int)
	case Float:
		y := b.(Float)
		if math.IsNaN(float64(x)) && math.IsNaN(float64(y)) {
			return true
		}
		return x == y
	case Str:
		return x == b.(Str)
	case Bytes:
		return bytes.Equal(x, b.(Bytes))
	case List:
		y := b.(List)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *Map:
		y := b.(*Map)
		if x.Len() != y.Len() {
			return false
		}
		for _, e := range x.Entries() {
			o, ok := y.Get(e.Key)
			if !ok || !Equal(e.Value, o) {
				return false
			}
		}
		return true
	}
	return false
}

// Path returns the value at a dotted path inside nested maps, e.g. "a.b.c".
func (m *Map) Path(path []string) (Value, bool) {
	cur := m
	for i, k := range path {
		v, ok := cur.Get(k)
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		next, ok := v.(*Map)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// SetPath stores v at a dotted path, creating intermediate maps as needed.
func (m *Map) SetPath(path []string, v Value) {
	cur := m
	for _, k := range path[:len(path)-1] {
		next, ok := cur.Get(k)
		nm, isMap := next.(*Map)
		if !ok || !isMap {
			nm = NewMap()
			cur.Set(k, nm)
		}
		cur = nm
	}
	cur.Set(path[len(path)-1], v)
}

// String renders v for logs and tests.
func String(v Value) string {
	if v == nil {
		return "null"
	}
	b, err := MarshalJSON(v)
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.Kind(), err)
	}
	return string(b)
}
