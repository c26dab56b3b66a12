// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package value

import (
	"testing"
)

func TestMapKeepsInsertionOrder(t *testing.T) {
	m := MapOf(E("b", Int(1)), E("a", Int(2)), E("c", Int(3)))
	m.Set("b", Int(4))
	m.Delete("a")
	m.Set("d", Null{})

	keys := m.Keys()
	exp := []string{"b", "c", "d"}
	if len(keys) != len(exp) {
		t.Fatalf("got keys %v, expected %v", keys, exp)
	}
	for i := range exp {
		if keys[i] != exp[i] {
			t.Fatalf("got keys %v, expected %v", keys, exp)
		}
	}
	if v, _ := m.Get("b"); !Equal(v, Int(4)) {
		t.Errorf("b = %v, expected 4", v)
	}
	if v, _ := m.Get("c"); !Equal(v, Int(3)) {
		t.Errorf("c = %v after delete reindexed, expected 3", v)
	}
}

func TestEqualIgnoresKeyOrder(t *testing.T) {
	a := MapOf(E("x", Int(1)), E("y", List{Str("p"), Bytes{1, 2}}))
	b := MapOf(E("y", List{Str("p"), Bytes{1, 2}}), E("x", Int(1)))
	if !Equal(a, b) {
		t.Errorf("maps with reordered keys should be equal")
	}
	c := MapOf(E("y", List{Bytes{1, 2}, Str("p")}), E("x", Int(1)))
	if Equal(a, c) {
		t.Errorf("lists are ordered, %s should differ from %s", String(a), String(c))
	}
	if Equal(Int(1), Float(1)) {
		t.Errorf("int and float must not compare equal")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	in := `{"z":1,"a":[true,null,2.5,"s"],"n":{"k":-3},"b":{"$binary":"AAEC"}}`
	v, err := ParseJSON([]byte(in))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	m := v.(*Map)
	if keys := m.Keys(); keys[0] != "z" || keys[1] != "a" {
		t.Errorf("key order lost: %v", keys)
	}
	if b, _ := m.Get("b"); !Equal(b, Bytes{0, 1, 2}) {
		t.Errorf("binary value decoded as %s", String(b))
	}
	out, err := MarshalJSON(v)
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(out) != in {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", out, in)
	}
}

func TestJSONFloatStaysFloat(t *testing.T) {
	out, err := MarshalJSON(Float(3))
	if err != nil {
		t.Fatal(err)
	}
	v, err := ParseJSON(out)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.(Float); !ok {
		t.Errorf("%s parsed back as %s", out, v.Kind())
	}
}

func TestPath(t *testing.T) {
	m := NewMap()
	m.SetPath([]string{"address", "city"}, Str("Oslo"))
	m.SetPath([]string{"address", "zip"}, Int(150))
	if v, ok := m.Path([]string{"address", "city"}); !ok || !Equal(v, Str("Oslo")) {
		t.Errorf("address.city = %v", v)
	}
	if _, ok := m.Path([]string{"address", "city", "x"}); ok {
		t.Errorf("path through a scalar should not resolve")
	}
}
