// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

const testDecl = `{
  "version": 3,
  "types": [
    {"name": "user", "props": [
      {"name": "name", "type": "string", "required": true, "maxBytes": 16},
      {"name": "age", "type": "integer"},
      {"name": "admin", "type": "boolean"},
      {"name": "address", "type": "object", "props": [
        {"name": "city", "type": "string"},
        {"name": "zip", "type": "integer"}
      ]},
      {"name": "role", "type": "enum", "enum": ["guest", "member", "owner"]},
      {"name": "team", "type": "reference", "ref": "team"}
    ]},
    {"name": "team", "prefix": "00", "props": [
      {"name": "title", "type": "string"},
      {"name": "members", "type": "references", "ref": "user"},
      {"name": "score", "type": "double"},
      {"name": "created", "type": "timestamp"},
      {"name": "logo", "type": "binary"}
    ]}
  ]
}`

func mustLoad(t *testing.T, decl string) *Schema {
	s, err := Load([]byte(decl))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	return s
}

type layoutRow struct {
	ID     core.PropID
	Path   string
	Wire   core.WireType
	Offset int
	Size   int
}

func TestLayout(t *testing.T) {
	s := mustLoad(t, testDecl)
	user, err := s.Type("user")
	if err != nil {
		t.Fatal(err)
	}

	var got []layoutRow
	for _, p := range user.Props {
		got = append(got, layoutRow{p.ID, p.Path, p.Wire, p.Offset, p.Size})
	}
	exp := []layoutRow{
		{1, "name", core.WireString, 0, 0},
		{2, "age", core.WireInteger, 0, 8},
		{3, "admin", core.WireBoolean, 8, 1},
		{4, "address.city", core.WireString, 9, 0},
		{5, "address.zip", core.WireInteger, 9, 8},
		{6, "role", core.WireEnum, 17, 1},
		{7, "team", core.WireReference, 18, 4},
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("layout mismatch (-want +got):\n%s", diff)
	}
	if user.MainLen != 22 {
		t.Errorf("MainLen = %d, expected 22", user.MainLen)
	}

	// Offsets never decrease and fixed properties never overlap.
	end := 0
	for _, p := range user.Props {
		if p.Offset < end {
			t.Errorf("%s starts at %d inside the previous property ending at %d", p.Path, p.Offset, end)
		}
		end = p.Offset + p.Size
	}

	if p := user.Prop("address.zip"); p == nil || p.ID != 5 {
		t.Errorf("Prop(address.zip) = %+v", p)
	}
	if user.Prop("address") != nil {
		t.Errorf("an object path is not a property")
	}
	if p := user.PropByID(7); p == nil || p.Ref != "team" {
		t.Errorf("PropByID(7) = %+v", p)
	}
	if user.PropByID(core.MainPropID) != nil || user.PropByID(8) != nil {
		t.Errorf("PropByID out of range should be nil")
	}
	if name := user.Prop("name"); !name.Required() || name.Flags&FlagMaxBytes == 0 || name.MaxBytes != 16 {
		t.Errorf("name flags lost: %+v", name)
	}
	if i, ok := user.Prop("role").EnumIndex("owner"); !ok || i != 3 {
		t.Errorf("EnumIndex(owner) = %d %v", i, ok)
	}
}

func TestPrefixes(t *testing.T) {
	s := mustLoad(t, testDecl)
	team, _ := s.Type("team")
	user, _ := s.Type("user")
	if team.Prefix.String() != "00" {
		t.Errorf("explicit prefix not kept: %s", team.Prefix)
	}
	// Counter 0 maps to "00", which is reserved, so generation retries.
	if user.Prefix.String() != "10" {
		t.Errorf("generated prefix %s, expected 10", user.Prefix)
	}
	if got, err := s.TypeByPrefix(user.Prefix); err != nil || got != user {
		t.Errorf("TypeByPrefix(%s) = %v, %v", user.Prefix, got, err)
	}
	if _, err := s.TypeByPrefix(core.Prefix{'z', 'z'}); !core.ErrNoSuchType.Is(err) {
		t.Errorf("expected ErrNoSuchType, got %v", err)
	}
}

func TestPrefixFor(t *testing.T) {
	for c, exp := range map[int]string{0: "00", 9: "90", 10: "A0", 61: "z0", 62: "01", 63: "11", 3843: "zz", 3844: "00"} {
		if got := PrefixFor(c).String(); got != exp {
			t.Errorf("PrefixFor(%d) = %s, expected %s", c, got, exp)
		}
	}
}

// Generating fewer than 62*62 prefixes never collides.
func TestGeneratedPrefixesDistinct(t *testing.T) {
	g := newPrefixGen()
	if err := g.reserve(core.Prefix{'5', '0'}); err != nil {
		t.Fatal(err)
	}
	seen := map[core.Prefix]bool{{'5', '0'}: true}
	for i := 0; i < MaxPrefixes-1; i++ {
		p, err := g.next()
		if err != nil {
			t.Fatalf("prefix %d: %s", i, err)
		}
		if seen[p] {
			t.Fatalf("prefix %s generated twice", p)
		}
		seen[p] = true
	}
	if _, err := g.next(); !core.ErrSchema.Is(err) {
		t.Errorf("expected exhaustion error, got %v", err)
	}
}

func TestResolveErrors(t *testing.T) {
	cases := map[string]string{
		"unknown prop type": `{"types":[{"name":"a","props":[{"name":"x","type":"decimal"}]}]}`,
		"missing ref":       `{"types":[{"name":"a","props":[{"name":"x","type":"reference","ref":"b"}]}]}`,
		"duplicate type":    `{"types":[{"name":"a","props":[]},{"name":"a","props":[]}]}`,
		"duplicate prop":    `{"types":[{"name":"a","props":[{"name":"x","type":"integer"},{"name":"x","type":"string"}]}]}`,
		"object clash":      `{"types":[{"name":"a","props":[{"name":"o","type":"object","props":[{"name":"x","type":"integer"}]},{"name":"o","type":"string"}]}]}`,
		"prefix collision":  `{"types":[{"name":"a","prefix":"Ab","props":[]},{"name":"b","prefix":"Ab","props":[]}]}`,
		"bad prefix":        `{"types":[{"name":"a","prefix":"A-","props":[]}]}`,
		"reserved name":     `{"types":[{"name":"$any","props":[]}]}`,
		"empty enum":        `{"types":[{"name":"a","props":[{"name":"e","type":"enum"}]}]}`,
		"maxBytes on fixed": `{"types":[{"name":"a","props":[{"name":"x","type":"integer","maxBytes":3}]}]}`,
		"unknown key":       `{"types":[{"name":"a","props":[],"extra":1}]}`,
		"not json":          `{"types":`,
	}
	for name, decl := range cases {
		s, err := Load([]byte(decl))
		if !core.ErrSchema.Is(err) {
			t.Errorf("%s: expected ErrSchema, got %v", name, err)
		}
		if s != nil {
			t.Errorf("%s: got a partial schema", name)
		}
	}
}

func TestChecksum(t *testing.T) {
	a := mustLoad(t, testDecl)
	b := mustLoad(t, testDecl)
	if a.Checksum() != b.Checksum() {
		t.Errorf("same declaration, different checksums")
	}

	d, _ := Parse([]byte(testDecl))
	d.Version++
	c, err := Resolve(d)
	if err != nil {
		t.Fatal(err)
	}
	if c.Checksum() == a.Checksum() {
		t.Errorf("version bump did not change the checksum")
	}

	d, _ = Parse([]byte(testDecl))
	d.Types[0].Props[1].Type = "double"
	c, err = Resolve(d)
	if err != nil {
		t.Fatal(err)
	}
	if c.Checksum() == a.Checksum() {
		t.Errorf("layout change did not change the checksum")
	}
}

func TestDeclJSONRoundTrip(t *testing.T) {
	d, err := Parse([]byte(testDecl))
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.JSON()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Parse(out)
	if err != nil {
		t.Fatalf("re-parse: %s", err)
	}
	if diff := cmp.Diff(d, back); diff != "" {
		t.Errorf("declaration changed on round trip:\n%s", diff)
	}
}
