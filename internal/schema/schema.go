// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package schema resolves a declarative schema into the binary layout used by
// the mutation encoder, the decoder and the query compiler.
//
// Resolution assigns every type an id and a two character prefix, flattens
// nested objects into dotted property paths, numbers properties from 1 in
// declaration order and lays out fixed size properties back to back. A
// resolved Schema is immutable; a new version replaces it as a whole.
package schema

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// Flags of a property.
type Flags uint8

const (
	// FlagRequired properties must be present on CREATE.
	FlagRequired Flags = 1 << iota

	// FlagMaxBytes marks a variable size property with a declared maximum
	// length, checked in safe mode.
	FlagMaxBytes
)

// maxEnumValues is the number of values an enum byte can index. 0 is unset.
const maxEnumValues = 255

// PropDef is the resolved layout of one property.
type PropDef struct {
	ID   core.PropID
	Path string
	Keys []string // Path split at dots
	Wire core.WireType

	// Offset and Size locate the property in the main (fixed size) area.
	// Variable size properties have Size 0 at the offset they'd start at.
	Offset int
	Size   int

	Flags    Flags
	MaxBytes int

	// Ref is the target type name of reference(s) properties.
	Ref string

	// Enum holds the declared values of an enum, index+1 is the wire value.
	Enum []string
}

// Required returns true if the property must be set on CREATE.
func (p *PropDef) Required() bool {
	return p.Flags&FlagRequired != 0
}

// EnumIndex returns the wire value of an enum value.
func (p *PropDef) EnumIndex(s string) (int, bool) {
	for i, e := range p.Enum {
		if e == s {
			return i + 1, true
		}
	}
	return 0, false
}

// TypeDef is the resolved layout of one type.
type TypeDef struct {
	Name   string
	ID     core.TypeID
	Prefix core.Prefix

	// Props in id order; Props[i].ID == i+1.
	Props []*PropDef

	// MainLen is the total size of the fixed size properties.
	MainLen int

	byPath map[string]*PropDef
}

// Prop returns the property at a dotted path, or nil.
func (t *TypeDef) Prop(path string) *PropDef {
	return t.byPath[path]
}

// PropByID returns the property with the given id, or nil.
func (t *TypeDef) PropByID(id core.PropID) *PropDef {
	if id == core.MainPropID || int(id) > len(t.Props) {
		return nil
	}
	return t.Props[id-1]
}

// Schema is a resolved schema.
type Schema struct {
	Version uint32
	Types   []*TypeDef

	decl     *Decl
	byName   map[string]*TypeDef
	byPrefix map[core.Prefix]*TypeDef
	checksum uint64
}

// Type returns the type called name.
func (s *Schema) Type(name string) (*TypeDef, error) {
	if t, ok := s.byName[name]; ok {
		return t, nil
	}
	return nil, core.ErrNoSuchType.Errorf("%q", name)
}

// TypeByPrefix returns the type tagged p.
func (s *Schema) TypeByPrefix(p core.Prefix) (*TypeDef, error) {
	if t, ok := s.byPrefix[p]; ok {
		return t, nil
	}
	return nil, core.ErrNoSuchType.Errorf("prefix %q", p.String())
}

// Checksum identifies the schema version and layout. It heads every compiled
// program and travels with every RPC mutation.
func (s *Schema) Checksum() uint64 {
	return s.checksum
}

// Decl returns the declaration s was resolved from.
func (s *Schema) Decl() *Decl {
	return s.decl
}

// Resolve validates a declaration and computes the layout of every type. It
// either succeeds completely or returns an ErrSchema error; nothing is
// partially applied.
func Resolve(d *Decl) (*Schema, error) {
	s := &Schema{
		Version:  d.Version,
		decl:     d,
		byName:   make(map[string]*TypeDef),
		byPrefix: make(map[core.Prefix]*TypeDef),
	}

	// Names first, so references can point forward.
	for i, td := range d.Types {
		if td.Name == "" || strings.ContainsAny(td.Name, ". ") {
			return nil, core.ErrSchema.Errorf("bad type name %q", td.Name)
		}
		if td.Name == core.AnyType {
			return nil, core.ErrSchema.Errorf("type name %q is reserved", td.Name)
		}
		if _, dup := s.byName[td.Name]; dup {
			return nil, core.ErrSchema.Errorf("duplicate type %q", td.Name)
		}
		t := &TypeDef{Name: td.Name, ID: core.TypeID(i + 1), byPath: make(map[string]*PropDef)}
		s.byName[td.Name] = t
		s.Types = append(s.Types, t)
	}

	// Explicit prefixes are reserved before any is generated.
	gen := newPrefixGen()
	for i, td := range d.Types {
		if td.Prefix == "" {
			continue
		}
		p, err := core.PrefixFromString(td.Prefix)
		if err != nil {
			return nil, core.ErrSchema.Errorf("type %q: prefix %q is not two characters", td.Name, td.Prefix)
		}
		if err := gen.reserve(p); err != nil {
			return nil, err
		}
		s.Types[i].Prefix = p
	}
	for i, td := range d.Types {
		if td.Prefix != "" {
			continue
		}
		p, err := gen.next()
		if err != nil {
			return nil, err
		}
		s.Types[i].Prefix = p
	}

	for i, td := range d.Types {
		t := s.Types[i]
		if err := s.layout(t, nil, td.Props); err != nil {
			return nil, err
		}
		s.byPrefix[t.Prefix] = t
	}

	s.checksum = s.computeChecksum()
	log.V(1).Infof("resolved schema v%d: %d types, checksum %016x", s.Version, len(s.Types), s.checksum)
	return s, nil
}

// layout appends the properties in decls, nested under parent, to t.
func (s *Schema) layout(t *TypeDef, parent []string, decls []PropDecl) error {
	for _, pd := range decls {
		if pd.Name == "" || strings.Contains(pd.Name, ".") {
			return core.ErrSchema.Errorf("type %q: bad property name %q", t.Name, pd.Name)
		}
		keys := append(append([]string(nil), parent...), pd.Name)
		path := strings.Join(keys, ".")
		if _, dup := t.byPath[path]; dup {
			return core.ErrSchema.Errorf("type %q: duplicate property %q", t.Name, path)
		}

		if pd.Type == "object" {
			if len(pd.Props) == 0 {
				return core.ErrSchema.Errorf("type %q: object %q has no properties", t.Name, path)
			}
			// Objects hold a nil entry so a sibling can't reuse the path.
			t.byPath[path] = nil
			if err := s.layout(t, keys, pd.Props); err != nil {
				return err
			}
			continue
		}

		w, ok := core.ParseWireType(pd.Type)
		if !ok {
			return core.ErrSchema.Errorf("type %q: property %q has unknown type %q", t.Name, path, pd.Type)
		}
		if len(t.Props) >= 0xffff {
			return core.ErrSchema.Errorf("type %q: too many properties", t.Name)
		}
		p := &PropDef{
			ID:     core.PropID(len(t.Props) + 1),
			Path:   path,
			Keys:   keys,
			Wire:   w,
			Offset: t.MainLen,
			Size:   w.Size(),
		}
		if pd.Required {
			p.Flags |= FlagRequired
		}

		switch w {
		case core.WireReference, core.WireReferences:
			if _, ok := s.byName[pd.Ref]; !ok {
				return core.ErrSchema.Errorf("type %q: property %q references unknown type %q", t.Name, path, pd.Ref)
			}
			p.Ref = pd.Ref
		case core.WireEnum:
			if len(pd.Enum) == 0 || len(pd.Enum) > maxEnumValues {
				return core.ErrSchema.Errorf("type %q: enum %q needs 1 to %d values", t.Name, path, maxEnumValues)
			}
			seen := make(map[string]bool)
			for _, e := range pd.Enum {
				if seen[e] {
					return core.ErrSchema.Errorf("type %q: enum %q repeats %q", t.Name, path, e)
				}
				seen[e] = true
			}
			p.Enum = append([]string(nil), pd.Enum...)
		}
		if pd.Ref != "" && p.Ref == "" {
			return core.ErrSchema.Errorf("type %q: %s property %q can't have a reference target", t.Name, w, path)
		}
		if pd.MaxBytes != 0 {
			if w.Fixed() || pd.MaxBytes < 0 {
				return core.ErrSchema.Errorf("type %q: maxBytes doesn't apply to %s property %q", t.Name, w, path)
			}
			p.Flags |= FlagMaxBytes
			p.MaxBytes = pd.MaxBytes
		}
		if t.MainLen+p.Size > 0xffff {
			return core.ErrSchema.Errorf("type %q: fixed size properties exceed 64KiB", t.Name)
		}

		t.MainLen += p.Size
		t.Props = append(t.Props, p)
		t.byPath[path] = p
	}
	return nil
}

// computeChecksum hashes the version and the canonical layout of every type.
func (s *Schema) computeChecksum() uint64 {
	h := xxhash.New()
	var buf [8]byte
	putU := func(v uint64, n int) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:n])
	}
	putS := func(str string) {
		putU(uint64(len(str)), 4)
		h.WriteString(str)
	}

	putU(uint64(s.Version), 4)
	putU(uint64(len(s.Types)), 2)
	for _, t := range s.Types {
		putS(t.Name)
		h.Write(t.Prefix[:])
		putU(uint64(len(t.Props)), 2)
		for _, p := range t.Props {
			putU(uint64(p.ID), 2)
			putS(p.Path)
			putU(uint64(p.Wire), 1)
			putU(uint64(p.Offset), 2)
			putU(uint64(p.Size), 2)
			putU(uint64(p.Flags), 1)
			putU(uint64(p.MaxBytes), 4)
			putS(p.Ref)
			putU(uint64(len(p.Enum)), 1)
			for _, e := range p.Enum {
				putS(e)
			}
		}
	}
	return h.Sum64()
}
