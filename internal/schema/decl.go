// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package schema

import (
	"bytes"
	"encoding/json"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// Decl is a declarative schema as written by users. Types and properties are
// arrays so the declaration order, which decides ids and offsets, survives
// parsing.
type Decl struct {
	Version uint32     `json:"version"`
	Types   []TypeDecl `json:"types"`
}

// TypeDecl declares one type.
type TypeDecl struct {
	Name string `json:"name"`

	// Prefix is optional. When empty one is generated.
	Prefix string `json:"prefix,omitempty"`

	Props []PropDecl `json:"props"`
}

// PropDecl declares one property. Type is a wire type name or "object", in
// which case Props holds the nested properties.
type PropDecl struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Ref      string     `json:"ref,omitempty"`
	Enum     []string   `json:"enum,omitempty"`
	MaxBytes int        `json:"maxBytes,omitempty"`
	Required bool       `json:"required,omitempty"`
	Props    []PropDecl `json:"props,omitempty"`
}

// Parse decodes a JSON schema declaration. Unknown keys are rejected so a typo
// doesn't silently drop a constraint.
func Parse(data []byte) (*Decl, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var d Decl
	if err := dec.Decode(&d); err != nil {
		return nil, core.ErrSchema.Errorf("parsing declaration: %s", err)
	}
	return &d, nil
}

// JSON returns the declaration as indented JSON.
func (d *Decl) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Load parses and resolves a declaration.
func Load(data []byte) (*Schema, error) {
	d, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Resolve(d)
}
