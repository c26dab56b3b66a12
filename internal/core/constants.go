// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"time"
)

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// RecordHeaderLen is the size of a modify record header:
	// [opKind:1][targetId:4][typePrefix:2].
	RecordHeaderLen = 7

	// PropIDLen is the size of the property id leading every field op.
	PropIDLen = 2

	// LenPrefixLen is the size of the length prefix of variable size payloads.
	LenPrefixLen = 4

	// SchemaChecksumLen is the size of the schema checksum heading every
	// compiled program.
	SchemaChecksumLen = 8

	// MainPropID is the property id reserved for the MERGE_MAIN op. Real
	// properties start at 1.
	MainPropID PropID = 0

	// AnyType is the wildcard type name. It is reserved and never a real type.
	AnyType = "$any"

	// RangeErr is the status internal writers return when a write would
	// exceed the declared capacity. It is turned into ErrRange at the encoder
	// boundary.
	RangeErr = 1

	// MaxTimerSpan is the longest single timer the observable cache arms.
	// Longer idle deadlines are chained in steps of this size.
	MaxTimerSpan = 24 * 24 * time.Hour
)

// OpKind is the operation carried by a modify record.
type OpKind uint8

// Operation kinds. The values are part of the wire format.
const (
	OpCreate    OpKind = 3
	OpMergeMain OpKind = 4
	OpUpdate    OpKind = 6
	OpDelete    OpKind = 11
)

var opNames = map[OpKind]string{
	OpCreate:    "create",
	OpMergeMain: "merge",
	OpUpdate:    "update",
	OpDelete:    "delete",
}

func (o OpKind) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid returns true if o is one of the known operation kinds.
func (o OpKind) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// ParseOpKind maps a name ("create", "update", "delete", "merge") to its
// OpKind.
func ParseOpKind(s string) (OpKind, error) {
	for k, n := range opNames {
		if n == s {
			return k, nil
		}
	}
	return 0, ErrInvalidArgument.Errorf("unknown operation %q", s)
}

// WireType is the binary encoding of a property.
type WireType uint8

// Wire types. The values are part of the wire format.
const (
	WireBoolean    WireType = 1
	WireInteger    WireType = 2
	WireDouble     WireType = 3
	WireTimestamp  WireType = 4
	WireEnum       WireType = 5
	WireReference  WireType = 6
	WireString     WireType = 7
	WireBinary     WireType = 8
	WireReferences WireType = 9
)

var wireNames = [...]string{
	WireBoolean:    "boolean",
	WireInteger:    "integer",
	WireDouble:     "double",
	WireTimestamp:  "timestamp",
	WireEnum:       "enum",
	WireReference:  "reference",
	WireString:     "string",
	WireBinary:     "binary",
	WireReferences: "references",
}

func (w WireType) String() string {
	if int(w) < len(wireNames) && wireNames[w] != "" {
		return wireNames[w]
	}
	return fmt.Sprintf("wire(%d)", uint8(w))
}

// ParseWireType maps a schema type name to its WireType.
func ParseWireType(s string) (WireType, bool) {
	for i, n := range wireNames {
		if n != "" && n == s {
			return WireType(i), true
		}
	}
	return 0, false
}

// Size returns the fixed payload size of w, or 0 if w is variable size.
func (w WireType) Size() int {
	switch w {
	case WireBoolean, WireEnum:
		return 1
	case WireReference:
		return 4
	case WireInteger, WireDouble, WireTimestamp:
		return 8
	}
	return 0
}

// Fixed returns true if payloads of type w have a fixed size.
func (w WireType) Fixed() bool {
	return w.Size() != 0
}

// ReferencesMode says how a references op combines with stored state.
type ReferencesMode uint8

// Modes of a references payload.
const (
	RefsAdd       ReferencesMode = 0
	RefsOverwrite ReferencesMode = 1
)

// Aggregate is the aggregation opcode of a compiled program.
type Aggregate uint8

// Aggregations.
const (
	AggNone  Aggregate = 0
	AggCount Aggregate = 1
)
