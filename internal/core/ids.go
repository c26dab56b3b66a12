// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/oklog/ulid/v2"
)

/*

Identifiers and their encodings:

 - TypeID is the 1-based declaration index of a type in the schema.
 - Prefix is the two character base-62 tag of a type. It is embedded in every
   modify record and in compiled programs.
 - RecordID is the 32 bit id of a record inside its type. Valid RecordIDs
   start from 1.
 - RecordKey is the Prefix plus the RecordID, which identifies a record in
   the database and is the key records are stored under.

     +-------------------+-------------------------+
     |  Prefix (2 bytes) |  RecordID (4 bytes BE)  |
     +-------------------+-------------------------+
     |<------------------------------------------->|
                   RecordKey (6 bytes)

   The RecordID is big endian in the key so keys of a type sort by id.

 - PropID is the 1-based id of a property inside its type; 0 is MainPropID.

 - SessionID and SubscriberID are ULIDs, so they sort by creation time in logs.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// TypeID identifies a type in a schema. Valid TypeIDs start from 1.
type TypeID uint16

// PropID identifies a property in a type.
type PropID uint16

// RecordID identifies a record of a type. Valid RecordIDs start from 1.
type RecordID uint32

// Prefix is the two character tag of a type.
type Prefix [2]byte

// RecordKeyLen is the size of an encoded RecordKey.
const RecordKeyLen = 6

// RecordKey identifies a record in the database.
type RecordKey struct {
	Prefix Prefix
	ID     RecordID
}

// SessionID identifies a client session.
type SessionID ulid.ULID

// SubscriberID identifies one subscription of a session.
type SubscriberID ulid.ULID

//------------------
// RecordID Methods
//------------------

// IsValid returns if 'r' is a valid RecordID.
func (r RecordID) IsValid() bool {
	return r != 0
}

func (r RecordID) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

//----------------
// Prefix Methods
//----------------

// PrefixFromString converts a two character string into a Prefix.
func PrefixFromString(s string) (Prefix, error) {
	if len(s) != 2 {
		return Prefix{}, ErrInvalidID
	}
	return Prefix{s[0], s[1]}, nil
}

// IsValid returns true if both characters are in the base-62 alphabet.
func (p Prefix) IsValid() bool {
	return isBase62(p[0]) && isBase62(p[1])
}

func (p Prefix) String() string {
	return string(p[:])
}

func isBase62(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

//-------------------
// RecordKey Methods
//-------------------

// Bytes returns the storage key encoding of k.
func (k RecordKey) Bytes() []byte {
	b := make([]byte, RecordKeyLen)
	copy(b, k.Prefix[:])
	binary.BigEndian.PutUint32(b[2:], uint32(k.ID))
	return b
}

// RecordKeyFromBytes decodes a storage key.
func RecordKeyFromBytes(b []byte) (RecordKey, error) {
	if len(b) != RecordKeyLen {
		return RecordKey{}, ErrInvalidID
	}
	return RecordKey{Prefix: Prefix{b[0], b[1]}, ID: RecordID(binary.BigEndian.Uint32(b[2:]))}, nil
}

// Less orders keys the way their storage encodings sort.
func (k RecordKey) Less(o RecordKey) bool {
	if k.Prefix != o.Prefix {
		return k.Prefix[0] < o.Prefix[0] || (k.Prefix[0] == o.Prefix[0] && k.Prefix[1] < o.Prefix[1])
	}
	return k.ID < o.ID
}

// String returns a human-readable string representation of the RecordKey,
// e.g. "Ab:42".
func (k RecordKey) String() string {
	return fmt.Sprintf("%s:%d", k.Prefix, k.ID)
}

// ParseRecordKey parses the representation made by String.
func ParseRecordKey(s string) (RecordKey, error) {
	if len(s) < 4 || s[2] != ':' {
		return RecordKey{}, ErrInvalidID
	}
	p, err := PrefixFromString(s[:2])
	if err != nil || !p.IsValid() {
		return RecordKey{}, ErrInvalidID
	}
	id, err := strconv.ParseUint(s[3:], 10, 32)
	if err != nil {
		return RecordKey{}, ErrInvalidID
	}
	return RecordKey{Prefix: p, ID: RecordID(id)}, nil
}

//---------------------
// ULID based ids
//---------------------

// NewSessionID returns a fresh SessionID.
func NewSessionID() SessionID {
	return SessionID(ulid.Make())
}

func (s SessionID) String() string {
	return ulid.ULID(s).String()
}

// NewSubscriberID returns a fresh SubscriberID.
func NewSubscriberID() SubscriberID {
	return SubscriberID(ulid.Make())
}

func (s SubscriberID) String() string {
	return ulid.ULID(s).String()
}

// ParseSubscriberID parses the string form of a SubscriberID.
func ParseSubscriberID(s string) (SubscriberID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return SubscriberID{}, ErrInvalidID
	}
	return SubscriberID(u), nil
}
