// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package store persists record snapshots. Records are opaque byte strings
// keyed by (prefix, id); the layout of a record is the business of
// internal/modify. Every store also keeps a per prefix id sequence and a small
// set of named metadata blobs, such as the current schema declaration.
package store

import (
	"fmt"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// Entry is one element of a batch write. A nil Data deletes the key.
type Entry struct {
	Key  core.RecordKey
	Data []byte
}

// Store is the interface every backend implements. Implementations are safe
// for concurrent use.
type Store interface {
	// Get returns the record stored at key, or ErrNoSuchRecord.
	Get(key core.RecordKey) ([]byte, error)

	// Put stores data at key, replacing what's there.
	Put(key core.RecordKey, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key core.RecordKey) error

	// Write applies a batch atomically.
	Write(batch []Entry) error

	// Scan calls fn for every record of prefix in id order. fn must not call
	// back into the store. An error from fn stops the scan and is returned.
	Scan(prefix core.Prefix, fn func(id core.RecordID, data []byte) error) error

	// Each calls fn for every record in key order.
	Each(fn func(key core.RecordKey, data []byte) error) error

	// NextID allocates the next record id of prefix. Ids start at 1.
	NextID(prefix core.Prefix) (core.RecordID, error)

	// ReserveID makes sure NextID never returns id or anything below it.
	ReserveID(prefix core.Prefix, id core.RecordID) error

	// GetMeta returns the metadata blob name, or nil if it isn't set.
	GetMeta(name string) ([]byte, error)

	// PutMeta sets the metadata blob name.
	PutMeta(name string, data []byte) error

	// Close releases the store.
	Close() error
}

// Engines.
const (
	EngineBolt   = "bolt"
	EngineSqlite = "sqlite"
	EngineMem    = "mem"
)

// Config picks and configures a backend.
type Config struct {
	Engine string // one of the Engine constants
	Path   string // database file, unused by EngineMem
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineBolt, EngineSqlite:
		if c.Path == "" {
			return fmt.Errorf("store engine %q needs a path", c.Engine)
		}
	case EngineMem:
	default:
		return fmt.Errorf("unknown store engine %q", c.Engine)
	}
	return nil
}

// Open opens the store described by cfg.
func Open(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.ErrInvalidArgument.Errorf("%s", err)
	}
	switch cfg.Engine {
	case EngineBolt:
		return OpenBolt(cfg.Path)
	case EngineSqlite:
		return OpenSqlite(cfg.Path)
	}
	return NewMem(), nil
}

func ioError(op string, err error) error {
	return core.ErrIO.Errorf("%s: %s", op, err)
}
