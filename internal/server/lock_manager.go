// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// LockManager provides exclusive access to a record while its stored state is
// read, merged and written back.
type LockManager interface {
	// LockRecord acquires exclusive access to a record.
	LockRecord(core.RecordKey)

	// UnlockRecord releases the lock on a record.
	UnlockRecord(core.RecordKey)
}

// FineGrainedLock implements LockManager.
type FineGrainedLock struct {
	// Protects cond and the maps.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// If present, the record is locked.
	records map[core.RecordKey]bool
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() LockManager {
	f := &FineGrainedLock{
		records: make(map[core.RecordKey]bool),
	}
	f.cond.L = &f.lock
	return f
}

// LockRecord locks a record.
func (f *FineGrainedLock) LockRecord(key core.RecordKey) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.records[key] {
		f.cond.Wait()
	}
	f.records[key] = true
}

// UnlockRecord unlocks a record.
func (f *FineGrainedLock) UnlockRecord(key core.RecordKey) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.records[key] {
		panic("wasn't locked!")
	}
	delete(f.records, key)
	f.cond.Broadcast()
}
