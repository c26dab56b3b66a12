// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"math"
	"sort"
	"sync"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// Mem is an in-memory Store, for tests and throwaway servers.
type Mem struct {
	lock    sync.RWMutex
	records map[core.RecordKey][]byte
	seq     map[core.Prefix]core.RecordID
	meta    map[string][]byte
	closed  bool
}

var _ Store = (*Mem)(nil)

// NewMem returns an empty Mem.
func NewMem() *Mem {
	return &Mem{
		records: make(map[core.RecordKey][]byte),
		seq:     make(map[core.Prefix]core.RecordID),
		meta:    make(map[string][]byte),
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get implements Store.
func (m *Mem) Get(key core.RecordKey) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return nil, core.ErrClosed.Error()
	}
	data, ok := m.records[key]
	if !ok {
		return nil, core.ErrNoSuchRecord.Errorf("%s", key)
	}
	return clone(data), nil
}

// Put implements Store.
func (m *Mem) Put(key core.RecordKey, data []byte) error {
	return m.Write([]Entry{{Key: key, Data: data}})
}

// Delete implements Store.
func (m *Mem) Delete(key core.RecordKey) error {
	return m.Write([]Entry{{Key: key}})
}

// Write implements Store.
func (m *Mem) Write(batch []Entry) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return core.ErrClosed.Error()
	}
	for _, e := range batch {
		if e.Data == nil {
			delete(m.records, e.Key)
		} else {
			m.records[e.Key] = clone(e.Data)
		}
	}
	return nil
}

// sortedKeys returns the keys accepted by keep in key order.
func (m *Mem) sortedKeys(keep func(core.RecordKey) bool) []core.RecordKey {
	var keys []core.RecordKey
	for k := range m.records {
		if keep(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Scan implements Store. It works on a copy, so fn may call back into m.
func (m *Mem) Scan(prefix core.Prefix, fn func(core.RecordID, []byte) error) error {
	return m.Each(func(k core.RecordKey, data []byte) error {
		if k.Prefix != prefix {
			return nil
		}
		return fn(k.ID, data)
	})
}

// Each implements Store.
func (m *Mem) Each(fn func(core.RecordKey, []byte) error) error {
	m.lock.RLock()
	if m.closed {
		m.lock.RUnlock()
		return core.ErrClosed.Error()
	}
	keys := m.sortedKeys(func(core.RecordKey) bool { return true })
	datas := make([][]byte, len(keys))
	for i, k := range keys {
		datas[i] = m.records[k]
	}
	m.lock.RUnlock()

	for i, k := range keys {
		if err := fn(k, clone(datas[i])); err != nil {
			return err
		}
	}
	return nil
}

// NextID implements Store.
func (m *Mem) NextID(prefix core.Prefix) (core.RecordID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, core.ErrClosed.Error()
	}
	if m.seq[prefix] == math.MaxUint32 {
		return 0, core.ErrTooBig.Errorf("ids of %s exhausted", prefix)
	}
	m.seq[prefix]++
	return m.seq[prefix], nil
}

// ReserveID implements Store.
func (m *Mem) ReserveID(prefix core.Prefix, id core.RecordID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.seq[prefix] < id {
		m.seq[prefix] = id
	}
	return nil
}

// GetMeta implements Store.
func (m *Mem) GetMeta(name string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if v, ok := m.meta[name]; ok {
		return clone(v), nil
	}
	return nil, nil
}

// PutMeta implements Store.
func (m *Mem) PutMeta(name string, data []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.meta[name] = clone(data)
	return nil
}

// Close implements Store.
func (m *Mem) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	return nil
}
