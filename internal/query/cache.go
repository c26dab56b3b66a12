// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package query

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/checksum"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "query",
		Name:      "cache_hits",
		Help:      "compiled program cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "query",
		Name:      "cache_misses",
		Help:      "compiled program cache misses",
	})
)

type cacheKey struct {
	schema uint64
	query  uint32
}

type cacheEntry struct {
	// The value form of the query, to tell hash collisions apart.
	def  *value.Map
	prog []byte
}

// Cache is an LRU cache of compiled programs keyed by schema checksum and
// query hash. It is safe for concurrent use.
type Cache struct {
	lock    sync.Mutex
	forward *lru.Cache
	// schema checksum -> keys cached for it, so a schema change can drop them.
	back map[uint64]map[cacheKey]bool
}

// NewCache returns a cache holding up to maxEntries programs.
func NewCache(maxEntries int) *Cache {
	c := &Cache{back: make(map[uint64]map[cacheKey]bool)}
	c.forward = lru.New(maxEntries)
	c.forward.OnEvicted = c.evicted
	return c
}

// evicted keeps the back map up to date. It's only called while the cache is
// being modified, so the lock is held already.
func (c *Cache) evicted(ikey lru.Key, _ interface{}) {
	key := ikey.(cacheKey)
	keys := c.back[key.schema]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.back, key.schema)
	}
}

// Compile returns the encoded program for d, compiling it on a miss.
func (c *Cache) Compile(s *schema.Schema, d *Def) ([]byte, error) {
	dv := d.Value()
	key := cacheKey{schema: s.Checksum(), query: checksum.HashUnordered(dv)}
	c.lock.Lock()
	if v, ok := c.forward.Get(key); ok {
		e := v.(*cacheEntry)
		if value.Equal(e.def, dv) {
			c.lock.Unlock()
			cacheHits.Inc()
			return e.prog, nil
		}
	}
	c.lock.Unlock()
	cacheMisses.Inc()

	p, err := Compile(s, d)
	if err != nil {
		return nil, err
	}
	prog := p.Bytes()

	c.lock.Lock()
	defer c.lock.Unlock()
	c.forward.Remove(key)
	c.forward.Add(key, &cacheEntry{def: dv, prog: prog})
	if keys, ok := c.back[key.schema]; ok {
		keys[key] = true
	} else {
		c.back[key.schema] = map[cacheKey]bool{key: true}
	}
	return prog, nil
}

// DropSchema removes every program compiled against the schema with the given
// checksum.
func (c *Cache) DropSchema(sum uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	// Copy to slice so we can iterate while modifying the map.
	keys := make([]cacheKey, 0, len(c.back[sum]))
	for k := range c.back[sum] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		// Remove calls c.evicted, which updates c.back.
		c.forward.Remove(k)
	}
}

// Len returns the number of cached programs.
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.forward.Len()
}
