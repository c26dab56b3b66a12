// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package checksum computes 32 bit fingerprints of payload values. They are
// used to identify subscriptions and to suppress pushes of results a
// subscriber has already seen.
//
// Byte buffers are hashed with CRC-32C. Structured values are hashed
// recursively: Hash is sensitive to the key order of maps, HashUnordered folds
// map entries with a commutative combination so two maps holding the same
// entries hash the same whatever order they were built in. Lists are ordered
// in both variants.
package checksum

import (
	"math"

	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// Seed is the initial state of every hash, the classic djb2 initializer.
const Seed uint32 = 5381

const (
	mulConst  uint32 = 0x01000193 // FNV-1 32 bit prime
	mixConst1 uint32 = 0x85ebca6b
	mixConst2 uint32 = 0xc2b2ae35
)

// Per-kind tags keep Int(1), Float(1) and Str("1") apart.
const (
	tagNull uint32 = iota + 1
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
)

// Mix is the finalizing avalanche step.
func Mix(h uint32) uint32 {
	h ^= h >> 16
	h *= mixConst1
	h ^= h >> 13
	h *= mixConst2
	h ^= h >> 16
	return h
}

// combine folds x into h. It is not commutative.
func combine(h, x uint32) uint32 {
	h ^= x
	h *= mulConst
	return h<<13 | h>>19
}

// String hashes s with the djb2 (xor) step seeded from Seed.
func String(s string) uint32 {
	h := Seed
	for i := 0; i < len(s); i++ {
		h = (h * 33) ^ uint32(s[i])
	}
	return h
}

// Hash returns the order-sensitive hash of v.
func Hash(v value.Value) uint32 {
	return hash(v, false)
}

// HashUnordered returns the hash of v ignoring the key order of every map
// inside it.
func HashUnordered(v value.Value) uint32 {
	return hash(v, true)
}

func scalar(tag, lo, hi uint32) uint32 {
	h := combine(Seed, tag)
	h = combine(h, lo)
	h = combine(h, hi)
	return Mix(h)
}

func hash(v value.Value, unordered bool) uint32 {
	switch t := v.(type) {
	case nil, value.Null:
		return Mix(combine(Seed, tagNull))
	case value.Bool:
		var b uint32
		if t {
			b = 1
		}
		return scalar(tagBool, b, 0)
	case value.Int:
		return scalar(tagInt, uint32(t), uint32(uint64(t)>>32))
	case value.Float:
		f := float64(t)
		var bits uint64
		switch {
		case math.IsNaN(f):
			bits = 0x7ff8000000000001
		case f == 0:
			// -0 and +0 are equal values.
			bits = 0
		default:
			bits = math.Float64bits(f)
		}
		return scalar(tagFloat, uint32(bits), uint32(bits>>32))
	case value.Str:
		h := combine(String(string(t)), tagString)
		return Mix(combine(h, uint32(len(t))))
	case value.Bytes:
		h := combine(Bytes(t), tagBytes)
		return Mix(combine(h, uint32(len(t))))
	case value.List:
		h := combine(Seed, tagList)
		for _, c := range t {
			h = combine(h, hash(c, unordered))
		}
		return Mix(combine(h, uint32(len(t))))
	case *value.Map:
		h := combine(Seed, tagMap)
		if unordered {
			var sum, x uint32
			for _, e := range t.Entries() {
				p := Mix(combine(String(e.Key), hash(e.Value, true)))
				sum += p
				x ^= p
			}
			h = combine(h, sum)
			h = combine(h, x)
		} else {
			for _, e := range t.Entries() {
				h = combine(h, String(e.Key))
				h = combine(h, hash(e.Value, false))
			}
		}
		return Mix(combine(h, uint32(t.Len())))
	}
	panic("checksum: unknown value variant")
}

// Fingerprint identifies a subscription. The high 32 bits hash the query name,
// the low 32 bits are the key-order independent hash of the payload, or zero
// when there is no payload.
func Fingerprint(name string, payload value.Value) uint64 {
	hi := Mix(String(name))
	if value.IsNull(payload) {
		return uint64(hi) << 32
	}
	return uint64(hi)<<32 | uint64(HashUnordered(payload))
}
