// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package modify

import (
	"encoding/binary"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// Buffer is a growable byte buffer with a hard capacity limit. It owns its
// storage: growing copies the content into a larger slice and the buffer never
// shrinks. Writers return 0 on success and core.RangeErr when the write would
// take the buffer past Max; nothing is written in that case.
type Buffer struct {
	b   []byte
	max int
}

// NewBuffer returns an empty buffer with 'initial' bytes of capacity that may
// grow up to 'max' bytes. An initial size above max is cut down to max.
func NewBuffer(initial, max int) *Buffer {
	if max < 0 {
		max = 0
	}
	if initial < 0 {
		initial = 0
	}
	if initial > max {
		initial = max
	}
	return &Buffer{b: make([]byte, 0, initial), max: max}
}

// Len returns the write cursor.
func (b *Buffer) Len() int { return len(b.b) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.b) }

// Max returns the capacity limit.
func (b *Buffer) Max() int { return b.max }

// Bytes returns the written bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.b }

// EnsureCapacity makes room for n more bytes, doubling the capacity until it
// fits or the limit is reached.
func (b *Buffer) EnsureCapacity(n int) int {
	need := len(b.b) + n
	if n < 0 || need > b.max {
		return core.RangeErr
	}
	if need <= cap(b.b) {
		return 0
	}
	c := cap(b.b) * 2
	if c < need {
		c = need
	}
	if c < 64 {
		c = 64
	}
	if c > b.max {
		c = b.max
	}
	nb := make([]byte, len(b.b), c)
	copy(nb, b.b)
	b.b = nb
	return 0
}

func (b *Buffer) write(p []byte) int {
	if r := b.EnsureCapacity(len(p)); r != 0 {
		return r
	}
	b.b = append(b.b, p...)
	return 0
}

func (b *Buffer) writeU8(v uint8) int {
	if r := b.EnsureCapacity(1); r != 0 {
		return r
	}
	b.b = append(b.b, v)
	return 0
}

func (b *Buffer) writeU16(v uint16) int {
	if r := b.EnsureCapacity(2); r != 0 {
		return r
	}
	b.b = binary.LittleEndian.AppendUint16(b.b, v)
	return 0
}

func (b *Buffer) writeU32(v uint32) int {
	if r := b.EnsureCapacity(4); r != 0 {
		return r
	}
	b.b = binary.LittleEndian.AppendUint32(b.b, v)
	return 0
}

func (b *Buffer) writeU64(v uint64) int {
	if r := b.EnsureCapacity(8); r != 0 {
		return r
	}
	b.b = binary.LittleEndian.AppendUint64(b.b, v)
	return 0
}

// patchU32 overwrites 4 bytes already written at 'at'.
func (b *Buffer) patchU32(at int, v uint32) {
	binary.LittleEndian.PutUint32(b.b[at:], v)
}
