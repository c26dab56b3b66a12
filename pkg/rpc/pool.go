// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Pools for the buffer sizes bulk data usually comes in: encoded records are
// small, query results run from tens of kilobytes to a few megabytes.

package rpc

import (
	"sync"
)

const (
	smallLimit = 32 << 10

	buf256KBSize = 256 << 10
	buf2MBSize   = 2 << 20
	buf8MBSize   = 8 << 20
)

var (
	buf256KBPool = sync.Pool{New: func() interface{} { b := make([]byte, buf256KBSize); return &b }}
	buf2MBPool   = sync.Pool{New: func() interface{} { b := make([]byte, buf2MBSize); return &b }}
	buf8MBPool   = sync.Pool{New: func() interface{} { b := make([]byte, buf8MBSize); return &b }}
)

// GetBuffer returns a []byte with length n and capacity >= n.
// The buffer may not be zeroed!
func GetBuffer(n int) []byte {
	switch {
	case n <= smallLimit:
		// Don't bother with pools for small buffers.
		return make([]byte, n)
	case n <= buf256KBSize:
		return (*buf256KBPool.Get().(*[]byte))[:n]
	case n <= buf2MBSize:
		return (*buf2MBPool.Get().(*[]byte))[:n]
	case n <= buf8MBSize:
		return (*buf8MBPool.Get().(*[]byte))[:n]
	}
	return make([]byte, n)
}

// PutBuffer returns a buffer to the pool. It's okay to call this on any buffer
// that isn't going to be used again, whether it came from GetBuffer or not.
// A buffer that isn't exclusively owned is left alone; the signature matches
// BulkData.Get so the two can be chained.
func PutBuffer(b []byte, exclusive bool) {
	if !exclusive {
		return
	}
	b = b[:cap(b)]
	switch cap(b) {
	case buf256KBSize:
		buf256KBPool.Put(&b)
	case buf2MBSize:
		buf2MBPool.Put(&b)
	case buf8MBSize:
		buf8MBPool.Put(&b)
	}
}
