// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package checksum

import (
	"hash/crc32"

	"golang.org/x/sys/cpu"
)

// castagnoli is the reversed CRC-32C polynomial.
const castagnoli = 0x82f63b78

var (
	// This is opaque, pre-calculated data used by the hash/crc32 package to
	// speed up CRC calculations. On amd64 with SSE4.2 and arm64 with the CRC32
	// extension hash/crc32 uses the instructions directly.
	crc32Table = crc32.MakeTable(crc32.Castagnoli)

	// softTable is our own slicing-by-8 table for the pure Go path.
	softTable = makeSoftTable(castagnoli)

	// hardware is true when the CPU has CRC-32C instructions.
	hardware = cpu.X86.HasSSE42 || cpu.ARM64.HasCRC32
)

// Bytes returns the CRC-32C of b.
func Bytes(b []byte) uint32 {
	return Update(0, b)
}

// Update returns the result of adding b to crc.
func Update(crc uint32, b []byte) uint32 {
	if hardware {
		return hardUpdate(crc, b)
	}
	return softUpdate(crc, b)
}

// Hardware reports whether Bytes uses the accelerated path.
func Hardware() bool {
	return hardware
}

func hardUpdate(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, crc32Table, b)
}

func makeSoftTable(poly uint32) *[8][256]uint32 {
	t := new([8][256]uint32)
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for j := 0; j < 8; j++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		t[0][i] = crc
	}
	for i := 0; i < 256; i++ {
		crc := t[0][i]
		for j := 1; j < 8; j++ {
			crc = t[0][crc&0xff] ^ (crc >> 8)
			t[j][i] = crc
		}
	}
	return t
}

// softUpdate is a slicing-by-8 CRC-32C that does not depend on any CPU
// feature. It must agree with hardUpdate bit for bit.
func softUpdate(crc uint32, p []byte) uint32 {
	t := softTable
	crc = ^crc
	for len(p) >= 8 {
		crc ^= uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
		crc = t[0][p[7]] ^ t[1][p[6]] ^ t[2][p[5]] ^ t[3][p[4]] ^
			t[4][crc>>24] ^ t[5][(crc>>16)&0xff] ^
			t[6][(crc>>8)&0xff] ^ t[7][crc&0xff]
		p = p[8:]
	}
	for _, v := range p {
		crc = t[0][byte(crc)^v] ^ (crc >> 8)
	}
	return ^crc
}
