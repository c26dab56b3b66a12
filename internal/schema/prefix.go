// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package schema

import (
	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// MaxPrefixes is the number of distinct two character prefixes.
const MaxPrefixes = len(alphabet) * len(alphabet)

// PrefixFor maps a counter to its prefix: the low digit comes first.
func PrefixFor(counter int) core.Prefix {
	n := len(alphabet)
	return core.Prefix{alphabet[counter%n], alphabet[(counter/n)%n]}
}

// prefixGen hands out unique prefixes. Prefixes reserved up front are never
// generated.
type prefixGen struct {
	counter int
	taken   map[core.Prefix]bool
}

func newPrefixGen() *prefixGen {
	return &prefixGen{taken: make(map[core.Prefix]bool)}
}

// reserve claims p, failing if it's taken already.
func (g *prefixGen) reserve(p core.Prefix) error {
	if !p.IsValid() {
		return core.ErrSchema.Errorf("prefix %q is not two base-62 characters", p.String())
	}
	if g.taken[p] {
		return core.ErrSchema.Errorf("prefix %q collides", p.String())
	}
	g.taken[p] = true
	return nil
}

// next returns the first free prefix at or after the counter. It gives up once
// every prefix has been tried.
func (g *prefixGen) next() (core.Prefix, error) {
	for tries := 0; tries < MaxPrefixes; tries++ {
		p := PrefixFor(g.counter)
		g.counter++
		if !g.taken[p] {
			g.taken[p] = true
			return p, nil
		}
	}
	return core.Prefix{}, core.ErrSchema.Errorf("prefix generation exhausted after %d retries", MaxPrefixes)
}
