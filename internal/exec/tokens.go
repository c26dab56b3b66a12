// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package exec

import (
	"encoding/binary"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
)

// token is one decoded filter token.
type token struct {
	op     byte
	pid    core.PropID // TokField
	raw    []byte      // TokLiteral
	n      int         // TokSet
	prefix core.Prefix // TokType
}

// tokenize splits a filter stream into tokens.
func tokenize(b []byte) ([]token, error) {
	var out []token
	for i := 0; i < len(b); {
		t := token{op: b[i]}
		i++
		need := func(n int) error {
			if i+n > len(b) {
				return core.ErrCorruptData.Errorf("filter token %q truncated at %d", t.op, i)
			}
			return nil
		}
		switch t.op {
		case query.TokField:
			if err := need(2); err != nil {
				return nil, err
			}
			t.pid = core.PropID(binary.LittleEndian.Uint16(b[i:]))
			i += 2
		case query.TokLiteral:
			if err := need(4); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint32(b[i:]))
			i += 4
			if err := need(n + 1); err != nil {
				return nil, err
			}
			t.raw = b[i : i+n]
			i += n
			if b[i] != query.TokLiteral {
				return nil, core.ErrCorruptData.Errorf("unterminated literal at %d", i)
			}
			i++
		case query.TokSet:
			if err := need(2); err != nil {
				return nil, err
			}
			t.n = int(binary.LittleEndian.Uint16(b[i:]))
			i += 2
		case query.TokType:
			if err := need(2); err != nil {
				return nil, err
			}
			t.prefix = core.Prefix{b[i], b[i+1]}
			i += 2
		case query.TokEq, query.TokNeq, query.TokLt, query.TokLe, query.TokGt, query.TokGe,
			query.TokIncludes, query.TokNIncludes, query.TokLike, query.TokExists, query.TokNExists,
			query.TokRange, query.TokNRange, query.TokAnd, query.TokOr,
			query.TokLabel, query.TokBranch, query.TokEnd:
		default:
			return nil, core.ErrCorruptData.Errorf("unknown filter token %q at %d", t.op, i-1)
		}
		out = append(out, t)
	}
	return out, nil
}

// branches splits a token stream into per type bodies and the fallthrough.
// A stream without branches applies to every type and is returned as the
// fallthrough.
func branches(toks []token) (map[core.Prefix][]token, []token, error) {
	if len(toks) == 0 || toks[0].op != query.TokLabel {
		return nil, toks, nil
	}
	out := make(map[core.Prefix][]token)
	i := 0
	for i < len(toks) && toks[i].op == query.TokLabel {
		if i+2 >= len(toks) || toks[i+1].op != query.TokType || toks[i+2].op != query.TokBranch {
			return nil, nil, core.ErrCorruptData.Errorf("malformed branch header at token %d", i)
		}
		prefix := toks[i+1].prefix
		start := i + 3
		end := start
		for end < len(toks) && toks[end].op != query.TokEnd {
			if toks[end].op == query.TokLabel || toks[end].op == query.TokBranch {
				return nil, nil, core.ErrCorruptData.Errorf("nested branch at token %d", end)
			}
			end++
		}
		if end == len(toks) {
			return nil, nil, core.ErrCorruptData.Errorf("unterminated branch for %s", prefix)
		}
		out[prefix] = toks[start:end]
		i = end + 1
	}
	if i == len(toks) || toks[i].op != query.TokAnd {
		return nil, nil, core.ErrCorruptData.Errorf("branches without a fallthrough")
	}
	return out, toks[i+1:], nil
}
