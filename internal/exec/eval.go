// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package exec

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

type itemKind uint8

const (
	itemField itemKind = iota
	itemLit
	itemSet
	itemBool
)

// item is an entry of the evaluation stack.
type item struct {
	kind itemKind
	prop *schema.PropDef
	v    value.Value // field value, nil if absent
	raws [][]byte    // literal (one) or set members
	b    bool
}

var idProp = &schema.PropDef{ID: query.IDPropID, Path: "id", Keys: []string{"id"}, Wire: core.WireReference, Size: 4}

// propFor resolves a field token against the record type.
func propFor(td *schema.TypeDef, pid core.PropID) (*schema.PropDef, error) {
	if pid == query.IDPropID {
		return idProp, nil
	}
	if p := td.PropByID(pid); p != nil {
		return p, nil
	}
	return nil, core.ErrCorruptData.Errorf("%s has no property %d", td.Name, pid)
}

// eval runs a token stream against rec. An empty stream doesn't match.
func eval(toks []token, rec *modify.Record) (bool, error) {
	var stack []item
	pop := func() (item, error) {
		if len(stack) == 0 {
			return item{}, core.ErrCorruptData.Errorf("filter stack underflow")
		}
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return it, nil
	}

	for _, t := range toks {
		switch t.op {
		case query.TokField:
			p, err := propFor(rec.Type, t.pid)
			if err != nil {
				return false, err
			}
			it := item{kind: itemField, prop: p}
			if p == idProp {
				it.v = value.Int(rec.ID)
			} else if v, ok := rec.Props[p.ID]; ok {
				it.v = v
			}
			stack = append(stack, it)

		case query.TokLiteral:
			stack = append(stack, item{kind: itemLit, raws: [][]byte{t.raw}})

		case query.TokSet:
			if t.n > len(stack) {
				return false, core.ErrCorruptData.Errorf("set of %d with %d operands", t.n, len(stack))
			}
			set := item{kind: itemSet}
			for _, it := range stack[len(stack)-t.n:] {
				if it.kind != itemLit {
					return false, core.ErrCorruptData.Errorf("set member is not a literal")
				}
				set.raws = append(set.raws, it.raws[0])
			}
			stack = append(stack[:len(stack)-t.n], set)

		case query.TokType:
			stack = append(stack, item{kind: itemBool, b: rec.Type.Prefix == t.prefix})

		case query.TokAnd, query.TokOr:
			r, err := pop()
			if err != nil {
				return false, err
			}
			l, err := pop()
			if err != nil {
				return false, err
			}
			if l.kind != itemBool || r.kind != itemBool {
				return false, core.ErrCorruptData.Errorf("%q on non boolean operands", t.op)
			}
			res := l.b && r.b
			if t.op == query.TokOr {
				res = l.b || r.b
			}
			stack = append(stack, item{kind: itemBool, b: res})

		case query.TokExists, query.TokNExists:
			f, err := pop()
			if err != nil {
				return false, err
			}
			if f.kind != itemField {
				return false, core.ErrCorruptData.Errorf("%q on a non field", t.op)
			}
			res := f.v != nil
			if t.op == query.TokNExists {
				res = !res
			}
			stack = append(stack, item{kind: itemBool, b: res})

		case query.TokLabel, query.TokBranch, query.TokEnd:
			return false, core.ErrCorruptData.Errorf("branch token %q inside a filter body", t.op)

		default:
			r, err := pop()
			if err != nil {
				return false, err
			}
			f, err := pop()
			if err != nil {
				return false, err
			}
			if f.kind != itemField || (r.kind != itemLit && r.kind != itemSet) {
				return false, core.ErrCorruptData.Errorf("%q needs a field and a literal", t.op)
			}
			res, err := compare(t.op, f, r)
			if err != nil {
				return false, err
			}
			stack = append(stack, item{kind: itemBool, b: res})
		}
	}
	if len(stack) == 0 {
		return false, nil
	}
	if len(stack) != 1 || stack[0].kind != itemBool {
		return false, core.ErrCorruptData.Errorf("filter leaves %d items", len(stack))
	}
	return stack[0].b, nil
}

// literalProp is the property literals compared with p are encoded as.
func literalProp(p *schema.PropDef) *schema.PropDef {
	if p.Wire == core.WireReferences {
		return idProp
	}
	return p
}

func decodeLits(p *schema.PropDef, raws [][]byte) ([]value.Value, error) {
	lp := literalProp(p)
	out := make([]value.Value, len(raws))
	for i, raw := range raws {
		v, err := modify.DecodeValue(lp, raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// compare applies a binary operator. Negated operators are the exact
// negation of their positive form, so they match records missing the field.
func compare(op byte, f, r item) (bool, error) {
	lits, err := decodeLits(f.prop, r.raws)
	if err != nil {
		return false, err
	}
	positive := op
	negate := false
	switch op {
	case query.TokNeq:
		positive, negate = query.TokEq, true
	case query.TokNIncludes:
		positive, negate = query.TokIncludes, true
	case query.TokNRange:
		positive, negate = query.TokRange, true
	}
	if f.v == nil {
		return negate, nil
	}

	var res bool
	switch positive {
	case query.TokEq:
		res = len(lits) == 1 && Compare(f.prop, f.v, lits[0], nil) == 0
	case query.TokLt, query.TokLe, query.TokGt, query.TokGe:
		if len(lits) != 1 {
			return false, core.ErrCorruptData.Errorf("%q with a set", op)
		}
		c := Compare(f.prop, f.v, lits[0], nil)
		switch op {
		case query.TokLt:
			res = c < 0
		case query.TokLe:
			res = c <= 0
		case query.TokGt:
			res = c > 0
		default:
			res = c >= 0
		}
	case query.TokRange:
		if len(lits) != 2 {
			return false, core.ErrCorruptData.Errorf("range with %d values", len(lits))
		}
		res = Compare(f.prop, f.v, lits[0], nil) >= 0 && Compare(f.prop, f.v, lits[1], nil) <= 0
	case query.TokIncludes:
		res = includes(f.prop, f.v, lits)
	case query.TokLike:
		s, ok1 := f.v.(value.Str)
		pat, ok2 := lits[0].(value.Str)
		res = ok1 && ok2 && like(string(s), string(pat))
	default:
		return false, core.ErrCorruptData.Errorf("unknown operator %q", op)
	}
	return res != negate, nil
}

func includes(p *schema.PropDef, v value.Value, lits []value.Value) bool {
	switch x := v.(type) {
	case value.Str:
		if p.Wire == core.WireString && len(lits) == 1 {
			s, ok := lits[0].(value.Str)
			return ok && strings.Contains(string(x), string(s))
		}
	case value.Bytes:
		if len(lits) == 1 {
			b, ok := lits[0].(value.Bytes)
			return ok && bytes.Contains(x, b)
		}
	case value.List:
		for _, l := range lits {
			for _, e := range x {
				if value.Equal(e, l) {
					return true
				}
			}
		}
		return false
	}
	// A scalar is included in a set if it equals a member.
	for _, l := range lits {
		if Compare(p, v, l, nil) == 0 {
			return true
		}
	}
	return false
}

// like matches s against a SQL LIKE pattern: % matches any run of
// characters, _ any single character and \ escapes the next one.
func like(s, pat string) bool {
	for len(pat) > 0 {
		c, n := utf8.DecodeRuneInString(pat)
		switch c {
		case '%':
			rest := pat[n:]
			for len(rest) > 0 && rest[0] == '%' {
				rest = rest[1:]
			}
			if rest == "" {
				return true
			}
			for i := 0; i <= len(s); {
				if like(s[i:], rest) {
					return true
				}
				if i == len(s) {
					break
				}
				_, w := utf8.DecodeRuneInString(s[i:])
				i += w
			}
			return false
		case '_':
			if s == "" {
				return false
			}
			_, w := utf8.DecodeRuneInString(s)
			s, pat = s[w:], pat[n:]
		default:
			if c == '\\' && len(pat) > n {
				pat = pat[n:]
				c, n = utf8.DecodeRuneInString(pat)
			}
			sc, w := utf8.DecodeRuneInString(s)
			if s == "" || sc != c {
				return false
			}
			s, pat = s[w:], pat[n:]
		}
	}
	return s == ""
}
