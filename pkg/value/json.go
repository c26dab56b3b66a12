// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// binaryKey marks a JSON object that carries a Bytes value.
const binaryKey = "$binary"

// ParseJSON decodes a JSON document into a Value, keeping object key order.
// Numbers without a fraction or exponent become Int, others Float.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parse(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func parse(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return parseNumber(t)
	case string:
		return Str(t), nil
	case json.Delim:
		switch t {
		case '[':
			list := List{}
			for dec.More() {
				v, err := parse(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		case '{':
			m := NewMap()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T, not string", kt)
				}
				v, err := parse(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			if m.Len() == 1 {
				if s, ok := m.entries[0].Value.(Str); ok && m.entries[0].Key == binaryKey {
					b, err := base64.StdEncoding.DecodeString(string(s))
					if err != nil {
						return nil, fmt.Errorf("bad %s value: %v", binaryKey, err)
					}
					return Bytes(b), nil
				}
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("unexpected JSON token %v", tok)
}

func parseNumber(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return Float(f), nil
}

// MarshalJSON encodes v as JSON, writing map keys in insertion order.
func MarshalJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(t)))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case Float:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("cannot encode %v as JSON", f)
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		// Keep floats recognizable as floats when parsed back.
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
	case Str:
		b, err := json.Marshal(string(t))
		if err != nil {
			return err
		}
		buf.Write(b)
	case Bytes:
		buf.WriteString(`{"` + binaryKey + `":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(t))
		buf.WriteString(`"}`)
	case List:
		buf.WriteByte('[')
		for i, c := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Map:
		buf.WriteByte('{')
		for i, e := range t.Entries() {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(e.Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeJSON(buf, e.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value type %T", v)
	}
	return nil
}

// FromGo converts plain Go values (as produced by encoding/json or written in
// tests) into a Value. Go maps have no order, so their keys are inserted in
// lexical order.
func FromGo(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(t), nil
	case int32:
		return Int(t), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(t), nil
	case string:
		return Str(t), nil
	case []byte:
		return Bytes(t), nil
	case json.Number:
		return parseNumber(t)
	case []interface{}:
		out := make(List, 0, len(t))
		for _, c := range t {
			v, err := FromGo(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case []string:
		out := make(List, 0, len(t))
		for _, c := range t {
			out = append(out, Str(c))
		}
		return out, nil
	case map[string]interface{}:
		m := NewMap()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := FromGo(t[k])
			if err != nil {
				return nil, err
			}
			m.Set(k, v)
		}
		return m, nil
	}
	return nil, fmt.Errorf("cannot convert %T to a value", x)
}

// MustFromGo is FromGo for literals known to be convertible.
func MustFromGo(x interface{}) Value {
	v, err := FromGo(x)
	if err != nil {
		panic(err)
	}
	return v
}
