// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value or expected by a Shape.
type Kind uint8

const (
	KindNone   Kind = iota // No value (undefined/null on the script side)
	KindInt                // 64-bit signed integer
	KindFloat              // 64-bit float
	KindString             // UTF-8 string
	KindBool               // Boolean
	KindSeq                // Ordered sequence of values
	KindRecord             // String-keyed record
	KindAny                // Shape only: accepts any value
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindSeq:
		return "sequence"
	case KindRecord:
		return "record"
	case KindAny:
		return "any"
	default:
		return "unknown"
	}
}

// Value is a structured value crossing the host/script boundary.
// The zero Value is None.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
	seq  []Value
	rec  map[string]Value
}

// None returns the absent value, the result of operations that return nothing.
func None() Value { return Value{} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Seq returns an ordered sequence of values.
func Seq(items ...Value) Value { return Value{kind: KindSeq, seq: items} }

// Record returns a value mapping field names to values.
func Record(fields map[string]Value) Value { return Value{kind: KindRecord, rec: fields} }

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether v holds no value.
func (v Value) IsNone() bool { return v.kind == KindNone }

// AsInt returns the integer held by v and whether v is an integer.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float held by v and whether v is a float.
// Integers are not converted; use Number for either.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string held by v and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBool returns the boolean held by v and whether v is a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsSeq returns the items held by v and whether v is a sequence.
func (v Value) AsSeq() ([]Value, bool) { return v.seq, v.kind == KindSeq }

// AsRecord returns the fields held by v and whether v is a record.
func (v Value) AsRecord() (map[string]Value, bool) { return v.rec, v.kind == KindRecord }

// Number returns the numeric value of an integer or float.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// FromAny converts a plain Go value, as exported by an engine adapter, into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return None(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t)
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return None(), fmt.Errorf("invalid number %q", t.String())
		}
		return Float(f), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return None(), fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = val
		}
		return Seq(items...), nil
	case []Value:
		return Seq(t...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return None(), fmt.Errorf(".%s: %w", k, err)
			}
			fields[k] = val
		}
		return Record(fields), nil
	case map[string]Value:
		return Record(t), nil
	default:
		return None(), fmt.Errorf("unsupported value of type %T", x)
	}
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return None(), fmt.Errorf("integer %d overflows int64", u)
	}
	return Int(int64(u)), nil
}

// Any converts v back to a plain Go value that every engine adapter can import.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindSeq:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Any()
		}
		return out
	case KindRecord:
		out := make(map[string]any, len(v.rec))
		for k, item := range v.rec {
			out[k] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether v and o are structurally equal.
// Integers and floats compare by numeric value.
func (v Value) Equal(o Value) bool {
	if a, ok := v.Number(); ok {
		b, ok := o.Number()
		return ok && a == b
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindSeq:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		if len(v.rec) != len(o.rec) {
			return false
		}
		for k, item := range v.rec {
			other, ok := o.rec[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v for diagnostics. Top-level strings are rendered bare,
// nested strings are quoted.
func (v Value) String() string {
	if v.kind == KindString {
		return v.s
	}
	var sb strings.Builder
	v.write(&sb)
	return sb.String()
}

func (v Value) write(sb *strings.Builder) {
	switch v.kind {
	case KindNone:
		sb.WriteString("undefined")
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		sb.WriteString(strconv.Quote(v.s))
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindSeq:
		sb.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				sb.WriteString(", ")
			}
			item.write(sb)
		}
		sb.WriteByte(']')
	case KindRecord:
		keys := make([]string, 0, len(v.rec))
		for k := range v.rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			v.rec[k].write(sb)
		}
		sb.WriteByte('}')
	}
}
