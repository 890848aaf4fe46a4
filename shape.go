// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
)

// Shape declares the structured-data type of an operation parameter or return value.
type Shape struct {
	Kind   Kind             // Expected kind; KindAny accepts everything
	Elem   *Shape           // Element shape for sequences (nil = any element)
	Fields map[string]Shape // Required fields for records (extra fields pass through)
}

var (
	AnyShape    = Shape{Kind: KindAny}
	NoneShape   = Shape{Kind: KindNone}
	IntShape    = Shape{Kind: KindInt}
	FloatShape  = Shape{Kind: KindFloat}
	StringShape = Shape{Kind: KindString}
	BoolShape   = Shape{Kind: KindBool}
)

// SeqOf returns a sequence shape whose elements have the given shape.
func SeqOf(elem Shape) Shape {
	return Shape{Kind: KindSeq, Elem: &elem}
}

// RecordOf returns a record shape with the given required fields.
func RecordOf(fields map[string]Shape) Shape {
	return Shape{Kind: KindRecord, Fields: fields}
}

// String renders the shape, e.g. "sequence<integer>".
func (s Shape) String() string {
	switch s.Kind {
	case KindSeq:
		if s.Elem == nil {
			return "sequence"
		}
		return "sequence<" + s.Elem.String() + ">"
	case KindRecord:
		if len(s.Fields) == 0 {
			return "record"
		}
		names := s.fieldNames()
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = name + ": " + s.Fields[name].String()
		}
		return "record{" + strings.Join(parts, ", ") + "}"
	default:
		return s.Kind.String()
	}
}

func (s Shape) fieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Coerce checks v against the shape and returns the converted value.
// Integral floats are accepted as integers and integers widen to floats;
// no other implicit conversion is performed.
func (s Shape) Coerce(v Value) (Value, error) {
	switch s.Kind {
	case KindAny:
		return v, nil
	case KindInt:
		switch v.Kind() {
		case KindInt:
			return v, nil
		case KindFloat:
			f, _ := v.AsFloat()
			if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
				return Int(int64(f)), nil
			}
			return None(), fmt.Errorf("expected integer, got non-integral number %v", f)
		}
	case KindFloat:
		if f, ok := v.Number(); ok {
			return Float(f), nil
		}
	case KindSeq:
		items, ok := v.AsSeq()
		if !ok {
			break
		}
		if s.Elem == nil {
			return v, nil
		}
		out := make([]Value, len(items))
		for i, item := range items {
			c, err := s.Elem.Coerce(item)
			if err != nil {
				return None(), fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = c
		}
		return Seq(out...), nil
	case KindRecord:
		fields, ok := v.AsRecord()
		if !ok {
			break
		}
		if len(s.Fields) == 0 {
			return v, nil
		}
		out := make(map[string]Value, len(fields))
		for k, item := range fields {
			out[k] = item
		}
		for _, name := range s.fieldNames() {
			item, ok := fields[name]
			if !ok {
				return None(), fmt.Errorf("missing field %q", name)
			}
			c, err := s.Fields[name].Coerce(item)
			if err != nil {
				return None(), fmt.Errorf("field %q: %w", name, err)
			}
			out[name] = c
		}
		return Record(out), nil
	default:
		if v.Kind() == s.Kind {
			return v, nil
		}
	}
	return None(), fmt.Errorf("expected %s, got %s", s, v.Kind())
}

// JSONSchema describes the shape as a JSON schema.
func (s Shape) JSONSchema() *jsonschema.Schema {
	switch s.Kind {
	case KindNone:
		return &jsonschema.Schema{Type: "null"}
	case KindInt:
		return &jsonschema.Schema{Type: "integer"}
	case KindFloat:
		return &jsonschema.Schema{Type: "number"}
	case KindString:
		return &jsonschema.Schema{Type: "string"}
	case KindBool:
		return &jsonschema.Schema{Type: "boolean"}
	case KindSeq:
		schema := &jsonschema.Schema{Type: "array"}
		if s.Elem != nil {
			schema.Items = s.Elem.JSONSchema()
		}
		return schema
	case KindRecord:
		schema := &jsonschema.Schema{Type: "object"}
		if len(s.Fields) > 0 {
			schema.Properties = jsonschema.NewProperties()
			for _, name := range s.fieldNames() {
				schema.Properties.Set(name, s.Fields[name].JSONSchema())
				schema.Required = append(schema.Required, name)
			}
		}
		return schema
	default:
		return &jsonschema.Schema{}
	}
}
