// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// OpFunc is the native implementation of a host operation.
// Arguments have already been coerced to the operation's parameter shapes.
type OpFunc func(ctx context.Context, args []Value) (Value, error)

// Op is a host operation exposed to scripts under a stable name.
type Op struct {
	Name     string  // Name visible to scripts, unique within a runtime
	Params   []Shape // Parameter shapes, in order
	Variadic bool    // When set, the last parameter shape repeats zero or more times
	Returns  Shape   // Return shape; the zero Shape is NoneShape
	Fn       OpFunc  // Native implementation

	paramSchema  *jsonschema.Schema
	returnSchema *jsonschema.Schema
}

func (op *Op) validate() error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if op.Name == "" {
		return fmt.Errorf("%w: operation name cannot be empty", ErrInvalidOperation)
	}
	if op.Fn == nil {
		return fmt.Errorf("%w: operation %q has no implementation", ErrInvalidOperation, op.Name)
	}
	if op.Variadic && len(op.Params) == 0 {
		return fmt.Errorf("%w: variadic operation %q needs at least one parameter", ErrInvalidOperation, op.Name)
	}
	return nil
}

// unmarshalArgs converts raw engine arguments into values of the declared shapes.
func (op *Op) unmarshalArgs(raw []any) ([]Value, error) {
	fixed := len(op.Params)
	if op.Variadic {
		fixed--
	}
	if len(raw) < fixed {
		return nil, &MarshalError{Op: op.Name, Param: len(raw), Reason: "missing argument"}
	}
	if !op.Variadic && len(raw) > fixed {
		return nil, &MarshalError{Op: op.Name, Param: fixed, Reason: fmt.Sprintf("unexpected argument, operation takes %d", fixed)}
	}

	args := make([]Value, len(raw))
	for i, x := range raw {
		shape := op.Params[min(i, len(op.Params)-1)]
		v, err := FromAny(x)
		if err != nil {
			return nil, &MarshalError{Op: op.Name, Param: i, Reason: err.Error()}
		}
		if args[i], err = shape.Coerce(v); err != nil {
			return nil, &MarshalError{Op: op.Name, Param: i, Reason: err.Error()}
		}
	}
	return args, nil
}

// marshalResult converts a host result back into a plain value for the engine.
func (op *Op) marshalResult(v Value) (any, error) {
	out, err := op.Returns.Coerce(v)
	if err != nil {
		return nil, &MarshalError{Op: op.Name, Param: ReturnParam, Reason: err.Error()}
	}
	return out.Any(), nil
}

// Schema returns JSON schemas for the operation's parameter list and return value.
func (op *Op) Schema() (params *jsonschema.Schema, returns *jsonschema.Schema) {
	if op.paramSchema != nil {
		return op.paramSchema, op.returnSchema
	}
	params = &jsonschema.Schema{Type: "array"}
	for _, p := range op.Params {
		params.PrefixItems = append(params.PrefixItems, p.JSONSchema())
	}
	if op.Variadic {
		params.Items = op.Params[len(op.Params)-1].JSONSchema()
		params.PrefixItems = params.PrefixItems[:len(params.PrefixItems)-1]
	} else {
		params.MaxItems = uintPtr(uint64(len(op.Params)))
	}
	return params, op.Returns.JSONSchema()
}

func uintPtr(v uint64) *uint64 { return &v }

// JSONOp builds an operation taking one record argument and returning one record.
// Arguments and results are mapped through encoding/json, so Req and Resp use
// ordinary json struct tags.
//
// Example:
//
//	op := jsruntime.JSONOp("greet", func(ctx context.Context, req GreetRequest) (GreetResponse, error) {
//	    return GreetResponse{Message: "Hello, " + req.Name}, nil
//	})
func JSONOp[Req any, Resp any](name string, fn func(context.Context, Req) (Resp, error)) *Op {
	reflector := jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	op := &Op{
		Name:    name,
		Params:  []Shape{AnyShape},
		Returns: AnyShape,
	}
	op.paramSchema = &jsonschema.Schema{Type: "array", PrefixItems: []*jsonschema.Schema{reflector.Reflect(new(Req))}}
	op.returnSchema = reflector.Reflect(new(Resp))

	op.Fn = func(ctx context.Context, args []Value) (Value, error) {
		payload, err := json.Marshal(args[0].Any())
		if err != nil {
			return None(), &MarshalError{Op: name, Param: 0, Reason: err.Error()}
		}
		var req Req
		if err := json.Unmarshal(payload, &req); err != nil {
			return None(), &MarshalError{Op: name, Param: 0, Reason: err.Error()}
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return None(), err
		}

		out, err := json.Marshal(resp)
		if err != nil {
			return None(), &MarshalError{Op: name, Param: ReturnParam, Reason: err.Error()}
		}
		var plain any
		if err := json.Unmarshal(out, &plain); err != nil {
			return None(), &MarshalError{Op: name, Param: ReturnParam, Reason: err.Error()}
		}
		v, err := FromAny(plain)
		if err != nil {
			return None(), &MarshalError{Op: name, Param: ReturnParam, Reason: err.Error()}
		}
		return v, nil
	}
	return op
}
