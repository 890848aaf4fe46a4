// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package stdext

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sapphillon/jsruntime"
)

// AssertExtensionName is the namespace of the assert extension.
const AssertExtensionName = "assert"

// ErrAssertion is the cause of a failed script assertion.
var ErrAssertion = errors.New("assertion failed")

const assertPrelude = "globalThis.assertEquals = assert.equals;"

// Assert returns an extension installing assert.equals(actual, expected, ...message)
// and assert.ok(value, ...message). assertEquals is also defined as a global.
// Values are compared structurally; integers and floats compare numerically.
func Assert() (*jsruntime.Extension, error) {
	return jsruntime.NewExtension(AssertExtensionName,
		jsruntime.WithOps(
			&jsruntime.Op{
				Name:     "equals",
				Params:   []jsruntime.Shape{jsruntime.AnyShape, jsruntime.AnyShape, jsruntime.AnyShape},
				Variadic: true,
				Fn:       assertEquals,
			},
			&jsruntime.Op{
				Name:     "ok",
				Params:   []jsruntime.Shape{jsruntime.AnyShape, jsruntime.AnyShape},
				Variadic: true,
				Fn:       assertOK,
			},
		),
		jsruntime.WithResources(jsruntime.Resource{Name: "assert.js", Source: assertPrelude}),
	)
}

func assertEquals(_ context.Context, args []jsruntime.Value) (jsruntime.Value, error) {
	actual, expected := args[0], args[1]
	if actual.Equal(expected) {
		return jsruntime.None(), nil
	}
	return jsruntime.None(), fmt.Errorf("%w: expected %s, got %s%s", ErrAssertion, expected, actual, message(args[2:]))
}

func assertOK(_ context.Context, args []jsruntime.Value) (jsruntime.Value, error) {
	if truthy(args[0]) {
		return jsruntime.None(), nil
	}
	return jsruntime.None(), fmt.Errorf("%w: %s is not truthy%s", ErrAssertion, args[0], message(args[1:]))
}

func message(args []jsruntime.Value) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = arg.String()
	}
	return ": " + strings.Join(parts, " ")
}

func truthy(v jsruntime.Value) bool {
	switch v.Kind() {
	case jsruntime.KindNone:
		return false
	case jsruntime.KindBool:
		b, _ := v.AsBool()
		return b
	case jsruntime.KindString:
		s, _ := v.AsString()
		return s != ""
	case jsruntime.KindInt, jsruntime.KindFloat:
		n, _ := v.Number()
		return n != 0 && !math.IsNaN(n)
	default:
		return true
	}
}
