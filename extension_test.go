// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopOp(name string) *Op {
	return &Op{
		Name: name,
		Fn:   func(context.Context, []Value) (Value, error) { return None(), nil },
	}
}

func TestNewExtension(t *testing.T) {
	ext, err := NewExtension("math",
		WithOps(sumOp(), noopOp("reset")),
		WithDependencies("console"),
		WithResources(Resource{Name: "math.js", Source: "var pi = 3.14;"}),
	)
	require.NoError(t, err)
	require.Equal(t, "math", ext.Name())
	require.Len(t, ext.Ops(), 2)
	require.Equal(t, "sum", ext.Ops()[0].Name)
	require.Equal(t, []string{"console"}, ext.Dependencies())
	require.Equal(t, []Resource{{Name: "math.js", Source: "var pi = 3.14;"}}, ext.Resources())

	// Accessors return copies
	ext.Ops()[0] = noopOp("changed")
	ext.Dependencies()[0] = "changed"
	require.Equal(t, "sum", ext.Ops()[0].Name)
	require.Equal(t, "console", ext.Dependencies()[0])
}

func TestNewExtension_DuplicateOperation(t *testing.T) {
	for _, order := range [][]*Op{
		{sumOp(), noopOp("x"), sumOp()},
		{noopOp("x"), sumOp(), sumOp()},
	} {
		_, err := NewExtension("math", WithOps(order...))
		var dupErr *DuplicateOperationNameError
		require.True(t, errors.As(err, &dupErr))
		require.Equal(t, "sum", dupErr.Name)
		require.Equal(t, "math", dupErr.Extension)
	}

	// Also across separate options
	_, err := NewExtension("math", WithOps(sumOp()), WithOps(sumOp()))
	var dupErr *DuplicateOperationNameError
	require.True(t, errors.As(err, &dupErr))
}

func TestNewExtension_Invalid(t *testing.T) {
	_, err := NewExtension("")
	require.ErrorIs(t, err, ErrInvalidExtension)

	_, err = NewExtension("ext", WithOps(&Op{Name: "broken"}))
	require.ErrorIs(t, err, ErrInvalidOperation)

	_, err = NewExtension("ext", WithDependencies(""))
	require.ErrorIs(t, err, ErrInvalidExtension)

	_, err = NewExtension("ext", WithResources(Resource{Source: "1"}))
	require.ErrorIs(t, err, ErrInvalidExtension)

	// A self-dependency is a cycle, reported when the set is ordered
	self, err := NewExtension("ext", WithDependencies("ext"))
	require.NoError(t, err)
	require.Equal(t, []string{"ext"}, self.Dependencies())
}

func TestOpsExtension(t *testing.T) {
	ext, err := OpsExtension(sumOp())
	require.NoError(t, err)
	require.Equal(t, DefaultExtensionName, ext.Name())

	empty, err := OpsExtension()
	require.NoError(t, err)
	require.Empty(t, empty.Ops())
}

func TestExtension_Schema(t *testing.T) {
	ext, err := NewExtension("math", WithOps(sumOp()))
	require.NoError(t, err)

	data, err := ext.Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "math", doc["title"])
	require.Contains(t, doc["$schema"], "json-schema.org")

	props := doc["properties"].(map[string]any)
	sum := props["sum"].(map[string]any)["properties"].(map[string]any)
	require.Equal(t, "integer", sum["returns"].(map[string]any)["type"])
	require.Equal(t, "array", sum["params"].(map[string]any)["type"])
}
