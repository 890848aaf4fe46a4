//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithPrelude(t *testing.T) {
	e := &Engine{Option: &EngineOption{}}
	require.NoError(t, WithPrelude("a.js", "var a = 1;")(e))
	require.NoError(t, WithPrelude("b.js", "var b = a + 1;")(e))
	require.Equal(t, []Prelude{
		{Name: "a.js", Source: "var a = 1;"},
		{Name: "b.js", Source: "var b = a + 1;"},
	}, e.Option.Preludes)

	require.ErrorContains(t, WithPrelude("empty.js", "")(e), "prelude script cannot be empty")
	require.Len(t, e.Option.Preludes, 2)
}

func TestWithPrelude_RunsInOrder(t *testing.T) {
	engine, err := newEngine(
		WithPrelude("a.js", "var a = 1;"),
		WithPrelude("b.js", "var b = a + 1;"),
	)
	require.NoError(t, err)
	defer engine.Close()
	require.Equal(t, "2", global(t, engine, "b"))
}
