// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"errors"
	"testing"

	"github.com/dop251/goja"
	"github.com/sapphillon/jsruntime"
	"github.com/stretchr/testify/require"
)

func TestWithMaxCallStackSize(t *testing.T) {
	engine := newTestEngine(t, WithMaxCallStackSize(128))
	require.Equal(t, 128, engine.Option.MaxCallStackSize)

	err := engine.Eval("recurse.js", "function f() { return f(); } f();")
	var engErr *jsruntime.EngineError
	require.True(t, errors.As(err, &engErr))
}

func TestWithEnableConsole(t *testing.T) {
	engine := newTestEngine(t, WithEnableConsole())
	require.True(t, engine.Option.EnableConsole)

	v := getGlobal(t, engine, "console")
	require.True(t, v != nil && !goja.IsUndefined(v))
	require.NoError(t, engine.Eval("console.js", "console.log('hello');"))
}

func TestWithRequire(t *testing.T) {
	engine := newTestEngine(t, WithRequire())
	require.True(t, engine.Option.EnableRequire)

	v := getGlobal(t, engine, "require")
	require.True(t, v != nil && !goja.IsUndefined(v))
}
