// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"testing"

	"github.com/sapphillon/jsruntime"
	"github.com/stretchr/testify/require"
)

func TestWithGCThreshold(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	// Normal setting
	err = WithGCThreshold(1024)(engine)
	require.NoError(t, err)
	require.Equal(t, int64(1024), engine.Option.GCThreshold)

	// Disable automatic GC
	err = WithGCThreshold(-1)(engine)
	require.NoError(t, err)
	require.Equal(t, int64(-1), engine.Option.GCThreshold)

	// Invalid value
	err = WithGCThreshold(-2)(engine)
	require.Error(t, err)
}

func TestWithMemoryLimit(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	err = WithMemoryLimit(1024 * 1024)(engine)
	require.NoError(t, err)
	require.Equal(t, uint64(1024*1024), engine.Option.MemoryLimit)

	// 0 = no limit
	err = WithMemoryLimit(0)(engine)
	require.NoError(t, err)
	require.Equal(t, uint64(0), engine.Option.MemoryLimit)
}

func TestWithTimeout(t *testing.T) {
	engine, err := newEngine(WithTimeout(1))
	require.NoError(t, err)
	defer engine.Close()
	require.Equal(t, uint64(1), engine.Option.Timeout)

	err = engine.Eval("loop.js", "for (;;) {}")
	require.ErrorIs(t, err, jsruntime.ErrInterrupted)
	require.Zero(t, engine.deadline.Load())
}

func TestWithMaxStackSize(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	err = WithMaxStackSize(1024 * 1024)(engine)
	require.NoError(t, err)
	require.Equal(t, uint64(1024*1024), engine.Option.MaxStackSize)

	// 0 = default
	err = WithMaxStackSize(0)(engine)
	require.NoError(t, err)
	require.Equal(t, uint64(0), engine.Option.MaxStackSize)
}

func TestWithCanBlock(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, WithCanBlock(true)(engine))
	require.True(t, engine.Option.CanBlock)
	require.NoError(t, WithCanBlock(false)(engine))
	require.False(t, engine.Option.CanBlock)
}

func TestWithEnableModuleImport(t *testing.T) {
	engine, err := newEngine(WithEnableModuleImport(true))
	require.NoError(t, err)
	defer engine.Close()
	require.True(t, engine.Option.EnableModuleImport)
}

func TestWithStrip(t *testing.T) {
	engine, err := newEngine()
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, WithStrip(2)(engine))
	require.Equal(t, 2, engine.Option.Strip)

	require.Error(t, WithStrip(3)(engine))
	require.Error(t, WithStrip(-1)(engine))
}

func TestNewFactory_OptionError(t *testing.T) {
	_, err := NewFactory(WithStrip(5))()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid strip level")
}
