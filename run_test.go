// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunOnce(t *testing.T) {
	f := &mockFactory{}
	ext, err := OpsExtension(sumOp())
	require.NoError(t, err)

	require.NoError(t, RunOnce(context.Background(), f.factory(), "1 + 1;", ext))
	require.NoError(t, RunOnce(context.Background(), f.factory(), "2 + 2;", ext))

	// Every call gets its own engine, released afterwards
	engines := f.created()
	require.Len(t, engines, 2)
	for _, m := range engines {
		require.True(t, m.isClosed())
		require.Equal(t, []string{DefaultExtensionName}, m.bound)
		require.Equal(t, []string{DefaultModuleID}, m.evals)
	}
}

func TestRunOnce_Errors(t *testing.T) {
	require.Error(t, RunOnce(context.Background(), nil, "1"))

	f := &mockFactory{err: errors.New("no engine")}
	err := RunOnce(context.Background(), f.factory(), "1")
	require.ErrorContains(t, err, "failed to initialize runtime")

	f = &mockFactory{configure: func(m *mockEngine) {
		m.evalFunc = func(_ *mockEngine, moduleID, _ string) error {
			return &EngineError{Message: "ReferenceError: x is not defined", Module: moduleID, Line: 1, Column: 1}
		}
		m.closeFunc = func() error { return errors.New("close failed") }
	}}
	err = RunOnce(context.Background(), f.factory(), "x")
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr), "the script error wins over the close error")
	require.True(t, f.created()[0].isClosed())

	f = &mockFactory{configure: func(m *mockEngine) {
		m.closeFunc = func() error { return errors.New("close failed") }
	}}
	err = RunOnce(context.Background(), f.factory(), "1")
	require.ErrorContains(t, err, "close failed")
}

func TestRunOn(t *testing.T) {
	require.Error(t, RunOn(context.Background(), nil, "1"))

	f := &mockFactory{}
	rt := newTestRuntime(t, f, WithModuleID("session.js"))
	require.ErrorIs(t, RunOn(context.Background(), rt, "1"), ErrNotInitialized)

	require.NoError(t, rt.Initialize())
	require.NoError(t, RunOn(context.Background(), rt, "x = 1;"))
	require.NoError(t, RunOn(context.Background(), rt, "x += 1;"))

	// Both scripts ran on the same engine
	engines := f.created()
	require.Len(t, engines, 1)
	require.Equal(t, []string{"session.js", "session.js"}, engines[0].evals)
	require.Equal(t, StateReady, rt.State())
}
