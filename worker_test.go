// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerAction_String(t *testing.T) {
	require.Equal(t, "stop", actionStop.String())
	require.Equal(t, "reload", actionReload.String())
	require.Equal(t, "retire", actionRetire.String())
	require.Equal(t, "unknown", workerAction(42).String())
}

func TestWorker_RetiresAfterMaxExecutions(t *testing.T) {
	f := &mockFactory{}
	executor, err := NewExecutor(
		WithEngineFactory(f.factory()),
		WithMinPoolSize(1),
		WithMaxPoolSize(1),
		WithMaxExecutions(2),
	)
	require.NoError(t, err)
	require.NoError(t, executor.Start())
	defer executor.Stop()

	first, err := executor.Execute(context.Background(), &ScriptRequest{ID: "1", Source: "1"})
	require.NoError(t, err)
	_, err = executor.Execute(context.Background(), &ScriptRequest{ID: "2", Source: "2"})
	require.NoError(t, err)

	// The exhausted worker is replaced by a fresh one with a new runtime
	require.Eventually(t, func() bool {
		return len(f.created()) == 2 && f.created()[0].isClosed()
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(*executor.pool.ids.Load()) == 1
	}, time.Second, 10*time.Millisecond)

	resp, err := executor.Execute(context.Background(), &ScriptRequest{ID: "3", Source: "3"})
	require.NoError(t, err)
	require.NotEqual(t, first.WorkerID, resp.WorkerID)
}

func TestWorker_ExecuteTask(t *testing.T) {
	f := &mockFactory{configure: func(m *mockEngine) {
		m.evalFunc = func(_ *mockEngine, _, source string) error {
			if source == "panic" {
				panic("engine fault")
			}
			return nil
		}
	}}
	executor, err := NewExecutor(WithEngineFactory(f.factory()))
	require.NoError(t, err)

	w := newWorker(executor, 7)
	require.Equal(t, "worker-7", w.name)
	require.NoError(t, w.initRuntime())
	defer w.closeRuntime()

	ok := newTask(context.Background(), &ScriptRequest{ID: "ok", Source: "1"})
	w.executeTask(ok)
	result := <-ok.resultChan
	require.NoError(t, result.err)
	require.Equal(t, "ok", result.response.ID)
	require.Equal(t, uint32(7), result.response.WorkerID)
	require.Equal(t, taskStatusCompleted, ok.status)

	bad := newTask(context.Background(), &ScriptRequest{ID: "bad", Source: "panic"})
	w.executeTask(bad)
	result = <-bad.resultChan
	require.ErrorContains(t, result.err, "panic in worker worker-7: engine fault")
	require.Equal(t, uint32(2), w.getExecutions())

	// A worker without a runtime fails the task instead of panicking
	require.NoError(t, w.closeRuntime())
	orphan := newTask(context.Background(), &ScriptRequest{ID: "orphan", Source: "1"})
	w.executeTask(orphan)
	result = <-orphan.resultChan
	require.ErrorContains(t, result.err, "has no runtime")
}

func TestWorker_Load(t *testing.T) {
	executor := newTestExecutor(t, WithQueueSize(4))
	w := newWorker(executor, 1)
	require.Zero(t, w.load())

	w.taskQueue <- newTask(context.Background(), &ScriptRequest{})
	w.taskQueue <- newTask(context.Background(), &ScriptRequest{})
	require.Equal(t, 0.5, w.load())
}

func TestWorker_RequestAfterExit(t *testing.T) {
	executor := newTestExecutor(t)
	w := newWorker(executor, 1)
	close(w.exited)

	// Actions on an exited worker complete immediately
	require.NoError(t, w.stop())
	require.NoError(t, w.reload())
}
