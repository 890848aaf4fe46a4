// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_AddRemoveID(t *testing.T) {
	p := newPool(newTestExecutor(t))

	var wg sync.WaitGroup
	for i := uint32(1); i <= 50; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			p.addID(id)
		}(i)
	}
	wg.Wait()
	require.Len(t, *p.ids.Load(), 50)

	for i := uint32(1); i <= 50; i += 2 {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			p.removeID(id)
		}(i)
	}
	wg.Wait()
	ids := *p.ids.Load()
	require.Len(t, ids, 25)
	for _, id := range ids {
		require.Zero(t, id%2)
	}
}

func TestPool_SelectWorker(t *testing.T) {
	executor := newTestExecutor(t, WithQueueSize(2), WithSelectThreshold(0.5))
	p := newPool(executor)
	require.Nil(t, p.selectWorker(&ScriptRequest{}))

	busy := newWorker(executor, 1)
	idle := newWorker(executor, 2)
	for _, w := range []*worker{busy, idle} {
		p.workers.Store(w.id, w)
		p.addID(w.id)
	}
	busy.taskQueue <- newTask(context.Background(), &ScriptRequest{})

	// Loaded workers are skipped
	for i := 0; i < 4; i++ {
		require.Same(t, idle, p.selectWorker(&ScriptRequest{}))
	}

	// A pinned request goes to its worker regardless of load
	require.Same(t, busy, p.selectWorker(&ScriptRequest{WorkerID: busy.id}))

	// An unknown pin falls back to normal selection
	require.Same(t, idle, p.selectWorker(&ScriptRequest{WorkerID: 99}))

	// When every worker is busy one is still returned
	idle.taskQueue <- newTask(context.Background(), &ScriptRequest{})
	require.NotNil(t, p.selectWorker(&ScriptRequest{}))
}

func TestPool_Detach(t *testing.T) {
	executor := newTestExecutor(t)
	p := newPool(executor)
	w := newWorker(executor, 3)
	p.workers.Store(w.id, w)
	p.addID(w.id)
	p.count.Store(1)

	require.True(t, p.detach(w.id))
	require.False(t, p.detach(w.id), "detaching twice is a no-op")
	require.Zero(t, p.count.Load())
	require.Empty(t, *p.ids.Load())
	require.Len(t, p.replenishCh, 1)
}

func TestPool_CreateWorker_MaxPoolSize(t *testing.T) {
	executor := newTestExecutor(t, WithMinPoolSize(1), WithMaxPoolSize(1))
	require.NoError(t, executor.Start())
	defer executor.Stop()

	_, err := executor.pool.createWorker()
	require.ErrorContains(t, err, "max pool size reached")
	require.Equal(t, uint32(1), executor.pool.count.Load())
}

func TestPool_GrowsUnderLoad(t *testing.T) {
	var running atomic.Int32
	release := make(chan struct{})
	f := &mockFactory{configure: func(m *mockEngine) {
		m.evalFunc = func(*mockEngine, string, string) error {
			running.Add(1)
			<-release
			return nil
		}
	}}
	executor, err := NewExecutor(
		WithEngineFactory(f.factory()),
		WithMinPoolSize(1),
		WithMaxPoolSize(2),
		WithQueueSize(1),
		WithSelectThreshold(0.5),
	)
	require.NoError(t, err)
	require.NoError(t, executor.Start())
	defer executor.Stop()

	first, ok := executor.pool.workers.Load((*executor.pool.ids.Load())[0])
	require.True(t, ok)

	var wg sync.WaitGroup
	submit := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := executor.Execute(context.Background(), &ScriptRequest{Source: "wait"}); err != nil {
				t.Error(err)
			}
		}()
	}

	// One request running and one queued saturate the first worker
	submit()
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)
	submit()
	require.Eventually(t, func() bool { return first.(*worker).load() == 1 }, time.Second, 5*time.Millisecond)

	submit()
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint32(2), executor.pool.count.Load())

	close(release)
	wg.Wait()
	require.Equal(t, int32(3), running.Load())
}

func TestPool_RetireIdle(t *testing.T) {
	f := &mockFactory{}
	executor, err := NewExecutor(
		WithEngineFactory(f.factory()),
		WithMinPoolSize(1),
		WithMaxPoolSize(3),
		WithWorkerTTL(time.Hour),
	)
	require.NoError(t, err)
	require.NoError(t, executor.Start())
	defer executor.Stop()

	for i := 0; i < 2; i++ {
		_, err := executor.pool.createWorker()
		require.NoError(t, err)
	}
	require.Equal(t, uint32(3), executor.pool.count.Load())

	// Nothing is idle for longer than the TTL yet
	executor.pool.retireIdle()
	require.Equal(t, uint32(3), executor.pool.count.Load())

	executor.pool.workers.Range(func(_, value any) bool {
		atomic.StoreInt64(&value.(*worker).lastUsedNano, time.Now().Add(-2*time.Hour).UnixNano())
		return true
	})
	executor.pool.retireIdle()
	require.Equal(t, uint32(1), executor.pool.count.Load(), "the minimum pool size is kept")

	require.Eventually(t, func() bool {
		closed := 0
		for _, m := range f.created() {
			if m.isClosed() {
				closed++
			}
		}
		return closed == 2
	}, time.Second, 10*time.Millisecond)

	_, err = executor.Execute(context.Background(), &ScriptRequest{Source: "1"})
	require.NoError(t, err)
}
