package jsruntime_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/sapphillon/jsruntime"
	quickjsengine "github.com/sapphillon/jsruntime/engines/quickjs-go"
	"github.com/sapphillon/jsruntime/extensions/stdext"
	"github.com/stretchr/testify/require"
)

// TestIntegration_RuntimeWithQuickJS tests the runtime lifecycle on the QuickJS engine.
func TestIntegration_RuntimeWithQuickJS(t *testing.T) {
	math, err := jsruntime.NewExtension("math", jsruntime.WithOps(sumOp()))
	require.NoError(t, err)
	assert, err := stdext.Assert()
	require.NoError(t, err)

	rt, err := jsruntime.NewRuntime(jsruntime.WithEngine(quickjsengine.NewFactory()))
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.Initialize(math, assert))

	require.NoError(t, rt.Run(context.Background(), "var total = math.sum([1, 2, 3, 4, 5]);", ""))
	require.NoError(t, rt.Run(context.Background(), "assertEquals(total, ops.sum([15]));", ""))

	err = rt.Run(context.Background(), `math.sum("x");`, "")
	var marshalErr *jsruntime.MarshalError
	require.ErrorAs(t, err, &marshalErr)
	require.Equal(t, "sum", marshalErr.Op)

	err = rt.Run(context.Background(), "assertEquals(1, 2);", "check.js")
	require.ErrorIs(t, err, stdext.ErrAssertion)
	var engErr *jsruntime.EngineError
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, "check.js", engErr.Module)
}

// TestIntegration_ExecutorWithQuickJS tests concurrent task execution with the QuickJS engine.
func TestIntegration_ExecutorWithQuickJS(t *testing.T) {
	math, err := jsruntime.NewExtension("math", jsruntime.WithOps(sumOp()))
	require.NoError(t, err)
	assert, err := stdext.Assert()
	require.NoError(t, err)

	executor, err := jsruntime.NewExecutor(
		jsruntime.WithEngineFactory(quickjsengine.NewFactory()),
		jsruntime.WithExtensions(math, assert),
		jsruntime.WithMinPoolSize(2),
		jsruntime.WithMaxPoolSize(4),
		jsruntime.WithQueueSize(2),
	)
	require.NoError(t, err)
	require.NoError(t, executor.Start())
	defer executor.Stop()

	const (
		goroutineCount    = 8
		tasksPerGoroutine = 32
	)
	errs := make([]error, goroutineCount*tasksPerGoroutine)
	var wg sync.WaitGroup
	wg.Add(goroutineCount)
	for g := 0; g < goroutineCount; g++ {
		go func(gid int) {
			defer wg.Done()
			for i := 0; i < tasksPerGoroutine; i++ {
				idx := gid*tasksPerGoroutine + i
				_, errs[idx] = executor.Execute(context.Background(), &jsruntime.ScriptRequest{
					ID:     fmt.Sprintf("quickjs-%d", idx),
					Source: fmt.Sprintf("assertEquals(math.sum([%d, 1]), %d);", idx, idx+1),
				})
			}
		}(g)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "task %d failed", i)
	}
}
