package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/runtime"
	"github.com/hupe1980/agentweave/tool"
)

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func registerTool(t *testing.T, inst *runtime.Instance, name string, fn conf.ToolFunc) {
	t.Helper()
	inst.EnqueueUpdate(runtime.ToolAdded{Tool: tool.NewFunctionTool(name, "test tool", emptySchema(), fn)})
	inst.DrainPendingUpdates()
}

func plainFactory(ctx context.Context, use core.ToolUsePart) *conf.ToolContext {
	tc := conf.NewToolContext(ctx, use.ID)
	tc.ToolName = use.Name
	return tc
}

func TestExecutor_ResultsKeepBlockOrder(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)
	registerTool(t, inst, "slow", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		time.Sleep(80 * time.Millisecond)
		return "slow done", nil
	})
	registerTool(t, inst, "fast", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "fast done", nil
	})

	x := newExecutor(nil, 0)
	results, err := x.Execute(context.Background(), inst, []core.ToolUsePart{
		{ID: "call-1", Name: "slow"},
		{ID: "call-2", Name: "fast"},
	}, plainFactory)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The fast handler settles first, but results stay in block order.
	assert.Equal(t, "call-1", results[0].ToolUseID)
	assert.Equal(t, "slow done", results[0].Content)
	assert.Equal(t, "call-2", results[1].ToolUseID)
	assert.Equal(t, "fast done", results[1].Content)
}

func TestExecutor_UnknownToolBecomesErrorResult(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)

	x := newExecutor(nil, 0)
	results, err := x.Execute(context.Background(), inst, []core.ToolUsePart{
		{ID: "call-1", Name: "missing"},
	}, plainFactory)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, `unknown tool "missing"`)
}

func TestExecutor_HandlerErrorBecomesErrorResult(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)
	registerTool(t, inst, "broken", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "", errors.New("backend unavailable")
	})

	x := newExecutor(nil, 0)
	results, err := x.Execute(context.Background(), inst, []core.ToolUsePart{
		{ID: "call-1", Name: "broken"},
	}, plainFactory)
	require.NoError(t, err)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "backend unavailable")
}

func TestExecutor_HandlerPanicIsRecovered(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)
	registerTool(t, inst, "explosive", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		panic("boom")
	})

	x := newExecutor(nil, 0)
	results, err := x.Execute(context.Background(), inst, []core.ToolUsePart{
		{ID: "call-1", Name: "explosive"},
	}, plainFactory)
	require.NoError(t, err)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "panicked")
	assert.Contains(t, results[0].Content, "boom")
}

func TestExecutor_MalformedArgsBecomeErrorResult(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)
	registerTool(t, inst, "echo", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "never reached", nil
	})

	x := newExecutor(nil, 0)
	results, err := x.Execute(context.Background(), inst, []core.ToolUsePart{
		{ID: "call-1", Name: "echo", Args: `{"text": `},
	}, plainFactory)
	require.NoError(t, err)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "invalid arguments")
}

func TestExecutor_ArgsDecodedAndPassed(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)
	var got map[string]any
	registerTool(t, inst, "echo", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		got = args
		return fmt.Sprintf("%v", args["text"]), nil
	})

	x := newExecutor(nil, 0)
	results, err := x.Execute(context.Background(), inst, []core.ToolUsePart{
		{ID: "call-1", Name: "echo", Args: `{"text":"hello"}`},
	}, plainFactory)
	require.NoError(t, err)
	assert.Equal(t, "hello", results[0].Content)
	assert.Equal(t, map[string]any{"text": "hello"}, got)
}

func TestExecutor_CancellationDiscardsResults(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)
	started := make(chan struct{})
	registerTool(t, inst, "waits", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		close(started)
		<-tc.Context.Done()
		return "", tc.Context.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	x := newExecutor(nil, 0)
	results, err := x.Execute(ctx, inst, []core.ToolUsePart{
		{ID: "call-1", Name: "waits"},
	}, plainFactory)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
}

func TestExecutor_ConcurrencyLimit(t *testing.T) {
	inst := runtime.NewInstance("root", nil, nil)
	var active, peak int32
	registerTool(t, inst, "counted", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "done", nil
	})

	uses := make([]core.ToolUsePart, 6)
	for i := range uses {
		uses[i] = core.ToolUsePart{ID: fmt.Sprintf("call-%d", i), Name: "counted"}
	}

	x := newExecutor(nil, 2)
	_, err := x.Execute(context.Background(), inst, uses, plainFactory)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}
