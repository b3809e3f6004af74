package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/runtime"
	"github.com/hupe1980/agentweave/tool"
)

// eventRecorder is a threadsafe sink capturing every emitted event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink() Sink {
	return func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) completes() []CompleteEvent {
	var out []CompleteEvent
	for _, ev := range r.all() {
		if ce, ok := ev.(CompleteEvent); ok {
			out = append(out, ce)
		}
	}
	return out
}

func (r *eventRecorder) errors() []ErrorEvent {
	var out []ErrorEvent
	for _, ev := range r.all() {
		if ee, ok := ev.(ErrorEvent); ok {
			out = append(out, ee)
		}
	}
	return out
}

func (r *eventRecorder) stepFinishes() []StepFinishEvent {
	var out []StepFinishEvent
	for _, ev := range r.all() {
		if se, ok := ev.(StepFinishEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

func (r *eventRecorder) streamText() string {
	var out string
	for _, ev := range r.all() {
		if se, ok := ev.(StreamEvent); ok && se.Delta.Kind == model.DeltaText {
			out += se.Delta.Text
		}
	}
	return out
}

func (r *eventRecorder) transitions() []core.Status {
	var out []core.Status
	for _, ev := range r.all() {
		if sc, ok := ev.(StateChangeEvent); ok {
			out = append(out, sc.To)
		}
	}
	return out
}

func newRunReadyInstance(firstMessage string) *runtime.Instance {
	inst := runtime.NewInstance("root", nil, nil)
	if firstMessage != "" {
		inst.AppendMessage(core.NewUserMessage(firstMessage))
	}
	return inst
}

// -------------------- Happy Path Tests --------------------

func TestEngine_SimpleTextRun(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueTextResponse("Hello, world!")

	inst := newRunReadyInstance("Say hello")
	rec := &eventRecorder{}
	e := New(mock, inst, func(o *Options) { o.Sink = rec.sink() })

	result, err := e.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", result.Content)
	assert.Equal(t, core.StopReasonEndTurn, result.StopReason)
	assert.GreaterOrEqual(t, len(result.Messages), 2)
	assert.Equal(t, core.StatusCompleted, e.Status())

	completes := rec.completes()
	require.Len(t, completes, 1)
	assert.Equal(t, "Hello, world!", completes[0].Result.Content)
	assert.Equal(t, []core.Status{core.StatusRunning, core.StatusCompleted}, rec.transitions())
}

func TestEngine_ToolUseThenText(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueToolUseResponse(core.ToolUsePart{ID: "call-1", Name: "get_time", Args: `{}`})
	mock.QueueTextResponse("It is noon.")

	inst := newRunReadyInstance("What time is it?")
	var calls int
	registerTool(t, inst, "get_time", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		calls++
		return "12:00", nil
	})

	e := New(mock, inst)
	result, err := e.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "handler runs exactly once")
	assert.Equal(t, "It is noon.", result.Content)
	assert.Greater(t, len(result.Messages), 2)

	// History shape: user, assistant(tool_use), tool result, assistant(text).
	require.Len(t, result.Messages, 4)
	assert.Equal(t, core.RoleTool, result.Messages[2].Role)
	toolPart, ok := result.Messages[2].Parts[0].(core.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "call-1", toolPart.ToolUseID)
	assert.Equal(t, "12:00", toolPart.Content)
	assert.False(t, toolPart.IsError)
}

func TestEngine_ToolResultsInBlockOrder(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueToolUseResponse(
		core.ToolUsePart{ID: "call-1", Name: "slow", Args: `{}`},
		core.ToolUsePart{ID: "call-2", Name: "fast", Args: `{}`},
	)
	mock.QueueTextResponse("done")

	inst := newRunReadyInstance("go")
	registerTool(t, inst, "slow", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		time.Sleep(60 * time.Millisecond)
		return "slow result", nil
	})
	registerTool(t, inst, "fast", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "fast result", nil
	})

	e := New(mock, inst)
	result, err := e.Run(context.Background(), false)
	require.NoError(t, err)

	// messages: user, assistant, tool(slow), tool(fast), assistant.
	require.Len(t, result.Messages, 5)
	first := result.Messages[2].Parts[0].(core.ToolResultPart)
	second := result.Messages[3].Parts[0].(core.ToolResultPart)
	assert.Equal(t, "call-1", first.ToolUseID)
	assert.Equal(t, "call-2", second.ToolUseID)
}

// -------------------- Capability Mutation Tests --------------------

func TestEngine_PendingToolVisibleNextTurnOnly(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueToolUseResponse(core.ToolUsePart{ID: "call-1", Name: "mount", Args: `{}`})
	mock.QueueTextResponse("mounted")

	inst := newRunReadyInstance("mount the extra tool")
	registerTool(t, inst, "mount", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		// Simulates a reconcile pass that redirected the add to the pending
		// queue because this run is mid-turn.
		inst.EnqueueUpdate(runtime.ToolAdded{Tool: tool.NewFunctionTool("extra", "added mid-run", emptySchema(),
			func(tc *conf.ToolContext, args map[string]any) (string, error) { return "extra", nil },
		)})
		return "requested", nil
	})

	e := New(mock, inst)
	_, err := e.Run(context.Background(), false)
	require.NoError(t, err)

	requests := mock.Requests()
	require.Len(t, requests, 2)

	toolNames := func(req model.Request) []string {
		var names []string
		for _, d := range req.Tools {
			names = append(names, d.Name)
		}
		return names
	}
	assert.NotContains(t, toolNames(requests[0]), "extra", "new tool invisible to the turn that added it")
	assert.Contains(t, toolNames(requests[1]), "extra", "new tool visible to the following turn")
}

// -------------------- Iteration & Budget Tests --------------------

func TestEngine_IterationCeilingSoftStops(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	for i := 0; i < 5; i++ {
		mock.QueueToolUseResponse(core.ToolUsePart{ID: "call", Name: "loop", Args: `{}`})
	}

	inst := newRunReadyInstance("loop forever")
	registerTool(t, inst, "loop", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "again", nil
	})

	e := New(mock, inst, func(o *Options) { o.MaxIterations = 3 })
	result, err := e.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Len(t, mock.Requests(), 3, "engine stops after the ceiling")
	assert.Equal(t, core.StopReasonToolUse, result.StopReason, "ceiling preserves the soft stop reason")
	assert.Equal(t, core.StatusCompleted, e.Status(), "ceiling is not an error")
}

func TestEngine_InstanceIterationOverrideWins(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	for i := 0; i < 5; i++ {
		mock.QueueToolUseResponse(core.ToolUsePart{ID: "call", Name: "loop", Args: `{}`})
	}

	inst := runtime.NewInstance("root", nil, nil)
	rec := runtime.NewReconciler(runtime.NewState())
	require.NoError(t, rec.Reconcile(context.Background(), inst, conf.Agent(
		conf.WithMaxIterations(2),
		conf.WithChildren(conf.Tool("loop", "loops", func(tc *conf.ToolContext, args map[string]any) (string, error) {
			return "again", nil
		})),
	)))
	inst.AppendMessage(core.NewUserMessage("loop"))

	e := New(mock, inst, func(o *Options) { o.MaxIterations = 10 })
	_, err := e.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, mock.Requests(), 2)
}

func TestEngine_CallLimiterExceededIsError(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueToolUseResponse(core.ToolUsePart{ID: "call", Name: "loop", Args: `{}`})
	mock.QueueTextResponse("never reached")

	inst := newRunReadyInstance("go")
	registerTool(t, inst, "loop", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "again", nil
	})

	rec := &eventRecorder{}
	e := New(mock, inst, func(o *Options) {
		o.Limiter = core.NewCallLimiter(1)
		o.Sink = rec.sink()
	})
	_, err := e.Run(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max model calls")
	assert.Equal(t, core.StatusErrored, e.Status())
	assert.Len(t, rec.errors(), 1)
	assert.Empty(t, rec.completes())
}

// -------------------- Failure & Abort Tests --------------------

func TestEngine_UnknownToolContinuesRun(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueToolUseResponse(core.ToolUsePart{ID: "call-1", Name: "ghost", Args: `{}`})
	mock.QueueTextResponse("recovered")

	inst := newRunReadyInstance("use the ghost tool")
	e := New(mock, inst)
	result, err := e.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Content)
	toolMsg := result.Messages[2].Parts[0].(core.ToolResultPart)
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, "unknown tool")
}

func TestEngine_ProviderErrorFinishesErrored(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueError(errors.New("upstream 500"))

	inst := newRunReadyInstance("hello")
	rec := &eventRecorder{}
	e := New(mock, inst, func(o *Options) { o.Sink = rec.sink() })

	_, err := e.Run(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 500")
	assert.Equal(t, core.StatusErrored, e.Status())
	require.Len(t, rec.errors(), 1)
	assert.Empty(t, rec.completes())
}

func TestEngine_AbortMidTurn(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueToolUseResponse(core.ToolUsePart{ID: "call-1", Name: "waits", Args: `{}`})

	inst := newRunReadyInstance("wait")
	started := make(chan struct{})
	registerTool(t, inst, "waits", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		close(started)
		<-tc.Context.Done()
		return "", tc.Context.Err()
	})

	rec := &eventRecorder{}
	e := New(mock, inst, func(o *Options) { o.Sink = rec.sink() })

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), false)
		done <- err
	}()

	<-started
	e.Abort()

	err := <-done
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, core.StatusAborted, e.Status())
	assert.Empty(t, rec.completes(), "aborted runs emit no complete event")
	assert.Empty(t, rec.errors(), "abort is not an error event")
}

func TestEngine_ReentrantRunRejected(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueToolUseResponse(core.ToolUsePart{ID: "call-1", Name: "waits", Args: `{}`})

	inst := newRunReadyInstance("wait")
	started := make(chan struct{})
	release := make(chan struct{})
	registerTool(t, inst, "waits", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		close(started)
		<-release
		return "released", nil
	})

	e := New(mock, inst)
	go func() {
		_, _ = e.Run(context.Background(), false)
	}()
	<-started

	_, err := e.Run(context.Background(), false)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
}

// -------------------- Streaming & Event Tests --------------------

func TestEngine_StreamForwardsDeltas(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueTextResponse("Hi!")

	inst := newRunReadyInstance("greet")
	rec := &eventRecorder{}
	e := New(mock, inst, func(o *Options) { o.Sink = rec.sink() })

	result, err := e.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "Hi!", result.Content)
	assert.Equal(t, "Hi!", rec.streamText(), "deltas reassemble the final text")
}

func TestEngine_StepFinishCarriesTurnActivity(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueResponse(model.Response{
		Message:    core.Message{Role: core.RoleAssistant, Parts: []core.Part{core.ToolUsePart{ID: "call-1", Name: "get_time", Args: `{}`}}},
		StopReason: core.StopReasonToolUse,
		Usage:      core.Usage{InputTokens: 10, OutputTokens: 5},
	})
	mock.QueueResponse(model.Response{
		Message:    core.NewAssistantMessage("noon"),
		StopReason: core.StopReasonEndTurn,
		Usage:      core.Usage{InputTokens: 20, OutputTokens: 7},
	})

	inst := newRunReadyInstance("time?")
	registerTool(t, inst, "get_time", func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "12:00", nil
	})

	rec := &eventRecorder{}
	e := New(mock, inst, func(o *Options) { o.Sink = rec.sink() })
	result, err := e.Run(context.Background(), false)
	require.NoError(t, err)

	steps := rec.stepFinishes()
	require.Len(t, steps, 2)

	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, core.StopReasonToolUse, steps[0].StopReason)
	require.Len(t, steps[0].ToolCalls, 1)
	require.Len(t, steps[0].ToolResults, 1)
	assert.Equal(t, "12:00", steps[0].ToolResults[0].Content)
	assert.Equal(t, int64(15), steps[0].Usage.TotalTokens(), "per-turn usage, not the running total")

	assert.Equal(t, 2, steps[1].StepNumber)
	assert.Empty(t, steps[1].ToolCalls)

	assert.Equal(t, int64(30), result.Usage.InputTokens)
	assert.Equal(t, int64(12), result.Usage.OutputTokens)
}

func TestEngine_ThinkingConcatenatedIntoResult(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueResponse(model.Response{
		Message: core.Message{Role: core.RoleAssistant, Parts: []core.Part{
			core.ThinkingPart{Thinking: "Consider the request."},
			core.TextPart{Text: "Answer."},
		}},
		StopReason: core.StopReasonEndTurn,
	})

	inst := newRunReadyInstance("think hard")
	e := New(mock, inst)
	result, err := e.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "Answer.", result.Content)
	assert.Equal(t, "Consider the request.", result.Thinking)
}

func TestEngine_RerunContinuesConversation(t *testing.T) {
	mock := model.NewMockModel("test-model", "mock")
	mock.QueueTextResponse("first answer")
	mock.QueueTextResponse("second answer")

	inst := newRunReadyInstance("first question")
	e := New(mock, inst)

	first, err := e.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "first answer", first.Content)

	inst.AppendMessage(core.NewUserMessage("second question"))
	second, err := e.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "second answer", second.Content)
	assert.Len(t, second.Messages, 4, "history accumulates across runs")
}
