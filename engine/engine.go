package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/logging"
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/runtime"
)

// DefaultMaxIterations bounds the turn loop when neither the agent node nor
// the engine options set a ceiling.
const DefaultMaxIterations = 10

var (
	// ErrAlreadyRunning is returned by Run when the instance is mid-run.
	// The in-flight run is unaffected.
	ErrAlreadyRunning = errors.New("engine is already running")

	// ErrAborted is returned by Run when the run was cancelled. The engine
	// finishes in the aborted state with no result.
	ErrAborted = errors.New("run aborted")
)

// Options configures an Engine.
//
// All fields are optional: a zero-configured engine runs with a no-op
// logger, the default iteration ceiling, unlimited tool concurrency, no
// call budget and no event sink.
type Options struct {
	// Logger receives engine lifecycle and tool dispatch events.
	Logger logging.Logger

	// MaxIterations caps turns per run when the agent node does not carry
	// its own ceiling. Values <= 0 fall back to DefaultMaxIterations.
	MaxIterations int

	// MaxConcurrentTools bounds concurrent handler execution within one
	// turn. 0 runs every block of the turn concurrently.
	MaxConcurrentTools int

	// Limiter bounds total provider calls across the whole run tree,
	// including sub-agent engines sharing it. Exceeding the budget is a
	// run-terminating error, unlike the per-run iteration ceiling.
	Limiter *core.CallLimiter

	// Sink receives the engine's events. Nil discards them.
	Sink Sink

	// State is exposed to tool handlers through their tool context.
	State conf.StateStore

	// Runner is exposed to tool handlers as ToolContext.RunAgent.
	Runner conf.RunAgentFunc
}

// Engine drives one runtime instance through the turn loop: compose the
// provider request from the instance's live capability set, invoke the
// model, record the assistant message, dispatch requested tools
// concurrently, drain pending structural updates, then either loop or
// finalize.
//
// Exactly one run may drive an instance at a time; Run returns
// ErrAlreadyRunning otherwise. A finished engine can run again, continuing
// the instance's conversation. The zero value is not usable; construct with
// New.
//
// Failure semantics:
//   - Tool handler errors, unknown tool names and handler panics become
//     error-tagged tool results and the loop continues.
//   - Provider errors and call budget violations finish the run in the
//     errored state and emit an ErrorEvent.
//   - Cancellation finishes the run in the aborted state with ErrAborted,
//     discarding the turn's partial tool results; no result and no
//     CompleteEvent are produced.
//   - Reaching the iteration ceiling is not an error: the run completes
//     with the last stop reason preserved (tool_use).
type Engine struct {
	model   model.Model
	inst    *runtime.Instance
	logger  logging.Logger
	sink    Sink
	limiter *core.CallLimiter
	state   conf.StateStore
	runner  conf.RunAgentFunc
	exec    *executor

	maxIterations int

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates an engine for one instance and model client.
func New(m model.Model, inst *runtime.Instance, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		MaxIterations: DefaultMaxIterations,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}

	return &Engine{
		model:         m,
		inst:          inst,
		logger:        opts.Logger,
		sink:          opts.Sink,
		limiter:       opts.Limiter,
		state:         opts.State,
		runner:        opts.Runner,
		exec:          newExecutor(opts.Logger, opts.MaxConcurrentTools),
		maxIterations: opts.MaxIterations,
	}
}

// Status reports the instance's execution status.
func (e *Engine) Status() core.Status {
	return e.inst.Status()
}

// Abort cancels the in-flight run, if any. The run settles with ErrAborted.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the turn loop to completion and returns the finalized
// result. With stream set, incremental provider output is forwarded to the
// sink as StreamEvents; both modes finalize identically.
func (e *Engine) Run(ctx context.Context, stream bool) (*core.Result, error) {
	e.mu.Lock()
	if e.inst.Status() == core.StatusRunning {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.inst.BindCancel(cancel)
	prev := e.inst.SetStatus(core.StatusRunning)
	e.mu.Unlock()
	defer cancel()

	e.sink.emit(StateChangeEvent{InstanceKey: e.inst.Key(), From: prev, To: core.StatusRunning})

	result, err := e.loop(runCtx, stream)
	if err != nil {
		if runCtx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Info("run.aborted", "instance", e.inst.Key())
			e.transition(core.StatusAborted)
			return nil, ErrAborted
		}
		e.logger.Error("run.failed", "instance", e.inst.Key(), "error", err.Error())
		e.transition(core.StatusErrored)
		e.sink.emit(ErrorEvent{InstanceKey: e.inst.Key(), Err: err})
		return nil, err
	}

	e.transition(core.StatusCompleted)
	e.sink.emit(CompleteEvent{InstanceKey: e.inst.Key(), Result: result})
	return result, nil
}

func (e *Engine) transition(to core.Status) {
	from := e.inst.SetStatus(to)
	if from != to {
		e.sink.emit(StateChangeEvent{InstanceKey: e.inst.Key(), From: from, To: to})
	}
}

// ceiling resolves the iteration cap: the agent node's own override wins,
// then the engine option.
func (e *Engine) ceiling() int {
	if n := e.inst.Params().MaxIterations; n > 0 {
		return n
	}
	return e.maxIterations
}

func (e *Engine) loop(ctx context.Context, stream bool) (*core.Result, error) {
	key := e.inst.Key()
	ceiling := e.ceiling()

	var (
		totalUsage core.Usage
		thinking   strings.Builder
		lastText   string
		finalStop  core.StopReason
	)

	for turn := 1; ; turn++ {
		if e.limiter != nil {
			if err := e.limiter.Increment(); err != nil {
				return nil, err
			}
		}

		req := buildRequest(e.inst, stream)
		e.logger.Debug("model.call.start", "instance", key, "turn", turn, "model", req.Model, "tools", len(req.Tools))

		final, err := e.consume(ctx, e.model.Generate(ctx, req))
		if err != nil {
			return nil, err
		}

		// The assistant message is recorded unconditionally, truncated
		// replies included.
		e.inst.AppendMessage(final.Message)
		totalUsage.Add(final.Usage)
		if t := final.Message.Thinking(); t != "" {
			if thinking.Len() > 0 {
				thinking.WriteString(core.FragmentSeparator)
			}
			thinking.WriteString(t)
		}
		if t := final.Message.Text(); t != "" {
			lastText = t
		}

		stop := final.StopReason
		toolUses := final.Message.ToolUses()

		var toolResults []core.ToolResultPart
		if stop == core.StopReasonToolUse && len(toolUses) > 0 {
			toolResults, err = e.exec.Execute(ctx, e.inst, toolUses, e.newToolContext)
			if err != nil {
				// Cancellation mid-dispatch: partial results are discarded.
				return nil, err
			}
			for _, res := range toolResults {
				e.inst.AppendMessage(core.NewToolResultMessage(res))
			}
		}

		// Structural updates queued by this turn's handlers become visible
		// to the next compose, never the current one.
		if drained := e.inst.DrainPendingUpdates(); drained > 0 {
			e.logger.Debug("instance.pending.applied", "instance", key, "count", drained)
		}

		e.sink.emit(StepFinishEvent{
			InstanceKey: key,
			StepNumber:  turn,
			StopReason:  stop,
			ToolCalls:   toolUses,
			ToolResults: toolResults,
			Usage:       final.Usage,
		})

		if stop == core.StopReasonToolUse && len(toolUses) > 0 {
			if turn >= ceiling {
				// Soft stop: the ceiling preserves the provider's last stop
				// reason instead of raising.
				e.logger.Warn("run.ceiling.reached", "instance", key, "turns", turn)
				finalStop = core.StopReasonToolUse
				break
			}
			continue
		}

		finalStop = stop
		break
	}

	return &core.Result{
		Content:    lastText,
		Thinking:   thinking.String(),
		Messages:   e.inst.Messages(),
		Usage:      totalUsage,
		StopReason: finalStop,
	}, nil
}

// consume drains one Generate call: partial responses are forwarded to the
// sink as stream events, and the single final response is returned once
// both channels close.
func (e *Engine) consume(ctx context.Context, respCh <-chan model.Response, errCh <-chan error) (model.Response, error) {
	var final model.Response
	var got bool

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return model.Response{}, err
			}

		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if resp.Delta != nil {
					e.sink.emit(StreamEvent{InstanceKey: e.inst.Key(), Delta: *resp.Delta})
				}
				continue
			}
			final = resp
			got = true
		}
	}

	if !got {
		return model.Response{}, errors.New("model stream ended without a final response")
	}
	return final, nil
}

// newToolContext assembles the execution context handed to one tool call.
func (e *Engine) newToolContext(ctx context.Context, use core.ToolUsePart) *conf.ToolContext {
	return &conf.ToolContext{
		Context:  ctx,
		Model:    e.model,
		Logger:   e.logger,
		State:    e.state,
		CallID:   use.ID,
		ToolName: use.Name,
		Runner:   e.runner,
	}
}
