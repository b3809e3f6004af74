package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/logging"
	"github.com/hupe1980/agentweave/runtime"
)

// contextFactory builds the per-call tool context for one tool-use block.
// The engine supplies it so the executor stays free of handle-level wiring.
type contextFactory func(ctx context.Context, use core.ToolUsePart) *conf.ToolContext

// executor fans a turn's tool-use blocks out to concurrent handler
// invocations and fans the results back in, preserving block order. Handler
// failures, unknown tool names, argument decode failures and panics all
// become error-tagged results; the only way Execute itself fails is
// cancellation.
type executor struct {
	logger logging.Logger
	limit  int // max concurrent handlers, 0 = unlimited
}

func newExecutor(logger logging.Logger, limit int) *executor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &executor{logger: logger, limit: limit}
}

// Execute runs every tool-use block of one turn concurrently and returns the
// results indexed by block position. On cancellation the partial results are
// discarded and the context error returned.
func (x *executor) Execute(
	ctx context.Context,
	inst *runtime.Instance,
	uses []core.ToolUsePart,
	newContext contextFactory,
) ([]core.ToolResultPart, error) {
	results := make([]core.ToolResultPart, len(uses))

	g, gctx := errgroup.WithContext(ctx)
	if x.limit > 0 {
		g.SetLimit(x.limit)
	}
	for i, use := range uses {
		i, use := i, use
		g.Go(func() error {
			results[i] = x.dispatch(gctx, inst, use, newContext)
			return nil
		})
	}
	// Handler outcomes never fail the group; only cancellation does.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// dispatch resolves and invokes a single tool, converting every failure mode
// into an error-tagged result.
func (x *executor) dispatch(
	ctx context.Context,
	inst *runtime.Instance,
	use core.ToolUsePart,
	newContext contextFactory,
) (result core.ToolResultPart) {
	result = core.ToolResultPart{ToolUseID: use.ID, Name: use.Name}

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("tool.call.panic", "tool", use.Name, "call_id", use.ID, "panic", fmt.Sprintf("%v", r))
			result.Content = fmt.Sprintf("Error: tool %q panicked: %v", use.Name, r)
			result.IsError = true
		}
	}()

	t, ok := inst.LookupTool(use.Name)
	if !ok {
		x.logger.Warn("tool.call.unknown", "tool", use.Name, "call_id", use.ID)
		result.Content = fmt.Sprintf("Error: unknown tool %q", use.Name)
		result.IsError = true
		return result
	}

	args, err := decodeArgs(use.Args)
	if err != nil {
		x.logger.Warn("tool.call.bad_args", "tool", use.Name, "call_id", use.ID, "error", err.Error())
		result.Content = fmt.Sprintf("Error: invalid arguments for tool %q: %v", use.Name, err)
		result.IsError = true
		return result
	}

	start := time.Now()
	out, err := t.Call(newContext(ctx, use), args)
	if err != nil {
		x.logger.Warn("tool.call.failed", "tool", use.Name, "call_id", use.ID, "duration_ms", time.Since(start).Milliseconds(), "error", err.Error())
		result.Content = fmt.Sprintf("Error: %v", err)
		result.IsError = true
		return result
	}

	x.logger.Debug("tool.call.done", "tool", use.Name, "call_id", use.ID, "duration_ms", time.Since(start).Milliseconds())
	result.Content = out
	return result
}

// decodeArgs parses the provider's raw JSON argument payload. Empty payloads
// mean a no-argument call.
func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := sonic.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
