package conf

import (
	"context"
	"errors"

	"github.com/hupe1980/agentweave/logging"
	"github.com/hupe1980/agentweave/model"
)

// ToolFunc is the handler signature for caller-defined tools. Args were
// validated against the tool's schema before invocation. The returned string
// becomes the tool result shown to the model; errors are caught and surfaced
// as error-tagged results, never as engine failures.
type ToolFunc func(tc *ToolContext, args map[string]any) (string, error)

// PredicateResolver evaluates a natural-language condition prompt, typically
// with a cheap model round-trip. Configured on the handle; a tree using
// prompt predicates without a resolver is a configuration error.
type PredicateResolver func(ctx context.Context, prompt string) (bool, error)

// ToolSource resolves an external tool set (e.g. an MCP server) into tool
// nodes. Resolution runs once per mcp node label and is cached.
type ToolSource interface {
	Resolve(ctx context.Context) ([]*Node, error)
}

// StateStore is the narrow view of hook-style run state exposed to handlers
// and predicates. Writes mark the state dirty, which triggers a re-render of
// the configuration tree at the next safe point.
type StateStore interface {
	Set(key string, value any)
	Get(key string) (any, bool)
	Snapshot() map[string]any
}

// RunAgentFunc realizes and runs an agent subtree to completion, returning
// its final text. Injected into ToolContext by the engine.
type RunAgentFunc func(ctx context.Context, node *Node, task string, overrides RunOverrides) (string, error)

// RunOverrides tune an ad-hoc RunAgent invocation.
type RunOverrides struct {
	Model         string
	MaxIterations int
}

// OverrideModel substitutes the model identifier for one RunAgent call.
func OverrideModel(name string) func(*RunOverrides) {
	return func(o *RunOverrides) { o.Model = name }
}

// OverrideMaxIterations caps the turn ceiling for one RunAgent call.
func OverrideMaxIterations(n int) func(*RunOverrides) {
	return func(o *RunOverrides) { o.MaxIterations = n }
}

// ToolContext carries the execution context for one tool invocation: the
// abort context, the provider client, state access, identifiers and a
// logger. The engine constructs one per tool-use block.
type ToolContext struct {
	Context  context.Context
	Model    model.Model
	Logger   logging.Logger
	State    StateStore
	CallID   string
	ToolName string
	Runner   RunAgentFunc
}

// NewToolContext builds a minimal context for direct tool invocation in
// tests; the engine populates the remaining fields itself.
func NewToolContext(ctx context.Context, callID string) *ToolContext {
	return &ToolContext{
		Context: ctx,
		Logger:  logging.NoOpLogger{},
		CallID:  callID,
	}
}

// RunAgent realizes node as a fresh agent instance, pushes task as its user
// message and runs it to completion, returning the final assistant text. The
// run shares the parent's provider client, abort context and call limiter.
func (tc *ToolContext) RunAgent(node *Node, task string, optFns ...func(*RunOverrides)) (string, error) {
	if tc.Runner == nil {
		return "", errors.New("no agent runner attached to tool context")
	}
	overrides := RunOverrides{}
	for _, fn := range optFns {
		fn(&overrides)
	}
	ctx := tc.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return tc.Runner(ctx, node, task, overrides)
}

// SetState writes a state cell, marking the run state dirty.
func (tc *ToolContext) SetState(key string, value any) {
	if tc.State != nil {
		tc.State.Set(key, value)
	}
}

// StateValue reads a state cell.
func (tc *ToolContext) StateValue(key string) (any, bool) {
	if tc.State == nil {
		return nil, false
	}
	return tc.State.Get(key)
}
