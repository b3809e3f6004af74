// Package agentweave provides the high-level handle over the configuration
// reconciler and the turn-loop engine, enabling declarative construction of
// tool-using LLM agents. Most applications interact with this package by:
//  1. Writing a render function that builds a configuration tree from state
//  2. Creating a Handle via New() with a provider client
//  3. Driving the conversation with Run, SendMessage or Stream
//
// The handle owns the render loop: every state write re-renders the tree and
// reconciles the delta into the live runtime instance, so capability changes
// made by tool handlers mid-conversation become visible to the following
// turn. Orchestration itself is delegated to engine.Engine; sub-agents
// mounted in the tree run on their own engines sharing the handle's provider
// client, call budget and event listeners.
package agentweave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/engine"
	"github.com/hupe1980/agentweave/logging"
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/runtime"
)

// RenderFunc builds the configuration tree for the current state. It is
// called again whenever a state write dirties the tree; it must be a pure
// function of the state it receives (plus captured configuration) so that
// repeated renders settle.
type RenderFunc func(s *runtime.State) *conf.Node

// ErrClosed is returned by run operations on a closed handle.
var ErrClosed = errors.New("handle is closed")

// maxRenderPasses bounds one render-settle loop. A tree whose render keeps
// dirtying the state feeds itself and is reported as an error instead of
// spinning.
const maxRenderPasses = 10

// streamEventBuffer is the channel buffer handed out by Stream. Larger
// buffers reduce engine blocking when the consumer is slow.
const streamEventBuffer = 64

// Options configures a Handle.
type Options struct {
	// Model is the provider client driving every engine in the run tree.
	// Required.
	Model model.Model

	// Logger receives reconcile and engine lifecycle events. Defaults to
	// NoOpLogger.
	Logger logging.Logger

	// Resolver evaluates natural-language condition prompts. Required only
	// when the tree uses prompt predicates.
	Resolver conf.PredicateResolver

	// MaxIterations caps turns per run unless the agent node carries its own
	// maxIterations. Defaults to engine.DefaultMaxIterations.
	MaxIterations int

	// MaxModelCalls bounds total provider calls across the whole run tree,
	// sub-agents included. Zero means unbounded.
	MaxModelCalls int

	// MaxConcurrentTools bounds concurrent tool handlers within one turn.
	// Zero means unbounded.
	MaxConcurrentTools int
}

// Handle is the public control surface of one agent tree: it owns the state
// store, the runtime instance, the reconciler and the root engine, and fans
// engine events out to registered listeners.
type Handle struct {
	render RenderFunc
	state  *runtime.State
	inst   *runtime.Instance
	rec    *runtime.Reconciler
	eng    *engine.Engine
	model  model.Model
	logger logging.Logger

	limiter            *core.CallLimiter
	maxIterations      int
	maxConcurrentTools int

	// rendering guards the render-settle loop: state writes that arrive
	// while a pass runs are picked up by that pass instead of starting a
	// second one.
	rendering atomic.Bool
	closed    atomic.Bool

	lmu           sync.RWMutex
	onStateChange []func(engine.StateChangeEvent)
	onStream      []func(engine.StreamEvent)
	onStepFinish  []func(engine.StepFinishEvent)
	onComplete    []func(*core.Result)
	onError       []func(error)
	sinkSeq       int
	sinks         map[int]engine.Sink
}

// New renders the tree once, validates it and reconciles it into a fresh
// runtime instance. Configuration errors (invalid tree, prompt predicate
// without resolver, failing tool source) are returned here; after New the
// handle re-renders on every state write and reports failures through the
// error listeners instead.
func New(render RenderFunc, optFns ...func(o *Options)) (*Handle, error) {
	if render == nil {
		return nil, errors.New("a render function is required")
	}

	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Model == nil {
		return nil, errors.New("a model client is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	h := &Handle{
		render:             render,
		model:              opts.Model,
		logger:             opts.Logger,
		maxIterations:      opts.MaxIterations,
		maxConcurrentTools: opts.MaxConcurrentTools,
		sinks:              map[int]engine.Sink{},
	}
	if opts.MaxModelCalls > 0 {
		h.limiter = core.NewCallLimiter(opts.MaxModelCalls)
	}

	h.state = runtime.NewState()
	h.inst = runtime.NewInstance("@root", nil, opts.Logger)
	h.rec = runtime.NewReconciler(h.state, func(o *runtime.ReconcilerOptions) {
		o.Logger = opts.Logger
		o.Resolver = opts.Resolver
		o.Runner = h.runSubagent
	})
	h.eng = engine.New(opts.Model, h.inst, h.engineOptions)

	if err := h.applyRender(context.Background()); err != nil {
		return nil, err
	}

	// From here on, state writes trigger re-renders. During New they are
	// absorbed by the settle loop above.
	h.state.OnChange(h.stateChanged)

	return h, nil
}

// engineOptions wires one engine (root or sub-agent) into the handle's
// shared services.
func (h *Handle) engineOptions(o *engine.Options) {
	o.Logger = h.logger
	o.MaxIterations = h.maxIterations
	o.MaxConcurrentTools = h.maxConcurrentTools
	o.Limiter = h.limiter
	o.Sink = h.dispatch
	o.State = h.state
	o.Runner = h.runAdHoc
}

// Run appends the given user messages and executes the turn loop to
// completion. Re-running a finished handle continues the conversation.
func (h *Handle) Run(ctx context.Context, firstMessage ...string) (*core.Result, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	for _, m := range firstMessage {
		h.inst.AppendMessage(core.NewUserMessage(m))
	}
	return h.run(ctx, false)
}

// SendMessage appends one user message and runs a conversation round.
func (h *Handle) SendMessage(ctx context.Context, text string) (*core.Result, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	h.inst.AppendMessage(core.NewUserMessage(text))
	return h.run(ctx, false)
}

// Stream appends one user message and runs a round with provider streaming
// enabled, returning the raw event and error channels. The events channel
// carries every engine event of the run (deltas included) and closes when
// the run settles; a terminal error, if any, arrives on the error channel
// before it closes.
func (h *Handle) Stream(ctx context.Context, text string) (<-chan engine.Event, <-chan error) {
	events := make(chan engine.Event, streamEventBuffer)
	errs := make(chan error, 1)

	if h.closed.Load() {
		errs <- ErrClosed
		close(events)
		close(errs)
		return events, errs
	}

	id := h.addSink(func(ev engine.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	h.inst.AppendMessage(core.NewUserMessage(text))

	go func() {
		defer close(errs)
		defer close(events)
		defer h.removeSink(id)
		if _, err := h.run(ctx, true); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (h *Handle) run(ctx context.Context, stream bool) (*core.Result, error) {
	if err := h.applyRender(ctx); err != nil {
		return nil, err
	}
	// Deltas parked after the previous run's final turn apply now, before
	// the first compose.
	h.inst.DrainPendingUpdates()
	return h.eng.Run(ctx, stream)
}

// Abort cancels the in-flight run, if any. The run settles with
// engine.ErrAborted and status aborted.
func (h *Handle) Abort() {
	h.eng.Abort()
}

// Close aborts any in-flight run and tears down the instance tree. It is
// idempotent; run operations on a closed handle return ErrClosed.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.state.OnChange(nil)
	h.eng.Abort()
	h.inst.Close()
	return nil
}

// Status reports the root instance's execution status.
func (h *Handle) Status() core.Status {
	return h.eng.Status()
}

// State returns the handle's state store. Writes re-render the tree.
func (h *Handle) State() *runtime.State {
	return h.state
}

// Messages returns a copy of the root conversation history.
func (h *Handle) Messages() []core.Message {
	return h.inst.Messages()
}

// -------------------- Render loop --------------------

// stateChanged is the state store's change callback. Render failures after
// New keep the previous configuration and are reported through the error
// listeners.
func (h *Handle) stateChanged() {
	if h.closed.Load() {
		return
	}
	if err := h.applyRender(context.Background()); err != nil {
		h.logger.Error("render.failed", "instance", h.inst.Key(), "error", err.Error())
		h.dispatch(engine.ErrorEvent{InstanceKey: h.inst.Key(), Err: err})
	}
}

// applyRender runs a render-settle pass unless one is already active, in
// which case the active pass picks the write up through its own dirty check.
// A write racing the end of a pass re-runs it.
func (h *Handle) applyRender(ctx context.Context) error {
	for {
		if !h.rendering.CompareAndSwap(false, true) {
			return nil
		}
		err := h.settle(ctx)
		h.rendering.Store(false)
		if err != nil {
			return err
		}
		if !h.state.ConsumeDirty() {
			return nil
		}
	}
}

// settle renders and reconciles until a pass leaves the state clean.
func (h *Handle) settle(ctx context.Context) error {
	for pass := 0; pass < maxRenderPasses; pass++ {
		node := h.render(h.state)
		if err := conf.Validate(node); err != nil {
			return fmt.Errorf("render produced an invalid tree: %w", err)
		}
		if err := h.rec.Reconcile(ctx, h.inst, node); err != nil {
			return err
		}
		if !h.state.ConsumeDirty() {
			return nil
		}
	}
	return fmt.Errorf("configuration did not settle after %d render passes", maxRenderPasses)
}

// -------------------- Sub-agent runs --------------------

// runSubagent activates a deferred agent: it realizes the child instance on
// first use, re-reconciles the stored subtree so configuration changes reach
// later activations, pushes the task as the child's user message and runs
// the child to completion. The child shares the handle's provider client,
// call budget, state store and event sink; its history persists across
// activations.
func (h *Handle) runSubagent(tc *conf.ToolContext, parent *runtime.Instance, name, task, contextInfo string) (string, error) {
	subtree, ok := parent.DeferredSubtree(name)
	if !ok {
		return "", fmt.Errorf("agent %q is no longer mounted", name)
	}

	ctx := tc.Context
	if ctx == nil {
		ctx = context.Background()
	}

	child, ok := parent.RealizedChild(name)
	if !ok {
		child = runtime.NewInstance(parent.Key()+"/"+name, parent, h.logger)
	}
	// Seeded message nodes append exactly once per identity, so realized
	// children keep their history through this.
	if err := h.rec.Reconcile(ctx, child, subtree); err != nil {
		return "", fmt.Errorf("activate agent %q: %w", name, err)
	}
	parent.StoreRealized(name, child)

	prompt := task
	if contextInfo != "" {
		prompt = task + "\n\nContext: " + contextInfo
	}
	child.AppendMessage(core.NewUserMessage(prompt))

	result, err := engine.New(h.model, child, h.engineOptions).Run(ctx, false)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// runAdHoc realizes and runs an arbitrary agent subtree handed to
// ToolContext.RunAgent. The instance is throwaway: it lives for exactly one
// run and is torn down afterwards.
func (h *Handle) runAdHoc(ctx context.Context, node *conf.Node, task string, overrides conf.RunOverrides) (string, error) {
	if node == nil || node.Kind != conf.KindAgent {
		return "", errors.New("run agent: an agent node is required")
	}

	cfg := node.Clone()
	if overrides.Model != "" {
		cfg.Props[conf.PropModel] = overrides.Model
	}
	if overrides.MaxIterations > 0 {
		cfg.Props[conf.PropMaxIterations] = overrides.MaxIterations
	}
	if err := conf.Validate(cfg); err != nil {
		return "", err
	}

	key := cfg.Key
	if key == "" {
		key = "@run:" + core.NewID()
	}
	inst := runtime.NewInstance(key, nil, h.logger)
	defer inst.Close()

	if err := h.rec.Reconcile(ctx, inst, cfg); err != nil {
		return "", err
	}
	inst.AppendMessage(core.NewUserMessage(task))

	result, err := engine.New(h.model, inst, h.engineOptions).Run(ctx, false)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// -------------------- Event fan-out --------------------

// OnStateChange registers a listener for status transitions of any engine in
// the run tree.
func (h *Handle) OnStateChange(fn func(engine.StateChangeEvent)) {
	h.lmu.Lock()
	h.onStateChange = append(h.onStateChange, fn)
	h.lmu.Unlock()
}

// OnStream registers a listener for streaming deltas.
func (h *Handle) OnStream(fn func(engine.StreamEvent)) {
	h.lmu.Lock()
	h.onStream = append(h.onStream, fn)
	h.lmu.Unlock()
}

// OnStepFinish registers a listener for completed turns.
func (h *Handle) OnStepFinish(fn func(engine.StepFinishEvent)) {
	h.lmu.Lock()
	h.onStepFinish = append(h.onStepFinish, fn)
	h.lmu.Unlock()
}

// OnComplete registers a listener for finalized results. Sub-agent
// completions fire it too; check the event's instance key when only root
// results matter.
func (h *Handle) OnComplete(fn func(*core.Result)) {
	h.lmu.Lock()
	h.onComplete = append(h.onComplete, fn)
	h.lmu.Unlock()
}

// OnError registers a listener for run-terminating failures and render
// failures.
func (h *Handle) OnError(fn func(error)) {
	h.lmu.Lock()
	h.onError = append(h.onError, fn)
	h.lmu.Unlock()
}

func (h *Handle) addSink(s engine.Sink) int {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	h.sinkSeq++
	id := h.sinkSeq
	h.sinks[id] = s
	return id
}

func (h *Handle) removeSink(id int) {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	delete(h.sinks, id)
}

// dispatch fans one engine event out to the raw sinks and the typed
// listeners. Listeners run synchronously on the engine goroutine; they must
// not block on the run they observe.
func (h *Handle) dispatch(ev engine.Event) {
	h.lmu.RLock()
	sinks := make([]engine.Sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		sinks = append(sinks, s)
	}
	var (
		stateFns    []func(engine.StateChangeEvent)
		streamFns   []func(engine.StreamEvent)
		stepFns     []func(engine.StepFinishEvent)
		completeFns []func(*core.Result)
		errorFns    []func(error)
	)
	switch ev.(type) {
	case engine.StateChangeEvent:
		stateFns = append(stateFns, h.onStateChange...)
	case engine.StreamEvent:
		streamFns = append(streamFns, h.onStream...)
	case engine.StepFinishEvent:
		stepFns = append(stepFns, h.onStepFinish...)
	case engine.CompleteEvent:
		completeFns = append(completeFns, h.onComplete...)
	case engine.ErrorEvent:
		errorFns = append(errorFns, h.onError...)
	}
	h.lmu.RUnlock()

	for _, s := range sinks {
		s(ev)
	}
	switch e := ev.(type) {
	case engine.StateChangeEvent:
		for _, fn := range stateFns {
			fn(e)
		}
	case engine.StreamEvent:
		for _, fn := range streamFns {
			fn(e)
		}
	case engine.StepFinishEvent:
		for _, fn := range stepFns {
			fn(e)
		}
	case engine.CompleteEvent:
		for _, fn := range completeFns {
			fn(e.Result)
		}
	case engine.ErrorEvent:
		for _, fn := range errorFns {
			fn(e.Err)
		}
	}
}
