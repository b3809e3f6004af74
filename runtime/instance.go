package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/logging"
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/tool"
	"github.com/tiendc/go-deepcopy"
)

// ErrReconcileInFlight is returned when a reconciliation pass targets an
// instance that is already being reconciled.
var ErrReconcileInFlight = errors.New("reconciliation already in flight for this instance")

// GenerationParams are the provider knobs owned by an agent node.
type GenerationParams struct {
	Model           string
	MaxTokens       int64
	Temperature     *float64
	StopSequences   []string
	ReasoningBudget int64
	MaxIterations   int // 0 = engine default
}

// appliedEntry is one ledger row: the props as last applied for a node
// identity plus the contribution that identity made to the instance.
type appliedEntry struct {
	kind     conf.Kind
	props    map[string]any
	toolName string // tool / native / deferred-agent contribution
	native   bool
	childKey string // eagerly mounted child
	appended bool   // message node already appended once
}

// Instance is the mutable runtime representation of one agent node: the
// root agent of a handle, an eagerly mounted child, or a realized deferred
// sub-agent. All accessors are safe for concurrent use; the reconciler and
// the engine serialize their structural work through the instance lock and
// the pending-update queue.
type Instance struct {
	mu sync.Mutex

	key    string
	parent *Instance
	logger logging.Logger

	params GenerationParams

	systemFragments  []core.Fragment
	contextFragments []core.Fragment

	registry    *tool.Registry
	nativeTools []model.NativeTool

	messages []core.Message

	childOrder []string
	children   map[string]*Instance

	deferred map[string]*conf.Node // synthetic tool name -> stored subtree
	realized map[string]*Instance  // activated deferred children, reused across calls

	pendingUpdates []PendingUpdate

	status core.Status
	cancel context.CancelFunc

	ledger      map[string]*appliedEntry
	mcpCache    map[string][]*conf.Node
	reconciling bool
	initialized bool
}

// NewInstance creates an empty instance. The reconciler populates it.
func NewInstance(key string, parent *Instance, logger logging.Logger) *Instance {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Instance{
		key:      key,
		parent:   parent,
		logger:   logger,
		registry: tool.NewRegistry(),
		children: map[string]*Instance{},
		deferred: map[string]*conf.Node{},
		realized: map[string]*Instance{},
		ledger:   map[string]*appliedEntry{},
		mcpCache: map[string][]*conf.Node{},
		status:   core.StatusIdle,
	}
}

// Key returns the instance's identity path within the tree.
func (inst *Instance) Key() string { return inst.key }

// Parent returns the owning instance, nil for the root.
func (inst *Instance) Parent() *Instance { return inst.parent }

// Params returns a copy of the generation parameters.
func (inst *Instance) Params() GenerationParams {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return copyParams(inst.params)
}

func copyParams(p GenerationParams) GenerationParams {
	out := p
	if p.Temperature != nil {
		t := *p.Temperature
		out.Temperature = &t
	}
	if len(p.StopSequences) > 0 {
		out.StopSequences = append([]string(nil), p.StopSequences...)
	}
	return out
}

// SystemPrompt composes the system fragments, then appends the composed
// context fragments after a separator.
func (inst *Instance) SystemPrompt() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	system := core.ComposeFragments(inst.systemFragments)
	contextText := core.ComposeFragments(inst.contextFragments)
	switch {
	case system == "":
		return contextText
	case contextText == "":
		return system
	default:
		return system + core.FragmentSeparator + contextText
	}
}

// Fragments returns copies of the fragment lists, mainly for tests and
// debugging.
func (inst *Instance) Fragments() (system, contextFrags []core.Fragment) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	system = append([]core.Fragment(nil), inst.systemFragments...)
	contextFrags = append([]core.Fragment(nil), inst.contextFragments...)
	return system, contextFrags
}

// ToolDefinitions exports the active tool set for the provider request.
func (inst *Instance) ToolDefinitions() []model.ToolDefinition {
	return inst.registry.Definitions()
}

// ToolNames returns the active tool names in registration order.
func (inst *Instance) ToolNames() []string {
	return inst.registry.Names()
}

// LookupTool resolves an active tool by name.
func (inst *Instance) LookupTool(name string) (tool.Tool, bool) {
	return inst.registry.Get(name)
}

// NativeTools returns a copy of the provider-hosted tool list.
func (inst *Instance) NativeTools() []model.NativeTool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]model.NativeTool(nil), inst.nativeTools...)
}

// Messages returns a deep copy of the history.
func (inst *Instance) Messages() []core.Message {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return copyMessages(inst.messages)
}

func copyMessages(src []core.Message) []core.Message {
	out := make([]core.Message, 0, len(src))
	if err := deepcopy.Copy(&out, &src); err != nil {
		// Parts are immutable value structs, so a per-message slice copy is
		// an equivalent fallback.
		out = out[:0]
		for _, m := range src {
			cp := core.Message{Role: m.Role, Parts: append([]core.Part(nil), m.Parts...)}
			out = append(out, cp)
		}
	}
	return out
}

// MessageCount returns the current history length.
func (inst *Instance) MessageCount() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.messages)
}

// AppendMessage appends to the history.
func (inst *Instance) AppendMessage(msg core.Message) {
	inst.mu.Lock()
	inst.messages = append(inst.messages, msg)
	inst.mu.Unlock()
}

// Status returns the execution status of the instance's engine.
func (inst *Instance) Status() core.Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

// SetStatus stores a new status and returns the previous one.
func (inst *Instance) SetStatus(s core.Status) core.Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	prev := inst.status
	inst.status = s
	return prev
}

// Running reports whether a turn loop currently drives this instance.
func (inst *Instance) Running() bool {
	return inst.Status() == core.StatusRunning
}

// BindCancel attaches the engine's cancel func so unmounting the instance
// can abort its live run.
func (inst *Instance) BindCancel(cancel context.CancelFunc) {
	inst.mu.Lock()
	inst.cancel = cancel
	inst.mu.Unlock()
}

// Abort cancels the in-flight run, if any.
func (inst *Instance) Abort() {
	inst.mu.Lock()
	cancel := inst.cancel
	inst.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EnqueueUpdate appends a structural update for the engine to drain at the
// next turn boundary.
func (inst *Instance) EnqueueUpdate(u PendingUpdate) {
	inst.mu.Lock()
	inst.pendingUpdates = append(inst.pendingUpdates, u)
	inst.mu.Unlock()
}

// PendingCount returns the queued update count.
func (inst *Instance) PendingCount() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.pendingUpdates)
}

// DrainPendingUpdates applies queued updates in FIFO order and returns how
// many were applied. Called by the engine after a turn's tool execution
// settles, atomically with the iteration check.
func (inst *Instance) DrainPendingUpdates() int {
	inst.mu.Lock()
	updates := inst.pendingUpdates
	inst.pendingUpdates = nil
	for _, u := range updates {
		inst.applyUpdateLocked(u)
	}
	inst.mu.Unlock()
	return len(updates)
}

func (inst *Instance) applyUpdateLocked(u PendingUpdate) {
	switch v := u.(type) {
	case ToolAdded:
		if err := inst.registry.Add(v.Tool); err != nil {
			inst.logger.Warn("pending tool add skipped", "tool", v.Tool.Name(), "error", err.Error())
		}
	case ToolReplaced:
		inst.registry.Put(v.Tool)
	case ToolRemoved:
		inst.registry.Remove(v.Name)
		delete(inst.deferred, v.Name)
		inst.dropRealizedLocked(v.Name)
	case NativeAdded:
		inst.addNativeLocked(v.Tool)
	case NativeRemoved:
		inst.removeNativeLocked(v.Name)
	case AgentMounted:
		inst.mountChildLocked(v.Child)
	case AgentUnmounted:
		inst.unmountChildLocked(v.Key)
	}
}

func (inst *Instance) addNativeLocked(nt model.NativeTool) {
	for i, existing := range inst.nativeTools {
		if existing.Name == nt.Name {
			inst.nativeTools[i] = nt
			return
		}
	}
	inst.nativeTools = append(inst.nativeTools, nt)
}

func (inst *Instance) removeNativeLocked(name string) {
	for i, existing := range inst.nativeTools {
		if existing.Name == name {
			inst.nativeTools = append(inst.nativeTools[:i], inst.nativeTools[i+1:]...)
			return
		}
	}
}

func (inst *Instance) mountChildLocked(child *Instance) {
	if _, exists := inst.children[child.key]; !exists {
		inst.childOrder = append(inst.childOrder, child.key)
	}
	inst.children[child.key] = child
}

func (inst *Instance) unmountChildLocked(key string) {
	child, exists := inst.children[key]
	if !exists {
		return
	}
	delete(inst.children, key)
	for i, k := range inst.childOrder {
		if k == key {
			inst.childOrder = append(inst.childOrder[:i], inst.childOrder[i+1:]...)
			break
		}
	}
	child.Abort()
}

// Children returns the eagerly mounted child instances in mount order.
func (inst *Instance) Children() []*Instance {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make([]*Instance, 0, len(inst.childOrder))
	for _, key := range inst.childOrder {
		out = append(out, inst.children[key])
	}
	return out
}

// Child resolves an eagerly mounted child by key.
func (inst *Instance) Child(key string) (*Instance, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	c, ok := inst.children[key]
	return c, ok
}

// DeferredSubtree returns the stored configuration subtree behind a
// synthetic sub-agent tool.
func (inst *Instance) DeferredSubtree(name string) (*conf.Node, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	node, ok := inst.deferred[name]
	return node, ok
}

// RealizedChild returns the cached instance for an activated deferred
// sub-agent.
func (inst *Instance) RealizedChild(name string) (*Instance, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	c, ok := inst.realized[name]
	return c, ok
}

// StoreRealized caches a realized deferred child for reuse by later
// invocations within the parent's lifetime.
func (inst *Instance) StoreRealized(name string, child *Instance) {
	inst.mu.Lock()
	inst.realized[name] = child
	inst.mu.Unlock()
}

func (inst *Instance) dropRealizedLocked(name string) {
	child, ok := inst.realized[name]
	if !ok {
		return
	}
	delete(inst.realized, name)
	child.Abort()
}

// Close aborts any in-flight run and tears down the subtree: eagerly
// mounted children, realized sub-agents, tools and history. Idempotent.
func (inst *Instance) Close() {
	inst.Abort()

	inst.mu.Lock()
	children := make([]*Instance, 0, len(inst.children)+len(inst.realized))
	for _, c := range inst.children {
		children = append(children, c)
	}
	for _, c := range inst.realized {
		children = append(children, c)
	}
	inst.children = map[string]*Instance{}
	inst.childOrder = nil
	inst.realized = map[string]*Instance{}
	inst.deferred = map[string]*conf.Node{}
	inst.pendingUpdates = nil
	inst.messages = nil
	inst.systemFragments = nil
	inst.contextFragments = nil
	inst.ledger = map[string]*appliedEntry{}
	for _, name := range inst.registry.Names() {
		inst.registry.Remove(name)
	}
	inst.nativeTools = nil
	inst.mu.Unlock()

	for _, c := range children {
		c.Close()
	}
}
