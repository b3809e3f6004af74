package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/internal/util"
	"github.com/hupe1980/agentweave/logging"
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/tool"
)

// SubagentRunner realizes and runs a deferred sub-agent on behalf of a
// synthetic tool call: parent holds the stored subtree under name, task
// becomes the child's user message, and the returned string is the tool
// result. Injected by the handle, which owns the engines.
type SubagentRunner func(tc *conf.ToolContext, parent *Instance, name, task, contextInfo string) (string, error)

// ReconcilerOptions configure a Reconciler.
type ReconcilerOptions struct {
	// Logger receives reconcile lifecycle events.
	Logger logging.Logger
	// Resolver evaluates natural-language predicates. Required only when the
	// tree uses prompt conditions.
	Resolver conf.PredicateResolver
	// Runner activates deferred sub-agents. Required only when the tree
	// defers agents beneath a tools scope.
	Runner SubagentRunner
}

// Reconciler walks a configuration tree and applies the minimal set of
// mutations to a runtime instance tree: fragments are rebuilt from the
// visited nodes, message nodes append exactly once per identity, and tool,
// native-tool and child mutations are derived by diffing the applied-props
// ledger. Structural mutations against a running instance are redirected
// into its pending-update queue; fragment, message and generation-param
// effects apply immediately under the instance lock.
type Reconciler struct {
	logger   logging.Logger
	state    *State
	resolver conf.PredicateResolver
	runner   SubagentRunner
}

// NewReconciler creates a Reconciler bound to the given run state.
func NewReconciler(state *State, optFns ...func(o *ReconcilerOptions)) *Reconciler {
	opts := ReconcilerOptions{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Reconciler{
		logger:   opts.Logger,
		state:    state,
		resolver: opts.Resolver,
		runner:   opts.Runner,
	}
}

// stage accumulates one pass's outcome. It is committed atomically under the
// instance lock, or discarded wholesale if the walk fails.
type stage struct {
	snapshot  map[string]any
	oldLedger map[string]*appliedEntry
	ledger    map[string]*appliedEntry
	firstPass bool

	params GenerationParams

	system   []core.Fragment
	contextF []core.Fragment
	messages []core.Message

	toolAdds     []tool.Tool
	toolReplaces []tool.Tool
	toolRemoves  []string

	nativeAdds    []model.NativeTool
	nativeRemoves []string

	childMounts   []*Instance
	childUnmounts []string

	deferredPut map[string]*conf.Node
}

func (st *stage) ops() int {
	return len(st.toolAdds) + len(st.toolReplaces) + len(st.toolRemoves) +
		len(st.nativeAdds) + len(st.nativeRemoves) +
		len(st.childMounts) + len(st.childUnmounts) +
		len(st.messages)
}

// Reconcile applies the configuration tree rooted at next to inst. The root
// node must be an agent; its props become the instance's generation params.
// The pass is atomic per instance: on a walk error nothing is applied. A
// re-entrant call for the same instance fails with ErrReconcileInFlight.
func (r *Reconciler) Reconcile(ctx context.Context, inst *Instance, next *conf.Node) error {
	if next == nil {
		return errors.New("reconcile: nil configuration tree")
	}
	if next.Kind != conf.KindAgent {
		return fmt.Errorf("reconcile: root node must be an agent, got %q", next.Kind)
	}

	inst.mu.Lock()
	if inst.reconciling {
		inst.mu.Unlock()
		return ErrReconcileInFlight
	}
	inst.reconciling = true
	oldLedger := inst.ledger
	firstPass := !inst.initialized
	inst.mu.Unlock()

	defer func() {
		inst.mu.Lock()
		inst.reconciling = false
		inst.mu.Unlock()
	}()

	start := time.Now()
	st := &stage{
		snapshot:    r.stateSnapshot(),
		oldLedger:   oldLedger,
		ledger:      map[string]*appliedEntry{},
		firstPass:   firstPass,
		deferredPut: map[string]*conf.Node{},
	}

	err := r.walkAgentRoot(ctx, inst, next, st)
	if err == nil {
		r.collectRemovals(st)
		r.commit(inst, st)
	}

	if err != nil {
		r.logger.Warn("reconcile.failed", "instance", inst.key, "duration_ms", time.Since(start).Milliseconds(), "error", err.Error())
		return err
	}
	r.logger.Debug("reconcile.complete", "instance", inst.key, "ops", st.ops(), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (r *Reconciler) stateSnapshot() map[string]any {
	if r.state == nil {
		return map[string]any{}
	}
	return r.state.Snapshot()
}

// rootPath anchors identity paths; the root agent's own params live under it.
const rootPath = "@root"

func (r *Reconciler) walkAgentRoot(ctx context.Context, inst *Instance, root *conf.Node, st *stage) error {
	params, err := generationParams(root)
	if err != nil {
		return fmt.Errorf("node %s: %w", rootPath, err)
	}
	st.params = params
	st.ledger[rootPath] = &appliedEntry{kind: conf.KindAgent, props: stageProps(root)}

	return r.walkChildren(ctx, inst, root, rootPath, false, st)
}

func (r *Reconciler) walkChildren(ctx context.Context, inst *Instance, parent *conf.Node, path string, inTools bool, st *stage) error {
	for i, child := range parent.Children {
		if child == nil {
			return fmt.Errorf("node %s: child %d is nil", path, i)
		}
		childPath := path + "/" + identitySegment(child, i)
		if err := r.walkNode(ctx, inst, child, childPath, inTools, st); err != nil {
			return err
		}
	}
	return nil
}

// identitySegment derives a node's identity within its parent: the explicit
// key when set, otherwise kind and position.
func identitySegment(n *conf.Node, index int) string {
	if n.Key != "" {
		return n.Key
	}
	return fmt.Sprintf("%s:%d", n.Kind, index)
}

func (r *Reconciler) walkNode(ctx context.Context, inst *Instance, n *conf.Node, path string, inTools bool, st *stage) error {
	switch n.Kind {
	case conf.KindSystem, conf.KindContext:
		return r.walkFragment(n, path, st)
	case conf.KindMessage:
		return r.walkMessage(n, path, st)
	case conf.KindTool:
		if native, _ := n.Prop(conf.PropNative).(bool); native {
			return r.walkNativeTool(n, path, st)
		}
		return r.walkTool(n, path, st)
	case conf.KindAgent:
		if inTools {
			return r.walkDeferredAgent(inst, n, path, st)
		}
		return r.walkEagerAgent(ctx, inst, n, path, st)
	case conf.KindTools:
		return r.walkChildren(ctx, inst, n, path, true, st)
	case conf.KindCondition:
		return r.walkGated(ctx, inst, n, path, inTools, st)
	case conf.KindRouter:
		return r.walkRouter(ctx, inst, n, path, inTools, st)
	case conf.KindRoute:
		return fmt.Errorf("node %s: route outside a router", path)
	case conf.KindMCP:
		return r.walkMCP(ctx, inst, n, path, st)
	default:
		return fmt.Errorf("node %s: unknown kind %q", path, n.Kind)
	}
}

func (r *Reconciler) walkFragment(n *conf.Node, path string, st *stage) error {
	content, ok := n.Prop(conf.PropContent).(string)
	if !ok {
		return fmt.Errorf("node %s: missing content", path)
	}
	rendered, err := util.RenderTemplate(content, st.snapshot)
	if err != nil {
		return fmt.Errorf("node %s: render: %w", path, err)
	}
	priority, _ := intProp(n.Prop(conf.PropPriority))

	props := stageProps(n)
	props[conf.PropContent] = rendered
	st.ledger[path] = &appliedEntry{kind: n.Kind, props: props}

	fragment := core.Fragment{Content: rendered, Priority: priority}
	if n.Kind == conf.KindSystem {
		st.system = append(st.system, fragment)
	} else {
		st.contextF = append(st.contextF, fragment)
	}
	return nil
}

func (r *Reconciler) walkMessage(n *conf.Node, path string, st *stage) error {
	content, ok := n.Prop(conf.PropContent).(string)
	if !ok {
		return fmt.Errorf("node %s: missing content", path)
	}
	rendered, err := util.RenderTemplate(content, st.snapshot)
	if err != nil {
		return fmt.Errorf("node %s: render: %w", path, err)
	}

	props := stageProps(n)
	props[conf.PropContent] = rendered
	entry := &appliedEntry{kind: conf.KindMessage, props: props}

	// A message node appends exactly once per identity, no matter how often
	// the tree re-renders or its props change afterwards.
	if old, exists := st.oldLedger[path]; exists && old.appended {
		entry.appended = true
		st.ledger[path] = entry
		return nil
	}

	role := core.Role(n.StringProp(conf.PropRole))
	st.messages = append(st.messages, core.Message{
		Role:  role,
		Parts: []core.Part{core.TextPart{Text: rendered}},
	})
	entry.appended = true
	st.ledger[path] = entry
	return nil
}

func (r *Reconciler) walkTool(n *conf.Node, path string, st *stage) error {
	name := n.StringProp(conf.PropName)
	if name == "" {
		return fmt.Errorf("node %s: tool requires a name", path)
	}
	handler, ok := n.Prop(conf.PropHandler).(conf.ToolFunc)
	if !ok {
		return fmt.Errorf("node %s: tool %q requires a handler", path, name)
	}
	parameters, _ := n.Prop(conf.PropParameters).(map[string]any)
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	entry := &appliedEntry{kind: conf.KindTool, props: stageProps(n), toolName: name}
	st.ledger[path] = entry

	old, existed := st.oldLedger[path]
	if existed && old.toolName != "" && old.toolName != name {
		// Renamed in place: the old registration goes away.
		st.toolRemoves = append(st.toolRemoves, old.toolName)
		existed = false
	}

	if existed && !conf.Diff(old.props, entry.props).HasChanges {
		return nil
	}

	t := tool.NewFunctionTool(name, n.StringProp(conf.PropDescription), parameters, handler)
	if existed {
		st.toolReplaces = append(st.toolReplaces, t)
	} else {
		st.toolAdds = append(st.toolAdds, t)
	}
	return nil
}

func (r *Reconciler) walkNativeTool(n *conf.Node, path string, st *stage) error {
	name := n.StringProp(conf.PropName)
	if name == "" {
		return fmt.Errorf("node %s: native tool requires a name", path)
	}
	nativeType := n.StringProp(conf.PropNativeType)
	if nativeType == "" {
		return fmt.Errorf("node %s: native tool %q requires a native type", path, name)
	}

	entry := &appliedEntry{kind: conf.KindTool, props: stageProps(n), toolName: name, native: true}
	st.ledger[path] = entry

	old, existed := st.oldLedger[path]
	if existed && old.toolName != "" && old.toolName != name {
		st.nativeRemoves = append(st.nativeRemoves, old.toolName)
		existed = false
	}
	if existed && !conf.Diff(old.props, entry.props).HasChanges {
		return nil
	}

	config, _ := entry.props[conf.PropNativeConfig].(map[string]any)
	st.nativeAdds = append(st.nativeAdds, model.NativeTool{
		Type:   nativeType,
		Name:   name,
		Config: config,
	})
	return nil
}

func (r *Reconciler) walkDeferredAgent(inst *Instance, n *conf.Node, path string, st *stage) error {
	name := n.Key
	if name == "" {
		name = n.StringProp(conf.PropName)
	}
	if name == "" {
		return fmt.Errorf("node %s: a deferred agent requires a key or name to become a tool", path)
	}

	entry := &appliedEntry{kind: conf.KindAgent, props: stageProps(n), toolName: name}
	st.ledger[path] = entry

	// The stored subtree is refreshed every pass so the next activation (or
	// re-activation) sees current configuration; handlers stay by reference.
	st.deferredPut[name] = n.Clone()

	old, existed := st.oldLedger[path]
	if existed && old.toolName != "" && old.toolName != name {
		st.toolRemoves = append(st.toolRemoves, old.toolName)
		existed = false
	}
	if existed && !conf.Diff(old.props, entry.props).HasChanges {
		return nil
	}

	description := n.StringProp(conf.PropDescription)
	parent := inst
	agentName := name
	t := tool.NewAgentTool(name, description, func(tc *conf.ToolContext, task, contextInfo string) (string, error) {
		if r.runner == nil {
			return "", errors.New("no sub-agent runner configured")
		}
		return r.runner(tc, parent, agentName, task, contextInfo)
	})

	if existed {
		st.toolReplaces = append(st.toolReplaces, t)
	} else {
		st.toolAdds = append(st.toolAdds, t)
	}
	return nil
}

func (r *Reconciler) walkEagerAgent(ctx context.Context, inst *Instance, n *conf.Node, path string, st *stage) error {
	st.ledger[path] = &appliedEntry{kind: conf.KindAgent, props: stageProps(n), childKey: path}

	child, exists := inst.Child(path)
	if !exists {
		child = NewInstance(path, inst, r.logger)
		st.childMounts = append(st.childMounts, child)
	}
	// Children reconcile with their own ledger and in-flight guard. Their
	// pass commits independently of the parent's stage.
	if err := r.Reconcile(ctx, child, n); err != nil {
		return fmt.Errorf("node %s: %w", path, err)
	}
	return nil
}

func (r *Reconciler) walkGated(ctx context.Context, inst *Instance, n *conf.Node, path string, inTools bool, st *stage) error {
	ok, err := r.evalPredicate(ctx, n, path, st.snapshot)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return r.walkChildren(ctx, inst, n, path, inTools, st)
}

func (r *Reconciler) walkRouter(ctx context.Context, inst *Instance, n *conf.Node, path string, inTools bool, st *stage) error {
	for i, route := range n.Children {
		if route == nil || route.Kind != conf.KindRoute {
			return fmt.Errorf("node %s: router child %d must be a route", path, i)
		}
		routePath := path + "/" + identitySegment(route, i)
		ok, err := r.evalPredicate(ctx, route, routePath, st.snapshot)
		if err != nil {
			return err
		}
		// Routes are independent gates; every matching route contributes.
		if !ok {
			continue
		}
		if err := r.walkChildren(ctx, inst, route, routePath, inTools, st); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) walkMCP(ctx context.Context, inst *Instance, n *conf.Node, path string, st *stage) error {
	source, ok := n.Prop(conf.PropSource).(conf.ToolSource)
	if !ok {
		return fmt.Errorf("node %s: mcp requires a tool source", path)
	}
	label := n.StringProp(conf.PropLabel)
	if label == "" {
		label = path
	}

	inst.mu.Lock()
	nodes, cached := inst.mcpCache[label]
	inst.mu.Unlock()

	if !cached {
		resolved, err := source.Resolve(ctx)
		if err != nil {
			if st.firstPass {
				return fmt.Errorf("node %s: resolve tool source %q: %w", path, label, err)
			}
			// Keep whatever the label contributed before; retry next pass.
			r.logger.Warn("mcp.resolve.failed", "instance", inst.key, "label", label, "error", err.Error())
			return nil
		}
		nodes = resolved
		inst.mu.Lock()
		inst.mcpCache[label] = nodes
		inst.mu.Unlock()
	}

	for i, tn := range nodes {
		if tn == nil || tn.Kind != conf.KindTool {
			r.logger.Warn("mcp.resolve.skipped", "instance", inst.key, "label", label, "index", i)
			continue
		}
		toolPath := path + "/" + identitySegment(tn, i)
		if err := r.walkNode(ctx, inst, tn, toolPath, false, st); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) evalPredicate(ctx context.Context, n *conf.Node, path string, snapshot map[string]any) (bool, error) {
	if v, ok := n.Props[conf.PropWhen]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return false, fmt.Errorf("node %s: predicate must be a bool, func(map[string]any) bool or prompt string", path)
		}
		return b, nil
	}
	if v, ok := n.Props[conf.PropPredicate]; ok {
		fn, isFn := v.(func(map[string]any) bool)
		if !isFn {
			return false, fmt.Errorf("node %s: invalid predicate function", path)
		}
		return fn(snapshot), nil
	}
	if v, ok := n.Props[conf.PropPrompt]; ok {
		prompt, _ := v.(string)
		if r.resolver == nil {
			return false, fmt.Errorf("node %s: prompt predicate requires a resolver", path)
		}
		ok, err := r.resolver(ctx, prompt)
		if err != nil {
			return false, fmt.Errorf("node %s: resolve predicate: %w", path, err)
		}
		return ok, nil
	}
	return false, fmt.Errorf("node %s: missing predicate", path)
}

// collectRemovals turns ledger entries that the walk did not visit into
// removal operations. Fragments need none (the lists are rebuilt wholesale)
// and past messages stay in history.
func (r *Reconciler) collectRemovals(st *stage) {
	for path, old := range st.oldLedger {
		if _, still := st.ledger[path]; still {
			continue
		}
		switch {
		case old.childKey != "":
			st.childUnmounts = append(st.childUnmounts, old.childKey)
		case old.native:
			st.nativeRemoves = append(st.nativeRemoves, old.toolName)
		case old.toolName != "":
			st.toolRemoves = append(st.toolRemoves, old.toolName)
		}
	}
}

// commit applies the stage under the instance lock. Fragment, message,
// param, deferred-table and ledger effects always apply directly; registry,
// native and child mutations go to the pending queue when the instance is
// mid-run. Removes apply before adds so an identity move of a name never
// drops it.
func (r *Reconciler) commit(inst *Instance, st *stage) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.params = st.params
	inst.systemFragments = st.system
	inst.contextFragments = st.contextF
	inst.messages = append(inst.messages, st.messages...)
	for name, subtree := range st.deferredPut {
		inst.deferred[name] = subtree
	}
	inst.ledger = st.ledger
	inst.initialized = true

	running := inst.status == core.StatusRunning

	for _, name := range st.toolRemoves {
		if running {
			inst.pendingUpdates = append(inst.pendingUpdates, ToolRemoved{Name: name})
			continue
		}
		inst.registry.Remove(name)
		delete(inst.deferred, name)
		inst.dropRealizedLocked(name)
	}
	for _, t := range st.toolReplaces {
		if running {
			inst.pendingUpdates = append(inst.pendingUpdates, ToolReplaced{Tool: t})
			continue
		}
		inst.registry.Put(t)
	}
	for _, t := range st.toolAdds {
		if running {
			inst.pendingUpdates = append(inst.pendingUpdates, ToolAdded{Tool: t})
			continue
		}
		if err := inst.registry.Add(t); err != nil {
			r.logger.Warn("reconcile.tool.duplicate", "instance", inst.key, "tool", t.Name())
		}
	}

	for _, name := range st.nativeRemoves {
		if running {
			inst.pendingUpdates = append(inst.pendingUpdates, NativeRemoved{Name: name})
			continue
		}
		inst.removeNativeLocked(name)
	}
	for _, nt := range st.nativeAdds {
		if running {
			inst.pendingUpdates = append(inst.pendingUpdates, NativeAdded{Tool: nt})
			continue
		}
		inst.addNativeLocked(nt)
	}

	for _, key := range st.childUnmounts {
		if running {
			inst.pendingUpdates = append(inst.pendingUpdates, AgentUnmounted{Key: key})
			continue
		}
		inst.unmountChildLocked(key)
	}
	for _, child := range st.childMounts {
		if running {
			inst.pendingUpdates = append(inst.pendingUpdates, AgentMounted{Child: child})
			continue
		}
		inst.mountChildLocked(child)
	}
}

// stageProps deep-copies a node's props for the ledger so later in-place
// tree edits by the caller cannot alias the applied snapshot.
func stageProps(n *conf.Node) map[string]any {
	cloned := (&conf.Node{Props: n.Props}).Clone()
	if cloned.Props == nil {
		return map[string]any{}
	}
	return cloned.Props
}

// generationParams extracts provider knobs from an agent node's props.
func generationParams(n *conf.Node) (GenerationParams, error) {
	params := GenerationParams{
		Model: n.StringProp(conf.PropModel),
	}
	if v := n.Prop(conf.PropMaxTokens); v != nil {
		i, ok := int64Prop(v)
		if !ok {
			return params, fmt.Errorf("maxTokens must be an integer, got %T", v)
		}
		params.MaxTokens = i
	}
	if v := n.Prop(conf.PropTemperature); v != nil {
		t, ok := floatProp(v)
		if !ok {
			return params, fmt.Errorf("temperature must be a number, got %T", v)
		}
		params.Temperature = &t
	}
	if v := n.Prop(conf.PropStopSequences); v != nil {
		seqs, ok := stringSliceProp(v)
		if !ok {
			return params, fmt.Errorf("stopSequences must be a string slice, got %T", v)
		}
		params.StopSequences = seqs
	}
	if v := n.Prop(conf.PropReasoningBudget); v != nil {
		i, ok := int64Prop(v)
		if !ok {
			return params, fmt.Errorf("reasoningBudget must be an integer, got %T", v)
		}
		params.ReasoningBudget = i
	}
	if v := n.Prop(conf.PropMaxIterations); v != nil {
		i, ok := int64Prop(v)
		if !ok {
			return params, fmt.Errorf("maxIterations must be an integer, got %T", v)
		}
		params.MaxIterations = int(i)
	}
	return params, nil
}

func int64Prop(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func intProp(v any) (int, bool) {
	i, ok := int64Prop(v)
	return int(i), ok
}

func floatProp(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringSliceProp(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...), true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}
