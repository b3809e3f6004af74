package conf

import (
	"fmt"

	"github.com/hupe1980/agentweave/core"
)

// Kind discriminates the closed set of configuration node variants.
type Kind string

const (
	// KindAgent declares an agent: generation params plus a subtree.
	KindAgent Kind = "agent"
	// KindSystem contributes a prioritized system instruction fragment.
	KindSystem Kind = "system"
	// KindContext contributes a prioritized contextual fact fragment.
	KindContext Kind = "context"
	// KindMessage seeds one message into the owning agent's history.
	KindMessage Kind = "message"
	// KindTool registers a callable tool (or a native provider tool).
	KindTool Kind = "tool"
	// KindTools is a transparent grouping scope; agent nodes beneath it are
	// deferred and exposed to the parent as synthetic tools.
	KindTools Kind = "tools"
	// KindCondition gates its subtree on a predicate.
	KindCondition Kind = "condition"
	// KindRouter groups route nodes; every matching route contributes.
	KindRouter Kind = "router"
	// KindRoute is one predicate-gated branch beneath a router.
	KindRoute Kind = "route"
	// KindMCP mounts tools resolved from an external tool source.
	KindMCP Kind = "mcp"
)

// Well-known prop keys. Props not listed here pass through Diff untouched,
// so callers may attach their own metadata.
const (
	PropContent         = "content"
	PropPriority        = "priority"
	PropRole            = "role"
	PropName            = "name"
	PropDescription     = "description"
	PropParameters      = "parameters"
	PropHandler         = "handler"
	PropNative          = "native"
	PropNativeType      = "nativeType"
	PropNativeConfig    = "nativeConfig"
	PropModel           = "model"
	PropMaxTokens       = "maxTokens"
	PropTemperature     = "temperature"
	PropStopSequences   = "stopSequences"
	PropReasoningBudget = "reasoningBudget"
	PropMaxIterations   = "maxIterations"
	PropWhen            = "when"
	PropPredicate       = "predicate"
	PropPrompt          = "prompt"
	PropSource          = "source"
	PropLabel           = "label"
)

// Node is one vertex of the declarative configuration tree. Nodes are plain
// data; Build one tree per desired agent shape and hand it to the runtime.
type Node struct {
	Kind     Kind
	Key      string
	Props    map[string]any
	Children []*Node
}

// Add appends children and returns the node for chaining.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Prop returns the value stored under key, or nil.
func (n *Node) Prop(key string) any {
	if n.Props == nil {
		return nil
	}
	return n.Props[key]
}

// StringProp returns the string stored under key, or "".
func (n *Node) StringProp(key string) string {
	s, _ := n.Prop(key).(string)
	return s
}

func newNode(kind Kind, opts ...NodeOption) *Node {
	n := &Node{Kind: kind, Props: map[string]any{}}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Agent declares an agent node. At the root of a tree it describes the main
// agent; nested beneath a Tools scope it declares a lazily-activated
// sub-agent exposed to the parent as a synthetic tool named by WithKey (or
// the tool name option).
func Agent(opts ...NodeOption) *Node {
	return newNode(KindAgent, opts...)
}

// System contributes a system instruction fragment.
func System(content string, opts ...NodeOption) *Node {
	n := newNode(KindSystem, opts...)
	n.Props[PropContent] = content
	return n
}

// Context contributes a contextual fact fragment, composed after the system
// instructions.
func Context(content string, opts ...NodeOption) *Node {
	n := newNode(KindContext, opts...)
	n.Props[PropContent] = content
	return n
}

// Message seeds one message into the owning agent's history. Each authored
// message node appends exactly once, no matter how often the tree is
// re-reconciled.
func Message(role core.Role, content string, opts ...NodeOption) *Node {
	n := newNode(KindMessage, opts...)
	n.Props[PropRole] = string(role)
	n.Props[PropContent] = content
	return n
}

// Tool registers a callable tool with the owning agent.
func Tool(name, description string, handler ToolFunc, opts ...NodeOption) *Node {
	n := newNode(KindTool, opts...)
	n.Props[PropName] = name
	n.Props[PropDescription] = description
	n.Props[PropHandler] = handler
	return n
}

// NativeTool declares a provider-hosted tool (web search, code execution)
// passed through to the model provider instead of being dispatched locally.
func NativeTool(nativeType, name string, config map[string]any, opts ...NodeOption) *Node {
	n := newNode(KindTool, opts...)
	n.Props[PropName] = name
	n.Props[PropNative] = true
	n.Props[PropNativeType] = nativeType
	if config != nil {
		n.Props[PropNativeConfig] = config
	}
	return n
}

// Tools opens a grouping scope. It has no runtime effect of its own, but
// agent nodes beneath it become deferred sub-agents.
func Tools(children ...*Node) *Node {
	n := newNode(KindTools)
	n.Children = children
	return n
}

// Condition gates its children on a predicate: a bool, a
// func(map[string]any) bool evaluated against the current state snapshot, or
// a natural-language prompt string resolved through the configured
// PredicateResolver. Conditions are independent; several may hold at once.
func Condition(predicate any, children ...*Node) *Node {
	n := newNode(KindCondition)
	storePredicate(n, predicate)
	n.Children = children
	return n
}

// Router groups Route children. Every route whose predicate holds
// contributes its subtree; routes are not mutually exclusive.
func Router(routes ...*Node) *Node {
	n := newNode(KindRouter)
	n.Children = routes
	return n
}

// Route is one predicate-gated branch beneath a Router. Predicate forms
// match Condition.
func Route(predicate any, children ...*Node) *Node {
	n := newNode(KindRoute)
	storePredicate(n, predicate)
	n.Children = children
	return n
}

// MCP mounts the tool nodes resolved from source. Resolution happens once
// per label and is cached for the lifetime of the owning instance.
func MCP(label string, source ToolSource, opts ...NodeOption) *Node {
	n := newNode(KindMCP, opts...)
	n.Props[PropLabel] = label
	n.Props[PropSource] = source
	return n
}

func storePredicate(n *Node, predicate any) {
	switch p := predicate.(type) {
	case bool:
		n.Props[PropWhen] = p
	case func(map[string]any) bool:
		n.Props[PropPredicate] = p
	case string:
		n.Props[PropPrompt] = p
	default:
		// Left for Validate to reject with a useful path.
		n.Props[PropWhen] = predicate
	}
}

// Clone returns a deep copy of the tree. Nested maps and slices in props are
// copied; function values (handlers, predicates) and tool sources are kept
// by reference, matching the diffing rules.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Kind: n.Kind, Key: n.Key}
	if n.Props != nil {
		out.Props = make(map[string]any, len(n.Props))
		for k, v := range n.Props {
			out.Props[k] = clonePropValue(v)
		}
	}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

func clonePropValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = clonePropValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = clonePropValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Validate checks the tree for configuration errors: unknown kinds, missing
// required props, routers with non-route children and duplicate sibling
// keys. It returns the first problem found, tagged with the node path.
func Validate(n *Node) error {
	if n == nil {
		return fmt.Errorf("nil configuration node")
	}
	return validateNode(n, string(n.Kind))
}

func validateNode(n *Node, path string) error {
	switch n.Kind {
	case KindAgent, KindTools:
		// Subtree carries the requirements.
	case KindSystem, KindContext:
		if _, ok := n.Prop(PropContent).(string); !ok {
			return fmt.Errorf("node %s: missing content", path)
		}
	case KindMessage:
		if n.StringProp(PropRole) == "" || n.Prop(PropContent) == nil {
			return fmt.Errorf("node %s: message requires role and content", path)
		}
	case KindTool:
		if n.StringProp(PropName) == "" {
			return fmt.Errorf("node %s: tool requires a name", path)
		}
		if native, _ := n.Prop(PropNative).(bool); native {
			if n.StringProp(PropNativeType) == "" {
				return fmt.Errorf("node %s: native tool requires a native type", path)
			}
		} else if _, ok := n.Prop(PropHandler).(ToolFunc); !ok {
			return fmt.Errorf("node %s: tool requires a handler", path)
		}
	case KindCondition, KindRoute:
		if err := validatePredicate(n, path); err != nil {
			return err
		}
	case KindRouter:
		for i, c := range n.Children {
			if c.Kind != KindRoute {
				return fmt.Errorf("node %s: router child %d must be a route, got %q", path, i, c.Kind)
			}
		}
	case KindMCP:
		if _, ok := n.Prop(PropSource).(ToolSource); !ok {
			return fmt.Errorf("node %s: mcp requires a tool source", path)
		}
	default:
		return fmt.Errorf("node %s: unknown kind %q", path, n.Kind)
	}

	seen := map[string]bool{}
	for i, c := range n.Children {
		if c == nil {
			return fmt.Errorf("node %s: child %d is nil", path, i)
		}
		if c.Key != "" {
			if seen[c.Key] {
				return fmt.Errorf("node %s: duplicate child key %q", path, c.Key)
			}
			seen[c.Key] = true
		}
		if err := validateNode(c, fmt.Sprintf("%s/%s[%d]", path, c.Kind, i)); err != nil {
			return err
		}
	}
	return nil
}

func validatePredicate(n *Node, path string) error {
	count := 0
	if v, ok := n.Props[PropWhen]; ok {
		if _, isBool := v.(bool); !isBool {
			return fmt.Errorf("node %s: predicate must be a bool, func(map[string]any) bool or prompt string", path)
		}
		count++
	}
	if _, ok := n.Props[PropPredicate]; ok {
		count++
	}
	if _, ok := n.Props[PropPrompt]; ok {
		count++
	}
	if count != 1 {
		return fmt.Errorf("node %s: exactly one predicate form required", path)
	}
	return nil
}
