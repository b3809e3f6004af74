package conf

import "github.com/hupe1980/agentweave/internal/util"

// NodeOption mutates a node during construction.
type NodeOption func(n *Node)

// WithKey pins the node's identity across tree versions. Keyed siblings are
// matched by key during reconciliation instead of by position.
func WithKey(key string) NodeOption {
	return func(n *Node) { n.Key = key }
}

// WithChildren appends children.
func WithChildren(children ...*Node) NodeOption {
	return func(n *Node) { n.Children = append(n.Children, children...) }
}

// WithProp sets an arbitrary prop.
func WithProp(key string, value any) NodeOption {
	return func(n *Node) { n.Props[key] = value }
}

// WithPriority orders a fragment node; higher priorities compose first.
func WithPriority(priority int) NodeOption {
	return func(n *Node) { n.Props[PropPriority] = priority }
}

// WithParameters sets a tool's JSON schema.
func WithParameters(schema map[string]any) NodeOption {
	return func(n *Node) { n.Props[PropParameters] = schema }
}

// WithParametersFrom derives a tool's JSON schema from a sample struct via
// reflection (json tags for names, description tags for docs).
func WithParametersFrom(sample any) NodeOption {
	return func(n *Node) { n.Props[PropParameters] = util.CreateSchema(sample) }
}

// WithDescription sets a description. Useful on agent nodes beneath a Tools
// scope, where it becomes the synthetic tool's description.
func WithDescription(description string) NodeOption {
	return func(n *Node) { n.Props[PropDescription] = description }
}

// AsNative marks a tool node as a provider-hosted tool.
func AsNative(nativeType string, config map[string]any) NodeOption {
	return func(n *Node) {
		n.Props[PropNative] = true
		n.Props[PropNativeType] = nativeType
		if config != nil {
			n.Props[PropNativeConfig] = config
		}
	}
}

// WithModel sets the model identifier on an agent node.
func WithModel(model string) NodeOption {
	return func(n *Node) { n.Props[PropModel] = model }
}

// WithMaxTokens caps the response length on an agent node.
func WithMaxTokens(maxTokens int64) NodeOption {
	return func(n *Node) { n.Props[PropMaxTokens] = maxTokens }
}

// WithTemperature sets sampling temperature on an agent node.
func WithTemperature(temperature float64) NodeOption {
	return func(n *Node) { n.Props[PropTemperature] = temperature }
}

// WithStopSequences sets provider stop sequences on an agent node.
func WithStopSequences(sequences ...string) NodeOption {
	return func(n *Node) { n.Props[PropStopSequences] = sequences }
}

// WithReasoningBudget enables extended reasoning with a token budget on an
// agent node. Zero disables it.
func WithReasoningBudget(tokens int64) NodeOption {
	return func(n *Node) { n.Props[PropReasoningBudget] = tokens }
}

// WithMaxIterations overrides the engine's turn ceiling for this agent.
func WithMaxIterations(n int) NodeOption {
	return func(node *Node) { node.Props[PropMaxIterations] = n }
}
