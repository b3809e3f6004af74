package runtime

import (
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/tool"
)

// PendingUpdate is a structural mutation deferred until a turn boundary.
// Updates are appended only while the owning instance is mid-turn and are
// drained in enqueue order by the engine after tool execution settles,
// before the next provider call. They are never applied while the current
// turn's handlers still run, so a tool never observes a capability set newer
// than the one the provider was shown.
type PendingUpdate interface {
	isPendingUpdate()
}

// ToolAdded mounts a new tool into the registry.
type ToolAdded struct {
	Tool tool.Tool
}

// isPendingUpdate implements the PendingUpdate interface for ToolAdded.
func (ToolAdded) isPendingUpdate() {}

// ToolReplaced swaps a registered tool in place, keeping its position.
type ToolReplaced struct {
	Tool tool.Tool
}

// isPendingUpdate implements the PendingUpdate interface for ToolReplaced.
func (ToolReplaced) isPendingUpdate() {}

// ToolRemoved unmounts a tool by name. If the name belongs to a realized
// sub-agent, the cached child is dropped and its live run aborted.
type ToolRemoved struct {
	Name string
}

// isPendingUpdate implements the PendingUpdate interface for ToolRemoved.
func (ToolRemoved) isPendingUpdate() {}

// NativeAdded appends a provider-hosted tool.
type NativeAdded struct {
	Tool model.NativeTool
}

// isPendingUpdate implements the PendingUpdate interface for NativeAdded.
func (NativeAdded) isPendingUpdate() {}

// NativeRemoved drops a provider-hosted tool by name.
type NativeRemoved struct {
	Name string
}

// isPendingUpdate implements the PendingUpdate interface for NativeRemoved.
func (NativeRemoved) isPendingUpdate() {}

// AgentMounted attaches an eagerly reconciled child instance.
type AgentMounted struct {
	Child *Instance
}

// isPendingUpdate implements the PendingUpdate interface for AgentMounted.
func (AgentMounted) isPendingUpdate() {}

// AgentUnmounted detaches a child instance by key, aborting its live engine.
type AgentUnmounted struct {
	Key string
}

// isPendingUpdate implements the PendingUpdate interface for AgentUnmounted.
func (AgentUnmounted) isPendingUpdate() {}
