package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/tool"
)

func stubTool(name string) tool.Tool {
	return tool.NewFunctionTool(name, "stub", map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}, func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "stub", nil
	})
}

func TestInstance_SystemPromptEmpty(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	assert.Equal(t, "", inst.SystemPrompt())
}

func TestInstance_MessagesAreIsolatedCopies(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	inst.AppendMessage(core.NewUserMessage("original"))

	snapshot := inst.Messages()
	require.Len(t, snapshot, 1)
	snapshot[0].Parts[0] = core.TextPart{Text: "tampered"}

	assert.Equal(t, "original", inst.Messages()[0].Text())
}

func TestInstance_DrainAppliesFIFO(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	inst.EnqueueUpdate(ToolAdded{Tool: stubTool("transient")})
	inst.EnqueueUpdate(ToolRemoved{Name: "transient"})
	inst.EnqueueUpdate(ToolAdded{Tool: stubTool("kept")})

	applied := inst.DrainPendingUpdates()
	assert.Equal(t, 3, applied)
	assert.Equal(t, []string{"kept"}, inst.ToolNames())
	assert.Equal(t, 0, inst.PendingCount())
}

func TestInstance_DrainToolReplaced(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	inst.EnqueueUpdate(ToolAdded{Tool: stubTool("echo")})
	inst.DrainPendingUpdates()

	replacement := tool.NewFunctionTool("echo", "updated", map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}, func(tc *conf.ToolContext, args map[string]any) (string, error) {
		return "updated", nil
	})
	inst.EnqueueUpdate(ToolReplaced{Tool: replacement})
	inst.DrainPendingUpdates()

	got, ok := inst.LookupTool("echo")
	require.True(t, ok)
	assert.Equal(t, "updated", got.Description())
}

func TestInstance_DrainToolRemovedDropsRealizedChild(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	inst.EnqueueUpdate(ToolAdded{Tool: stubTool("helper")})
	inst.DrainPendingUpdates()

	child := NewInstance("root/helper", inst, nil)
	var aborted bool
	child.BindCancel(func() { aborted = true })
	inst.StoreRealized("helper", child)

	inst.EnqueueUpdate(ToolRemoved{Name: "helper"})
	inst.DrainPendingUpdates()

	_, ok := inst.LookupTool("helper")
	assert.False(t, ok)
	_, ok = inst.RealizedChild("helper")
	assert.False(t, ok)
	assert.True(t, aborted, "removal aborts the realized child's live run")
}

func TestInstance_DrainNativeUpdates(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	inst.EnqueueUpdate(NativeAdded{Tool: model.NativeTool{Type: "web_search_20250305", Name: "web_search"}})
	inst.EnqueueUpdate(NativeAdded{Tool: model.NativeTool{Type: "web_search_20250305", Name: "web_search", Config: map[string]any{"max_uses": 1}}})
	inst.DrainPendingUpdates()

	natives := inst.NativeTools()
	require.Len(t, natives, 1, "same-name native add replaces in place")
	assert.Equal(t, map[string]any{"max_uses": 1}, natives[0].Config)

	inst.EnqueueUpdate(NativeRemoved{Name: "web_search"})
	inst.DrainPendingUpdates()
	assert.Empty(t, inst.NativeTools())
}

func TestInstance_DrainAgentMountUnmount(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	child := NewInstance("root/sidekick", inst, nil)
	var aborted bool
	child.BindCancel(func() { aborted = true })

	inst.EnqueueUpdate(AgentMounted{Child: child})
	inst.DrainPendingUpdates()
	got, ok := inst.Child("root/sidekick")
	require.True(t, ok)
	assert.Same(t, child, got)

	inst.EnqueueUpdate(AgentUnmounted{Key: "root/sidekick"})
	inst.DrainPendingUpdates()
	_, ok = inst.Child("root/sidekick")
	assert.False(t, ok)
	assert.True(t, aborted)
}

func TestInstance_StatusTransitions(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	assert.Equal(t, core.StatusIdle, inst.Status())

	prev := inst.SetStatus(core.StatusRunning)
	assert.Equal(t, core.StatusIdle, prev)
	assert.True(t, inst.Running())

	inst.SetStatus(core.StatusCompleted)
	assert.False(t, inst.Running())
}

func TestInstance_CloseTearsDownSubtree(t *testing.T) {
	inst := NewInstance("root", nil, nil)
	inst.EnqueueUpdate(ToolAdded{Tool: stubTool("echo")})
	inst.DrainPendingUpdates()
	inst.AppendMessage(core.NewUserMessage("hello"))

	child := NewInstance("root/sidekick", inst, nil)
	var childAborted bool
	child.BindCancel(func() { childAborted = true })
	inst.EnqueueUpdate(AgentMounted{Child: child})
	inst.DrainPendingUpdates()

	realized := NewInstance("root/helper", inst, nil)
	var realizedAborted bool
	realized.BindCancel(func() { realizedAborted = true })
	inst.StoreRealized("helper", realized)

	inst.Close()
	inst.Close() // idempotent

	assert.Empty(t, inst.ToolNames())
	assert.Empty(t, inst.Messages())
	assert.Empty(t, inst.Children())
	assert.True(t, childAborted)
	assert.True(t, realizedAborted)
}
