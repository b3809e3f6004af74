package tool

import (
	"fmt"

	"github.com/hupe1980/agentweave/conf"
)

// Activation runs a deferred sub-agent: it realizes the stored subtree on
// first use, pushes the task as the child's user message and runs the child
// to completion. The returned string becomes the tool result. The runtime
// supplies this closure when it mounts the synthetic tool.
type Activation func(tc *conf.ToolContext, task, context string) (string, error)

// AgentTool exposes a lazily-activated sub-agent to its parent as a callable
// tool. The schema is fixed: a required task plus optional context.
type AgentTool struct {
	name        string
	description string
	activate    Activation
}

// NewAgentTool constructs the synthetic tool for a deferred agent node.
func NewAgentTool(name, description string, activate Activation) *AgentTool {
	if description == "" {
		description = fmt.Sprintf("Delegate a task to the %q agent and return its final answer.", name)
	}
	return &AgentTool{name: name, description: description, activate: activate}
}

func (t *AgentTool) Name() string { return t.name }

func (t *AgentTool) Description() string { return t.description }

func (t *AgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":    map[string]any{"type": "string", "description": "The task for the agent to perform"},
			"context": map[string]any{"type": "string", "description": "Optional background for the task"},
		},
		"required": []string{"task"},
	}
}

// Call validates the task argument and activates the sub-agent run.
func (t *AgentTool) Call(tc *conf.ToolContext, args map[string]any) (string, error) {
	raw, ok := args["task"]
	if !ok {
		return "", &ToolError{Tool: t.name, Message: "missing required field 'task'", Code: "VALIDATION_ERROR"}
	}
	task, ok := raw.(string)
	if !ok || task == "" {
		return "", &ToolError{Tool: t.name, Message: "field 'task' must be a non-empty string", Code: "VALIDATION_ERROR"}
	}
	contextStr, _ := args["context"].(string)

	result, err := t.activate(tc, task, contextStr)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return "", toolErr
		}
		return "", &ToolError{Tool: t.name, Message: err.Error(), Code: "EXECUTION_ERROR"}
	}
	return result, nil
}
