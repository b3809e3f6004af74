package tool

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/hupe1980/agentweave/conf"
	"github.com/hupe1980/agentweave/internal/util"
	"github.com/stretchr/testify/assert"
)

// -------------------- Schema & Validation Tests --------------------

type sampleSchema struct {
	A string `json:"a" description:"Field A"`
	B *int   `json:"b" description:"Optional pointer field"`
	C int    `json:"c,omitempty" description:"Omit empty field"`
}

func TestCreateSchema(t *testing.T) {
	schema := util.CreateSchema(sampleSchema{})
	props, ok := schema["properties"].(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Contains(t, props, "c")
	// Required only includes non-pointer, non-omitempty exported fields
	assert.ElementsMatch(t, []string{"a"}, util.RequiredFields(schema))
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
		// Use []any to mirror the JSON decoded schema shape
		"required": []any{"x"},
	}

	// Success
	err := util.ValidateParameters(map[string]any{"x": 5}, schema)
	assert.NoError(t, err)

	// Missing required
	err = util.ValidateParameters(map[string]any{}, schema)
	assert.Error(t, err)
	if vErr, ok := err.(*ValidationError); ok {
		assert.Equal(t, "x", vErr.Field)
	} else {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	// Wrong type
	err = util.ValidateParameters(map[string]any{"x": "not-int"}, schema)
	assert.Error(t, err)
	if vErr, ok := err.(*ValidationError); ok {
		assert.Contains(t, vErr.Message, "expected type integer")
	} else {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestValidateParameters_RequiredAsStringSlice(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string"}},
		"required":   []string{"q"},
	}

	assert.Error(t, util.ValidateParameters(map[string]any{}, schema))
	assert.NoError(t, util.ValidateParameters(map[string]any{"q": "ok"}, schema))
}

// -------------------- FunctionTool Tests --------------------

func TestFunctionTool_Success(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}

	sumTool := NewFunctionTool("sum", "Add numbers", params, func(_ *conf.ToolContext, args map[string]any) (string, error) {
		a := args["a"].(float64)
		b := args["b"].(float64)
		return strconv.FormatFloat(a+b, 'f', -1, 64), nil
	})

	tc := conf.NewToolContext(context.Background(), "fc1")
	result, err := sumTool.Call(tc, map[string]any{"a": 2.0, "b": 3.0})
	assert.NoError(t, err)
	assert.Equal(t, "5", result)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
		},
		"required": []any{"a"},
	}
	tTool := NewFunctionTool("test", "Test", params, func(_ *conf.ToolContext, _ map[string]any) (string, error) {
		return "", nil
	})
	tc := conf.NewToolContext(context.Background(), "fc2")
	_, err := tTool.Call(tc, map[string]any{})
	assert.Error(t, err)
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}

func TestFunctionTool_ExecutionErrorWrapping(t *testing.T) {
	plain := NewFunctionTool("boom", "always fails", map[string]any{"type": "object"}, func(_ *conf.ToolContext, _ map[string]any) (string, error) {
		return "", errors.New("kaput")
	})
	_, err := plain.Call(conf.NewToolContext(context.Background(), "fc3"), map[string]any{})
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)

	custom := NewFunctionTool("custom", "custom code", map[string]any{"type": "object"}, func(_ *conf.ToolContext, _ map[string]any) (string, error) {
		return "", &ToolError{Tool: "custom", Message: "nope", Code: "RATE_LIMITED"}
	})
	_, err = custom.Call(conf.NewToolContext(context.Background(), "fc4"), map[string]any{})
	toolErr, ok = err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, "RATE_LIMITED", toolErr.Code)
}

func TestNewFunctionToolFromStruct(t *testing.T) {
	ft := NewFunctionToolFromStruct("typed", "desc", sampleSchema{}, func(_ *conf.ToolContext, _ map[string]any) (string, error) {
		return "ok", nil
	})
	props := ft.Parameters()["properties"].(map[string]any)
	assert.Contains(t, props, "a")
}

// -------------------- Registry Tests --------------------

func newNamedTool(name string) Tool {
	return NewFunctionTool(name, "desc "+name, map[string]any{"type": "object"}, func(_ *conf.ToolContext, _ map[string]any) (string, error) {
		return name, nil
	})
}

func TestRegistry_AddUniqueAndOrder(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, reg.Add(newNamedTool("alpha")))
	assert.NoError(t, reg.Add(newNamedTool("beta")))
	assert.Error(t, reg.Add(newNamedTool("alpha")))

	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())

	defs := reg.Definitions()
	assert.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "beta", defs[1].Name)
}

func TestRegistry_PutReplacesInPlace(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, reg.Add(newNamedTool("alpha")))
	assert.NoError(t, reg.Add(newNamedTool("beta")))

	replacement := NewFunctionTool("alpha", "updated", map[string]any{"type": "object"}, func(_ *conf.ToolContext, _ map[string]any) (string, error) {
		return "", nil
	})
	reg.Put(replacement)

	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
	got, ok := reg.Get("alpha")
	assert.True(t, ok)
	assert.Equal(t, "updated", got.Description())
}

func TestRegistry_Remove(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, reg.Add(newNamedTool("alpha")))
	assert.NoError(t, reg.Add(newNamedTool("beta")))

	reg.Remove("alpha")
	_, ok := reg.Get("alpha")
	assert.False(t, ok)
	assert.Equal(t, []string{"beta"}, reg.Names())

	// Removing an absent name is a no-op.
	reg.Remove("ghost")
	assert.Equal(t, 1, reg.Len())
}

// -------------------- AgentTool Tests --------------------

func TestAgentTool_Call(t *testing.T) {
	var gotTask, gotContext string
	at := NewAgentTool("researcher", "", func(_ *conf.ToolContext, task, contextStr string) (string, error) {
		gotTask, gotContext = task, contextStr
		return "report", nil
	})

	assert.Contains(t, at.Description(), "researcher")
	assert.Contains(t, at.Parameters()["required"], "task")

	tc := conf.NewToolContext(context.Background(), "fc5")
	out, err := at.Call(tc, map[string]any{"task": "dig", "context": "deep"})
	assert.NoError(t, err)
	assert.Equal(t, "report", out)
	assert.Equal(t, "dig", gotTask)
	assert.Equal(t, "deep", gotContext)
}

func TestAgentTool_MissingTask(t *testing.T) {
	at := NewAgentTool("researcher", "", func(_ *conf.ToolContext, _, _ string) (string, error) {
		return "", nil
	})
	_, err := at.Call(conf.NewToolContext(context.Background(), "fc6"), map[string]any{})
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}
