package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff_Identical(t *testing.T) {
	props := map[string]any{
		"name":       "search",
		"parameters": map[string]any{"type": "object"},
	}

	result := Diff(props, props)
	assert.False(t, result.HasChanges)
	assert.Empty(t, result.Changed)
}

func TestDiff_IgnoresReservedAndFunctionKeys(t *testing.T) {
	oldProps := map[string]any{
		"key":      "a",
		"children": []any{1},
		"ref":      "x",
		"handler":  ToolFunc(func(*ToolContext, map[string]any) (string, error) { return "", nil }),
		"name":     "search",
	}
	newProps := map[string]any{
		"key":      "b",
		"children": []any{1, 2},
		"ref":      "y",
		"handler":  ToolFunc(func(*ToolContext, map[string]any) (string, error) { return "changed", nil }),
		"name":     "search",
	}

	result := Diff(oldProps, newProps)
	assert.False(t, result.HasChanges)
}

func TestDiff_DetectsNestedChanges(t *testing.T) {
	oldProps := map[string]any{
		"parameters": map[string]any{
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
		},
	}
	newProps := map[string]any{
		"parameters": map[string]any{
			"properties": map[string]any{"q": map[string]any{"type": "integer"}},
		},
	}

	result := Diff(oldProps, newProps)
	assert.True(t, result.HasChanges)
	assert.Contains(t, result.Changed, "parameters")
}

func TestDiff_DetectsArrayLengthChange(t *testing.T) {
	oldProps := map[string]any{"stopSequences": []string{"a"}}
	newProps := map[string]any{"stopSequences": []string{"a", "b"}}

	result := Diff(oldProps, newProps)
	assert.True(t, result.HasChanges)
	assert.Equal(t, []string{"a", "b"}, result.Changed["stopSequences"])
}

func TestDiff_DeletionIsChange(t *testing.T) {
	oldProps := map[string]any{"description": "old", "name": "t"}
	newProps := map[string]any{"name": "t"}

	result := Diff(oldProps, newProps)
	assert.True(t, result.HasChanges)
	val, present := result.Changed["description"]
	assert.True(t, present)
	assert.Nil(t, val)
}

func TestDiff_AdditionIsChange(t *testing.T) {
	oldProps := map[string]any{"name": "t"}
	newProps := map[string]any{"name": "t", "description": "added"}

	result := Diff(oldProps, newProps)
	assert.True(t, result.HasChanges)
	assert.Equal(t, "added", result.Changed["description"])
}
