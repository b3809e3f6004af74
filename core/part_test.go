package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMessage_ToolUsesPreservesBlockOrder(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			TextPart{Text: "Let me check two things."},
			ToolUsePart{ID: "call-1", Name: "lookup", Args: `{"q":"a"}`},
			ThinkingPart{Thinking: "the second one needs a different source"},
			ToolUsePart{ID: "call-2", Name: "search", Args: `{"q":"b"}`},
		},
	}

	want := []ToolUsePart{
		{ID: "call-1", Name: "lookup", Args: `{"q":"a"}`},
		{ID: "call-2", Name: "search", Args: `{"q":"b"}`},
	}
	if diff := cmp.Diff(want, msg.ToolUses()); diff != "" {
		t.Errorf("ToolUses mismatch (-want +got):\n%s", diff)
	}
}

func TestMessage_TextConcatenatesInOrder(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			TextPart{Text: "one "},
			ToolUsePart{ID: "call-1", Name: "noop"},
			TextPart{Text: "two"},
		},
	}

	if got := msg.Text(); got != "one two" {
		t.Fatalf("expected %q, got %q", "one two", got)
	}
	if got := msg.Thinking(); got != "" {
		t.Fatalf("expected no thinking content, got %q", got)
	}
}

func TestMessageConstructors(t *testing.T) {
	got := NewUserMessage("hi")
	want := Message{Role: RoleUser, Parts: []Part{TextPart{Text: "hi"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NewUserMessage mismatch (-want +got):\n%s", diff)
	}

	result := ToolResultPart{ToolUseID: "call-1", Name: "lookup", Content: "42"}
	gotTool := NewToolResultMessage(result)
	wantTool := Message{Role: RoleTool, Parts: []Part{result}}
	if diff := cmp.Diff(wantTool, gotTool); diff != "" {
		t.Errorf("NewToolResultMessage mismatch (-want +got):\n%s", diff)
	}
}

func TestMessage_ToolUsesEmptyForPlainText(t *testing.T) {
	if uses := NewAssistantMessage("nothing to call").ToolUses(); len(uses) != 0 {
		t.Fatalf("expected no tool uses, got %d", len(uses))
	}
}
