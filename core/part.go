package core

import "strings"

// Part represents a polymorphic segment of message content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string `json:"text"`
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// ThinkingPart carries reasoning output produced when a reasoning budget is
// configured. Signature is the provider-issued integrity token that must be
// replayed alongside the block on subsequent requests.
type ThinkingPart struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// isPart implements the Part interface for ThinkingPart.
func (ThinkingPart) isPart() {}

// ToolUsePart is a single tool invocation requested by the model. Args holds
// the raw JSON argument payload exactly as the provider produced it.
type ToolUsePart struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// isPart implements the Part interface for ToolUsePart.
func (ToolUsePart) isPart() {}

// ToolResultPart carries the outcome of a tool invocation back to the model.
// IsError marks results synthesized from handler failures or unknown tools.
type ToolResultPart struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// isPart implements the Part interface for ToolResultPart.
func (ToolResultPart) isPart() {}

// Role identifies the conversational author of a message.
type Role string

// Conversation roles. Tool results travel as RoleTool messages; provider
// adapters reshape them into whatever the wire format expects.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message holds a role plus ordered heterogeneous parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewUserMessage builds a user message from plain text.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// NewAssistantMessage builds an assistant message from plain text.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// NewToolResultMessage wraps a single tool result as a tool-role message.
func NewToolResultMessage(result ToolResultPart) Message {
	return Message{Role: RoleTool, Parts: []Part{result}}
}

// Text concatenates the message's text parts in order.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// Thinking concatenates the message's reasoning parts in order.
func (m Message) Thinking() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(ThinkingPart); ok {
			sb.WriteString(tp.Thinking)
		}
	}
	return sb.String()
}

// ToolUses returns the tool invocation parts preserving block order.
func (m Message) ToolUses() []ToolUsePart {
	var calls []ToolUsePart
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUsePart); ok {
			calls = append(calls, tu)
		}
	}
	return calls
}
