package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentweave/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// NativeTool names a provider-hosted capability (web search, code execution)
// that is passed through to the provider verbatim rather than dispatched
// locally. Config carries provider specific settings.
type NativeTool struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// Request captures the normalized model input produced by the engine.
type Request struct {
	Model           string           `json:"model"`
	MaxTokens       int64            `json:"max_tokens"`
	System          string           `json:"system,omitempty"`
	Messages        []core.Message   `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	NativeTools     []NativeTool     `json:"native_tools,omitempty"`
	StopSequences   []string         `json:"stop_sequences,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	ReasoningBudget int64            `json:"reasoning_budget,omitempty"` // tokens; 0 disables extended reasoning
}

// DeltaKind discriminates the incremental payloads a streaming provider emits.
type DeltaKind string

const (
	// DeltaText is an incremental chunk of assistant text.
	DeltaText DeltaKind = "text-delta"
	// DeltaReasoning is an incremental chunk of extended reasoning text.
	DeltaReasoning DeltaKind = "reasoning-delta"
	// DeltaToolCallStart announces a tool call before its arguments stream.
	DeltaToolCallStart DeltaKind = "tool-call-start"
	// DeltaToolCallArgs is an incremental chunk of tool call argument JSON.
	DeltaToolCallArgs DeltaKind = "tool-call-delta"
)

// Delta is one incremental unit of a streamed response.
type Delta struct {
	Kind       DeltaKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ArgsDelta  string    `json:"args_delta,omitempty"`
}

// Response is a (partial or final) chunk emitted by a model.
// Partial responses carry Delta; the final response carries the consolidated
// assistant Message, StopReason and Usage.
type Response struct {
	Partial    bool            `json:"partial"`
	Delta      *Delta          `json:"delta,omitempty"`
	Message    core.Message    `json:"message"`
	StopReason core.StopReason `json:"stop_reason,omitempty"`
	Usage      core.Usage      `json:"usage"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "anthropic", "openai", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the engine to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// mockTurn is one scripted Generate outcome: either a response or an error.
type mockTurn struct {
	resp Response
	err  error
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Scripted turns queued via the Queue* methods are consumed in order; when
// the queue is empty it falls back to prompt-keyed canned completions.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	turns     []mockTurn
	responses map[string]string
	requests  []Request
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// QueueResponse appends a fully specified scripted turn.
func (m *MockModel) QueueResponse(resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, mockTurn{resp: resp})
}

// QueueTextResponse appends a plain end_turn text response.
func (m *MockModel) QueueTextResponse(text string) {
	m.QueueResponse(Response{
		Message:    core.NewAssistantMessage(text),
		StopReason: core.StopReasonEndTurn,
	})
}

// QueueToolUseResponse appends a tool_use response invoking the named tools.
func (m *MockModel) QueueToolUseResponse(uses ...core.ToolUsePart) {
	parts := make([]core.Part, 0, len(uses))
	for _, u := range uses {
		parts = append(parts, u)
	}
	m.QueueResponse(Response{
		Message:    core.Message{Role: core.RoleAssistant, Parts: parts},
		StopReason: core.StopReasonToolUse,
	})
}

// QueueError appends a scripted provider failure.
func (m *MockModel) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, mockTurn{err: err})
}

// Requests returns a copy of every Request seen by Generate, in call order.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// next captures the request and pops the next scripted turn, if any.
func (m *MockModel) next(req Request) (mockTurn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.turns) == 0 {
		return mockTurn{}, false
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	return turn, true
}

// Generate implements Model; emits optional streaming deltas then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		turn, scripted := m.next(req)
		if scripted && turn.err != nil {
			errCh <- turn.err
			return
		}

		var final Response
		if scripted {
			final = turn.resp
		} else {
			if len(req.Messages) == 0 {
				errCh <- fmt.Errorf("no messages provided")
				return
			}
			inputText := req.Messages[len(req.Messages)-1].Text()
			m.mu.Lock()
			full := m.responses[inputText]
			m.mu.Unlock()
			if full == "" {
				full = fmt.Sprintf("Mock response to: %s", inputText)
			}
			final = Response{
				Message:    core.NewAssistantMessage(full),
				StopReason: core.StopReasonEndTurn,
			}
		}
		if final.StopReason == "" {
			final.StopReason = core.StopReasonEndTurn
		}

		if req.Stream {
			for _, part := range final.Message.Parts {
				if !m.streamPart(ctx, respCh, errCh, part) {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- final:
		}
	}()
	return respCh, errCh
}

// streamPart emits the delta sequence for one message part. Returns false
// when the context was cancelled.
func (m *MockModel) streamPart(ctx context.Context, respCh chan<- Response, errCh chan<- error, part core.Part) bool {
	emit := func(d Delta) bool {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return false
		case respCh <- Response{Partial: true, Delta: &d}:
			return true
		}
	}

	switch p := part.(type) {
	case core.TextPart:
		for _, r := range p.Text {
			if !emit(Delta{Kind: DeltaText, Text: string(r)}) {
				return false
			}
		}
	case core.ThinkingPart:
		for _, r := range p.Thinking {
			if !emit(Delta{Kind: DeltaReasoning, Text: string(r)}) {
				return false
			}
		}
	case core.ToolUsePart:
		if !emit(Delta{Kind: DeltaToolCallStart, ToolCallID: p.ID, ToolName: p.Name}) {
			return false
		}
		if p.Args != "" {
			if !emit(Delta{Kind: DeltaToolCallArgs, ToolCallID: p.ID, ArgsDelta: p.Args}) {
				return false
			}
		}
	}
	return true
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
