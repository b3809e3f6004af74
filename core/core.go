package core

import "github.com/google/uuid"

// Status describes the lifecycle state of an execution engine.
type Status string

// Engine lifecycle states. idle -> running -> {completed | aborted | errored};
// a terminal state may transition back to running when the conversation
// continues.
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusErrored   Status = "errored"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusErrored
}

// StopReason classifies how the provider finished a turn.
type StopReason string

// Stop reasons surfaced by providers. A run that hits its iteration ceiling
// while the model still requests tools finishes with StopReasonToolUse.
const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// Usage captures token accounting for one provider call or a whole run.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another usage sample into the receiver.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

// Result is the finalized outcome of one run.
type Result struct {
	Content    string     `json:"content"`            // last assistant text
	Thinking   string     `json:"thinking,omitempty"` // concatenated reasoning, if any
	Messages   []Message  `json:"messages"`           // full history snapshot
	Usage      Usage      `json:"usage"`              // accumulated across turns
	StopReason StopReason `json:"stop_reason"`
}

// NewID returns a new unique identifier.
func NewID() string { return uuid.NewString() }
