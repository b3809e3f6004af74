// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/bytedance/sonic"
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/logging"
	"github.com/hupe1980/agentweave/model"
)

// Options configures the Anthropic model adapter (model id, max tokens,
// temperature, API key). Request fields override these defaults per call.
// Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	Logger      logging.Logger
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

// Generate implements unified streaming / non-streaming generation.
// It adapts the Anthropic Messages API (with tool calling and extended
// thinking) into model.Response events.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)

		if req.Stream {
			m.generateStreaming(ctx, params, out, errCh)
			return
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		out <- messageToResponse(resp)
	}()

	return out, errCh
}

// buildParams assembles the Messages API request from the normalized request.
func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	modelID := m.opts.Model
	if req.Model != "" {
		modelID = anthropic.Model(req.Model)
	}
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     modelID,
		Messages:  m.buildMessages(req.Messages),
		MaxTokens: maxTokens,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	if req.ReasoningBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(req.ReasoningBudget)
		// The API rejects temperature adjustments while extended thinking
		// is enabled, so the temperature settings are left unset here.
	} else if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	} else {
		params.Temperature = anthropic.Float(m.opts.Temperature)
	}

	tools := m.buildTools(req.Tools)
	tools = append(tools, m.buildNativeTools(req.NativeTools)...)
	if len(tools) > 0 {
		params.Tools = tools
	}

	return params
}

// generateStreaming consumes the SSE stream, forwarding deltas and emitting
// one consolidated final response accumulated from the events.
func (m *Model) generateStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response, errCh chan<- error) {
	stream := m.client.Messages.NewStreaming(ctx, params)

	emit := func(d model.Delta) bool {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return false
		case out <- model.Response{Partial: true, Delta: &d}:
			return true
		}
	}

	acc := anthropic.Message{}
	currentToolID := ""

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}

		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStartEvent()
			if start.ContentBlock.Type == "tool_use" {
				currentToolID = start.ContentBlock.ID
				if !emit(model.Delta{
					Kind:       model.DeltaToolCallStart,
					ToolCallID: start.ContentBlock.ID,
					ToolName:   start.ContentBlock.Name,
				}) {
					return
				}
			}
		case "content_block_delta":
			delta := event.AsContentBlockDeltaEvent().Delta
			switch delta.Type {
			case "text_delta":
				if !emit(model.Delta{Kind: model.DeltaText, Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if !emit(model.Delta{Kind: model.DeltaReasoning, Text: delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if !emit(model.Delta{
					Kind:       model.DeltaToolCallArgs,
					ToolCallID: currentToolID,
					ArgsDelta:  delta.PartialJSON,
				}) {
					return
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic stream error: %w", err)
		return
	}

	select {
	case <-ctx.Done():
		errCh <- ctx.Err()
	case out <- messageToResponse(&acc):
	}
}

// messageToResponse converts a completed API message to the final response.
func messageToResponse(msg *anthropic.Message) model.Response {
	var parts []core.Part

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			if textBlock.Text != "" {
				parts = append(parts, core.TextPart{Text: textBlock.Text})
			}
		case "thinking":
			thinkingBlock := block.AsThinking()
			parts = append(parts, core.ThinkingPart{
				Thinking:  thinkingBlock.Thinking,
				Signature: thinkingBlock.Signature,
			})
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if argsBytes, err := sonic.Marshal(toolBlock.Input); err == nil {
					args = string(argsBytes)
				}
			}
			parts = append(parts, core.ToolUsePart{
				ID:   toolBlock.ID,
				Name: toolBlock.Name,
				Args: args,
			})
		}
	}

	return model.Response{
		Partial:    false,
		Message:    core.Message{Role: core.RoleAssistant, Parts: parts},
		StopReason: mapStopReason(msg.StopReason),
		Usage: core.Usage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
}

func mapStopReason(sr anthropic.StopReason) core.StopReason {
	switch sr {
	case anthropic.StopReasonToolUse:
		return core.StopReasonToolUse
	case anthropic.StopReasonMaxTokens:
		return core.StopReasonMaxTokens
	default:
		return core.StopReasonEndTurn
	}
}

// buildMessages converts the normalized history to Anthropic message format.
// Tool result messages become user messages carrying tool_result blocks;
// consecutive results are coalesced so every tool_use is answered in the
// single message that follows the assistant turn.
func (m *Model) buildMessages(msgs []core.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case core.RoleAssistant:
			flushResults()
			if content := m.buildAssistantContent(msg.Parts); len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		case core.RoleTool:
			for _, p := range msg.Parts {
				if tr, ok := p.(core.ToolResultPart); ok {
					pendingResults = append(pendingResults, anthropic.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
				}
			}
		default:
			flushResults()
			if content := m.buildUserContent(msg.Parts); len(content) > 0 {
				messages = append(messages, anthropic.NewUserMessage(content...))
			}
		}
	}
	flushResults()

	return messages
}

// buildUserContent builds content for user messages
func (m *Model) buildUserContent(parts []core.Part) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion

	for _, p := range parts {
		if tp, ok := p.(core.TextPart); ok && tp.Text != "" {
			content = append(content, anthropic.NewTextBlock(tp.Text))
		}
	}

	return content
}

// buildAssistantContent builds content for assistant messages
func (m *Model) buildAssistantContent(parts []core.Part) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion

	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				content = append(content, anthropic.NewTextBlock(part.Text))
			}
		case core.ThinkingPart:
			// Signed thinking blocks must round-trip for multi-turn tool use.
			if part.Signature != "" {
				content = append(content, anthropic.NewThinkingBlock(part.Signature, part.Thinking))
			}
		case core.ToolUsePart:
			var input interface{}
			if part.Args != "" {
				if err := sonic.Unmarshal([]byte(part.Args), &input); err != nil {
					input = part.Args // fallback to string
				}
			}

			content = append(content, anthropic.NewToolUseBlock(part.ID, input, part.Name))
		}
	}

	return content
}

// buildTools converts tool definitions to the Anthropic tool format
func (m *Model) buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, 0, len(tools))

	for _, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if tool.Parameters != nil {
			if properties, exists := tool.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := tool.Parameters["required"]; exists {
				inputSchema.Required = asStringSlice(required)
			}
		}

		anthropicTools = append(anthropicTools, anthropic.ToolUnionParamOfTool(inputSchema, tool.Name))
	}

	return anthropicTools
}

// buildNativeTools maps provider-hosted capabilities to server tool params.
func (m *Model) buildNativeTools(native []model.NativeTool) []anthropic.ToolUnionParam {
	var tools []anthropic.ToolUnionParam

	for _, nt := range native {
		switch nt.Type {
		case "web_search", "web_search_20250305":
			searchTool := anthropic.WebSearchTool20250305Param{}
			if maxUses, ok := nt.Config["max_uses"].(int); ok {
				searchTool.MaxUses = anthropic.Int(int64(maxUses))
			}
			if domains, ok := nt.Config["allowed_domains"].([]string); ok {
				searchTool.AllowedDomains = domains
			}
			tools = append(tools, anthropic.ToolUnionParam{OfWebSearchTool20250305: &searchTool})
		default:
			m.opts.Logger.Warn("unsupported native tool type skipped", "type", nt.Type, "name", nt.Name)
		}
	}

	return tools
}

func asStringSlice(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
