package engine

import (
	"github.com/hupe1980/agentweave/model"
	"github.com/hupe1980/agentweave/runtime"
)

// buildRequest snapshots the instance's current capability set into one
// provider request: composed prompt preamble, exported tool schemas, native
// tools, a history copy and the generation params. The snapshot decouples
// the in-flight turn from reconciliation; structural changes landing after
// this point only affect the next turn.
func buildRequest(inst *runtime.Instance, stream bool) model.Request {
	params := inst.Params()
	return model.Request{
		Model:           params.Model,
		MaxTokens:       params.MaxTokens,
		System:          inst.SystemPrompt(),
		Messages:        inst.Messages(),
		Tools:           inst.ToolDefinitions(),
		NativeTools:     inst.NativeTools(),
		StopSequences:   params.StopSequences,
		Temperature:     params.Temperature,
		Stream:          stream,
		ReasoningBudget: params.ReasoningBudget,
	}
}
