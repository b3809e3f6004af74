package engine

import (
	"github.com/hupe1980/agentweave/core"
	"github.com/hupe1980/agentweave/model"
)

// Event is the closed union of engine lifecycle notifications. Every event
// carries the key of the instance that produced it, so activity from
// sub-agent engines remains attributable when it is funneled into the same
// sink as the root's.
type Event interface {
	// Instance returns the key of the runtime instance the event belongs to.
	Instance() string

	isEvent()
}

// Sink receives engine events. A handle fans a sink out to its listeners;
// tests often use a slice-appending closure. Sinks are called synchronously
// from the engine goroutine and must not block on the engine's own channels.
type Sink func(Event)

func (s Sink) emit(ev Event) {
	if s != nil {
		s(ev)
	}
}

// StateChangeEvent reports a status transition of the engine.
type StateChangeEvent struct {
	InstanceKey string
	From        core.Status
	To          core.Status
}

// Instance returns the originating instance key.
func (e StateChangeEvent) Instance() string { return e.InstanceKey }

// isEvent implements the Event interface for StateChangeEvent.
func (StateChangeEvent) isEvent() {}

// StreamEvent forwards one incremental delta from a streaming provider call.
type StreamEvent struct {
	InstanceKey string
	Delta       model.Delta
}

// Instance returns the originating instance key.
func (e StreamEvent) Instance() string { return e.InstanceKey }

// isEvent implements the Event interface for StreamEvent.
func (StreamEvent) isEvent() {}

// StepFinishEvent reports one completed turn of the loop: the provider's
// stop reason, the tool activity the turn triggered and that turn's token
// usage (not the running total).
type StepFinishEvent struct {
	InstanceKey string
	StepNumber  int
	StopReason  core.StopReason
	ToolCalls   []core.ToolUsePart
	ToolResults []core.ToolResultPart
	Usage       core.Usage
}

// Instance returns the originating instance key.
func (e StepFinishEvent) Instance() string { return e.InstanceKey }

// isEvent implements the Event interface for StepFinishEvent.
func (StepFinishEvent) isEvent() {}

// CompleteEvent carries the finalized result of a successful run. Aborted or
// errored runs never emit it.
type CompleteEvent struct {
	InstanceKey string
	Result      *core.Result
}

// Instance returns the originating instance key.
func (e CompleteEvent) Instance() string { return e.InstanceKey }

// isEvent implements the Event interface for CompleteEvent.
func (CompleteEvent) isEvent() {}

// ErrorEvent reports a run-terminating failure: a provider error, a call
// budget violation or an internal fault. Tool handler failures are not
// errors at this level; they travel back to the model as error-tagged
// results.
type ErrorEvent struct {
	InstanceKey string
	Err         error
}

// Instance returns the originating instance key.
func (e ErrorEvent) Instance() string { return e.InstanceKey }

// isEvent implements the Event interface for ErrorEvent.
func (ErrorEvent) isEvent() {}
