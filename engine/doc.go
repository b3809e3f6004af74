// Package engine implements the turn-loop execution layer for AgentWeave.
//
// An Engine drives exactly one runtime.Instance against one model.Model.
// Each run is a sequence of turns, and each turn walks a fixed sub-cycle:
//
//  1. Compose: snapshot the instance's live capability set (composed prompt
//     preamble, exported tool schemas, native tools, history, generation
//     params) into one provider request.
//  2. Invoke: call Model.Generate; streamed partials are forwarded to the
//     event sink, both modes converge on one final response.
//  3. Interpret: record the assistant message unconditionally and classify
//     the stop reason (end_turn, tool_use, max_tokens).
//  4. Dispatch: run every tool-use block of the turn concurrently; results
//     are appended to history in block order regardless of which handler
//     settles first.
//  5. Drain: apply the instance's queued structural updates (tools mounted
//     or removed by this turn's handlers) so they become visible to the
//     next compose, never the current one.
//  6. Check: loop while the model keeps requesting tools and the iteration
//     ceiling is unreached; hitting the ceiling is a soft stop that keeps
//     stopReason = tool_use.
//  7. Finalize: assemble the core.Result from the last assistant text, the
//     concatenated reasoning, a history snapshot and accumulated usage.
//
// # Events
//
// Engines report through a Sink: StateChangeEvent on every status
// transition, StreamEvent per incremental delta, StepFinishEvent per turn,
// then exactly one of CompleteEvent or ErrorEvent (aborted runs emit
// neither). Events carry the originating instance key so a handle can fan
// root and sub-agent activity into the same listeners.
//
// # Failure Semantics
//
// Tool-level failures never terminate a run: unknown names, argument decode
// failures, handler errors and handler panics all become error-tagged tool
// results for the model to react to. Provider errors and call budget
// violations finish the run in the errored state. Cancellation finishes it
// in the aborted state with ErrAborted and discards the turn's partial tool
// results.
//
// # Concurrency
//
// One run per instance at a time, guarded by the instance status; parallel
// Run calls fail fast with ErrAlreadyRunning. Within a turn, tool handlers
// fan out on an errgroup bounded by MaxConcurrentTools. Sub-agent runs
// started from handlers recurse through their own engines and may share a
// core.CallLimiter with the parent to bound total provider calls across the
// run tree.
package engine
