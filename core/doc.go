// Package core provides the foundational domain types shared across
// AgentWeave. It defines the vocabulary the rest of the framework speaks:
//
//   - Messages and their polymorphic content parts (text, reasoning,
//     tool use, tool results)
//   - Fragments (prioritized prompt preamble pieces) and their composition
//   - Run lifecycle types (Status, StopReason, Usage, Result)
//   - CallLimiter for bounding provider calls across nested agent runs
//
// The package intentionally keeps implementation concerns (reconciliation,
// providers, engines) out of scope; it carries only plain value types so
// every other package can depend on it without cycles.
package core
