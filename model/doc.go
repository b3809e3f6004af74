// Package model defines the provider abstraction used by the execution engine.
//
// A Model turns a normalized Request (system text, message history, tool
// definitions, generation parameters) into a stream of Response values over
// the channel pair returned by Generate. Partial responses carry a Delta for
// incremental consumption; exactly one final response carries the consolidated
// assistant message, stop reason and token usage.
//
// Concrete adapters live in the subpackages:
//
//   - model/anthropic wraps the official Anthropic SDK (Messages API)
//   - model/openai wraps the official OpenAI SDK (Chat Completions API)
//
// MockModel provides scripted responses for tests and examples.
package model
