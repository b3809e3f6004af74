// Package conf defines the declarative configuration tree that describes an
// agent: its model parameters, system instructions, contextual facts, tools,
// conditional regions and nested sub-agents.
//
// A tree is built from Node values via the constructor functions (Agent,
// System, Context, Message, Tool, Tools, Condition, Router, Route, MCP) and
// tuned with functional options. The tree itself is inert data; the runtime
// package reconciles it into a live instance and keeps that instance in sync
// when the caller supplies a new version of the tree.
//
// Node identity across versions follows the usual minimal-diff rules: an
// explicit key (WithKey) pins a node, otherwise kind and position within the
// parent identify it. Props are compared with Diff, which ignores the
// reserved bookkeeping keys and function-typed values, so swapping a handler
// closure does not count as a change while editing a description does.
//
// The package also carries the contracts shared between configuration and
// execution: ToolFunc (the tool handler signature), ToolContext (the
// execution context handed to every handler, including RunAgent for ad-hoc
// sub-agent runs), PredicateResolver (natural-language condition evaluation)
// and ToolSource (externally resolved tool sets, e.g. MCP servers).
package conf
