// Package runtime turns declarative configuration trees into live, mutable
// agent instances and keeps them in sync as the tree changes.
//
// The two central types are Instance and Reconciler. An Instance owns
// everything one agent needs at execution time: prioritized system/context
// fragments, a tool registry, native provider tools, the message history,
// eagerly mounted child instances, deferred sub-agent subtrees and a FIFO
// queue of pending structural updates. The Reconciler walks a new version of
// the configuration tree against the instance's applied ledger and mutates
// the instance minimally: unchanged nodes are skipped, changed nodes update
// exactly their contribution, vanished nodes remove theirs.
//
// Reconciliation is safe while a turn is executing. Structural effects
// (tool registry, native tools, child mounts) targeting a running instance
// are redirected into its pending-update queue and drained by the engine at
// the next turn boundary; fragment and message effects apply immediately
// under the instance lock and become visible at the next request
// composition. A per-instance in-flight guard rejects re-entrant
// reconciliation with ErrReconcileInFlight.
//
// State provides the hook-style run state referenced by condition
// predicates and fragment templates; writes mark it dirty and notify the
// owner so the tree can be re-rendered and reconciled again.
package runtime
