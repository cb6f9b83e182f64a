// Package emit provides pluggable observability sinks for workflow
// execution: structured logs, in-memory capture for tests, and
// OpenTelemetry spans. Emit events are ephemeral telemetry, distinct from
// the persisted event stream that drives state.
package emit

// Event is one observability record emitted during workflow execution.
//
// Events cover the orchestrator's interesting moments: step dispatch and
// completion, branch decisions, loop iterations, approval waits, budget
// rejections, retries, and terminal outcomes. They mirror the persisted
// stream but are fire-and-forget; losing one never affects execution.
type Event struct {
	// RunID identifies the workflow instance that emitted this event.
	RunID string

	// Version is the persisted stream position the event corresponds to.
	// Negative for telemetry not tied to a committed version (e.g. retry
	// backoff waits).
	Version int

	// NodeID identifies the graph node involved. Empty for workflow-level
	// events (started, completed, suspended).
	NodeID string

	// Msg names the event, e.g. "step_completed", "branch_taken",
	// "approval_requested", "budget_rejected".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "kind": classified error kind
	//   - "tokens": LLM token count
	//   - "cached": ledger hit
	//   - "attempt": retry attempt number
	//   - "outcome": terminal outcome
	Meta map[string]any
}
