package flow

import "context"

// Step is the unit of work in a workflow graph. It reads the current state
// and returns a sparse state update.
//
// Steps must not invoke the engine; they only return a StepResult and the
// engine decides what happens next. Cancellation is cooperative through the
// context: implementations should check ctx at their I/O boundaries.
//
// Type parameter S is the state type shared across the workflow.
type Step[S any] interface {
	// Execute runs the step against the current state.
	Execute(ctx context.Context, sc StepContext, state S) StepResult[S]
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc[S any] func(ctx context.Context, sc StepContext, state S) StepResult[S]

// Execute implements Step.
func (f StepFunc[S]) Execute(ctx context.Context, sc StepContext, state S) StepResult[S] {
	return f(ctx, sc, state)
}

// StepContext carries per-invocation identity and observability hooks into
// a step. It is constructed by the engine for every dispatch.
type StepContext struct {
	// RunID identifies the workflow instance.
	RunID string

	// StepName is the instance name of the step in the graph.
	StepName string

	// InvocationID uniquely identifies this dispatch (new per attempt).
	InvocationID string

	// CorrelationID links all dispatches of one workflow instance.
	CorrelationID string

	// Attempt is the zero-based retry attempt for this dispatch.
	Attempt int
}

// StepResult is the output of a step execution: a sparse state update plus
// accounting the engine folds into events and the budget guard.
type StepResult[S any] struct {
	// Delta is the sparse state update, merged via the schema reducer.
	// Zero-valued fields are treated as absent.
	Delta S

	// Tokens is the number of LLM tokens this step consumed, if any.
	Tokens int64

	// ToolCalls is the number of external tool invocations performed.
	ToolCalls int64

	// Artifacts lists claim-check URIs produced by this step.
	Artifacts []string

	// Planned lists tasks this step added to the plan; the engine persists
	// each as a TaskPlanned event feeding the task-ledger projection.
	Planned []TaskPlannedPayload

	// Finished lists tasks this step closed out, persisted as
	// TaskCompleted events.
	Finished []TaskCompletedPayload

	// Err aborts the step. Classified errors (*flow.Error) drive the retry
	// policy; anything else is treated as KindExternal.
	Err error
}

// Fingerprinter lets a step choose which state fields contribute to its
// input fingerprint. Steps that do not implement it are fingerprinted over
// the whole state.
type Fingerprinter[S any] interface {
	// FingerprintInput returns the value hashed into the cache key.
	// It must be JSON-serializable and stable for equivalent inputs.
	FingerprintInput(state S) any
}

// Predicate evaluates state for loop exits and branch edges. Predicates
// should be pure functions.
type Predicate[S any] func(state S) bool

// Discriminator derives a branch routing key from state.
type Discriminator[S any] func(state S) string

// PathStatus tags a fork path's terminal condition as seen by the join.
type PathStatus int

const (
	// PathSuccess means the path ran to completion.
	PathSuccess PathStatus = iota

	// PathFailed means the path failed terminally; its state is nil and
	// cannot participate in the join merge.
	PathFailed

	// PathFailedRecovered means the path failed but its failure handler
	// completed without terminating; its final state is carried.
	PathFailedRecovered
)

func (p PathStatus) String() string {
	switch p {
	case PathFailed:
		return "failed"
	case PathFailedRecovered:
		return "failed_with_recovery"
	default:
		return "success"
	}
}

// PathResult is one fork path's outcome, delivered to the join step in
// path-index order regardless of completion order.
type PathResult[S any] struct {
	// Index is the zero-based path index within the fork declaration.
	Index int `json:"index"`

	// Status tags how the path ended.
	Status PathStatus `json:"status"`

	// State is the path's final state; nil when Status is PathFailed.
	State *S `json:"state,omitempty"`
}

// ForkContext carries the ordered path results into a join step. The join
// step's implementation is the merge policy: the engine always calls the
// join once all paths have reported, even when some failed.
type ForkContext[S any] struct {
	// ForkID names the fork node that produced these results.
	ForkID string `json:"fork_id"`

	// Results holds one entry per declared path, in path-index order.
	Results []PathResult[S] `json:"results"`
}

// Succeeded returns the states of all paths that can participate in a
// merge (PathSuccess and PathFailedRecovered), in path-index order.
func (f ForkContext[S]) Succeeded() []S {
	out := make([]S, 0, len(f.Results))
	for _, r := range f.Results {
		if r.State != nil {
			out = append(out, *r.State)
		}
	}
	return out
}

// JoinStep receives the ForkContext in addition to the parent state.
type JoinStep[S any] interface {
	// Join merges the fork's path results into a sparse state update.
	Join(ctx context.Context, sc StepContext, state S, fork ForkContext[S]) StepResult[S]
}

// JoinFunc adapts a plain function to the JoinStep interface.
type JoinFunc[S any] func(ctx context.Context, sc StepContext, state S, fork ForkContext[S]) StepResult[S]

// Join implements JoinStep.
func (f JoinFunc[S]) Join(ctx context.Context, sc StepContext, state S, fork ForkContext[S]) StepResult[S] {
	return f(ctx, sc, state, fork)
}
