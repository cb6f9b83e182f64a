// Package flow provides a durable, event-sourced workflow engine for
// agentic (LLM-driven) pipelines.
package flow

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
//
// The engine maps kinds to behavior:
//   - Validation, NotFound, Internal: never retried, surfaced immediately
//   - Conflict: the engine retries the tick (optimistic-lock race)
//   - RateLimited, Network, Timeout, Unavailable: retried with backoff
//   - BudgetExhausted: terminal unless a workflow failure handler is authored
//   - LoopDetection: terminal, failure handlers are skipped
//   - External: classified by the user-provided retry policy
type Kind int

const (
	// KindInternal indicates a bug in the engine or a step implementation.
	KindInternal Kind = iota

	// KindValidation indicates inputs violated a precondition. Not retried.
	KindValidation

	// KindNotFound indicates an absent artifact, run, or cache entry.
	KindNotFound

	// KindConflict indicates an optimistic-lock failure on the instance
	// version. The engine retries the tick.
	KindConflict

	// KindBudgetExhausted indicates a budget reservation would go negative.
	KindBudgetExhausted

	// KindRateLimited indicates external service back-pressure.
	KindRateLimited

	// KindNetwork indicates a transient network failure.
	KindNetwork

	// KindTimeout indicates a deadline was exceeded.
	KindTimeout

	// KindUnavailable indicates a transient upstream outage
	// (bad gateway, service unavailable).
	KindUnavailable

	// KindExternal indicates an opaque upstream failure classified per
	// user-provided policy.
	KindExternal

	// KindLoopDetection indicates the engine aborted a runaway workflow
	// after exceeding the configured reset limit.
	KindLoopDetection
)

// String returns the lowercase name of the kind, as persisted in events.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBudgetExhausted:
		return "budget_exhausted"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindExternal:
		return "external"
	case KindLoopDetection:
		return "loop_detection"
	default:
		return "internal"
	}
}

// Error is the structured error type surfaced by the engine and expected
// from step implementations that want classified handling.
type Error struct {
	// Kind drives retry and surfacing decisions.
	Kind Kind

	// Op names the operation that failed (e.g. "engine.tick", "ledger.get").
	Op string

	// Message is a human-readable description.
	Message string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds a classified error in one call.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error without losing its chain.
func WrapError(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindExternal so the retry policy decides.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindExternal
}

// IsRetryable reports whether an error kind is transient by default.
// The retry policy may override this via its Classify hook.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindNetwork, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// ErrNoMatchingBranch is returned when a branch discriminator yields a key
// with no matching case.
var ErrNoMatchingBranch = errors.New("no matching branch case")

// ErrMaxTicksExceeded indicates the in-process runner drove an instance past
// the configured tick limit without reaching a terminal state.
var ErrMaxTicksExceeded = errors.New("execution exceeded maximum ticks limit")

// ErrNotExecutable is returned when Start is called on a definition whose
// verification produced fatal diagnostics.
var ErrNotExecutable = errors.New("workflow definition has fatal diagnostics")

// ErrAlreadyTerminal is returned by ResolveApproval when the instance is no
// longer awaiting a decision.
var ErrAlreadyTerminal = errors.New("workflow instance is not awaiting approval")
