// Package store provides persistence backends for workflow instances:
// the append-only event stream, snapshots, the step-result cache, the
// transactional outbox, agent beliefs, and pending approvals.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, snapshot, checkpoint, or
// cache entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic-concurrency check fails: the
// instance's event stream advanced past the expected version. The engine
// reloads and retries the tick.
var ErrConflict = errors.New("version conflict")

// Event is one persisted entry of a per-run event stream. Versions within a
// run are contiguous starting at 0; AppendTick enforces the sequence.
type Event struct {
	RunID       string    `json:"run_id"`
	Version     int       `json:"version"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"`
	CommittedAt time.Time `json:"committed_at"`
}

// Snapshot is the periodic materialization of an instance: the typed state
// plus an opaque runtime blob holding the engine's bookkeeping (current
// node, loop counters, fork progress, remaining budget).
type Snapshot[S any] struct {
	RunID   string `json:"run_id"`
	Version int    `json:"version"`
	State   S      `json:"state"`
	Runtime []byte `json:"runtime"`
}

// CachedStep is a memoized step result keyed by (step identity, input
// fingerprint) with an absolute expiry.
type CachedStep[S any] struct {
	StepID      string    `json:"step_id"`
	Fingerprint string    `json:"fingerprint"`
	Delta       S         `json:"delta"`
	Tokens      int64     `json:"tokens"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Command is a durable next-step message in the transactional outbox.
type Command struct {
	// ID uniquely identifies the message.
	ID string `json:"id"`

	// RunID is the workflow instance the command advances.
	RunID string `json:"run_id"`

	// NodeID is the graph node to execute.
	NodeID string `json:"node_id"`

	// Kind distinguishes ordinary dispatch from approval timeouts.
	Kind string `json:"kind"`

	// NotBefore delays visibility (retry backoff).
	NotBefore time.Time `json:"not_before"`

	// Attempts counts delivery attempts so far.
	Attempts int `json:"attempts"`

	// LastError records the most recent delivery failure.
	LastError string `json:"last_error,omitempty"`
}

// Command kinds.
const (
	CommandExecute         = "execute"
	CommandApprovalTimeout = "approval_timeout"
)

// Belief is a Beta(alpha, beta) posterior for one (agent, task category)
// pair, updated with compare-and-swap semantics.
type Belief struct {
	AgentID      string    `json:"agent_id"`
	TaskCategory string    `json:"task_category"`
	Alpha        float64   `json:"alpha"`
	Beta         float64   `json:"beta"`
	Observations int       `json:"observations"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PendingApproval is a suspended approval checkpoint awaiting a decision.
// A zero Deadline means the approval never times out.
type PendingApproval struct {
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id"`
	ApproverID string    `json:"approver_id"`
	Options    []string  `json:"options"`
	Deadline   time.Time `json:"deadline"`
}

// TickCommit is everything one engine tick persists atomically: events at
// the expected version, the new snapshot, an optional cache entry, outbox
// messages for the next step, the consumed command, and approval rows.
// Either all of it commits or none of it does.
type TickCommit[S any] struct {
	RunID           string
	ExpectedVersion int // version of the last previously committed event; -1 for a fresh run

	Events   []Event
	Snapshot *Snapshot[S]

	CacheEntry *CachedStep[S]

	Enqueue           []Command
	CompleteCommandID string

	Approval          *PendingApproval
	DeleteApprovalRun string
}

// Store is the persistence contract for workflow instances.
//
// Implementations must make CommitTick atomic and must enforce the
// expected-version check, returning ErrConflict on a lost race. The engine
// is the single writer for a given run, so conflicts only arise from
// duplicate command delivery.
type Store[S any] interface {
	// CommitTick atomically persists one tick's effects.
	CommitTick(ctx context.Context, c TickCommit[S]) error

	// LoadSnapshot returns the latest snapshot for a run.
	LoadSnapshot(ctx context.Context, runID string) (Snapshot[S], error)

	// LoadEvents returns the run's events with version >= fromVersion, in
	// version order.
	LoadEvents(ctx context.Context, runID string, fromVersion int) ([]Event, error)

	// GetCachedStep looks up a memoized step result. A missing or expired
	// entry returns ErrNotFound.
	GetCachedStep(ctx context.Context, stepID, fingerprint string, now time.Time) (CachedStep[S], error)

	// LeaseCommands returns up to limit visible outbox commands and leases
	// them until now+lease so concurrent dispatchers do not double-deliver.
	LeaseCommands(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Command, error)

	// ReleaseCommand returns a leased command to the queue after a
	// delivery failure, visible again at now+backoff.
	ReleaseCommand(ctx context.Context, id string, now time.Time, backoff time.Duration, lastError string) error

	// GetBelief returns the stored belief for an (agent, category) pair.
	GetBelief(ctx context.Context, agentID, category string) (Belief, error)

	// CompareAndSwapBelief writes b only if the stored alpha/beta still
	// match the expected values (or no row exists and expected are the
	// prior). Returns false on a lost race.
	CompareAndSwapBelief(ctx context.Context, b Belief, expectedAlpha, expectedBeta float64) (bool, error)

	// ExpiredApprovals returns pending approvals whose deadline has passed.
	ExpiredApprovals(ctx context.Context, now time.Time) ([]PendingApproval, error)

	// SaveNamedCheckpoint labels a copy of the run's latest snapshot.
	SaveNamedCheckpoint(ctx context.Context, label string, snap Snapshot[S]) error

	// LoadNamedCheckpoint returns a labeled snapshot copy.
	LoadNamedCheckpoint(ctx context.Context, label string) (Snapshot[S], error)
}
