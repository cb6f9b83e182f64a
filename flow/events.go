package flow

import (
	"encoding/json"
	"time"
)

// EventType enumerates the persisted workflow events. Payloads evolve under
// additive rules; the stable fields (version, type, ids, timestamps) are
// wire-compatible across releases.
type EventType string

const (
	EventWorkflowStarted         EventType = "WorkflowStarted"
	EventPhaseChanged            EventType = "PhaseChanged"
	EventStepCompleted           EventType = "StepCompleted"
	EventBranchTaken             EventType = "BranchTaken"
	EventLoopIterationCompleted  EventType = "LoopIterationCompleted"
	EventLoopLimitReached        EventType = "LoopLimitReached"
	EventPathCompleted           EventType = "PathCompleted"
	EventApprovalRequested       EventType = "ApprovalRequested"
	EventApprovalReceived        EventType = "ApprovalReceived"
	EventApprovalTimedOut        EventType = "ApprovalTimedOut"
	EventExecutionFailed         EventType = "ExecutionFailed"
	EventLoopDetected            EventType = "LoopDetected"
	EventRecoveryStrategyApplied EventType = "RecoveryStrategyApplied"
	EventTaskPlanned             EventType = "TaskPlanned"
	EventTaskCompleted           EventType = "TaskCompleted"
	EventWorkflowCompleted       EventType = "WorkflowCompleted"
)

// Outcome is the terminal disposition of a workflow instance.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Phase is the lifecycle phase recorded by PhaseChanged events.
type Phase string

const (
	PhaseRunning          Phase = "running"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseCompensating     Phase = "compensating"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
)

// Event is one entry of a workflow instance's append-only stream. Within an
// instance, versions form a contiguous sequence 0..N; across instances
// there is no ordering guarantee.
type Event struct {
	// RunID identifies the workflow instance.
	RunID string `json:"run_id"`

	// Version is the per-instance monotonic sequence number, starting at 0.
	Version int `json:"version"`

	// Type names the event.
	Type EventType `json:"type"`

	// Payload is the type-specific body. Oversized payloads are replaced by
	// a claim-check reference when an artifact store is configured.
	Payload json.RawMessage `json:"payload"`

	// CommittedAt is the commit timestamp.
	CommittedAt time.Time `json:"committed_at"`
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Event payloads.

type WorkflowStartedPayload struct {
	Workflow  string    `json:"workflow"`
	Namespace string    `json:"namespace"`
	StartedAt time.Time `json:"started_at"`
}

type PhaseChangedPayload struct {
	From Phase `json:"from"`
	To   Phase `json:"to"`
}

type StepCompletedPayload struct {
	StepID    string   `json:"step_id"`
	Delta     any      `json:"delta,omitempty"`
	Duration  int64    `json:"duration_ms"`
	Tokens    int64    `json:"tokens,omitempty"`
	ToolCalls int64    `json:"tool_calls,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Cached    bool     `json:"cached,omitempty"`
}

type BranchTakenPayload struct {
	BranchID string `json:"branch_id"`
	CaseKey  string `json:"case_key"`
}

type LoopIterationCompletedPayload struct {
	LoopName  string `json:"loop_name"`
	Iteration int    `json:"iteration"`
}

type LoopLimitReachedPayload struct {
	LoopName      string `json:"loop_name"`
	MaxIterations int    `json:"max_iterations"`
}

type PathCompletedPayload struct {
	ForkID    string     `json:"fork_id"`
	PathIndex int        `json:"path_index"`
	Status    PathStatus `json:"status"`
	State     any        `json:"state,omitempty"`
}

type ApprovalRequestedPayload struct {
	ApproverID string    `json:"approver_id"`
	Options    []string  `json:"options"`
	Message    string    `json:"message,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
}

type ApprovalReceivedPayload struct {
	Decision string `json:"decision"`
	Option   string `json:"option,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ApprovalTimedOutPayload struct {
	ApproverID string `json:"approver_id"`
}

type ExecutionFailedPayload struct {
	StepID      string `json:"step_id"`
	Reason      string `json:"reason"`
	Kind        string `json:"kind"`
	Recoverable bool   `json:"recoverable"`
}

type LoopDetectedPayload struct {
	LoopType   string  `json:"loop_type"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
}

type RecoveryStrategyAppliedPayload struct {
	Strategy string `json:"strategy"`
	LoopType string `json:"loop_type"`
	Action   string `json:"action"`
}

type TaskPlannedPayload struct {
	TaskID       string   `json:"task_id"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type TaskCompletedPayload struct {
	TaskID      string `json:"task_id"`
	FinalStatus string `json:"final_status"`
	Result      string `json:"result,omitempty"`
}

type WorkflowCompletedPayload struct {
	Outcome     Outcome `json:"outcome"`
	FinalAnswer string  `json:"final_answer,omitempty"`
	Duration    int64   `json:"total_duration_ms"`
}

// newEvent builds an event with a marshaled payload. Marshal failures are a
// bug in the payload type and reported as internal errors.
func newEvent(runID string, version int, typ EventType, payload any, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, WrapError(KindInternal, "event.encode", err)
	}
	return Event{RunID: runID, Version: version, Type: typ, Payload: body, CommittedAt: at}, nil
}
