package flow

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Ledger projections: append-only views folded from the event stream. The
// TaskLedger is the plan produced by a planning phase; the ProgressLedger
// is the execution history the loop detector analyzes.

// TaskStatus is the lifecycle status of a planned task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// TaskEntry is one planned task.
type TaskEntry struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Priority     int        `json:"priority"`
	Deadline     time.Time  `json:"deadline,omitempty"`

	// Capabilities is a bitmask of required agent capabilities.
	Capabilities uint64 `json:"capabilities,omitempty"`
}

// TaskLedger is the append-only plan projection. Entries are never removed;
// status transitions are recorded by replacing the entry's status in place.
type TaskLedger struct {
	// Request is the original user request the plan was derived from.
	Request string `json:"request"`

	Entries []TaskEntry `json:"entries"`
}

// Append adds a planned task.
func (t *TaskLedger) Append(e TaskEntry) {
	if e.Status == "" {
		e.Status = TaskPending
	}
	t.Entries = append(t.Entries, e)
}

// SetStatus transitions a task's status. Unknown IDs are ignored.
func (t *TaskLedger) SetStatus(id string, status TaskStatus) {
	for i := range t.Entries {
		if t.Entries[i].ID == id {
			t.Entries[i].Status = status
			return
		}
	}
}

// Ready returns pending tasks whose dependencies have all completed, in
// priority order (higher first, ties by ID).
func (t *TaskLedger) Ready() []TaskEntry {
	done := make(map[string]bool, len(t.Entries))
	for _, e := range t.Entries {
		if e.Status == TaskCompleted || e.Status == TaskSkipped {
			done[e.ID] = true
		}
	}
	var out []TaskEntry
	for _, e := range t.Entries {
		if e.Status != TaskPending {
			continue
		}
		ready := true
		for _, dep := range e.Dependencies {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ContentHash fingerprints the plan over (original request, ordered task
// IDs, ordered task descriptions) for integrity verification.
func (t *TaskLedger) ContentHash() string {
	h := xxhash.New()
	_, _ = h.WriteString(t.Request)
	for _, e := range t.Entries {
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(e.ID)
	}
	for _, e := range t.Entries {
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(e.Description)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Signal is the optional classification a progress entry carries.
type Signal string

const (
	SignalSuccess    Signal = "success"
	SignalFailure    Signal = "failure"
	SignalHelpNeeded Signal = "help_needed"
	SignalBlocked    Signal = "blocked"
	SignalInProgress Signal = "in_progress"
)

// ProgressEntry is one record of execution history.
type ProgressEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Action    string        `json:"action"`
	Output    string        `json:"output,omitempty"`
	Tokens    int64         `json:"tokens,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Signal    Signal        `json:"signal,omitempty"`

	// ProgressMade records whether the entry advanced the task. The loop
	// detector's no-progress score is the fraction of entries where this is
	// false.
	ProgressMade bool `json:"progress_made"`
}

// ProgressLedger is the append-only execution history projection.
type ProgressLedger struct {
	Entries []ProgressEntry `json:"entries"`
}

// Append records one entry.
func (p *ProgressLedger) Append(e ProgressEntry) {
	p.Entries = append(p.Entries, e)
}

// Recent returns the last n entries, oldest first.
func (p *ProgressLedger) Recent(n int) []ProgressEntry {
	if n <= 0 || n >= len(p.Entries) {
		return p.Entries
	}
	return p.Entries[len(p.Entries)-n:]
}

// ProgressMetrics are the derived totals over a ledger.
type ProgressMetrics struct {
	Entries         int           `json:"entries"`
	Tokens          int64         `json:"tokens"`
	Duration        time.Duration `json:"duration"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	UniqueArtifacts int           `json:"unique_artifacts"`
}

// Metrics folds the ledger into totals.
func (p *ProgressLedger) Metrics() ProgressMetrics {
	m := ProgressMetrics{Entries: len(p.Entries)}
	artifacts := map[string]bool{}
	for _, e := range p.Entries {
		m.Tokens += e.Tokens
		m.Duration += e.Duration
		switch e.Signal {
		case SignalSuccess:
			m.Successes++
		case SignalFailure:
			m.Failures++
		}
		for _, a := range e.Artifacts {
			artifacts[a] = true
		}
	}
	m.UniqueArtifacts = len(artifacts)
	return m
}

// ApplyTaskEvent folds a TaskPlanned or TaskCompleted event into the task
// ledger. Other event types are ignored, so a full stream can be replayed
// through it.
func (t *TaskLedger) ApplyTaskEvent(ev Event) error {
	switch ev.Type {
	case EventTaskPlanned:
		var p TaskPlannedPayload
		if err := ev.Decode(&p); err != nil {
			return WrapError(KindInternal, "ledger.project", err)
		}
		t.Append(TaskEntry{
			ID:           p.TaskID,
			Description:  p.Description,
			Priority:     p.Priority,
			Dependencies: p.Dependencies,
		})
	case EventTaskCompleted:
		var p TaskCompletedPayload
		if err := ev.Decode(&p); err != nil {
			return WrapError(KindInternal, "ledger.project", err)
		}
		status := TaskStatus(p.FinalStatus)
		if status == "" {
			status = TaskCompleted
		}
		t.SetStatus(p.TaskID, status)
	}
	return nil
}
