package flow

import (
	"context"
	"testing"

	"github.com/dhollis/agentflow-go/flow/store"
)

// testState is the shared state record for flow package tests: one replace
// field, one append field, one merge field, plus routing scalars.
type testState struct {
	Phase  string         `json:"phase,omitempty"`
	Notes  []string       `json:"notes,omitempty"`
	Scores map[string]int `json:"scores,omitempty"`
	Count  int            `json:"count,omitempty"`
	Done   bool           `json:"done,omitempty"`
}

func testSchema(t *testing.T) *Schema[testState] {
	t.Helper()
	schema, err := NewSchema[testState]("test").
		Append("Notes").
		Merge("Scores").
		Build()
	if err != nil {
		t.Fatalf("schema build: %v", err)
	}
	return schema
}

// noteStep returns a step that appends one note and bumps the counter.
func noteStep(note string) StepFunc[testState] {
	return func(ctx context.Context, sc StepContext, state testState) StepResult[testState] {
		return StepResult[testState]{Delta: testState{Notes: []string{note}, Count: 1}}
	}
}

// failNStep fails with err for the first n invocations, then succeeds.
func failNStep(n *int, err error, note string) StepFunc[testState] {
	return func(ctx context.Context, sc StepContext, state testState) StepResult[testState] {
		if *n > 0 {
			*n--
			return StepResult[testState]{Err: err}
		}
		return StepResult[testState]{Delta: testState{Notes: []string{note}}}
	}
}

// drain runs every visible command through the engine until the outbox is
// empty, without the time-based polling Resume does.
func drain(t *testing.T, eng *Engine[testState], st store.Store[testState]) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		cmds, err := st.LeaseCommands(ctx, eng.clock(), 10, 0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(cmds) == 0 {
			return
		}
		for _, cmd := range cmds {
			if err := eng.Tick(ctx, cmd); err != nil {
				t.Fatalf("tick %s: %v", cmd.NodeID, err)
			}
		}
	}
	t.Fatal("outbox did not drain")
}

// eventTypes flattens a run's stream to its type names for assertions.
func eventTypes(t *testing.T, eng *Engine[testState], runID string) []EventType {
	t.Helper()
	events, err := eng.Events(context.Background(), runID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countType(types []EventType, want EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}
