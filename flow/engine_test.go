package flow

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dhollis/agentflow-go/flow/store"
)

// fastRetry keeps backoff out of test wall time.
func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// threeStepDef is a linear plan -> work -> report workflow.
func threeStepDef(t *testing.T) *Definition[testState] {
	t.Helper()
	b := NewWorkflow[testState]("test", "linear")
	b.WithSchema(testSchema(t)).
		Step("plan", noteStep("plan")).
		Step("work", noteStep("work")).
		TerminalStep("report", noteStep("report"))
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return def
}

func newTestEngine(t *testing.T, def *Definition[testState], st store.Store[testState], opts ...Option[testState]) *Engine[testState] {
	t.Helper()
	opts = append([]Option[testState]{WithRetryPolicy[testState](fastRetry())}, opts...)
	eng, err := NewEngine(def, st, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestEngineStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	eng := newTestEngine(t, threeStepDef(t), st)

	runID, err := eng.Start(ctx, "run-1", testState{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("runID = %s", runID)
	}

	phase, outcome, err := eng.Status(ctx, runID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if phase != PhaseRunning || outcome != "" {
		t.Errorf("status = %v/%v", phase, outcome)
	}

	events, err := eng.Events(ctx, runID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventWorkflowStarted || events[0].Version != 0 {
		t.Errorf("initial stream %+v", events)
	}

	t.Run("generated run id", func(t *testing.T) {
		id, err := eng.Start(ctx, "", testState{})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if id == "" {
			t.Error("expected a generated run id")
		}
	})

	t.Run("duplicate start conflicts", func(t *testing.T) {
		if _, err := eng.Start(ctx, "run-1", testState{}); KindOf(err) != KindConflict {
			t.Errorf("expected conflict, got %v", err)
		}
	})
}

func TestEngineRunHappyPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	eng := newTestEngine(t, threeStepDef(t), st)

	final, err := eng.Run(ctx, "run", testState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	wantNotes := []string{"plan", "work", "report"}
	if !reflect.DeepEqual(final.Notes, wantNotes) {
		t.Errorf("notes = %v, want %v", final.Notes, wantNotes)
	}

	phase, outcome, err := eng.Status(ctx, "run")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if phase != PhaseCompleted || outcome != OutcomeSuccess {
		t.Errorf("status = %v/%v", phase, outcome)
	}

	types := eventTypes(t, eng, "run")
	if types[0] != EventWorkflowStarted {
		t.Errorf("stream starts with %v", types[0])
	}
	if got := countType(types, EventStepCompleted); got != 3 {
		t.Errorf("%d StepCompleted events, want 3", got)
	}
	if got := countType(types, EventWorkflowCompleted); got != 1 {
		t.Errorf("%d WorkflowCompleted events, want 1", got)
	}
	if types[len(types)-1] != EventWorkflowCompleted {
		t.Errorf("stream ends with %v", types[len(types)-1])
	}
}

func TestEngineUnknownRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, threeStepDef(t), store.NewMemStore[testState]())

	if _, err := eng.State(ctx, "ghost"); KindOf(err) != KindNotFound {
		t.Errorf("State: expected not found, got %v", err)
	}
	if _, _, err := eng.Status(ctx, "ghost"); KindOf(err) != KindNotFound {
		t.Errorf("Status: expected not found, got %v", err)
	}
	if _, err := eng.Events(ctx, "ghost"); KindOf(err) != KindNotFound {
		t.Errorf("Events: expected not found, got %v", err)
	}
}

func TestEngineBranch(t *testing.T) {
	ctx := context.Background()

	build := func(t *testing.T) *Definition[testState] {
		b := NewWorkflow[testState]("test", "routed")
		b.WithSchema(testSchema(t)).
			Step("start", noteStep("start")).
			Branch("route", func(s testState) string { return s.Phase }, true,
				When("fast", func(q *Seq[testState]) { q.Step("sprint", noteStep("sprint")) }),
				When("slow", func(q *Seq[testState]) { q.Step("crawl", noteStep("crawl")) }),
			).
			TerminalStep("wrap", noteStep("wrap"))
		def, err := b.Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return def
	}

	t.Run("routes by discriminator and rejoins", func(t *testing.T) {
		eng := newTestEngine(t, build(t), store.NewMemStore[testState]())
		final, err := eng.Run(ctx, "run", testState{Phase: "fast"})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		want := []string{"start", "sprint", "wrap"}
		if !reflect.DeepEqual(final.Notes, want) {
			t.Errorf("notes = %v, want %v", final.Notes, want)
		}
		if got := countType(eventTypes(t, eng, "run"), EventBranchTaken); got != 1 {
			t.Errorf("%d BranchTaken events, want 1", got)
		}
	})

	t.Run("unmatched key fails the run", func(t *testing.T) {
		eng := newTestEngine(t, build(t), store.NewMemStore[testState]())
		_, err := eng.Run(ctx, "run", testState{Phase: "other"})
		if err == nil || KindOf(err) != KindValidation {
			t.Fatalf("expected validation failure, got %v", err)
		}
		phase, outcome, _ := eng.Status(ctx, "run")
		if phase != PhaseFailed || outcome != OutcomeFailed {
			t.Errorf("status = %v/%v", phase, outcome)
		}
	})
}

func TestEngineRetry(t *testing.T) {
	ctx := context.Background()

	build := func(t *testing.T, step Step[testState]) *Definition[testState] {
		b := NewWorkflow[testState]("test", "flaky")
		b.WithSchema(testSchema(t)).TerminalStep("attempt", step)
		def, err := b.Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return def
	}

	t.Run("transient failures retry in place", func(t *testing.T) {
		failures := 2
		step := failNStep(&failures, Errorf(KindNetwork, "fetch", "conn reset"), "recovered")
		eng := newTestEngine(t, build(t, step), store.NewMemStore[testState]())

		final, err := eng.Run(ctx, "run", testState{})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !reflect.DeepEqual(final.Notes, []string{"recovered"}) {
			t.Errorf("notes = %v", final.Notes)
		}
		// All attempts happen inside one tick: a single StepCompleted event.
		if got := countType(eventTypes(t, eng, "run"), EventStepCompleted); got != 1 {
			t.Errorf("%d StepCompleted events, want 1", got)
		}
	})

	t.Run("exhausted attempts fail the run", func(t *testing.T) {
		failures := 10
		step := failNStep(&failures, Errorf(KindNetwork, "fetch", "conn reset"), "never")
		eng := newTestEngine(t, build(t, step), store.NewMemStore[testState]())

		_, err := eng.Run(ctx, "run", testState{})
		if err == nil || KindOf(err) != KindNetwork {
			t.Fatalf("expected network failure, got %v", err)
		}
		if failures != 10-3 {
			t.Errorf("step attempted %d times, want 3", 10-failures)
		}
		phase, outcome, _ := eng.Status(ctx, "run")
		if phase != PhaseFailed || outcome != OutcomeFailed {
			t.Errorf("status = %v/%v", phase, outcome)
		}
	})

	t.Run("validation errors never retry", func(t *testing.T) {
		failures := 10
		step := failNStep(&failures, Errorf(KindValidation, "check", "bad input"), "never")
		eng := newTestEngine(t, build(t, step), store.NewMemStore[testState]())

		if _, err := eng.Run(ctx, "run", testState{}); KindOf(err) != KindValidation {
			t.Fatalf("expected validation failure, got %v", err)
		}
		if failures != 9 {
			t.Errorf("step attempted %d times, want 1", 10-failures)
		}
	})
}

// TestEngineStepCache verifies result memoization: a second run over the
// same store with an identical input fingerprint replays the cached delta
// without invoking the step again.
func TestEngineStepCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()

	executions := 0
	step := StepFunc[testState](func(_ context.Context, _ StepContext, state testState) StepResult[testState] {
		executions++
		return StepResult[testState]{Delta: testState{Notes: []string{"expensive"}}, Tokens: 100}
	})

	b := NewWorkflow[testState]("test", "cached")
	b.WithSchema(testSchema(t)).TerminalStep("expensive", step)
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	eng := newTestEngine(t, def, st)

	first, err := eng.Run(ctx, "run-a", testState{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := eng.Run(ctx, "run-b", testState{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if executions != 1 {
		t.Errorf("step executed %d times, want 1", executions)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached replay diverged: %+v vs %+v", first, second)
	}

	events, err := eng.Events(ctx, "run-b")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	sawCached := false
	for _, ev := range events {
		if ev.Type != EventStepCompleted {
			continue
		}
		var p StepCompletedPayload
		if err := ev.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		sawCached = p.Cached
	}
	if !sawCached {
		t.Error("second run's StepCompleted not marked cached")
	}
}

func TestEngineMaxTicks(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, threeStepDef(t), store.NewMemStore[testState](),
		WithMaxTicks[testState](2))

	_, err := eng.Run(ctx, "run", testState{})
	if !errors.Is(err, ErrMaxTicksExceeded) {
		t.Fatalf("expected ErrMaxTicksExceeded, got %v", err)
	}
}

func TestEngineCancel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	eng := newTestEngine(t, threeStepDef(t), st)

	if _, err := eng.Start(ctx, "run", testState{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := eng.Cancel(ctx, "run", "operator abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	phase, outcome, err := eng.Status(ctx, "run")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if phase != PhaseCompleted || outcome != OutcomeCancelled {
		t.Errorf("status = %v/%v", phase, outcome)
	}

	if err := eng.Cancel(ctx, "run", "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second cancel: expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestEngineCheckpoints(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	eng := newTestEngine(t, threeStepDef(t), st)

	if _, err := eng.Run(ctx, "run", testState{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := eng.SaveCheckpoint(ctx, "run", "after-report"); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	snap, err := eng.LoadCheckpoint(ctx, "after-report")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if snap.RunID != "run" || len(snap.State.Notes) != 3 {
		t.Errorf("checkpoint %+v", snap)
	}

	if _, err := eng.LoadCheckpoint(ctx, "missing"); KindOf(err) != KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

// TestEngineRebuild verifies state derivability: folding the committed step
// deltas from an empty state reproduces the snapshot state exactly.
func TestEngineRebuild(t *testing.T) {
	ctx := context.Background()

	b := NewWorkflow[testState]("test", "derive")
	b.WithSchema(testSchema(t)).
		Step("plan", StepFunc[testState](func(_ context.Context, _ StepContext, _ testState) StepResult[testState] {
			return StepResult[testState]{Delta: testState{Phase: "planned", Notes: []string{"plan"}}}
		})).
		Step("score", StepFunc[testState](func(_ context.Context, _ StepContext, _ testState) StepResult[testState] {
			return StepResult[testState]{Delta: testState{Scores: map[string]int{"a": 1}}}
		})).
		TerminalStep("report", StepFunc[testState](func(_ context.Context, _ StepContext, _ testState) StepResult[testState] {
			return StepResult[testState]{Delta: testState{Notes: []string{"report"}, Scores: map[string]int{"b": 2}, Done: true}}
		}))
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	eng := newTestEngine(t, def, store.NewMemStore[testState]())

	final, err := eng.Run(ctx, "run", testState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	rebuilt, err := eng.Rebuild(ctx, "run")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !reflect.DeepEqual(final, rebuilt) {
		t.Errorf("rebuild diverged:\nsnapshot: %+v\nrebuilt:  %+v", final, rebuilt)
	}
}

func TestEngineTaskLedgerProjection(t *testing.T) {
	ctx := context.Background()

	b := NewWorkflow[testState]("test", "planned")
	b.WithSchema(testSchema(t)).
		Step("plan", StepFunc[testState](func(_ context.Context, _ StepContext, _ testState) StepResult[testState] {
			return StepResult[testState]{
				Delta: testState{Phase: "planned"},
				Planned: []TaskPlannedPayload{
					{TaskID: "t1", Description: "gather", Priority: 2},
					{TaskID: "t2", Description: "write", Dependencies: []string{"t1"}},
				},
			}
		})).
		TerminalStep("execute", StepFunc[testState](func(_ context.Context, _ StepContext, _ testState) StepResult[testState] {
			return StepResult[testState]{
				Delta:    testState{Done: true},
				Finished: []TaskCompletedPayload{{TaskID: "t1", FinalStatus: string(TaskCompleted)}},
			}
		}))
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	eng := newTestEngine(t, def, store.NewMemStore[testState]())

	if _, err := eng.Run(ctx, "run", testState{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	ledger, err := eng.TaskLedger(ctx, "run")
	if err != nil {
		t.Fatalf("task ledger: %v", err)
	}
	if len(ledger.Entries) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(ledger.Entries))
	}
	if ledger.Entries[0].Status != TaskCompleted {
		t.Errorf("t1 status = %v", ledger.Entries[0].Status)
	}
	ready := ledger.Ready()
	if len(ready) != 1 || ready[0].ID != "t2" {
		t.Errorf("ready = %+v, want t2 only", ready)
	}
}
