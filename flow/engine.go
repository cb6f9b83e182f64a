package flow

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhollis/agentflow-go/flow/artifact"
	"github.com/dhollis/agentflow-go/flow/emit"
	"github.com/dhollis/agentflow-go/flow/store"
)

// Engine executes workflow instances as a sequence of durable ticks. Each
// tick consumes one outbox command, advances the graph by one node, and
// persists everything it changed in a single atomic commit: new events, the
// refreshed snapshot, an optional ledger entry, and the commands for
// whatever comes next. Crash recovery is therefore trivial: whatever the
// outbox still holds is exactly what has not happened yet.
//
// One Engine serves many concurrent runs. It holds no per-run state in
// memory; everything a tick needs is reloaded from the snapshot's runtime
// blob, so any worker process can pick up any command.
type Engine[S any] struct {
	def    *Definition[S]
	store  store.Store[S]
	ledger *ExecutionLedger[S]

	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	retry    *RetryPolicy
	budget   BudgetConfig
	detector *LoopDetector

	artifacts    artifact.Store
	payloadLimit int
	cacheTTL     time.Duration
	stepTimeout  time.Duration
	maxTicks     int
	maxResets    int

	clock func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// slots maps node IDs inside fork paths to their (fork, path index), so
	// a tick knows which branch of the state it reads and writes.
	slots map[string]slotRef
}

type slotRef struct {
	ForkID string
	Index  int
}

// NewEngine creates an engine for one workflow definition. The definition
// must be executable (no fatal diagnostics).
func NewEngine[S any](def *Definition[S], st store.Store[S], opts ...Option[S]) (*Engine[S], error) {
	if def == nil || st == nil {
		return nil, Errorf(KindValidation, "engine.new", "definition and store are required")
	}
	if !def.Executable() {
		return nil, WrapError(KindValidation, "engine.new", ErrNotExecutable)
	}

	e := &Engine[S]{
		def:          def,
		store:        st,
		emitter:      emit.NewNullEmitter(),
		retry:        DefaultRetryPolicy(),
		budget:       DefaultBudgetConfig(),
		payloadLimit: 32 << 10,
		maxTicks:     10000,
		maxResets:    3,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(e.clock().UnixNano())) // #nosec G404 -- jitter and ids, not security
	}
	if err := e.retry.Validate(); err != nil {
		return nil, err
	}
	if err := e.budget.Validate(); err != nil {
		return nil, err
	}
	e.ledger = NewExecutionLedger(st, e.cacheTTL, e.clock)
	e.slots = buildSlots(def)
	return e, nil
}

// Definition returns the compiled workflow this engine executes.
func (e *Engine[S]) Definition() *Definition[S] { return e.def }

// runtimeState is the engine's per-run bookkeeping, persisted opaquely in
// the snapshot so any worker can resume the run.
type runtimeState struct {
	Phase          Phase                     `json:"phase"`
	Outcome        Outcome                   `json:"outcome,omitempty"`
	PendingOutcome Outcome                   `json:"pending_outcome,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	CorrelationID  string                    `json:"correlation_id"`
	Loops          map[string]int            `json:"loops,omitempty"`
	Budget         BudgetAllocation          `json:"budget"`
	Resets         int                       `json:"resets,omitempty"`
	Progress       *ProgressLedger           `json:"progress,omitempty"`
	Forks          map[string]*forkRuntime   `json:"forks,omitempty"`
	Handlers       map[string]*recoveryFrame `json:"handlers,omitempty"`
	AwaitingNode   string                    `json:"awaiting_node,omitempty"`
	Failure        *ExecutionFailedPayload   `json:"failure,omitempty"`
}

func (rt *runtimeState) terminal() bool {
	return rt.Phase == PhaseCompleted || rt.Phase == PhaseFailed
}

// forkRuntime tracks one in-flight fork: each path's working state and the
// results reported so far. The join fires when Results reaches Expected.
type forkRuntime struct {
	JoinID    string                  `json:"join_id"`
	Expected  int                     `json:"expected"`
	PathState map[int]json.RawMessage `json:"path_state"`
	Results   map[int]pathRecord      `json:"results"`
	Recovered map[int]bool            `json:"recovered,omitempty"`
}

type pathRecord struct {
	Status PathStatus      `json:"status"`
	State  json.RawMessage `json:"state,omitempty"`
}

// recoveryFrame remembers where control rejoins when a failure handler
// completes without terminating.
type recoveryFrame struct {
	Resume string       `json:"resume"`
	Scope  handlerScope `json:"scope"`
	InSlot bool         `json:"in_slot,omitempty"`
	ForkID string       `json:"fork_id,omitempty"`
	Index  int          `json:"index,omitempty"`
}

// tick accumulates one tick's effects before the atomic commit.
type tick[S any] struct {
	runID   string
	now     time.Time
	version int // last event version written so far

	events   []store.Event
	state    S
	rt       *runtimeState
	cache    *store.CachedStep[S]
	enqueue  []store.Command
	approval *store.PendingApproval

	deleteApproval    bool
	completeCommandID string
}

func (t *tick[S]) emit(typ EventType, payload any) error {
	t.version++
	ev, err := newEvent(t.runID, t.version, typ, payload, t.now)
	if err != nil {
		return err
	}
	t.events = append(t.events, store.Event{
		RunID:       ev.RunID,
		Version:     ev.Version,
		Type:        string(ev.Type),
		Payload:     ev.Payload,
		CommittedAt: ev.CommittedAt,
	})
	return nil
}

// Start creates a workflow instance and enqueues its first command. An
// empty runID gets a generated UUID; the chosen ID is returned. Starting an
// existing run fails with a conflict.
func (e *Engine[S]) Start(ctx context.Context, runID string, initial S) (string, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	now := e.clock()

	rt := &runtimeState{
		Phase:         PhaseRunning,
		StartedAt:     now,
		CorrelationID: uuid.NewString(),
		Loops:         map[string]int{},
		Budget:        e.budget.Allocation,
		Forks:         map[string]*forkRuntime{},
		Handlers:      map[string]*recoveryFrame{},
	}
	if e.detector != nil {
		rt.Progress = &ProgressLedger{}
	}
	blob, err := json.Marshal(rt)
	if err != nil {
		return "", WrapError(KindInternal, "engine.start", err)
	}

	ev, err := newEvent(runID, 0, EventWorkflowStarted, WorkflowStartedPayload{
		Workflow:  e.def.name,
		Namespace: e.def.namespace,
		StartedAt: now,
	}, now)
	if err != nil {
		return "", err
	}

	commit := store.TickCommit[S]{
		RunID:           runID,
		ExpectedVersion: -1,
		Events: []store.Event{{
			RunID:       runID,
			Version:     0,
			Type:        string(ev.Type),
			Payload:     ev.Payload,
			CommittedAt: now,
		}},
		Snapshot: &store.Snapshot[S]{RunID: runID, Version: 0, State: initial, Runtime: blob},
		Enqueue: []store.Command{{
			ID:        uuid.NewString(),
			RunID:     runID,
			NodeID:    e.def.start,
			Kind:      store.CommandExecute,
			NotBefore: now,
		}},
	}
	if err := e.store.CommitTick(ctx, commit); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", Errorf(KindConflict, "engine.start", "run %s already exists", runID)
		}
		return "", WrapError(KindInternal, "engine.start", err)
	}
	e.emitter.Emit(emit.Event{RunID: runID, Version: 0, Msg: "workflow_started"})
	return runID, nil
}

// Run starts an instance and drives it in-process until it reaches a
// terminal outcome or suspends on approval. It returns the final state; a
// failed outcome surfaces as the failure's classified error. Exceeding the
// tick cap returns ErrMaxTicksExceeded.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	var zero S
	id, err := e.Start(ctx, runID, initial)
	if err != nil {
		return zero, err
	}
	return e.Resume(ctx, id)
}

// Resume drives an existing instance in-process: it leases outbox commands
// one at a time and ticks until the run terminates or suspends. Suspension
// on approval returns the state so far with a nil error; resolve the
// approval and call Resume again.
func (e *Engine[S]) Resume(ctx context.Context, runID string) (S, error) {
	var zero S
	for i := 0; i < e.maxTicks; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		cmds, err := e.store.LeaseCommands(ctx, e.clock(), 1, 30*time.Second)
		if err != nil {
			return zero, WrapError(KindInternal, "engine.resume", err)
		}
		if len(cmds) == 0 {
			snap, rt, err := e.load(ctx, runID)
			if err != nil {
				return zero, err
			}
			if rt.terminal() {
				return snap.State, e.terminalError(rt)
			}
			if rt.Phase == PhaseAwaitingApproval {
				return snap.State, nil
			}
			// Commands exist but are not yet visible (backoff or a pending
			// approval timeout); yield briefly.
			time.Sleep(2 * time.Millisecond)
			continue
		}
		for _, cmd := range cmds {
			if err := e.Tick(ctx, cmd); err != nil {
				backoff := time.Duration(0)
				if !errors.Is(err, store.ErrConflict) {
					backoff = 50 * time.Millisecond
				}
				_ = e.store.ReleaseCommand(ctx, cmd.ID, e.clock(), backoff, err.Error())
			}
		}
	}
	return zero, WrapError(KindInternal, "engine.resume", ErrMaxTicksExceeded)
}

// Tick processes one outbox command: load the snapshot, advance the graph
// by one node, and commit every effect atomically. Safe to call
// concurrently and to call twice with the same command; the version check
// and the execution ledger make redelivery harmless.
func (e *Engine[S]) Tick(ctx context.Context, cmd store.Command) error {
	snap, rt, err := e.load(ctx, cmd.RunID)
	if err != nil {
		return err
	}

	t := &tick[S]{
		runID:             cmd.RunID,
		now:               e.clock(),
		version:           snap.Version,
		state:             snap.State,
		rt:                rt,
		completeCommandID: cmd.ID,
	}

	switch {
	case rt.terminal():
		// Stale redelivery after the run ended; just consume the command.
	case cmd.Kind == store.CommandApprovalTimeout:
		err = e.tickApprovalTimeout(t, cmd)
	default:
		err = e.tickExecute(ctx, t, cmd)
	}
	if err != nil {
		e.metrics.ObserveTick(e.workflowLabel(), "error")
		return err
	}

	if err := e.commit(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.metrics.ObserveTick(e.workflowLabel(), "conflict")
		} else {
			e.metrics.ObserveTick(e.workflowLabel(), "error")
		}
		return err
	}

	switch {
	case t.rt.terminal():
		e.metrics.ObserveTick(e.workflowLabel(), "terminal")
	case t.rt.Phase == PhaseAwaitingApproval:
		e.metrics.ObserveTick(e.workflowLabel(), "suspend")
	default:
		e.metrics.ObserveTick(e.workflowLabel(), "advance")
	}
	for _, ev := range t.events {
		e.emitter.Emit(emit.Event{RunID: ev.RunID, Version: ev.Version, NodeID: cmd.NodeID, Msg: emitMsg(EventType(ev.Type))})
	}
	return nil
}

func (e *Engine[S]) tickExecute(ctx context.Context, t *tick[S], cmd store.Command) error {
	n, ok := e.def.node(cmd.NodeID)
	if !ok {
		// A command referencing an unknown node is unrecoverable for this run.
		return e.failRun(t, cmd.NodeID, "unknown graph node", KindInternal)
	}

	switch n.kind {
	case kindStep:
		return e.runStep(ctx, t, n)
	case kindBranch:
		return e.runBranch(t, n)
	case kindFork:
		return e.runFork(t, n)
	case kindPathEnd:
		return e.runPathEnd(t, n)
	case kindJoin:
		return e.runJoin(ctx, t, n)
	case kindLoop:
		return e.runLoop(t, n)
	case kindApproval:
		return e.runApproval(t, n)
	case kindHandlerEnd:
		return e.runHandlerEnd(t, n)
	default:
		return e.failRun(t, n.id, "unexecutable node kind", KindInternal)
	}
}

// nodeState reads the state the node operates on: the run state, or the
// node's fork-path working copy.
func (e *Engine[S]) nodeState(t *tick[S], nodeID string) (S, slotRef, bool, error) {
	ref, inSlot := e.slots[nodeID]
	if !inSlot {
		return t.state, slotRef{}, false, nil
	}
	var s S
	fs := t.rt.Forks[ref.ForkID]
	if fs == nil {
		return s, ref, true, Errorf(KindInternal, "engine.tick", "no fork runtime for %s", ref.ForkID)
	}
	if err := json.Unmarshal(fs.PathState[ref.Index], &s); err != nil {
		return s, ref, true, WrapError(KindInternal, "engine.tick", err)
	}
	return s, ref, true, nil
}

func (e *Engine[S]) writeState(t *tick[S], ref slotRef, inSlot bool, s S) error {
	if !inSlot {
		t.state = s
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return WrapError(KindInternal, "engine.tick", err)
	}
	t.rt.Forks[ref.ForkID].PathState[ref.Index] = raw
	return nil
}

func (e *Engine[S]) runStep(ctx context.Context, t *tick[S], n *node[S]) error {
	state, ref, inSlot, err := e.nodeState(t, n.id)
	if err != nil {
		return e.failRun(t, n.id, err.Error(), KindInternal)
	}

	fp, err := FingerprintInput(n.id, n.step, state)
	if err != nil {
		return e.failRun(t, n.id, err.Error(), KindInternal)
	}

	if entry, hit := e.ledger.TryGet(ctx, n.id, fp); hit {
		e.metrics.ObserveCacheLookup(e.workflowLabel(), true)
		return e.settleStep(ctx, t, n, ref, inSlot, state, StepResult[S]{Delta: entry.Delta, Tokens: entry.Tokens}, 0, true, "")
	}
	e.metrics.ObserveCacheLookup(e.workflowLabel(), false)

	b, err := restoreBudget(e.budget, t.rt.Budget)
	if err != nil {
		return e.failRun(t, n.id, err.Error(), KindInternal)
	}
	estimate := BudgetAllocation{Steps: 1, WallSeconds: 1}
	if err := b.Reserve(estimate); err != nil {
		e.metrics.ObserveBudgetRejection(e.workflowLabel())
		return e.failStep(t, n, ref, inSlot, err)
	}

	started := e.clock()
	res, execErr := e.ledger.Build(ctx, n.id, fp, func(ctx context.Context) (StepResult[S], error) {
		return e.executeWithRetry(ctx, t, n, state)
	})
	duration := e.clock().Sub(started)

	if execErr != nil {
		b.Refund(estimate)
		t.rt.Budget = b.Remaining()
		e.metrics.ObserveStep(e.workflowLabel(), n.name, duration, "error")
		e.recordProgress(t, n, StepResult[S]{}, duration, execErr)
		return e.failStep(t, n, ref, inSlot, execErr)
	}

	actual := BudgetAllocation{
		Steps:       1,
		Tokens:      res.Tokens,
		ToolCalls:   res.ToolCalls,
		WallSeconds: int64(duration.Seconds()),
	}
	if res.Tokens > 0 {
		actual.Executions = 1
	}
	b.Commit(estimate, actual)
	t.rt.Budget = b.Remaining()

	e.metrics.ObserveStep(e.workflowLabel(), n.name, duration, "success")
	t.cache = &store.CachedStep[S]{
		StepID:      n.id,
		Fingerprint: fp,
		Delta:       res.Delta,
		Tokens:      res.Tokens,
		ExpiresAt:   e.ledger.ExpiryFor(),
	}
	return e.settleStep(ctx, t, n, ref, inSlot, state, res, duration, false, fp)
}

// settleStep folds a successful step result into the run: plan events, the
// StepCompleted record, the reduced state, loop detection, and advancement.
func (e *Engine[S]) settleStep(ctx context.Context, t *tick[S], n *node[S], ref slotRef, inSlot bool, state S, res StepResult[S], duration time.Duration, cached bool, fp string) error {
	for _, p := range res.Planned {
		if err := t.emit(EventTaskPlanned, p); err != nil {
			return err
		}
	}
	for _, p := range res.Finished {
		if err := t.emit(EventTaskCompleted, p); err != nil {
			return err
		}
	}

	delta, err := e.checkedDelta(ctx, res.Delta)
	if err != nil {
		return err
	}
	if err := t.emit(EventStepCompleted, StepCompletedPayload{
		StepID:    n.id,
		Delta:     delta,
		Duration:  duration.Milliseconds(),
		Tokens:    res.Tokens,
		ToolCalls: res.ToolCalls,
		Artifacts: res.Artifacts,
		Cached:    cached,
	}); err != nil {
		return err
	}

	next := e.def.reducer(state, res.Delta)
	if err := e.writeState(t, ref, inSlot, next); err != nil {
		return err
	}

	if !cached {
		e.recordProgress(t, n, res, duration, nil)
		if stop, err := e.checkLoops(t, n); stop || err != nil {
			return err
		}
	}

	if n.terminal {
		return e.completeRun(t, OutcomeSuccess)
	}
	return e.advance(t, n.next)
}

// executeWithRetry dispatches the step, retrying transient failures with
// exponential backoff. Each attempt gets a fresh invocation ID.
func (e *Engine[S]) executeWithRetry(ctx context.Context, t *tick[S], n *node[S], state S) (StepResult[S], error) {
	for attempt := 0; ; attempt++ {
		sc := StepContext{
			RunID:         t.runID,
			StepName:      n.name,
			InvocationID:  uuid.NewString(),
			CorrelationID: t.rt.CorrelationID,
			Attempt:       attempt,
		}
		sctx := ctx
		cancel := func() {}
		if e.stepTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		}
		res := n.step.Execute(sctx, sc, state)
		cancel()
		if res.Err == nil {
			return res, nil
		}
		if !e.retry.ShouldRetry(attempt, res.Err) {
			return StepResult[S]{}, res.Err
		}
		e.metrics.ObserveRetry(e.workflowLabel(), n.name, KindOf(res.Err))
		e.emitter.Emit(emit.Event{
			RunID: t.runID, Version: -1, NodeID: n.id, Msg: "step_retry",
			Meta: map[string]any{"attempt": attempt, "kind": KindOf(res.Err).String(), "error": res.Err.Error()},
		})
		delay := e.backoff(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return StepResult[S]{}, WrapError(KindTimeout, "engine.step", ctx.Err())
		}
	}
}

func (e *Engine[S]) backoff(attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(attempt, e.retry.BaseDelay, e.retry.MaxDelay, e.rng)
}

func (e *Engine[S]) recordProgress(t *tick[S], n *node[S], res StepResult[S], duration time.Duration, execErr error) {
	if t.rt.Progress == nil {
		return
	}
	var zero S
	entry := ProgressEntry{
		Timestamp:    t.now,
		Action:       n.name,
		Tokens:       res.Tokens,
		Duration:     duration,
		Artifacts:    res.Artifacts,
		Signal:       SignalSuccess,
		ProgressMade: !reflect.DeepEqual(res.Delta, zero),
	}
	if raw, err := json.Marshal(res.Delta); err == nil {
		entry.Output = string(raw)
	}
	if execErr != nil {
		entry.Signal = SignalFailure
		entry.Output = execErr.Error()
		entry.ProgressMade = false
	}
	t.rt.Progress.Append(entry)
}

// checkLoops runs the detector over the progress window. A detection either
// resets the window (charging one execution against the budget) or, once
// the reset allowance is spent, fails the run terminally. Loop-detection
// failures never route through failure handlers.
func (e *Engine[S]) checkLoops(t *tick[S], n *node[S]) (bool, error) {
	if e.detector == nil {
		return false, nil
	}
	det := e.detector.Detect(t.rt.Progress)
	if !det.Detected {
		return false, nil
	}
	e.metrics.ObserveLoopDetected(e.workflowLabel(), det.Type)
	if err := t.emit(EventLoopDetected, LoopDetectedPayload{
		LoopType:   string(det.Type),
		Confidence: det.Confidence,
		Strategy:   string(det.Strategy),
	}); err != nil {
		return true, err
	}

	if t.rt.Resets >= e.maxResets {
		return true, e.failRun(t, n.id,
			"behavioral loop persisted after "+det.Diagnostic, KindLoopDetection)
	}
	t.rt.Resets++
	if b, err := restoreBudget(e.budget, t.rt.Budget); err == nil {
		b.Commit(BudgetAllocation{}, BudgetAllocation{Executions: 1})
		t.rt.Budget = b.Remaining()
	}
	t.rt.Progress.Entries = nil
	return false, t.emit(EventRecoveryStrategyApplied, RecoveryStrategyAppliedPayload{
		Strategy: string(det.Strategy),
		LoopType: string(det.Type),
		Action:   "progress_window_reset",
	})
}

func (e *Engine[S]) runBranch(t *tick[S], n *node[S]) error {
	state, _, _, err := e.nodeState(t, n.id)
	if err != nil {
		return e.failRun(t, n.id, err.Error(), KindInternal)
	}
	key := n.disc(state)
	for _, c := range n.cases {
		if c.Key != key {
			continue
		}
		if err := t.emit(EventBranchTaken, BranchTakenPayload{BranchID: n.id, CaseKey: key}); err != nil {
			return err
		}
		return e.advance(t, c.Head)
	}
	// No case matched: deterministic authoring error, fatal for the run.
	return e.failRun(t, n.id, ErrNoMatchingBranch.Error()+": key "+key, KindValidation)
}

func (e *Engine[S]) runFork(t *tick[S], n *node[S]) error {
	base, err := json.Marshal(t.state)
	if err != nil {
		return e.failRun(t, n.id, err.Error(), KindInternal)
	}
	fs := &forkRuntime{
		JoinID:    n.joinID,
		Expected:  len(n.pathHeads),
		PathState: make(map[int]json.RawMessage, len(n.pathHeads)),
		Results:   map[int]pathRecord{},
	}
	for i, head := range n.pathHeads {
		fs.PathState[i] = base
		t.enqueue = append(t.enqueue, store.Command{
			ID:        uuid.NewString(),
			RunID:     t.runID,
			NodeID:    head,
			Kind:      store.CommandExecute,
			NotBefore: t.now,
		})
	}
	if t.rt.Forks == nil {
		t.rt.Forks = map[string]*forkRuntime{}
	}
	t.rt.Forks[n.id] = fs
	return nil
}

func (e *Engine[S]) runPathEnd(t *tick[S], n *node[S]) error {
	fs := t.rt.Forks[n.forkID]
	if fs == nil {
		return e.failRun(t, n.id, "no fork runtime for "+n.forkID, KindInternal)
	}
	status := PathSuccess
	if fs.Recovered[n.pathIndex] {
		status = PathFailedRecovered
	}
	return e.finishPath(t, n.forkID, n.pathIndex, status, fs.PathState[n.pathIndex])
}

// finishPath records one path's outcome and fires the join once every path
// has reported. Duplicate reports for the same index are ignored, so a
// redelivered path-end command cannot double-fire the join.
func (e *Engine[S]) finishPath(t *tick[S], forkID string, index int, status PathStatus, stateJSON json.RawMessage) error {
	fs := t.rt.Forks[forkID]
	if fs == nil {
		return e.failRun(t, forkID, "no fork runtime", KindInternal)
	}
	if _, dup := fs.Results[index]; dup {
		return nil
	}
	if status == PathFailed {
		stateJSON = nil
	}
	fs.Results[index] = pathRecord{Status: status, State: stateJSON}

	var state any
	if len(stateJSON) > 0 {
		state = json.RawMessage(stateJSON)
	}
	if err := t.emit(EventPathCompleted, PathCompletedPayload{
		ForkID:    forkID,
		PathIndex: index,
		Status:    status,
		State:     state,
	}); err != nil {
		return err
	}
	if len(fs.Results) == fs.Expected {
		return e.advance(t, fs.JoinID)
	}
	return nil
}

func (e *Engine[S]) runJoin(ctx context.Context, t *tick[S], n *node[S]) error {
	var forkID string
	var fs *forkRuntime
	for id, f := range t.rt.Forks {
		if f.JoinID == n.id {
			forkID, fs = id, f
			break
		}
	}
	if fs == nil {
		return e.failRun(t, n.id, "join without fork runtime", KindInternal)
	}

	fc := ForkContext[S]{ForkID: forkID, Results: make([]PathResult[S], 0, fs.Expected)}
	for i := 0; i < fs.Expected; i++ {
		rec := fs.Results[i]
		pr := PathResult[S]{Index: i, Status: rec.Status}
		if len(rec.State) > 0 {
			var s S
			if err := json.Unmarshal(rec.State, &s); err != nil {
				return e.failRun(t, n.id, err.Error(), KindInternal)
			}
			pr.State = &s
		}
		fc.Results = append(fc.Results, pr)
	}

	b, err := restoreBudget(e.budget, t.rt.Budget)
	if err != nil {
		return e.failRun(t, n.id, err.Error(), KindInternal)
	}
	estimate := BudgetAllocation{Steps: 1}
	if err := b.Reserve(estimate); err != nil {
		e.metrics.ObserveBudgetRejection(e.workflowLabel())
		return e.failStep(t, n, slotRef{}, false, err)
	}

	started := e.clock()
	sc := StepContext{
		RunID:         t.runID,
		StepName:      n.name,
		InvocationID:  uuid.NewString(),
		CorrelationID: t.rt.CorrelationID,
	}
	res := n.join.Join(ctx, sc, t.state, fc)
	duration := e.clock().Sub(started)

	if res.Err != nil {
		b.Refund(estimate)
		t.rt.Budget = b.Remaining()
		e.metrics.ObserveStep(e.workflowLabel(), n.name, duration, "error")
		return e.failStep(t, n, slotRef{}, false, res.Err)
	}
	b.Commit(estimate, BudgetAllocation{Steps: 1, Tokens: res.Tokens, ToolCalls: res.ToolCalls})
	t.rt.Budget = b.Remaining()
	e.metrics.ObserveStep(e.workflowLabel(), n.name, duration, "success")

	delete(t.rt.Forks, forkID)
	return e.settleStep(ctx, t, n, slotRef{}, false, t.state, res, duration, false, "")
}

func (e *Engine[S]) runLoop(t *tick[S], n *node[S]) error {
	state, _, _, err := e.nodeState(t, n.id)
	if err != nil {
		return e.failRun(t, n.id, err.Error(), KindInternal)
	}
	if t.rt.Loops == nil {
		t.rt.Loops = map[string]int{}
	}
	count := t.rt.Loops[n.id]
	if count > 0 {
		if err := t.emit(EventLoopIterationCompleted, LoopIterationCompletedPayload{
			LoopName:  n.loopName,
			Iteration: count,
		}); err != nil {
			return err
		}
	}
	if n.exit != nil && n.exit(state) {
		// Clear the counter so a nested loop starts fresh on the next
		// pass through the enclosing body.
		delete(t.rt.Loops, n.id)
		return e.advance(t, n.next)
	}
	if count >= n.maxIterations {
		if err := t.emit(EventLoopLimitReached, LoopLimitReachedPayload{
			LoopName:      n.loopName,
			MaxIterations: n.maxIterations,
		}); err != nil {
			return err
		}
		delete(t.rt.Loops, n.id)
		return e.advance(t, n.next)
	}
	t.rt.Loops[n.id] = count + 1
	return e.advance(t, n.bodyHead)
}

func (e *Engine[S]) runApproval(t *tick[S], n *node[S]) error {
	spec := n.approval
	var deadline time.Time
	if spec.Timeout > 0 {
		deadline = t.now.Add(spec.Timeout)
		t.enqueue = append(t.enqueue, store.Command{
			ID:        uuid.NewString(),
			RunID:     t.runID,
			NodeID:    n.id,
			Kind:      store.CommandApprovalTimeout,
			NotBefore: deadline,
		})
	}
	if err := t.emit(EventApprovalRequested, ApprovalRequestedPayload{
		ApproverID: spec.ApproverID,
		Options:    spec.Options,
		Message:    spec.Message,
		Deadline:   deadline,
	}); err != nil {
		return err
	}
	if err := t.emit(EventPhaseChanged, PhaseChangedPayload{From: t.rt.Phase, To: PhaseAwaitingApproval}); err != nil {
		return err
	}
	t.rt.Phase = PhaseAwaitingApproval
	t.rt.AwaitingNode = n.id
	t.approval = &store.PendingApproval{
		RunID:      t.runID,
		NodeID:     n.id,
		ApproverID: spec.ApproverID,
		Options:    spec.Options,
		Deadline:   deadline,
	}
	return nil
}

func (e *Engine[S]) tickApprovalTimeout(t *tick[S], cmd store.Command) error {
	if t.rt.Phase != PhaseAwaitingApproval || t.rt.AwaitingNode != cmd.NodeID {
		// The approval was resolved before the deadline; nothing to do.
		return nil
	}
	n, ok := e.def.node(cmd.NodeID)
	if !ok {
		return e.failRun(t, cmd.NodeID, "unknown approval node", KindInternal)
	}
	if err := t.emit(EventApprovalTimedOut, ApprovalTimedOutPayload{ApproverID: n.approval.ApproverID}); err != nil {
		return err
	}
	t.rt.AwaitingNode = ""
	t.deleteApproval = true
	return e.completeRun(t, OutcomeTimedOut)
}

// ResolveApproval delivers a human decision to a suspended instance.
// Approve resumes past the checkpoint, Reject routes to the rejection path
// (or completes with outcome rejected), Escalate routes to the escalation
// path (or behaves like approve). Resolving a terminal run returns
// ErrAlreadyTerminal.
func (e *Engine[S]) ResolveApproval(ctx context.Context, runID string, d ApprovalDecision) error {
	const op = "engine.resolve_approval"
	snap, rt, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if rt.terminal() {
		return WrapError(KindConflict, op, ErrAlreadyTerminal)
	}
	if rt.Phase != PhaseAwaitingApproval || rt.AwaitingNode == "" {
		return Errorf(KindValidation, op, "run %s has no pending approval", runID)
	}
	n, ok := e.def.node(rt.AwaitingNode)
	if !ok || n.approval == nil {
		return Errorf(KindInternal, op, "awaiting unknown approval node %s", rt.AwaitingNode)
	}
	if d.Option != "" && !contains(n.approval.Options, d.Option) {
		return Errorf(KindValidation, op, "option %q is not offered by %s", d.Option, n.name)
	}

	t := &tick[S]{
		runID:          runID,
		now:            e.clock(),
		version:        snap.Version,
		state:          snap.State,
		rt:             rt,
		deleteApproval: true,
	}
	if err := t.emit(EventApprovalReceived, ApprovalReceivedPayload{
		Decision: string(d.Decision),
		Option:   d.Option,
		Reason:   d.Reason,
	}); err != nil {
		return err
	}
	if err := t.emit(EventPhaseChanged, PhaseChangedPayload{From: PhaseAwaitingApproval, To: PhaseRunning}); err != nil {
		return err
	}
	rt.Phase = PhaseRunning
	rt.AwaitingNode = ""

	switch d.Decision {
	case DecisionApprove:
		err = e.advance(t, n.next)
	case DecisionEscalate:
		if n.escalationHead != "" {
			err = e.advance(t, n.escalationHead)
		} else {
			err = e.advance(t, n.next)
		}
	case DecisionReject:
		if n.rejectionHead != "" {
			rt.PendingOutcome = OutcomeRejected
			err = e.advance(t, n.rejectionHead)
		} else {
			err = e.completeRun(t, OutcomeRejected)
		}
	default:
		return Errorf(KindValidation, op, "unknown decision %q", d.Decision)
	}
	if err != nil {
		return err
	}
	if err := e.commit(ctx, t); err != nil {
		return err
	}
	for _, ev := range t.events {
		e.emitter.Emit(emit.Event{RunID: ev.RunID, Version: ev.Version, NodeID: n.id, Msg: emitMsg(EventType(ev.Type))})
	}
	return nil
}

// Cancel terminates a non-terminal instance with outcome cancelled.
func (e *Engine[S]) Cancel(ctx context.Context, runID, reason string) error {
	snap, rt, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if rt.terminal() {
		return WrapError(KindConflict, "engine.cancel", ErrAlreadyTerminal)
	}
	t := &tick[S]{runID: runID, now: e.clock(), version: snap.Version, state: snap.State, rt: rt}
	if reason != "" {
		if err := t.emit(EventExecutionFailed, ExecutionFailedPayload{
			Reason: reason,
			Kind:   KindExternal.String(),
		}); err != nil {
			return err
		}
	}
	if err := e.completeRun(t, OutcomeCancelled); err != nil {
		return err
	}
	return e.commit(ctx, t)
}

// failStep routes a terminal step failure: record it, then bubble to the
// nearest enclosing failure handler, or fail the path, or fail the run.
// Budget exhaustion only a workflow-scope handler may catch; loop-detection
// failures bypass handlers entirely.
func (e *Engine[S]) failStep(t *tick[S], n *node[S], ref slotRef, inSlot bool, cause error) error {
	kind := KindOf(cause)

	handlerID := n.handlerID
	scope := n.handlerScope
	if kind == KindBudgetExhausted && scope != scopeWorkflow {
		handlerID, scope = e.def.handler, scopeWorkflow
	}
	if kind == KindLoopDetection {
		handlerID = ""
	}

	if err := t.emit(EventExecutionFailed, ExecutionFailedPayload{
		StepID:      n.id,
		Reason:      cause.Error(),
		Kind:        kind.String(),
		Recoverable: handlerID != "",
	}); err != nil {
		return err
	}
	t.rt.Failure = &ExecutionFailedPayload{StepID: n.id, Reason: cause.Error(), Kind: kind.String()}

	if handlerID == "" {
		if inSlot {
			// The path dies; the workflow survives and the join decides.
			return e.finishPath(t, ref.ForkID, ref.Index, PathFailed, nil)
		}
		return e.completeRun(t, OutcomeFailed)
	}

	frame := &recoveryFrame{Resume: n.next, Scope: scope, InSlot: inSlot, ForkID: ref.ForkID, Index: ref.Index}
	if n.terminal {
		frame.Resume = ""
	}
	if t.rt.Handlers == nil {
		t.rt.Handlers = map[string]*recoveryFrame{}
	}
	t.rt.Handlers[e.frameKey(handlerID)] = frame

	if scope == scopeWorkflow {
		if err := t.emit(EventPhaseChanged, PhaseChangedPayload{From: t.rt.Phase, To: PhaseCompensating}); err != nil {
			return err
		}
		t.rt.Phase = PhaseCompensating
	}
	return e.advance(t, handlerID)
}

// frameKey scopes the active-handler record: one per fork path, one for
// everything else.
func (e *Engine[S]) frameKey(handlerID string) string {
	if ref, ok := e.slots[handlerID]; ok {
		return ref.ForkID + "#" + strconv.Itoa(ref.Index)
	}
	return ""
}

func (e *Engine[S]) runHandlerEnd(t *tick[S], n *node[S]) error {
	key := e.frameKey(n.id)
	frame := t.rt.Handlers[key]
	if frame == nil {
		return e.failRun(t, n.id, "handler completed without an active frame", KindInternal)
	}
	delete(t.rt.Handlers, key)

	if frame.Scope == scopeWorkflow && t.rt.Phase == PhaseCompensating {
		if err := t.emit(EventPhaseChanged, PhaseChangedPayload{From: PhaseCompensating, To: PhaseRunning}); err != nil {
			return err
		}
		t.rt.Phase = PhaseRunning
	}

	if n.handlerTerminal {
		if frame.InSlot {
			return e.finishPath(t, frame.ForkID, frame.Index, PathFailed, nil)
		}
		return e.completeRun(t, OutcomeFailed)
	}

	// Recovered: control rejoins after the failed step.
	if frame.InSlot {
		fs := t.rt.Forks[frame.ForkID]
		if fs != nil {
			if fs.Recovered == nil {
				fs.Recovered = map[int]bool{}
			}
			fs.Recovered[frame.Index] = true
		}
	}
	t.rt.Failure = nil
	return e.advance(t, frame.Resume)
}

func (e *Engine[S]) advance(t *tick[S], next string) error {
	if next == "" {
		return e.completeRun(t, OutcomeSuccess)
	}
	t.enqueue = append(t.enqueue, store.Command{
		ID:        uuid.NewString(),
		RunID:     t.runID,
		NodeID:    next,
		Kind:      store.CommandExecute,
		NotBefore: t.now,
	})
	return nil
}

func (e *Engine[S]) completeRun(t *tick[S], outcome Outcome) error {
	if outcome == OutcomeSuccess && t.rt.PendingOutcome != "" {
		outcome = t.rt.PendingOutcome
	}
	phase := PhaseCompleted
	if outcome == OutcomeFailed {
		phase = PhaseFailed
	}
	if err := t.emit(EventPhaseChanged, PhaseChangedPayload{From: t.rt.Phase, To: phase}); err != nil {
		return err
	}
	t.rt.Phase = phase
	t.rt.Outcome = outcome
	t.deleteApproval = true
	return t.emit(EventWorkflowCompleted, WorkflowCompletedPayload{
		Outcome:  outcome,
		Duration: t.now.Sub(t.rt.StartedAt).Milliseconds(),
	})
}

func (e *Engine[S]) failRun(t *tick[S], location, reason string, kind Kind) error {
	if err := t.emit(EventExecutionFailed, ExecutionFailedPayload{
		StepID: location,
		Reason: reason,
		Kind:   kind.String(),
	}); err != nil {
		return err
	}
	t.rt.Failure = &ExecutionFailedPayload{StepID: location, Reason: reason, Kind: kind.String()}
	return e.completeRun(t, OutcomeFailed)
}

func (e *Engine[S]) commit(ctx context.Context, t *tick[S]) error {
	blob, err := json.Marshal(t.rt)
	if err != nil {
		return WrapError(KindInternal, "engine.commit", err)
	}
	commit := store.TickCommit[S]{
		RunID:             t.runID,
		ExpectedVersion:   t.version - len(t.events),
		Events:            t.events,
		Snapshot:          &store.Snapshot[S]{RunID: t.runID, Version: t.version, State: t.state, Runtime: blob},
		CacheEntry:        t.cache,
		Enqueue:           t.enqueue,
		CompleteCommandID: t.completeCommandID,
		Approval:          t.approval,
	}
	if t.deleteApproval {
		commit.DeleteApprovalRun = t.runID
	}
	if err := e.store.CommitTick(ctx, commit); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		return WrapError(KindInternal, "engine.commit", err)
	}
	return nil
}

func (e *Engine[S]) load(ctx context.Context, runID string) (store.Snapshot[S], *runtimeState, error) {
	snap, err := e.store.LoadSnapshot(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return snap, nil, Errorf(KindNotFound, "engine.load", "run %s not found", runID)
		}
		return snap, nil, WrapError(KindInternal, "engine.load", err)
	}
	rt := &runtimeState{}
	if err := json.Unmarshal(snap.Runtime, rt); err != nil {
		return snap, nil, WrapError(KindInternal, "engine.load", err)
	}
	return snap, rt, nil
}

// State returns the instance's current state from its latest snapshot.
func (e *Engine[S]) State(ctx context.Context, runID string) (S, error) {
	snap, _, err := e.load(ctx, runID)
	return snap.State, err
}

// Status returns the instance's phase and, once terminal, its outcome.
func (e *Engine[S]) Status(ctx context.Context, runID string) (Phase, Outcome, error) {
	_, rt, err := e.load(ctx, runID)
	if err != nil {
		return "", "", err
	}
	return rt.Phase, rt.Outcome, nil
}

// Events returns the instance's full event stream.
func (e *Engine[S]) Events(ctx context.Context, runID string) ([]Event, error) {
	raw, err := e.store.LoadEvents(ctx, runID, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errorf(KindNotFound, "engine.events", "run %s not found", runID)
		}
		return nil, WrapError(KindInternal, "engine.events", err)
	}
	out := make([]Event, len(raw))
	for i, ev := range raw {
		out[i] = Event{
			RunID:       ev.RunID,
			Version:     ev.Version,
			Type:        EventType(ev.Type),
			Payload:     ev.Payload,
			CommittedAt: ev.CommittedAt,
		}
	}
	return out, nil
}

// Rebuild derives the instance's state purely from its event stream,
// bypassing the snapshot: an empty state folded through every committed
// step delta with the schema reducer. Deltas offloaded to the artifact
// store are fetched back. Fork-path deltas are excluded; their effect on
// the run state is the join's own delta.
func (e *Engine[S]) Rebuild(ctx context.Context, runID string) (S, error) {
	var state S
	events, err := e.store.LoadEvents(ctx, runID, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return state, Errorf(KindNotFound, "engine.rebuild", "run %s not found", runID)
		}
		return state, WrapError(KindInternal, "engine.rebuild", err)
	}
	for _, ev := range events {
		if EventType(ev.Type) != EventStepCompleted {
			continue
		}
		var p struct {
			StepID string          `json:"step_id"`
			Delta  json.RawMessage `json:"delta"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return state, WrapError(KindInternal, "engine.rebuild", err)
		}
		if _, inSlot := e.slots[p.StepID]; inSlot {
			continue
		}
		raw, err := e.resolveDelta(ctx, p.Delta)
		if err != nil {
			return state, err
		}
		if len(raw) == 0 {
			continue
		}
		var delta S
		if err := json.Unmarshal(raw, &delta); err != nil {
			return state, WrapError(KindInternal, "engine.rebuild", err)
		}
		state = e.def.reducer(state, delta)
	}
	return state, nil
}

// TaskLedger folds the instance's task events into the plan projection.
func (e *Engine[S]) TaskLedger(ctx context.Context, runID string) (*TaskLedger, error) {
	events, err := e.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	ledger := &TaskLedger{}
	for _, ev := range events {
		if err := ledger.ApplyTaskEvent(ev); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

// Progress returns the instance's progress ledger, nil when loop detection
// is disabled.
func (e *Engine[S]) Progress(ctx context.Context, runID string) (*ProgressLedger, error) {
	_, rt, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rt.Progress, nil
}

// SaveCheckpoint labels a copy of the instance's latest snapshot so it can
// be inspected or branched later.
func (e *Engine[S]) SaveCheckpoint(ctx context.Context, runID, label string) error {
	snap, _, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if err := e.store.SaveNamedCheckpoint(ctx, label, snap); err != nil {
		return WrapError(KindInternal, "engine.checkpoint", err)
	}
	return nil
}

// LoadCheckpoint returns a labeled snapshot copy.
func (e *Engine[S]) LoadCheckpoint(ctx context.Context, label string) (store.Snapshot[S], error) {
	snap, err := e.store.LoadNamedCheckpoint(ctx, label)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return snap, Errorf(KindNotFound, "engine.checkpoint", "checkpoint %s not found", label)
		}
		return snap, WrapError(KindInternal, "engine.checkpoint", err)
	}
	return snap, nil
}

const artifactRefKey = "$artifact"

// checkedDelta offloads oversized step deltas to the artifact store,
// leaving a claim-check reference in the event. Offload failures degrade to
// inlining; durability beats compactness.
func (e *Engine[S]) checkedDelta(ctx context.Context, delta S) (any, error) {
	if e.artifacts == nil {
		return delta, nil
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		return nil, WrapError(KindInternal, "engine.delta", err)
	}
	if len(raw) <= e.payloadLimit {
		return delta, nil
	}
	uri, err := e.artifacts.Store(ctx, raw, "deltas")
	if err != nil {
		return delta, nil
	}
	return map[string]string{artifactRefKey: uri}, nil
}

func (e *Engine[S]) resolveDelta(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var ref map[string]string
	if json.Unmarshal(raw, &ref) == nil && len(ref) == 1 {
		if uri, ok := ref[artifactRefKey]; ok {
			if e.artifacts == nil {
				return nil, Errorf(KindInternal, "engine.rebuild", "delta offloaded to %s but no artifact store configured", uri)
			}
			payload, err := e.artifacts.Retrieve(ctx, uri)
			if err != nil {
				return nil, WrapError(KindInternal, "engine.rebuild", err)
			}
			return payload, nil
		}
	}
	return raw, nil
}

func (e *Engine[S]) terminalError(rt *runtimeState) error {
	if rt.Outcome != OutcomeFailed {
		return nil
	}
	if rt.Failure != nil {
		return Errorf(parseKind(rt.Failure.Kind), "engine.run",
			"workflow failed at %s: %s", rt.Failure.StepID, rt.Failure.Reason)
	}
	return Errorf(KindInternal, "engine.run", "workflow failed")
}

func (e *Engine[S]) workflowLabel() string {
	return e.def.namespace + "/" + e.def.name
}

// buildSlots assigns every node inside a fork path to its (fork, index).
// Nested forks own their inner paths; the walk stops at path ends and does
// not descend into an inner fork's paths.
func buildSlots[S any](def *Definition[S]) map[string]slotRef {
	slots := map[string]slotRef{}
	for id, n := range def.nodes {
		if n.kind != kindFork {
			continue
		}
		for i, head := range n.pathHeads {
			markSlot(def, head, slotRef{ForkID: id, Index: i}, slots)
		}
	}
	return slots
}

func markSlot[S any](def *Definition[S], head string, ref slotRef, slots map[string]slotRef) {
	stack := []string{head}
	seen := map[string]bool{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		n, ok := def.node(id)
		if !ok {
			continue
		}
		slots[id] = ref
		if n.handlerID != "" {
			stack = append(stack, n.handlerID)
		}
		switch n.kind {
		case kindPathEnd:
			// This fork's boundary; the join belongs to the parent.
		case kindFork:
			stack = append(stack, n.joinID)
		case kindBranch:
			for _, c := range n.cases {
				stack = append(stack, c.Head)
			}
		case kindLoop:
			stack = append(stack, n.bodyHead, n.next)
		case kindApproval:
			stack = append(stack, n.next, n.rejectionHead, n.escalationHead)
		default:
			stack = append(stack, n.next)
		}
	}
}

var emitMsgNames = map[EventType]string{
	EventWorkflowStarted:         "workflow_started",
	EventPhaseChanged:            "phase_changed",
	EventStepCompleted:           "step_completed",
	EventBranchTaken:             "branch_taken",
	EventLoopIterationCompleted:  "loop_iteration_completed",
	EventLoopLimitReached:        "loop_limit_reached",
	EventPathCompleted:           "path_completed",
	EventApprovalRequested:       "approval_requested",
	EventApprovalReceived:        "approval_received",
	EventApprovalTimedOut:        "approval_timed_out",
	EventExecutionFailed:         "execution_failed",
	EventLoopDetected:            "loop_detected",
	EventRecoveryStrategyApplied: "recovery_strategy_applied",
	EventTaskPlanned:             "task_planned",
	EventTaskCompleted:           "task_completed",
	EventWorkflowCompleted:       "workflow_completed",
}

func emitMsg(t EventType) string {
	if msg, ok := emitMsgNames[t]; ok {
		return msg
	}
	return string(t)
}

func parseKind(s string) Kind {
	for k := KindInternal; k <= KindLoopDetection; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindExternal
}

func contains(options []string, want string) bool {
	for _, o := range options {
		if o == want {
			return true
		}
	}
	return false
}
