package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestMySQLIntegration exercises MySQLStore against a real server.
//
// Prerequisites:
//   - MySQL running (local, Docker, or cloud)
//   - TEST_MYSQL_DSN set, e.g.
//     "user:pass@tcp(localhost:3306)/agentflow_test?parseTime=true"
//   - the database user can CREATE, INSERT, SELECT, UPDATE, DELETE
//
// Without the DSN the test is skipped, so the suite stays runnable offline.
func TestMySQLIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("set TEST_MYSQL_DSN to run the MySQL integration test")
	}

	ctx := context.Background()
	st, err := NewMySQLStore[reviewState](dsn)
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	defer func() { _ = st.Close() }()

	runID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	now := time.Now()

	t.Run("tick commit and reload", func(t *testing.T) {
		err := st.CommitTick(ctx, TickCommit[reviewState]{
			RunID:           runID,
			ExpectedVersion: -1,
			Events: []Event{
				{RunID: runID, Version: 0, Type: "workflow.started", Payload: []byte(`{}`), CommittedAt: now},
				{RunID: runID, Version: 1, Type: "step.completed", Payload: []byte(`{"step_id":"plan"}`), CommittedAt: now},
			},
			Snapshot: &Snapshot[reviewState]{
				RunID: runID, Version: 1,
				State:   reviewState{Phase: "working", Notes: []string{"plan"}},
				Runtime: []byte(`{"node":"work"}`),
			},
			Enqueue: []Command{
				{ID: runID + "-cmd", RunID: runID, NodeID: "work", Kind: CommandExecute, NotBefore: now},
			},
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}

		snap, err := st.LoadSnapshot(ctx, runID)
		if err != nil {
			t.Fatalf("load snapshot: %v", err)
		}
		if snap.Version != 1 || snap.State.Phase != "working" {
			t.Errorf("snapshot %+v", snap)
		}

		evs, err := st.LoadEvents(ctx, runID, 0)
		if err != nil || len(evs) != 2 {
			t.Fatalf("events: %v (%d)", err, len(evs))
		}
	})

	t.Run("expected version enforced", func(t *testing.T) {
		err := st.CommitTick(ctx, TickCommit[reviewState]{
			RunID:           runID,
			ExpectedVersion: 0,
			Events: []Event{
				{RunID: runID, Version: 1, Type: "step.completed", Payload: []byte(`{}`), CommittedAt: now},
			},
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("stale commit: got %v, want ErrConflict", err)
		}
	})

	t.Run("lease and release", func(t *testing.T) {
		cmds, err := st.LeaseCommands(ctx, time.Now(), 10, time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		var mine *Command
		for i := range cmds {
			if cmds[i].RunID == runID {
				mine = &cmds[i]
			}
		}
		if mine == nil {
			t.Fatalf("own command not leased: %+v", cmds)
		}
		if err := st.ReleaseCommand(ctx, mine.ID, time.Now(), 0, "transient"); err != nil {
			t.Fatalf("release: %v", err)
		}
	})

	t.Run("belief compare and swap", func(t *testing.T) {
		b := Belief{
			AgentID: runID, TaskCategory: "analysis",
			Alpha: 3, Beta: 2, Observations: 1, UpdatedAt: now,
		}
		if ok, err := st.CompareAndSwapBelief(ctx, b, 2, 2); err != nil || !ok {
			t.Fatalf("first swap: ok=%v err=%v", ok, err)
		}
		if ok, _ := st.CompareAndSwapBelief(ctx, b, 9, 9); ok {
			t.Error("stale swap succeeded")
		}
	})

	t.Run("named checkpoint", func(t *testing.T) {
		label := runID + "-cp"
		snap := Snapshot[reviewState]{
			RunID: runID, Version: 1,
			State:   reviewState{Phase: "working"},
			Runtime: []byte(`{}`),
		}
		if err := st.SaveNamedCheckpoint(ctx, label, snap); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := st.LoadNamedCheckpoint(ctx, label)
		if err != nil || got.State.Phase != "working" {
			t.Fatalf("load: %v (%+v)", err, got)
		}
	})
}
