package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dhollis/agentflow-go/flow/store"
)

// keyedStep fingerprints on Phase only, so changes to other state fields do
// not invalidate its cache entry.
type keyedStep struct{}

func (keyedStep) Execute(_ context.Context, _ StepContext, _ testState) StepResult[testState] {
	return StepResult[testState]{}
}

func (keyedStep) FingerprintInput(s testState) any { return s.Phase }

func TestFingerprintInput(t *testing.T) {
	plain := noteStep("x")

	t.Run("stable for identical input", func(t *testing.T) {
		s := testState{Phase: "draft", Count: 3}
		a, err := FingerprintInput[testState]("step", plain, s)
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		b, _ := FingerprintInput[testState]("step", plain, s)
		if a != b {
			t.Errorf("fingerprints differ for identical input: %s vs %s", a, b)
		}
	})

	t.Run("state changes change the fingerprint", func(t *testing.T) {
		a, _ := FingerprintInput[testState]("step", plain, testState{Count: 1})
		b, _ := FingerprintInput[testState]("step", plain, testState{Count: 2})
		if a == b {
			t.Error("different states share a fingerprint")
		}
	})

	t.Run("step identity contributes", func(t *testing.T) {
		s := testState{Phase: "draft"}
		a, _ := FingerprintInput[testState]("step.one", plain, s)
		b, _ := FingerprintInput[testState]("step.two", plain, s)
		if a == b {
			t.Error("distinct steps share a fingerprint for the same state")
		}
	})

	t.Run("fingerprinter narrows the input", func(t *testing.T) {
		a, _ := FingerprintInput[testState]("step", keyedStep{}, testState{Phase: "draft", Count: 1})
		b, _ := FingerprintInput[testState]("step", keyedStep{}, testState{Phase: "draft", Count: 99})
		if a != b {
			t.Error("non-key field changed a narrowed fingerprint")
		}
		c, _ := FingerprintInput[testState]("step", keyedStep{}, testState{Phase: "review"})
		if a == c {
			t.Error("key field change did not change the fingerprint")
		}
	})
}

func TestExecutionLedgerTryGet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	seed := func(t *testing.T, st store.Store[testState], entry store.CachedStep[testState]) {
		t.Helper()
		err := st.CommitTick(ctx, store.TickCommit[testState]{
			RunID:           "run",
			ExpectedVersion: -1,
			Events: []store.Event{
				{RunID: "run", Version: 0, Type: string(EventWorkflowStarted), CommittedAt: now},
			},
			Snapshot:   &store.Snapshot[testState]{RunID: "run", Version: 0},
			CacheEntry: &entry,
		})
		if err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	t.Run("hit returns the memoized delta", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		seed(t, st, store.CachedStep[testState]{
			StepID:      "step",
			Fingerprint: "fp",
			Delta:       testState{Phase: "done"},
			Tokens:      42,
		})

		l := NewExecutionLedger[testState](st, 0, clock)
		entry, ok := l.TryGet(ctx, "step", "fp")
		if !ok {
			t.Fatal("expected cache hit")
		}
		if entry.Delta.Phase != "done" || entry.Tokens != 42 {
			t.Errorf("cached entry %+v", entry)
		}
	})

	t.Run("unknown fingerprint misses", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		l := NewExecutionLedger[testState](st, 0, clock)
		if _, ok := l.TryGet(ctx, "step", "nope"); ok {
			t.Error("expected miss")
		}
	})

	t.Run("expired entries miss", func(t *testing.T) {
		st := store.NewMemStore[testState]()
		seed(t, st, store.CachedStep[testState]{
			StepID:      "step",
			Fingerprint: "fp",
			ExpiresAt:   now.Add(time.Minute),
		})

		l := NewExecutionLedger[testState](st, time.Minute, clock)
		if _, ok := l.TryGet(ctx, "step", "fp"); !ok {
			t.Fatal("expected hit before expiry")
		}

		now = now.Add(2 * time.Minute)
		if _, ok := l.TryGet(ctx, "step", "fp"); ok {
			t.Error("expected miss after expiry")
		}
	})
}

func TestExecutionLedgerExpiryFor(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewMemStore[testState]()

	if got := NewExecutionLedger[testState](st, 0, clock).ExpiryFor(); !got.IsZero() {
		t.Errorf("zero ttl should give zero expiry, got %v", got)
	}
	if got := NewExecutionLedger[testState](st, time.Hour, clock).ExpiryFor(); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("expiry = %v, want %v", got, now.Add(time.Hour))
	}
}

func TestExecutionLedgerBuild(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[testState]()
	l := NewExecutionLedger[testState](st, 0, nil)

	t.Run("concurrent builds coalesce", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})

		fn := func(ctx context.Context) (StepResult[testState], error) {
			calls.Add(1)
			<-release
			return StepResult[testState]{Tokens: 7}, nil
		}

		const n = 8
		var wg sync.WaitGroup
		results := make([]StepResult[testState], n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := l.Build(ctx, "step", "fp", fn)
				if err != nil {
					t.Errorf("build: %v", err)
					return
				}
				results[i] = res
			}(i)
		}
		// Give the goroutines a moment to pile onto the flight, then release.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		if got := calls.Load(); got != 1 {
			t.Errorf("fn called %d times, want 1", got)
		}
		for i, res := range results {
			if res.Tokens != 7 {
				t.Errorf("caller %d got %+v", i, res)
			}
		}
	})

	t.Run("failure releases the slot", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := l.Build(ctx, "step", "fail", func(context.Context) (StepResult[testState], error) {
			return StepResult[testState]{}, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		res, err := l.Build(ctx, "step", "fail", func(context.Context) (StepResult[testState], error) {
			return StepResult[testState]{Tokens: 1}, nil
		})
		if err != nil {
			t.Fatalf("retry after failure: %v", err)
		}
		if res.Tokens != 1 {
			t.Errorf("retry result %+v", res)
		}
	})
}
