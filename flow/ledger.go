package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dhollis/agentflow-go/flow/store"
)

// ExecutionLedger memoizes step results keyed by (step identity, input
// fingerprint). It is what makes at-least-once command delivery observably
// exactly-once: a redelivered command finds the fingerprint cached and
// skips the invocation.
//
// Lookup failure degrades to a miss; the ledger is never the reason a
// workflow fails. Concurrent builds for the same fingerprint coalesce onto
// a single in-flight execution; a failed build releases the slot so the
// next caller re-attempts (failures are not cached).
type ExecutionLedger[S any] struct {
	store store.Store[S]
	group singleflight.Group
	now   func() time.Time
	ttl   time.Duration
}

// NewExecutionLedger creates a ledger over the given store. A zero ttl
// means cached results never expire.
func NewExecutionLedger[S any](st store.Store[S], ttl time.Duration, now func() time.Time) *ExecutionLedger[S] {
	if now == nil {
		now = time.Now
	}
	return &ExecutionLedger[S]{store: st, now: now, ttl: ttl}
}

// TTL returns the configured entry lifetime.
func (l *ExecutionLedger[S]) TTL() time.Duration { return l.ttl }

// ExpiryFor returns the absolute expiry for an entry cached now. Zero when
// entries do not expire.
func (l *ExecutionLedger[S]) ExpiryFor() time.Time {
	if l.ttl <= 0 {
		return time.Time{}
	}
	return l.now().Add(l.ttl)
}

// TryGet looks up a memoized result. Store errors (including not-found)
// degrade to a miss.
func (l *ExecutionLedger[S]) TryGet(ctx context.Context, stepID, fingerprint string) (store.CachedStep[S], bool) {
	entry, err := l.store.GetCachedStep(ctx, stepID, fingerprint, l.now())
	if err != nil {
		return store.CachedStep[S]{}, false
	}
	return entry, true
}

// Build runs fn under a single-flight slot keyed by (stepID, fingerprint):
// concurrent callers for the same fingerprint block on one execution and
// all receive its result. An error releases the slot without caching.
func (l *ExecutionLedger[S]) Build(ctx context.Context, stepID, fingerprint string, fn func(ctx context.Context) (StepResult[S], error)) (StepResult[S], error) {
	v, err, _ := l.group.Do(stepID+"\x00"+fingerprint, func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return StepResult[S]{}, err
	}
	return v.(StepResult[S]), nil
}

// FingerprintInput hashes a step's cache input. Steps implementing
// Fingerprinter choose which fields contribute; others are fingerprinted
// over the whole state. The hash covers the step identity so two steps
// never share an entry.
func FingerprintInput[S any](stepID string, step Step[S], state S) (string, error) {
	var input any = state
	if fp, ok := step.(Fingerprinter[S]); ok {
		input = fp.FingerprintInput(state)
	}
	return fingerprint(stepID, input)
}

func fingerprint(stepID string, input any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", WrapError(KindInternal, "ledger.fingerprint", err)
	}
	h := xxhash.New()
	_, _ = h.WriteString(stepID)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
