package flow

import (
	"math/rand"
	"time"

	"github.com/dhollis/agentflow-go/flow/artifact"
	"github.com/dhollis/agentflow-go/flow/emit"
)

// Option configures an Engine at construction.
type Option[S any] func(*Engine[S])

// WithEmitter installs a telemetry emitter. Defaults to emit.NullEmitter.
func WithEmitter[S any](e emit.Emitter) Option[S] {
	return func(eng *Engine[S]) { eng.emitter = e }
}

// WithMetrics installs Prometheus metrics. A nil receiver is a no-op, so
// engines without metrics pay nothing.
func WithMetrics[S any](m *PrometheusMetrics) Option[S] {
	return func(e *Engine[S]) { e.metrics = m }
}

// WithRetryPolicy overrides the default retry policy for step dispatches.
func WithRetryPolicy[S any](p *RetryPolicy) Option[S] {
	return func(e *Engine[S]) { e.retry = p }
}

// WithBudget sets the per-run resource budget. Defaults to
// DefaultBudgetConfig.
func WithBudget[S any](cfg BudgetConfig) Option[S] {
	return func(e *Engine[S]) { e.budget = cfg }
}

// WithLoopDetector enables behavioral loop detection over the run's
// progress window.
func WithLoopDetector[S any](d *LoopDetector) Option[S] {
	return func(e *Engine[S]) { e.detector = d }
}

// WithMaxRecoveryResets bounds how many loop-recovery resets a run may
// consume before it fails terminally. Defaults to 3.
func WithMaxRecoveryResets[S any](n int) Option[S] {
	return func(e *Engine[S]) { e.maxResets = n }
}

// WithArtifactStore enables claim-check offloading of oversized event
// payloads.
func WithArtifactStore[S any](st artifact.Store) Option[S] {
	return func(e *Engine[S]) { e.artifacts = st }
}

// WithPayloadLimit sets the inline payload size above which step deltas are
// offloaded to the artifact store. Defaults to 32 KiB.
func WithPayloadLimit[S any](bytes int) Option[S] {
	return func(e *Engine[S]) { e.payloadLimit = bytes }
}

// WithCacheTTL bounds the lifetime of execution-ledger entries. Zero means
// entries never expire.
func WithCacheTTL[S any](ttl time.Duration) Option[S] {
	return func(e *Engine[S]) { e.cacheTTL = ttl }
}

// WithStepTimeout bounds each step invocation. Zero means no bound beyond
// the tick context.
func WithStepTimeout[S any](d time.Duration) Option[S] {
	return func(e *Engine[S]) { e.stepTimeout = d }
}

// WithMaxTicks caps how many ticks Run drives in-process before returning
// ErrMaxTicksExceeded. Defaults to 10000.
func WithMaxTicks[S any](n int) Option[S] {
	return func(e *Engine[S]) { e.maxTicks = n }
}

// WithClock overrides the engine's time source, for tests.
func WithClock[S any](now func() time.Time) Option[S] {
	return func(e *Engine[S]) { e.clock = now }
}

// WithRand overrides the jitter source, for deterministic tests.
func WithRand[S any](rng *rand.Rand) Option[S] {
	return func(e *Engine[S]) { e.rng = rng }
}
