package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metric collection for
// workflow execution monitoring.
//
// Metrics exposed (all namespaced with "agentflow_"):
//
//  1. ticks_total (counter): engine ticks, by workflow and result
//     (advance/suspend/terminal/conflict/error).
//  2. step_latency_ms (histogram): step execution duration, by workflow,
//     step, and status (success/error/cached).
//  3. cache_hits_total / cache_misses_total (counters): execution ledger
//     lookups, by workflow.
//  4. retries_total (counter): step retry attempts, by workflow, step, and
//     error kind.
//  5. budget_rejections_total (counter): reservations rejected, by workflow.
//  6. loops_detected_total (counter): loop detections, by workflow and
//     loop type.
//  7. approvals_pending (gauge): currently suspended approvals.
//  8. outbox_depth (gauge): visible outbox commands awaiting dispatch.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry)
//	eng, _ := NewEngine(def, st, WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use; a nil *PrometheusMetrics is a
// valid no-op recorder so call sites need no guards.
type PrometheusMetrics struct {
	ticks            *prometheus.CounterVec
	stepLatency      *prometheus.HistogramVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	budgetRejections *prometheus.CounterVec
	loopsDetected    *prometheus.CounterVec
	approvalsPending prometheus.Gauge
	outboxDepth      prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all workflow metrics with the
// provided registry. Pass prometheus.DefaultRegisterer for the global
// registry, or a private prometheus.NewRegistry() for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "ticks_total",
			Help:      "Engine ticks by workflow and result",
		}, []string{"workflow", "result"}),

		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"workflow", "step", "status"}),

		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "cache_hits_total",
			Help:      "Execution ledger lookups that skipped a step invocation",
		}, []string{"workflow"}),

		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "cache_misses_total",
			Help:      "Execution ledger lookups that dispatched the step",
		}, []string{"workflow"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "retries_total",
			Help:      "Step retry attempts by error kind",
		}, []string{"workflow", "step", "kind"}),

		budgetRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "budget_rejections_total",
			Help:      "Budget reservations rejected for lack of headroom",
		}, []string{"workflow"}),

		loopsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "loops_detected_total",
			Help:      "Runaway-loop detections by loop type",
		}, []string{"workflow", "loop_type"}),

		approvalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentflow",
			Name:      "approvals_pending",
			Help:      "Workflow instances currently suspended awaiting approval",
		}),

		outboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentflow",
			Name:      "outbox_depth",
			Help:      "Visible outbox commands awaiting dispatch",
		}),
	}
}

// ObserveTick counts one engine tick.
func (pm *PrometheusMetrics) ObserveTick(workflow, result string) {
	if pm == nil {
		return
	}
	pm.ticks.WithLabelValues(workflow, result).Inc()
}

// ObserveStep records one step execution's latency and status.
func (pm *PrometheusMetrics) ObserveStep(workflow, step string, latency time.Duration, status string) {
	if pm == nil {
		return
	}
	pm.stepLatency.WithLabelValues(workflow, step, status).Observe(float64(latency.Milliseconds()))
}

// ObserveCacheLookup counts one ledger lookup.
func (pm *PrometheusMetrics) ObserveCacheLookup(workflow string, hit bool) {
	if pm == nil {
		return
	}
	if hit {
		pm.cacheHits.WithLabelValues(workflow).Inc()
	} else {
		pm.cacheMisses.WithLabelValues(workflow).Inc()
	}
}

// ObserveRetry counts one retry attempt classified by error kind.
func (pm *PrometheusMetrics) ObserveRetry(workflow, step string, kind Kind) {
	if pm == nil {
		return
	}
	pm.retries.WithLabelValues(workflow, step, kind.String()).Inc()
}

// ObserveBudgetRejection counts one rejected reservation.
func (pm *PrometheusMetrics) ObserveBudgetRejection(workflow string) {
	if pm == nil {
		return
	}
	pm.budgetRejections.WithLabelValues(workflow).Inc()
}

// ObserveLoopDetected counts one loop detection.
func (pm *PrometheusMetrics) ObserveLoopDetected(workflow string, t LoopType) {
	if pm == nil {
		return
	}
	pm.loopsDetected.WithLabelValues(workflow, string(t)).Inc()
}

// SetApprovalsPending sets the suspended-approvals gauge.
func (pm *PrometheusMetrics) SetApprovalsPending(n int) {
	if pm == nil {
		return
	}
	pm.approvalsPending.Set(float64(n))
}

// SetOutboxDepth sets the visible-commands gauge.
func (pm *PrometheusMetrics) SetOutboxDepth(n int) {
	if pm == nil {
		return
	}
	pm.outboxDepth.Set(float64(n))
}
