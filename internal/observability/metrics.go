// Package observability wires the core's counters and gauges through
// promauto, grounded on control_plane/observability/metrics.go: one
// package-level Registry of promauto-constructed collectors, with thin
// typed adapters (FlowMetrics, LoopMetrics, PluginMetrics) so the rest of
// the tree depends only on the small interfaces flow, worker and
// outputplugin declare, never on
// Prometheus directly.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResponseOutOfOrder counts responses that arrived for a request id
	// ahead of next_processed_request (spec.md §4.3 step 4 / §8 scenario 5).
	ResponseOutOfOrder = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grr_response_out_of_order_total",
		Help: "Responses observed for a request ahead of the session's next_processed_request",
	}, []string{"queue"})

	// FlowErrors counts flows promoted to ERROR by a failing state method,
	// a MissingState lookup, or a resource-limit breach.
	FlowErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grr_flow_errors_total",
		Help: "Flows terminated in the ERROR state",
	}, []string{"queue"})

	// Retransmissions counts gap-detected requests requeued for another
	// delivery attempt (spec.md §4.3 step 4 / §8 scenario 6).
	Retransmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grr_retransmissions_total",
		Help: "Requests requeued after a response gap was detected",
	}, []string{"queue"})

	// NotificationQueueDepth mirrors the teacher's TaskQueueDepth gauge,
	// sampled once per worker tick.
	NotificationQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grr_notification_queue_depth",
		Help: "Notifications pending on a queue as of the last worker tick",
	}, []string{"queue"})

	// WorkerTickDuration mirrors the teacher's SchedulerLoopDuration
	// histogram.
	WorkerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grr_worker_tick_duration_seconds",
		Help:    "Duration of one worker Tick (fetch notifications through dispatch)",
		Buckets: prometheus.DefBuckets,
	})

	// SessionsRescheduled counts notifications left in place because their
	// session lock was held by another worker (spec.md §4.4).
	SessionsRescheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grr_sessions_rescheduled_total",
		Help: "Notifications deferred because the session lock was held elsewhere",
	})

	// SessionsOrphaned counts notifications dropped because they named a
	// session with no durable FlowContext.
	SessionsOrphaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grr_sessions_orphaned_total",
		Help: "Notifications dropped because their session never started",
	})

	// OutputPluginFailures counts per-plugin failures isolated by the
	// output plugin host (spec.md §4.5).
	OutputPluginFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grr_output_plugin_failures_total",
		Help: "Output plugin batches that failed or panicked",
	}, []string{"descriptor"})

	// SessionLockContention counts failed lock acquisitions observed by
	// internal/coordination.Locker callers.
	SessionLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grr_session_lock_contention_total",
		Help: "Session lock acquisitions that found another owner's unexpired lease",
	})

	// JanitorReclaims counts kill watchdogs the janitor force-terminated.
	JanitorReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grr_janitor_reclaims_total",
		Help: "Stuck flows force-terminated by the janitor sweep",
	})
)

// FlowMetrics adapts the package-level counters above to flow.Metrics,
// labeled by the notification queue the owning flow belongs to.
type FlowMetrics struct {
	Queue string
}

// flowErrorsTotal mirrors the flow_errors_total Prometheus counter in a
// plain in-memory counter, the same dual-tracking GetMetrics() gives the
// teacher's dashboard: a cheap local read instead of scraping the
// collector registry back out.
var flowErrorsTotal atomic.Uint64

func (m FlowMetrics) IncResponseOutOfOrder() { ResponseOutOfOrder.WithLabelValues(m.Queue).Inc() }
func (m FlowMetrics) IncFlowErrors() {
	FlowErrors.WithLabelValues(m.Queue).Inc()
	flowErrorsTotal.Add(1)
}
func (m FlowMetrics) IncRetransmission() { Retransmissions.WithLabelValues(m.Queue).Inc() }

// FlowErrorsTotal reports the process-wide count of flows terminated in
// the ERROR state, across every queue.
func FlowErrorsTotal() uint64 { return flowErrorsTotal.Load() }

// LoopMetrics adapts the package-level counters above to worker.LoopMetrics.
type LoopMetrics struct{}

func (LoopMetrics) ObserveTickDuration(seconds float64) { WorkerTickDuration.Observe(seconds) }
func (LoopMetrics) SetQueueDepth(queue string, depth int) {
	NotificationQueueDepth.WithLabelValues(queue).Set(float64(depth))
}
func (LoopMetrics) IncRescheduled()    { SessionsRescheduled.Inc() }
func (LoopMetrics) IncOrphaned()       { SessionsOrphaned.Inc() }
func (LoopMetrics) IncLockContention() { SessionLockContention.Inc() }
func (LoopMetrics) IncJanitorReclaim() { JanitorReclaims.Inc() }

// PluginMetrics adapts OutputPluginFailures to outputplugin.Metrics.
type PluginMetrics struct{}

func (PluginMetrics) IncOutputPluginFailure(descriptor string) {
	OutputPluginFailures.WithLabelValues(descriptor).Inc()
}
