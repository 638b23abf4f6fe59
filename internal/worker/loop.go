// Package worker drives the worker loop of spec.md §4.4: dequeue
// notifications oldest-first, serialize each session behind a lock, and
// run it through flow.ProcessCompletedRequests. Grounded on the teacher's
// Scheduler.worker/processNextTask shape (control_plane/scheduler/scheduler.go)
// — a ticker-driven loop that pops one unit of work, dispatches it, and
// records per-iteration metrics, generalized from a resident task heap to
// a Store-backed notification scan.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glassCodeBender/grr/internal/config"
	"github.com/glassCodeBender/grr/internal/coordination"
	"github.com/glassCodeBender/grr/internal/flow"
	"github.com/glassCodeBender/grr/internal/queue"
	"github.com/glassCodeBender/grr/internal/queuemgr"
	"github.com/glassCodeBender/grr/internal/store"
	"go.uber.org/zap"
)

// Outcome reports what became of one dequeued notification.
type Outcome string

const (
	// OutcomeProcessed means ProcessCompletedRequests ran to completion.
	OutcomeProcessed Outcome = "processed"
	// OutcomeRescheduled means another owner held the session lock; the
	// notification was left in place for a later tick, not an error
	// (spec.md §4.4).
	OutcomeRescheduled Outcome = "rescheduled"
	// OutcomeOrphaned means the notification named a session with no
	// durable FlowContext — nothing to process, dropped as dead weight.
	OutcomeOrphaned Outcome = "orphaned"
)

// Result is one notification's disposition from a Loop tick.
type Result struct {
	SessionID string
	Outcome   Outcome
	Err       error
}

// RunnerFactory builds the Runner a Loop uses to process one session's
// notification. Concrete flow wiring (registry, StartFlowFunc, plugin
// host) is assembled by the host at construction time, not by the loop.
type RunnerFactory func(mgr *queuemgr.Manager) *flow.Runner

// Loop is the spec.md §4.4 worker: one per queue shard. It owns no state
// across ticks beyond its collaborators; every notification it processes
// is handled start-to-finish within a single Tick call.
type Loop struct {
	st        store.Store
	sched     *queue.Scheduler
	locker    *coordination.Locker
	newRunner RunnerFactory
	cfg       config.WorkerConfig
	metrics   LoopMetrics
	log       *zap.SugaredLogger
	now       func() time.Time
	breaker   *CircuitBreaker
	lastDepth int

	rescheduled atomic.Uint64
	orphaned    atomic.Uint64
}

// Stats is the in-memory counters Loop keeps alongside whatever Prometheus
// collectors LoopMetrics forwards to, mirroring the teacher's
// Scheduler.GetMetrics() — a dashboard consumer reads these directly
// rather than scraping its own metrics exporter back out.
type Stats struct {
	QueueDepth  int
	Rescheduled uint64
	Orphaned    uint64
}

// Stats reports this loop's current counters.
func (l *Loop) Stats() Stats {
	return Stats{
		QueueDepth:  l.lastDepth,
		Rescheduled: l.rescheduled.Load(),
		Orphaned:    l.orphaned.Load(),
	}
}

// LoopMetrics is the subset of observability counters/gauges the loop
// updates once per tick, mirroring the teacher's per-iteration
// SchedulerLoopDuration/TaskQueueDepth updates in scheduler.go's worker().
type LoopMetrics interface {
	ObserveTickDuration(seconds float64)
	SetQueueDepth(queue string, depth int)
	IncRescheduled()
	IncOrphaned()
	IncLockContention()
	IncJanitorReclaim()
}

type noopLoopMetrics struct{}

func (noopLoopMetrics) ObserveTickDuration(float64) {}
func (noopLoopMetrics) SetQueueDepth(string, int)   {}
func (noopLoopMetrics) IncRescheduled()             {}
func (noopLoopMetrics) IncOrphaned()                {}
func (noopLoopMetrics) IncLockContention()          {}
func (noopLoopMetrics) IncJanitorReclaim()          {}

// NewLoop constructs a worker for one notification queue.
func NewLoop(st store.Store, sched *queue.Scheduler, locker *coordination.Locker, newRunner RunnerFactory, cfg config.WorkerConfig, metrics LoopMetrics, log *zap.SugaredLogger) *Loop {
	if metrics == nil {
		metrics = noopLoopMetrics{}
	}
	var breaker *CircuitBreaker
	if cfg.QueueDepthThreshold > 0 {
		breaker = NewCircuitBreaker(cfg.QueueDepthThreshold)
	}
	return &Loop{st: st, sched: sched, locker: locker, newRunner: newRunner, cfg: cfg, metrics: metrics, log: log, now: time.Now, breaker: breaker}
}

// Run ticks every interval milliseconds until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, queueName string, interval int, limit int) {
	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			results, err := l.Tick(ctx, queueName, limit)
			if err != nil && l.log != nil {
				l.log.Warnw("worker tick failed", "queue", queueName, "error", err)
			}
			for _, res := range results {
				if res.Err != nil && l.log != nil {
					l.log.Errorw("notification processing failed", "session_id", res.SessionID, "error", res.Err)
				}
			}
			l.metrics.ObserveTickDuration(time.Since(start).Seconds())
		}
	}
}

// Tick dequeues every notification on queueName timestamped in (0, now]
// and drives each through one ProcessCompletedRequests pass. A session
// whose lock is already held elsewhere is skipped, not failed.
//
// If a circuit breaker is configured (config.WorkerConfig.QueueDepthThreshold),
// Tick first checks it against the depth observed on the previous tick;
// once that depth trips the threshold the breaker opens and Tick returns
// an empty batch without touching the store, giving a wedged queue time
// to drain instead of piling on more failed passes.
func (l *Loop) Tick(ctx context.Context, queueName string, limit int) ([]Result, error) {
	if l.breaker != nil && !l.breaker.ShouldAdmit(l.lastDepth) {
		if l.log != nil {
			l.log.Warnw("worker tick skipped: circuit breaker open", "queue", queueName, "last_depth", l.lastDepth)
		}
		return nil, nil
	}

	mgr := queuemgr.NewManager(l.st, l.sched, nil)
	notifications, err := mgr.FetchNotifications(ctx, queueName, l.now(), limit)
	if err != nil {
		if l.breaker != nil {
			l.breaker.RecordFailure()
		}
		return nil, fmt.Errorf("worker: fetch notifications on %s: %w", queueName, err)
	}
	l.lastDepth = len(notifications)
	l.metrics.SetQueueDepth(queueName, len(notifications))

	results := make([]Result, 0, len(notifications))
	failed := false
	for _, n := range notifications {
		res := l.processOne(ctx, n)
		switch res.Outcome {
		case OutcomeRescheduled:
			l.rescheduled.Add(1)
			l.metrics.IncRescheduled()
		case OutcomeOrphaned:
			l.orphaned.Add(1)
			l.metrics.IncOrphaned()
		}
		if res.Err != nil {
			failed = true
		}
		results = append(results, res)
	}

	if l.breaker != nil {
		if failed {
			l.breaker.RecordFailure()
		} else {
			l.breaker.RecordSuccess()
		}
	}
	return results, nil
}

func (l *Loop) processOne(ctx context.Context, n queuemgr.Notification) Result {
	lease, err := l.locker.Acquire(ctx, n.SessionID)
	if err != nil {
		if errors.Is(err, coordination.ErrSessionLocked) {
			l.metrics.IncLockContention()
			return Result{SessionID: n.SessionID, Outcome: OutcomeRescheduled}
		}
		return Result{SessionID: n.SessionID, Err: fmt.Errorf("worker: acquire lock %s: %w", n.SessionID, err)}
	}
	defer func() {
		if rerr := l.locker.Release(ctx, lease); rerr != nil && l.log != nil {
			l.log.Warnw("failed to release session lock", "session_id", n.SessionID, "error", rerr)
		}
	}()

	fc, err := flow.Load(ctx, l.st, n.SessionID)
	if err != nil {
		return Result{SessionID: n.SessionID, Err: fmt.Errorf("worker: load flow %s: %w", n.SessionID, err)}
	}
	if fc == nil {
		mgr := queuemgr.NewManager(l.st, l.sched, nil)
		if derr := mgr.DeleteNotification(ctx, n.SessionID, &n.Timestamp, &n.Timestamp); derr != nil {
			return Result{SessionID: n.SessionID, Err: derr}
		}
		if ferr := mgr.Flush(ctx); ferr != nil {
			return Result{SessionID: n.SessionID, Err: ferr}
		}
		return Result{SessionID: n.SessionID, Outcome: OutcomeOrphaned}
	}

	mgr := queuemgr.NewManager(l.st, l.sched, nil)
	runner := l.newRunner(mgr)

	if perr := flow.ProcessCompletedRequests(ctx, runner, fc, n, l.cfg); perr != nil {
		return Result{SessionID: n.SessionID, Err: perr}
	}
	if derr := mgr.DeleteNotification(ctx, n.SessionID, &n.Timestamp, &n.Timestamp); derr != nil {
		return Result{SessionID: n.SessionID, Err: derr}
	}
	if ferr := runner.Flush(ctx); ferr != nil {
		return Result{SessionID: n.SessionID, Err: ferr}
	}
	return Result{SessionID: n.SessionID, Outcome: OutcomeProcessed}
}
