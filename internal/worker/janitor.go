package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glassCodeBender/grr/internal/coordination"
	"github.com/glassCodeBender/grr/internal/flow"
	"github.com/glassCodeBender/grr/internal/queue"
	"github.com/glassCodeBender/grr/internal/queuemgr"
	"github.com/glassCodeBender/grr/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor reclaims kill-watchdog notifications a crashed or hung worker
// left behind. Grounded on control_plane/coordination/janitor.go's
// LockJanitor, whose job was a literal Store-wide scan for stale/fenced
// lock rows via Coordinator.ScanLocks — a primitive this Store contract
// has no equivalent for (ResolveRegex only scans columns within one
// already-known subject, never across subjects). The notification queue
// is, by contrast, already a single known subject per queue
// ("notifyqueue:<queue>"), so the janitor sweeps that instead of locks
// directly: any in_progress notification whose deadline has passed is, by
// construction, a kill watchdog that never got cleared by
// finalizeNotification, meaning the worker that installed it either
// crashed or is still stuck inside a state method.
//
// Scheduled via robfig/cron/v3 rather than a bare time.Ticker (enrichment
// from zkoranges-go-claw's cron.Scheduler, itself a robfig/cron/v3 wrapper
// over a persistence store's due-schedule scan).
type Janitor struct {
	st      store.Store
	sched   *queue.Scheduler
	locker  *coordination.Locker
	queues  []string
	metrics LoopMetrics
	log     *zap.SugaredLogger
	now     func() time.Time

	cron     *cron.Cron
	reclaims atomic.Uint64
}

// Stats reports this janitor's reclaim counter.
func (j *Janitor) Stats() uint64 { return j.reclaims.Load() }

// NewJanitor builds a Janitor that sweeps the given notification queues.
// Start schedules the sweep on spec, a standard 5-field cron expression
// (e.g. "*/1 * * * *" for every minute, matching the teacher's 60-second
// LockJanitor interval).
func NewJanitor(st store.Store, sched *queue.Scheduler, locker *coordination.Locker, queues []string, metrics LoopMetrics, log *zap.SugaredLogger) *Janitor {
	if metrics == nil {
		metrics = noopLoopMetrics{}
	}
	return &Janitor{
		st:      st,
		sched:   sched,
		locker:  locker,
		queues:  queues,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		cron:    cron.New(),
	}
}

// Start schedules the sweep at spec and begins running it in the
// background. Call Stop to end the schedule; it does not wait for an
// in-flight sweep to finish (matching LockJanitor.Start's fire-and-forget
// goroutine).
func (j *Janitor) Start(ctx context.Context, spec string) error {
	_, err := j.cron.AddFunc(spec, func() { j.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("worker: schedule janitor %q: %w", spec, err)
	}
	j.cron.Start()
	return nil
}

// Stop ends the cron schedule.
func (j *Janitor) Stop() {
	j.cron.Stop()
}

// Sweep runs one pass over every configured queue, reclaiming any
// in_progress notification whose deadline has already passed.
func (j *Janitor) Sweep(ctx context.Context) {
	for _, queueName := range j.queues {
		if err := j.sweepQueue(ctx, queueName); err != nil && j.log != nil {
			j.log.Warnw("janitor sweep failed", "queue", queueName, "error", err)
		}
	}
}

func (j *Janitor) sweepQueue(ctx context.Context, queueName string) error {
	mgr := queuemgr.NewManager(j.st, j.sched, j.log)
	notifications, err := mgr.FetchNotifications(ctx, queueName, j.now(), 0)
	if err != nil {
		return fmt.Errorf("worker: janitor fetch notifications on %s: %w", queueName, err)
	}

	for _, n := range notifications {
		if !n.InProgress {
			continue
		}
		j.reclaim(ctx, n)
	}
	return nil
}

// reclaim force-terminates a flow whose kill watchdog fired without being
// cleared. A session still held by a live worker is left alone — that
// worker's own finally block, not the janitor, is responsible for it.
func (j *Janitor) reclaim(ctx context.Context, n queuemgr.Notification) {
	lease, err := j.locker.Acquire(ctx, n.SessionID)
	if err != nil {
		if errors.Is(err, coordination.ErrSessionLocked) {
			j.metrics.IncLockContention()
		} else if j.log != nil {
			j.log.Warnw("janitor: lock acquire failed", "session_id", n.SessionID, "error", err)
		}
		return
	}
	defer func() {
		if rerr := j.locker.Release(ctx, lease); rerr != nil && j.log != nil {
			j.log.Warnw("janitor: lock release failed", "session_id", n.SessionID, "error", rerr)
		}
	}()

	fc, err := flow.Load(ctx, j.st, n.SessionID)
	if err != nil {
		if j.log != nil {
			j.log.Warnw("janitor: load flow failed", "session_id", n.SessionID, "error", err)
		}
		return
	}

	mgr := queuemgr.NewManager(j.st, j.sched, j.log)
	if fc == nil || fc.State != flow.StateRunning {
		if derr := mgr.DeleteNotification(ctx, n.SessionID, &n.Timestamp, &n.Timestamp); derr != nil && j.log != nil {
			j.log.Warnw("janitor: delete stale notification failed", "session_id", n.SessionID, "error", derr)
			return
		}
		if ferr := mgr.Flush(ctx); ferr != nil && j.log != nil {
			j.log.Warnw("janitor: flush failed", "session_id", n.SessionID, "error", ferr)
		}
		return
	}

	runner := flow.NewRunner(mgr, j.st, flow.NewLimiter(), flow.Registry{}, nil, nil, nil, j.log)
	if err := runner.Error(ctx, fc, fmt.Errorf("worker: flow %s killed by janitor after stuck_flows_timeout", n.SessionID), "killed by janitor: stuck_flows_timeout exceeded"); err != nil && j.log != nil {
		j.log.Warnw("janitor: force error failed", "session_id", n.SessionID, "error", err)
	} else {
		j.reclaims.Add(1)
		j.metrics.IncJanitorReclaim()
	}
	if err := flow.SaveBuffered(mgr.Pool(), fc); err != nil && j.log != nil {
		j.log.Warnw("janitor: save killed flow failed", "session_id", n.SessionID, "error", err)
	}
	if derr := mgr.DeleteNotification(ctx, n.SessionID, &n.Timestamp, &n.Timestamp); derr != nil && j.log != nil {
		j.log.Warnw("janitor: delete kill notification failed", "session_id", n.SessionID, "error", derr)
	}
	if ferr := mgr.Flush(ctx); ferr != nil && j.log != nil {
		j.log.Warnw("janitor: flush failed", "session_id", n.SessionID, "error", ferr)
	}
}
