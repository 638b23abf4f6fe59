package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glassCodeBender/grr/internal/config"
	"github.com/glassCodeBender/grr/internal/queuemgr"
)

// ProcessCompletedRequests is the completed-request processor of
// spec.md §4.3 — the heart of the state machine. It is invoked once per
// notification by the worker loop, which holds the session lock for its
// duration and is responsible for flushing afterward. Queue and
// flow-context mutations are buffered into the shared MutationPool; the
// exceptions are the flushes destroyFlowStatesPaged makes at
// DestroyFlowStates page boundaries, and the collection and client-task
// writes that state methods make through the Runner, which reach the
// Store directly.
func ProcessCompletedRequests(ctx context.Context, r *Runner, fc *FlowContext, notification queuemgr.Notification, cfg config.WorkerConfig) (err error) {
	now := r.now()

	// 1. Install the kill watchdog: if this invocation never returns
	// (worker crash, infinite loop in a state method), a later worker
	// sees this notification and may force-terminate the flow.
	killAt := now.Add(cfg.StuckFlowsTimeout)
	if qerr := r.manager.QueueNotification(ctx, fc.SessionID, queuemgr.NotificationOptions{Timestamp: &killAt, InProgress: true}); qerr != nil {
		return fmt.Errorf("flow: install kill watchdog: %w", qerr)
	}
	fc.KillTimestamp = &killAt

	defer func() {
		if cerr := finalizeNotification(ctx, r, fc, notification, cfg); err == nil {
			err = cerr
		}
		if serr := SaveBuffered(r.manager.Pool(), fc); err == nil {
			err = serr
		}
	}()

	// 2. Purge client tasks for requests already completed as of the
	// driving notification's timestamp.
	completed, cerr := r.manager.FetchCompletedRequests(ctx, fc.SessionID, &notification.Timestamp)
	if cerr != nil {
		return cerr
	}
	for _, cr := range completed {
		if cr.Request.Request != nil && cr.Request.Request.TaskID != nil && cr.Request.ClientID != "" {
			if derr := r.manager.DeQueueClientRequest(ctx, cr.Request.ClientID, *cr.Request.Request.TaskID); derr != nil {
				return derr
			}
		}
	}

	// 3. A flow that is no longer RUNNING only needs its durable state
	// torn down; no further state dispatch happens.
	if fc.State != StateRunning {
		return destroyFlowStatesPaged(ctx, r, fc.SessionID)
	}

	// 4. Drive the state machine forward one request at a time, in
	// strict request.id order.
	pairs, perr := r.manager.FetchCompletedResponses(ctx, fc.SessionID, &notification.Timestamp)
	if perr != nil {
		return perr
	}

	for _, pair := range pairs {
		req := pair.Request
		responses := pair.Responses

		if req.ID == 0 {
			continue
		}
		if req.ID > fc.NextProcessedRequest {
			// Arrived out of order: wait for the missing predecessor.
			r.metrics.IncResponseOutOfOrder()
			break
		}
		if req.ID < fc.NextProcessedRequest {
			// Already processed (a re-delivered notification); drop it.
			if derr := r.manager.DeleteRequest(ctx, fc.SessionID, req.ID); derr != nil {
				return derr
			}
			continue
		}

		if !queuemgr.IsComplete(responses) {
			if req.TransmissionCount < 5 {
				req.TransmissionCount++
				if derr := r.manager.QueueRequest(ctx, fc.SessionID, &req, nil); derr != nil {
					return derr
				}
				r.metrics.IncRetransmission()
				break
			}
			// Exhausted retransmits: this request will never complete.
			// Abandon it and advance past it rather than stall forever.
			if derr := r.manager.DeleteRequest(ctx, fc.SessionID, req.ID); derr != nil {
				return derr
			}
			fc.NextProcessedRequest++
			fc.OutstandingRequests--
			continue
		}

		fc.CurrentState = req.NextState
		if stateErr := r.RunStateMethod(ctx, fc, req.NextState, Args{Request: req, Responses: responses}); stateErr != nil {
			return r.Error(ctx, fc, stateErr, fmt.Sprintf("state %q: %v", req.NextState, stateErr))
		}
		runPluginHost(ctx, r, fc)

		overBudget := false
		for _, resp := range responses {
			if resp.IsTerminal() && !saveResourceUsage(fc, r.limiter, r.now(), resp) {
				overBudget = true
			}
		}
		if limitErr := enforceResourceLimits(r, fc, overBudget); limitErr != nil {
			return r.Error(ctx, fc, limitErr, fmt.Sprintf("state %q: %v", req.NextState, limitErr))
		}

		if derr := r.manager.DeleteRequest(ctx, fc.SessionID, req.ID); derr != nil {
			return derr
		}
		fc.NextProcessedRequest++
		fc.OutstandingRequests--
	}

	// 5. A flow with nothing left outstanding runs its End state exactly
	// once, then terminates unless End issued new work.
	if fc.State == StateRunning && fc.OutstandingRequests == 0 && fc.CurrentState != "End" {
		fc.CurrentState = "End"
		if endErr := r.RunStateMethod(ctx, fc, "End", Args{}); endErr != nil {
			return r.Error(ctx, fc, endErr, fmt.Sprintf("End: %v", endErr))
		}
		runPluginHost(ctx, r, fc)

		if fc.State == StateRunning && fc.OutstandingRequests == 0 {
			return r.Terminate(ctx, fc, "OK")
		}
	}

	return nil
}

func runPluginHost(ctx context.Context, r *Runner, fc *FlowContext) {
	replies := r.takePendingReplies()
	if r.pluginHost == nil || len(replies) == 0 {
		return
	}
	if perr := r.pluginHost.Run(ctx, fc, replies); perr != nil && r.log != nil {
		r.log.Warnw("output plugin batch failed", "session_id", fc.SessionID, "error", perr)
	}
}

// destroyFlowStatesPaged drives DestroyFlowStates to completion, flushing
// and re-driving the scan whenever it reports a page boundary (spec.md
// §4.2/§4.3 step 6's MoreDataException handling).
func destroyFlowStatesPaged(ctx context.Context, r *Runner, sessionID string) error {
	for {
		err := r.manager.DestroyFlowStates(ctx, sessionID)
		if err == nil {
			return nil
		}
		var more *queuemgr.MoreDataError
		if !errors.As(err, &more) {
			return err
		}
		if ferr := r.manager.Flush(ctx); ferr != nil {
			return ferr
		}
	}
}

// finalizeNotification is step 7's finally block: clear the kill
// watchdog, and — if the flow is still running and the driving
// notification implies there may be later work (last_status exceeds what
// we've processed) — re-queue it with a decremented ttl, dropping it once
// the budget is exhausted.
func finalizeNotification(ctx context.Context, r *Runner, fc *FlowContext, notification queuemgr.Notification, cfg config.WorkerConfig) error {
	if fc.KillTimestamp != nil {
		killAt := *fc.KillTimestamp
		if err := r.manager.DeleteNotification(ctx, fc.SessionID, &killAt, &killAt); err != nil {
			return err
		}
		fc.KillTimestamp = nil
	}

	if fc.State == StateRunning && notification.LastStatus != nil && *notification.LastStatus >= fc.NextProcessedRequest {
		if notification.TTL-1 > 0 {
			when := r.now().Add(cfg.NotificationRetryInterval)
			opts := queuemgr.NotificationOptions{Timestamp: &when, LastStatus: notification.LastStatus, TTL: notification.TTL - 1}
			if err := r.manager.QueueNotification(ctx, fc.SessionID, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

// statusUsage is the resource-accounting payload a terminal STATUS
// message carries, per spec.md §4.3's SaveResourceUsage.
type statusUsage struct {
	UserCPUTime      float64 `json:"user_cpu_time"`
	SystemCPUTime    float64 `json:"system_cpu_time"`
	NetworkBytesSent int64   `json:"network_bytes_sent"`
}

// saveResourceUsage adds status's reported usage to fc's totals and
// charges it to the limiter. It returns false when that usage exceeded
// what was left of a tracked budget.
func saveResourceUsage(fc *FlowContext, limiter *Limiter, now time.Time, status queuemgr.GrrMessage) bool {
	var u statusUsage
	if len(status.Payload) > 0 {
		// Malformed usage payloads contribute zero usage rather than
		// failing the flow; resource accounting is best-effort.
		_ = json.Unmarshal(status.Payload, &u)
	}
	fc.ClientResources.UserCPUTime += u.UserCPUTime
	fc.ClientResources.SystemCPUTime += u.SystemCPUTime
	fc.ClientResources.NetworkBytesSent += u.NetworkBytesSent
	ok := limiter.Consume(fc.SessionID, now, u.UserCPUTime+u.SystemCPUTime, u.NetworkBytesSent)
	fc.RemainingCPUQuota, fc.NetworkBytesLimit = limiter.Remaining(fc.SessionID, now)
	return ok
}

// enforceResourceLimits reports ErrLimitExceeded once the usage just
// recorded exceeded what was left of the flow's configured cpu or network
// budget (overBudget) or drove that budget to zero (spec.md §4.3: "If a
// configured cpu_limit or network_bytes_limit is exceeded... the flow is
// Error-terminated").
func enforceResourceLimits(r *Runner, fc *FlowContext, overBudget bool) error {
	if overBudget || r.limiter.Exhausted(fc.SessionID, r.now()) {
		return ErrLimitExceeded
	}
	return nil
}
