package flow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glassCodeBender/grr/internal/config"
	"github.com/glassCodeBender/grr/internal/queue"
	"github.com/glassCodeBender/grr/internal/queuemgr"
	"github.com/glassCodeBender/grr/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, registry Registry) (*Runner, store.Store, *queuemgr.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	sched := queue.NewScheduler(st, nil)
	mgr := queuemgr.NewManager(st, sched, nil)
	r := NewRunner(mgr, st, NewLimiter(), registry, nil, nil, nil, nil)
	return r, st, mgr
}

func mustFlush(t *testing.T, mgr *queuemgr.Manager) {
	t.Helper()
	require.NoError(t, mgr.Flush(context.Background()))
}

// TestOutOfOrderResponsesDoNotAdvance exercises spec.md §8 scenario 5:
// with next_processed_request=3, a response for request 5 increments the
// out-of-order metric without advancing the counter; a response for
// request 2 is silently dropped (already processed); a response for
// request 3 invokes the state and advances to 4.
func TestOutOfOrderResponsesDoNotAdvance(t *testing.T) {
	ctx := context.Background()
	var ran []string
	registry := Registry{
		"Done": func(ctx context.Context, r *Runner, fc *FlowContext, args Args) error {
			ran = append(ran, fmt.Sprintf("req:%d", args.Request.ID))
			return nil
		},
	}
	r, st, mgr := newTestRunner(t, registry)
	session := "aff4:/hunts/flows/H:OOO"

	fc := New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	fc.NextProcessedRequest = 3
	fc.NextOutboundID = 6
	fc.OutstandingRequests = 3

	for _, id := range []uint64{2, 3, 5} {
		require.NoError(t, mgr.QueueRequest(ctx, session, &queuemgr.RequestState{ID: id, SessionID: session, NextState: "Done"}, nil))
		require.NoError(t, mgr.QueueResponse(ctx, session, &queuemgr.GrrMessage{SessionID: session, RequestID: id, ResponseID: 1, Type: queuemgr.MessageStatus}, nil))
	}
	mustFlush(t, mgr)

	notification := queuemgr.Notification{SessionID: session, Timestamp: time.Now().Add(time.Hour)}
	require.NoError(t, ProcessCompletedRequests(ctx, r, fc, notification, config.Default().Worker))

	require.Equal(t, []string{"req:3"}, ran)
	require.Equal(t, uint64(4), fc.NextProcessedRequest)
	require.Equal(t, 2, fc.OutstandingRequests)

	mustFlush(t, mgr)
	reloaded, err := Load(ctx, st, session)
	require.NoError(t, err)
	require.Equal(t, uint64(4), reloaded.NextProcessedRequest)
}

// TestGapDetectedRetriesThenCompletes exercises spec.md §8 scenario 6:
// request 7 arrives with responses {1,2,4}+STATUS (missing 3) — first
// pass increments transmission_count and does not invoke the state; once
// the missing response is supplied, the state runs and the counter
// advances.
func TestGapDetectedRetriesThenCompletes(t *testing.T) {
	ctx := context.Background()
	var ran int
	registry := Registry{
		"Done": func(ctx context.Context, r *Runner, fc *FlowContext, args Args) error {
			ran++
			return nil
		},
	}
	r, _, mgr := newTestRunner(t, registry)
	session := "aff4:/hunts/flows/H:GAP"

	fc := New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	fc.NextProcessedRequest = 7
	fc.OutstandingRequests = 1

	require.NoError(t, mgr.QueueRequest(ctx, session, &queuemgr.RequestState{ID: 7, SessionID: session, NextState: "Done"}, nil))
	for _, id := range []uint64{1, 2, 4} {
		typ := queuemgr.MessageData
		if id == 4 {
			typ = queuemgr.MessageStatus
		}
		require.NoError(t, mgr.QueueResponse(ctx, session, &queuemgr.GrrMessage{SessionID: session, RequestID: 7, ResponseID: id, Type: typ}, nil))
	}
	mustFlush(t, mgr)

	// Stamped after every response this test queues, including the late
	// response 3, so all of them fall inside (0, notification.Timestamp].
	notification := queuemgr.Notification{SessionID: session, Timestamp: time.Now().Add(time.Hour)}
	require.NoError(t, ProcessCompletedRequests(ctx, r, fc, notification, config.Default().Worker))

	require.Equal(t, 0, ran, "state must not run while a gap remains")
	require.Equal(t, uint64(7), fc.NextProcessedRequest)

	req, err := mgr.NextResponseID(ctx, session, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(5), req)

	require.NoError(t, mgr.QueueResponse(ctx, session, &queuemgr.GrrMessage{SessionID: session, RequestID: 7, ResponseID: 3, Type: queuemgr.MessageData}, nil))
	mustFlush(t, mgr)

	require.NoError(t, ProcessCompletedRequests(ctx, r, fc, notification, config.Default().Worker))
	require.Equal(t, 1, ran)
	require.Equal(t, uint64(8), fc.NextProcessedRequest)
	require.Equal(t, 0, fc.OutstandingRequests)
}

func TestTerminateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRunner(t, Registry{})
	fc := New("aff4:/hunts/flows/H:TERM", "user", "hunts", time.Unix(1_700_000_000, 0))

	require.NoError(t, r.Terminate(ctx, fc, "OK"))
	require.Equal(t, StateTerminated, fc.State)

	require.NoError(t, r.Terminate(ctx, fc, "OK"))
	require.Equal(t, StateTerminated, fc.State)
}

func TestMissingStateIsFatal(t *testing.T) {
	ctx := context.Background()
	r, _, mgr := newTestRunner(t, Registry{})
	session := "aff4:/hunts/flows/H:MISSING"

	fc := New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	fc.NextProcessedRequest = 1
	fc.OutstandingRequests = 1

	require.NoError(t, mgr.QueueRequest(ctx, session, &queuemgr.RequestState{ID: 1, SessionID: session, NextState: "NoSuchState"}, nil))
	require.NoError(t, mgr.QueueResponse(ctx, session, &queuemgr.GrrMessage{SessionID: session, RequestID: 1, ResponseID: 1, Type: queuemgr.MessageStatus}, nil))
	mustFlush(t, mgr)

	notification := queuemgr.Notification{SessionID: session, Timestamp: time.Now().Add(time.Hour)}
	require.NoError(t, ProcessCompletedRequests(ctx, r, fc, notification, config.Default().Worker))

	require.Equal(t, StateError, fc.State)
	require.Contains(t, fc.Backtrace, "NoSuchState")
}

func TestCallClientExhaustedBudgetFailsFast(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRunner(t, Registry{})
	session := "aff4:/hunts/flows/H:BUDGET"
	fc := New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	fc.ClientID = "C.1"

	r.limiter.Init(session, 1.0, 0)
	require.True(t, r.limiter.Consume(session, time.Now(), 1.0, 0))

	_, err := r.CallClient(ctx, fc, CallClientOptions{Action: "GetFile", NextState: "Done"})
	require.ErrorIs(t, err, ErrLimitExceeded)
}
