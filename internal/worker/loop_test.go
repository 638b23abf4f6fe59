package worker

import (
	"context"
	"testing"
	"time"

	"github.com/glassCodeBender/grr/internal/config"
	"github.com/glassCodeBender/grr/internal/coordination"
	"github.com/glassCodeBender/grr/internal/flow"
	"github.com/glassCodeBender/grr/internal/queue"
	"github.com/glassCodeBender/grr/internal/queuemgr"
	"github.com/glassCodeBender/grr/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T, registry flow.Registry) (*Loop, store.Store, *queue.Scheduler) {
	t.Helper()
	st := store.NewMemoryStore()
	sched := queue.NewScheduler(st, nil)
	locker := coordination.NewLocker(st, time.Minute)
	newRunner := func(mgr *queuemgr.Manager) *flow.Runner {
		return flow.NewRunner(mgr, st, flow.NewLimiter(), registry, nil, nil, nil, nil)
	}
	l := NewLoop(st, sched, locker, newRunner, config.Default().Worker, nil, nil)
	return l, st, sched
}

func TestTickProcessesDueNotification(t *testing.T) {
	ctx := context.Background()
	var ran bool
	registry := flow.Registry{
		"Done": func(ctx context.Context, r *flow.Runner, fc *flow.FlowContext, args flow.Args) error {
			ran = true
			return nil
		},
		"End": func(ctx context.Context, r *flow.Runner, fc *flow.FlowContext, args flow.Args) error {
			return nil
		},
	}
	l, st, sched := newTestLoop(t, registry)

	session := "aff4:/hunts/flows/H:1"
	fc := flow.New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	fc.NextProcessedRequest = 1
	fc.OutstandingRequests = 1
	require.NoError(t, flow.Save(ctx, st, fc))

	mgr := queuemgr.NewManager(st, sched, nil)
	require.NoError(t, mgr.QueueRequest(ctx, session, &queuemgr.RequestState{ID: 1, SessionID: session, NextState: "Done"}, nil))
	require.NoError(t, mgr.QueueResponse(ctx, session, &queuemgr.GrrMessage{SessionID: session, RequestID: 1, ResponseID: 1, Type: queuemgr.MessageStatus}, nil))
	require.NoError(t, mgr.QueueNotification(ctx, session, queuemgr.NotificationOptions{}))
	require.NoError(t, mgr.Flush(ctx))

	results, err := l.Tick(ctx, "hunts", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeProcessed, results[0].Outcome)
	require.NoError(t, results[0].Err)
	require.True(t, ran)

	reloaded, err := flow.Load(ctx, st, session)
	require.NoError(t, err)
	require.Equal(t, flow.StateTerminated, reloaded.State)
}

func TestTickReschedulesWhenSessionLocked(t *testing.T) {
	ctx := context.Background()
	l, st, sched := newTestLoop(t, flow.Registry{})

	session := "aff4:/hunts/flows/H:2"
	fc := flow.New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	require.NoError(t, flow.Save(ctx, st, fc))

	mgr := queuemgr.NewManager(st, sched, nil)
	require.NoError(t, mgr.QueueNotification(ctx, session, queuemgr.NotificationOptions{}))
	require.NoError(t, mgr.Flush(ctx))

	otherLocker := coordination.NewLocker(st, time.Minute)
	lease, err := otherLocker.Acquire(ctx, session)
	require.NoError(t, err)
	defer otherLocker.Release(ctx, lease)

	results, err := l.Tick(ctx, "hunts", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeRescheduled, results[0].Outcome)
	require.Equal(t, uint64(1), l.Stats().Rescheduled)
}

func TestTickDropsOrphanedNotification(t *testing.T) {
	ctx := context.Background()
	l, st, sched := newTestLoop(t, flow.Registry{})

	session := "aff4:/hunts/flows/H:never-started"
	mgr := queuemgr.NewManager(st, sched, nil)
	require.NoError(t, mgr.QueueNotification(ctx, session, queuemgr.NotificationOptions{}))
	require.NoError(t, mgr.Flush(ctx))

	results, err := l.Tick(ctx, "hunts", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeOrphaned, results[0].Outcome)

	remaining, err := mgr.FetchNotifications(ctx, "hunts", time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Equal(t, uint64(1), l.Stats().Orphaned)
}
