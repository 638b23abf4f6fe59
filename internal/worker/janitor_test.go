package worker

import (
	"context"
	"testing"
	"time"

	"github.com/glassCodeBender/grr/internal/coordination"
	"github.com/glassCodeBender/grr/internal/flow"
	"github.com/glassCodeBender/grr/internal/queue"
	"github.com/glassCodeBender/grr/internal/queuemgr"
	"github.com/glassCodeBender/grr/internal/store"
	"github.com/stretchr/testify/require"
)

func TestSweepReclaimsExpiredKillWatchdog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sched := queue.NewScheduler(st, nil)
	locker := coordination.NewLocker(st, time.Minute)

	session := "aff4:/hunts/flows/H:stuck"
	fc := flow.New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	require.NoError(t, flow.Save(ctx, st, fc))

	mgr := queuemgr.NewManager(st, sched, nil)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, mgr.QueueNotification(ctx, session, queuemgr.NotificationOptions{Timestamp: &past, InProgress: true}))
	require.NoError(t, mgr.Flush(ctx))

	j := NewJanitor(st, sched, locker, []string{"hunts"}, nil, nil)
	j.Sweep(ctx)

	reloaded, err := flow.Load(ctx, st, session)
	require.NoError(t, err)
	require.Equal(t, flow.StateError, reloaded.State)
	require.Contains(t, reloaded.Backtrace, "janitor")

	remaining, err := mgr.FetchNotifications(ctx, "hunts", time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Equal(t, uint64(1), j.Stats())
}

func TestSweepSkipsNotificationHeldByLiveWorker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sched := queue.NewScheduler(st, nil)
	locker := coordination.NewLocker(st, time.Minute)

	session := "aff4:/hunts/flows/H:live"
	fc := flow.New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	require.NoError(t, flow.Save(ctx, st, fc))

	mgr := queuemgr.NewManager(st, sched, nil)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, mgr.QueueNotification(ctx, session, queuemgr.NotificationOptions{Timestamp: &past, InProgress: true}))
	require.NoError(t, mgr.Flush(ctx))

	lease, err := locker.Acquire(ctx, session)
	require.NoError(t, err)
	defer locker.Release(ctx, lease)

	j := NewJanitor(st, sched, locker, []string{"hunts"}, nil, nil)
	j.Sweep(ctx)

	reloaded, err := flow.Load(ctx, st, session)
	require.NoError(t, err)
	require.Equal(t, flow.StateRunning, reloaded.State, "a live worker's own lock must not be preempted")
}

func TestSweepIgnoresNonKillNotifications(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sched := queue.NewScheduler(st, nil)
	locker := coordination.NewLocker(st, time.Minute)

	session := "aff4:/hunts/flows/H:normal"
	fc := flow.New(session, "user", "hunts", time.Unix(1_700_000_000, 0))
	require.NoError(t, flow.Save(ctx, st, fc))

	mgr := queuemgr.NewManager(st, sched, nil)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, mgr.QueueNotification(ctx, session, queuemgr.NotificationOptions{Timestamp: &past}))
	require.NoError(t, mgr.Flush(ctx))

	j := NewJanitor(st, sched, locker, []string{"hunts"}, nil, nil)
	j.Sweep(ctx)

	reloaded, err := flow.Load(ctx, st, session)
	require.NoError(t, err)
	require.Equal(t, flow.StateRunning, reloaded.State)

	remaining, err := mgr.FetchNotifications(ctx, "hunts", time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1, "a regular driving notification is the worker loop's job, not the janitor's")
}
