package queue

import (
	"context"
	"testing"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewScheduler(store.NewMemoryStore(), nil)
	s.now = clock.Now
	return s, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// TestSingleTaskLeaseExpiry is spec.md §8 scenario 1.
func TestSingleTaskLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler(t)

	task := &Task{Queue: "q", Value: []byte("v"), Priority: 1, TTL: 5}
	require.NoError(t, s.Schedule(ctx, []*Task{task}))

	leased, err := s.QueryAndOwn(ctx, "q", 100*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, 4, leased[0].TTL)

	// Within 10s, lease still held: second QueryAndOwn returns none.
	clock.Advance(10 * time.Second)
	leased, err = s.QueryAndOwn(ctx, "q", 100*time.Second, 10)
	require.NoError(t, err)
	require.Empty(t, leased)

	// After the lease expires, each re-lease decrements TTL until the 5th
	// re-lease drops the task.
	for wantTTL := 3; wantTTL >= 0; wantTTL-- {
		clock.Advance(110 * time.Second)
		leased, err = s.QueryAndOwn(ctx, "q", 100*time.Second, 10)
		require.NoError(t, err)
		if wantTTL == 0 {
			// 5th re-lease (TTL decrements to 0): not returned, row gone.
			require.Empty(t, leased, "task should be dropped once ttl hits 0")
			continue
		}
		require.Len(t, leased, 1)
		require.Equal(t, wantTTL, leased[0].TTL)
	}

	clock.Advance(110 * time.Second)
	leased, err = s.QueryAndOwn(ctx, "q", 100*time.Second, 10)
	require.NoError(t, err)
	require.Empty(t, leased, "task must remain gone")

	count, err := s.RetransmitCount(ctx, "q", task.ID)
	require.NoError(t, err)
	require.Equal(t, 4, count, "4 re-leases happened after the initial lease")
}

// TestPriorityOrdering is spec.md §8 scenario 2.
func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Schedule(ctx, []*Task{{
			Queue: "q", Value: []byte("v"), Priority: i % 3, TTL: 5,
		}}))
	}

	first, err := s.QueryAndOwn(ctx, "q", time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for _, task := range first {
		require.Equal(t, 2, task.Priority)
	}

	second, err := s.QueryAndOwn(ctx, "q", time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, second, 3)
	for _, task := range second {
		require.Equal(t, 1, task.Priority)
	}

	third, err := s.QueryAndOwn(ctx, "q", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, third, 4)
	for _, task := range third {
		require.Equal(t, 0, task.Priority)
	}

	all, err := s.Query(ctx, "q", 100)
	require.NoError(t, err)
	require.Len(t, all, 10)
	want := []int{2, 2, 2, 1, 1, 1, 0, 0, 0, 0}
	for i, task := range all {
		require.Equal(t, want[i], task.Priority, "position %d", i)
	}
}

// TestDeleteConsumesLease is spec.md §8 scenario 3.
func TestDeleteConsumesLease(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler(t)

	task := &Task{Queue: "q", Value: []byte("v"), Priority: 0, TTL: 5}
	require.NoError(t, s.Schedule(ctx, []*Task{task}))

	leased, err := s.QueryAndOwn(ctx, "q", 10*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, s.Delete(ctx, "q", []uint64{task.ID}))

	clock.Advance(time.Minute)
	leased, err = s.QueryAndOwn(ctx, "q", 10*time.Second, 1)
	require.NoError(t, err)
	require.Empty(t, leased, "deleted task must never resurface, even after lease expiry")
}

// TestReschedulePreservesID is spec.md §8 scenario 4.
func TestReschedulePreservesID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	task := &Task{Queue: "q", Value: []byte("v"), Priority: 0, TTL: 5}
	require.NoError(t, s.Schedule(ctx, []*Task{task}))
	originalID := task.ID

	leased, err := s.QueryAndOwn(ctx, "q", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Still leased: second lease attempt fails.
	leased, err = s.QueryAndOwn(ctx, "q", time.Minute, 1)
	require.NoError(t, err)
	require.Empty(t, leased)

	// Re-scheduling the very same task resets its lease immediately.
	require.NoError(t, s.Schedule(ctx, []*Task{{ID: originalID, Queue: "q", Value: []byte("v2"), Priority: 0, TTL: 5}}))

	leased, err = s.QueryAndOwn(ctx, "q", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, originalID, leased[0].ID)
}
