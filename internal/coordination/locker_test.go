package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(store.NewMemoryStore(), time.Minute)

	lease, err := l.Acquire(ctx, "aff4:/hunts/flows/H:1")
	require.NoError(t, err)
	require.Equal(t, int64(1), lease.Epoch)

	_, err = l.Acquire(ctx, "aff4:/hunts/flows/H:1")
	require.ErrorIs(t, err, ErrSessionLocked)

	require.NoError(t, l.Release(ctx, lease))

	lease2, err := l.Acquire(ctx, "aff4:/hunts/flows/H:1")
	require.NoError(t, err)
	require.Equal(t, int64(2), lease2.Epoch, "epoch advances across acquisitions")
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(store.NewMemoryStore(), 10*time.Second)
	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }

	lease, err := l.Acquire(ctx, "s1")
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(20 * time.Second) }
	lease2, err := l.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.NotEqual(t, lease.Owner, lease2.Owner)
	require.Equal(t, lease.Epoch+1, lease2.Epoch)
}

func TestReleaseAfterFencedOutIsNoop(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(store.NewMemoryStore(), 10*time.Second)
	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }

	lease, err := l.Acquire(ctx, "s1")
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(20 * time.Second) }
	lease2, err := l.Acquire(ctx, "s1")
	require.NoError(t, err)

	// The original (now-expired) owner releasing must not disturb lease2.
	require.NoError(t, l.Release(ctx, lease))

	_, err = l.Acquire(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionLocked, "lease2 must still be held")

	require.NoError(t, l.Release(ctx, lease2))
}
