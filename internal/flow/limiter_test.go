package flow

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterConsumeAndRemaining(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	l.Init("s1", 2.0, 1000)

	require.True(t, l.Consume("s1", now, 0.5, 200))
	cpu, net := l.Remaining("s1", now)
	require.InDelta(t, 1.5, cpu, 0.001)
	require.Equal(t, int64(800), net)
	require.False(t, l.Exhausted("s1", now))

	require.True(t, l.Consume("s1", now, 1.5, 800))
	require.True(t, l.Exhausted("s1", now))

	require.False(t, l.Consume("s1", now, 0.1, 0), "budget already exhausted")
}

func TestLimiterUntrackedDimensionIsUnbounded(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	l.Init("s2", 0, 0)

	cpu, net := l.Remaining("s2", now)
	require.Equal(t, math.MaxFloat64, cpu)
	require.Equal(t, int64(math.MaxInt64), net)
	require.False(t, l.Exhausted("s2", now))
}
