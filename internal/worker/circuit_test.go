package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensPastThreshold(t *testing.T) {
	cb := NewCircuitBreaker(10)
	require.True(t, cb.ShouldAdmit(5))
	require.Equal(t, CircuitClosed, cb.State())

	require.False(t, cb.ShouldAdmit(11))
	require.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(10)
	cb.ShouldAdmit(11)
	require.Equal(t, CircuitOpen, cb.State())

	cb.cooldownPeriod = time.Millisecond
	time.Sleep(2 * time.Millisecond)

	require.True(t, cb.ShouldAdmit(11))
	require.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(10)
	cb.state = CircuitHalfOpen
	cb.testLimit = 2

	require.True(t, cb.ShouldAdmit(1))
	require.True(t, cb.ShouldAdmit(1))
	cb.RecordSuccess()
	require.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(10)
	cb.state = CircuitHalfOpen

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
}
