package flow

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// cpuScale converts fractional cpu-seconds into the integer token units
// rate.Limiter's burst/AllowN expect, giving microsecond-level precision.
const cpuScale = 1e6

// Limiter tracks each flow's remaining client_resources budget. It is
// adapted from the teacher's TokenBucketLimiter
// (control_plane/scheduler/limiter.go) — same per-key map of
// *rate.Limiter guarded by one mutex — but the "token" no longer means
// "requests per second": each limiter is constructed with rate.Limit(0)
// (it never refills) and a burst equal to the flow's initial quota, so
// AllowN becomes a one-shot atomic decrement of a resource budget rather
// than an admission-pacing check.
type Limiter struct {
	mu  sync.Mutex
	cpu map[string]*rate.Limiter
	net map[string]*rate.Limiter
}

// NewLimiter returns an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{cpu: make(map[string]*rate.Limiter), net: make(map[string]*rate.Limiter)}
}

// Init configures session's budget. A zero quota on either dimension
// means "unlimited" for that dimension, per spec.md's optional
// cpu_limit/network_bytes_limit.
func (l *Limiter) Init(sessionID string, cpuQuotaSeconds float64, networkQuotaBytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cpuQuotaSeconds > 0 {
		l.cpu[sessionID] = rate.NewLimiter(rate.Limit(0), int(cpuQuotaSeconds*cpuScale))
	}
	if networkQuotaBytes > 0 {
		l.net[sessionID] = rate.NewLimiter(rate.Limit(0), int(networkQuotaBytes))
	}
}

// Consume atomically deducts usage from session's remaining budget
// (called from SaveResourceUsage as STATUS responses report actual
// consumption). Usage that fits what is left, including usage that uses
// up exactly the remainder, is deducted and reports ok. ok is false when
// usage exceeds what is left on a tracked dimension; that dimension is
// then not charged, and the caller should terminate the flow with
// LimitExceeded.
func (l *Limiter) Consume(sessionID string, now time.Time, usedCPUSeconds float64, usedNetworkBytes int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok := true
	if lim, tracked := l.cpu[sessionID]; tracked {
		if !lim.AllowN(now, int(usedCPUSeconds*cpuScale)) {
			ok = false
		}
	}
	if lim, tracked := l.net[sessionID]; tracked {
		if !lim.AllowN(now, int(usedNetworkBytes)) {
			ok = false
		}
	}
	return ok
}

// Remaining reports session's remaining budget for stamping onto an
// outbound GrrMessage's cpu_limit/network_bytes_limit fields. A dimension
// with no configured quota reports as unbounded.
func (l *Limiter) Remaining(sessionID string, now time.Time) (cpuSeconds float64, networkBytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, tracked := l.cpu[sessionID]; tracked {
		cpuSeconds = math.Max(lim.TokensAt(now)/cpuScale, 0)
	} else {
		cpuSeconds = math.MaxFloat64
	}
	if lim, tracked := l.net[sessionID]; tracked {
		networkBytes = int64(math.Max(lim.TokensAt(now), 0))
	} else {
		networkBytes = math.MaxInt64
	}
	return cpuSeconds, networkBytes
}

// Exhausted reports whether either dimension has hit zero for a tracked
// session.
func (l *Limiter) Exhausted(sessionID string, now time.Time) bool {
	cpu, net := l.Remaining(sessionID, now)
	l.mu.Lock()
	_, cpuTracked := l.cpu[sessionID]
	_, netTracked := l.net[sessionID]
	l.mu.Unlock()
	return (cpuTracked && cpu <= 0) || (netTracked && net <= 0)
}
