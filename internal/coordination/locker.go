// Package coordination provides the per-session exclusive lock the worker
// loop holds for the duration of one ProcessCompletedRequests invocation
// (spec.md §5 "serialized by a coarse lock on the session row").
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
	"github.com/google/uuid"
)

// ErrSessionLocked is returned by Acquire when another owner currently
// holds an unexpired lease on the session. It is not an error condition
// for the caller — the worker loop treats it as "reschedule later"
// (spec.md §4.4).
var ErrSessionLocked = errors.New("coordination: session locked by another owner")

// Lease is a held claim on a session row, fenced by a monotonically
// increasing epoch so a lease-holder that outlives its TTL can never
// silently clobber a successor's writes.
type Lease struct {
	SessionID string
	Owner     string
	Epoch     int64
	ExpiresAt time.Time
}

type lockMeta struct {
	Owner     string    `json:"owner"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

func lockSubject(sessionID string) string { return "lock:" + sessionID }

const lockColumn = "owner"

// Locker grants per-session exclusive leases over a Store, adapted from
// the teacher's global LeaderElector (control_plane/coordination/leader.go)
// down to N independently acquirable locks keyed by session id rather than
// one process-wide leadership lock.
type Locker struct {
	st  store.Store
	ttl time.Duration
	now func() time.Time
}

// NewLocker returns a Locker whose leases last ttl.
func NewLocker(st store.Store, ttl time.Duration) *Locker {
	return &Locker{st: st, ttl: ttl, now: time.Now}
}

// Acquire claims sessionID's lock if it is free or expired. A lease held
// by someone else and not yet expired yields ErrSessionLocked, never a
// hard error.
func (l *Locker) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	subject := lockSubject(sessionID)

	raw, err := l.st.Resolve(ctx, subject, lockColumn)
	if err != nil {
		return nil, fmt.Errorf("coordination: resolve lock %s: %w", sessionID, err)
	}

	var epoch int64
	now := l.now()
	if raw != nil {
		var meta lockMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("coordination: decode lock %s: %w", sessionID, err)
		}
		if meta.Owner != "" && meta.ExpiresAt.After(now) {
			return nil, ErrSessionLocked
		}
		epoch = meta.Epoch
	}

	newMeta := lockMeta{Owner: uuid.NewString(), Epoch: epoch + 1, ExpiresAt: now.Add(l.ttl)}
	newRaw, err := json.Marshal(newMeta)
	if err != nil {
		return nil, fmt.Errorf("coordination: encode lock %s: %w", sessionID, err)
	}

	won, err := l.st.CompareAndSet(ctx, subject, lockColumn, raw, newRaw)
	if err != nil {
		return nil, fmt.Errorf("coordination: cas lock %s: %w", sessionID, err)
	}
	if !won {
		return nil, ErrSessionLocked
	}

	return &Lease{SessionID: sessionID, Owner: newMeta.Owner, Epoch: newMeta.Epoch, ExpiresAt: newMeta.ExpiresAt}, nil
}

// Release gives up lease if it is still the current holder of record. A
// lease that was already reclaimed by a successor (fenced out) releases
// as a no-op rather than clobbering the successor's ownership.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	subject := lockSubject(lease.SessionID)

	raw, err := l.st.Resolve(ctx, subject, lockColumn)
	if err != nil {
		return fmt.Errorf("coordination: resolve lock %s: %w", lease.SessionID, err)
	}
	if raw == nil {
		return nil
	}
	var meta lockMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("coordination: decode lock %s: %w", lease.SessionID, err)
	}
	if meta.Owner != lease.Owner || meta.Epoch != lease.Epoch {
		return nil // fenced out already; nothing to release
	}

	released := lockMeta{Owner: "", Epoch: meta.Epoch, ExpiresAt: meta.ExpiresAt}
	newRaw, err := json.Marshal(released)
	if err != nil {
		return fmt.Errorf("coordination: encode release %s: %w", lease.SessionID, err)
	}
	if _, err := l.st.CompareAndSet(ctx, subject, lockColumn, raw, newRaw); err != nil {
		return fmt.Errorf("coordination: cas release %s: %w", lease.SessionID, err)
	}
	return nil
}
