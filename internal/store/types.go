// Package store abstracts the ordered key/column data store the core runs
// on top of. Subjects are row keys (typically a session or queue URN),
// columns are named attributes within a subject, and values are opaque
// bytes — callers own serialization.
package store

import (
	"context"
	"time"
)

// Store is the contract the scheduler, queue manager and flow runner build
// on. It deliberately knows nothing about tasks, flows or sessions — those
// are higher-level concepts layered on top of subject/column rows.
type Store interface {
	// Resolve reads a single column. Returns (nil, nil) if the subject or
	// column does not exist — a missing row is not an error.
	Resolve(ctx context.Context, subject, column string) ([]byte, error)

	// ResolveRegex scans all columns under subject matching columnPrefix
	// and returns them keyed by full column name.
	ResolveRegex(ctx context.Context, subject, columnPrefix string) (map[string][]byte, error)

	// MultiSet writes several columns of subject in one call.
	MultiSet(ctx context.Context, subject string, cols map[string][]byte) error

	// DeleteAttributes removes columns from subject. If start/end are
	// non-nil, only rows whose recorded timestamp falls in [start, end]
	// are removed (used for time-ranged notification cleanup).
	DeleteAttributes(ctx context.Context, subject string, cols []string, start, end *time.Time) error

	// CompareAndSet atomically replaces column's value with newVal only if
	// its current value equals oldVal (nil oldVal means "column absent").
	// Returns false, nil on a CAS miss — not an error.
	CompareAndSet(ctx context.Context, subject, column string, oldVal, newVal []byte) (bool, error)

	// GetMutationPool returns a batch handle that buffers writes for a
	// single Flush. One pool per top-level flow invocation.
	GetMutationPool() MutationPool
}

// MutationPool buffers mutations so a single logical unit of work (e.g. one
// ProcessCompletedRequests call) commits atomically from the caller's
// perspective once Flush is called.
type MutationPool interface {
	Set(subject, column string, value []byte)
	Delete(subject string, columns []string)
	Flush(ctx context.Context) error
	// Pending reports whether any mutation has been buffered since the
	// last Flush.
	Pending() bool
}

// ErrNotFound is never returned by Resolve (missing is (nil, nil)); it is
// reserved for operations — like CompareAndSet preconditions — where the
// caller explicitly needs to distinguish "never existed" from "deleted".
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: subject/column not found" }
