package flow

import "errors"

// Error kinds per spec.md §7. MissingState/LimitExceeded/BadMessage/
// Unauthorized are fatal and route to Error(backtrace). MoreData is handled
// inside ProcessCompletedRequests (DestroyFlowStates paging) and never
// escapes it; a store failure is returned from ProcessCompletedRequests to
// its caller, and the worker loop then leaves the driving notification in
// place for a later tick.
var (
	ErrMissingState   = errors.New("flow: state method not defined")
	ErrLimitExceeded  = errors.New("flow: resource budget exhausted")
	ErrBadMessage     = errors.New("flow: payload does not match expected schema")
	ErrUnauthorized   = errors.New("flow: operation not authorized")
	ErrTransientStore = errors.New("flow: transient store failure")
)

// MissingStateError names the state that was not found, for log context.
type MissingStateError struct {
	State string
}

func (e *MissingStateError) Error() string { return "flow: missing state method " + e.State }
func (e *MissingStateError) Unwrap() error { return ErrMissingState }
