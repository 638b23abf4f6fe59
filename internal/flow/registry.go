package flow

import (
	"context"

	"github.com/glassCodeBender/grr/internal/queuemgr"
)

// Args is the payload handed to a state method: the request's GrrMessage
// responses (already contiguity-checked by the caller) plus the originating
// RequestState for access to request.data carried across CallState.
type Args struct {
	Request   queuemgr.RequestState
	Responses []queuemgr.GrrMessage
}

// StateFunc is one named step of a flow's state machine (spec.md §2/§5):
// given the current context and the responses that triggered re-entry, it
// drives the flow forward via r and returns an error only for conditions
// RunStateMethod should treat as fatal (wrapped into Error()).
type StateFunc func(ctx context.Context, r *Runner, fc *FlowContext, args Args) error

// Registry maps a flow's current_state name to its handler. One Registry
// is shared read-only across every Runner for a given flow type; it holds
// no per-invocation state of its own.
type Registry map[string]StateFunc

// Lookup returns the handler for state, or a *MissingStateError wrapping
// ErrMissingState if none is registered.
func (reg Registry) Lookup(state string) (StateFunc, error) {
	fn, ok := reg[state]
	if !ok {
		return nil, &MissingStateError{State: state}
	}
	return fn, nil
}
