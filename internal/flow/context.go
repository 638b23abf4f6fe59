package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
)

// State is FlowContext's lifecycle state (spec.md §3).
type State string

const (
	StateRunning    State = "RUNNING"
	StateTerminated State = "TERMINATED"
	StateError      State = "ERROR"
)

// ClientResources accumulates what a flow's completed client requests
// have actually cost, per spec.md §3/§4.3 SaveResourceUsage.
type ClientResources struct {
	UserCPUTime      float64 `json:"user_cpu_time"`
	SystemCPUTime    float64 `json:"system_cpu_time"`
	NetworkBytesSent int64   `json:"network_bytes_sent"`
}

// OutputPluginState is one configured plugin's running log/error record
// (spec.md §4.5).
type OutputPluginState struct {
	Descriptor string   `json:"descriptor"`
	Logs       []string `json:"logs,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// FlowContext is the durable state of one flow instance (spec.md §3).
type FlowContext struct {
	SessionID            string    `json:"session_id"`
	CreateTime           time.Time `json:"create_time"`
	Creator              string    `json:"creator"`
	CurrentState         string    `json:"current_state"`
	State                State     `json:"state"`
	NextOutboundID       uint64    `json:"next_outbound_id"`
	NextProcessedRequest uint64    `json:"next_processed_request"`
	OutstandingRequests  int       `json:"outstanding_requests"`
	OutputPluginsStates  []OutputPluginState `json:"output_plugins_states,omitempty"`
	ClientResources      ClientResources     `json:"client_resources"`
	RemainingCPUQuota    float64   `json:"remaining_cpu_quota"`
	NetworkBytesLimit    int64     `json:"network_bytes_limit"`
	KillTimestamp        *time.Time `json:"kill_timestamp,omitempty"`
	UserNotified         bool       `json:"user_notified"`
	Backtrace            string     `json:"backtrace,omitempty"`

	// Parent linkage, resolved on demand per spec.md §9 — never a live
	// handle, only identifiers re-materialized from the Store.
	ParentSessionID string `json:"parent_session_id,omitempty"`
	ParentRequestID uint64 `json:"parent_request_id,omitempty"`
	SendReplies     bool   `json:"send_replies"`

	// Non-forensic fields every flow inherits from its parent (or from
	// the host at StartFlow) and that child flows propagate in turn.
	Queue                    string `json:"queue"`
	WriteIntermediateResults bool   `json:"write_intermediate_results"`
	ClientID                 string `json:"client_id,omitempty"`
}

const contextColumn = "context"

// New returns a freshly started FlowContext in state RUNNING, current
// state "Start", and both monotonic counters seeded at 1 per spec.md §3.
func New(sessionID, creator, queue string, now time.Time) *FlowContext {
	return &FlowContext{
		SessionID:            sessionID,
		CreateTime:           now,
		Creator:              creator,
		CurrentState:         "Start",
		State:                StateRunning,
		NextOutboundID:       1,
		NextProcessedRequest: 1,
		Queue:                queue,
	}
}

// Save persists fc. Callers pass either a store.MutationPool (buffered,
// for the hot path inside ProcessCompletedRequests) or a store.Store
// directly (StartFlow, tests).
func Save(ctx context.Context, w interface {
	MultiSet(ctx context.Context, subject string, cols map[string][]byte) error
}, fc *FlowContext) error {
	payload, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("flow: encode context %s: %w", fc.SessionID, err)
	}
	return w.MultiSet(ctx, fc.SessionID, map[string][]byte{contextColumn: payload})
}

// SaveBuffered buffers fc's write into pool rather than writing through
// immediately.
func SaveBuffered(pool store.MutationPool, fc *FlowContext) error {
	payload, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("flow: encode context %s: %w", fc.SessionID, err)
	}
	pool.Set(fc.SessionID, contextColumn, payload)
	return nil
}

// Load reads a FlowContext from st. Returns (nil, nil) if sessionID has
// never been started.
func Load(ctx context.Context, st store.Store, sessionID string) (*FlowContext, error) {
	raw, err := st.Resolve(ctx, sessionID, contextColumn)
	if err != nil {
		return nil, fmt.Errorf("flow: resolve context %s: %w", sessionID, err)
	}
	if raw == nil {
		return nil, nil
	}
	var fc FlowContext
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("flow: decode context %s: %w", sessionID, err)
	}
	return &fc, nil
}
