// Package queuemgr implements the QueueManager (spec.md §4.2): the layer
// that turns outbound calls into durable RequestState/response rows and
// wakes workers via time-indexed notifications. It is pure orchestration
// over internal/store and internal/queue — no state of its own survives
// a process restart that isn't already in the Store.
package queuemgr

import "time"

// MessageType distinguishes a GrrMessage's role in a request's response
// stream. STATUS is always terminal for its request.
type MessageType string

const (
	MessageData   MessageType = "MESSAGE"
	MessageStatus MessageType = "STATUS"
	MessageIter   MessageType = "ITERATOR"
)

// GrrMessage is the wire envelope carried between a flow and a client, or
// between a parent and child flow, per spec.md §3.
type GrrMessage struct {
	SessionID         string
	RequestID         uint64
	ResponseID        uint64
	Type              MessageType
	AuthState         string
	Payload           []byte
	Priority          int
	RequireFastPoll   bool
	CPULimit          float64
	NetworkBytesLimit int64
	// TaskID is set once QueueClientMessage schedules this message onto a
	// client's queue; nil for messages that never travel as a Task (e.g.
	// a CallState self-response).
	TaskID *uint64
}

// IsTerminal reports whether this message ends its request's response
// stream.
func (m *GrrMessage) IsTerminal() bool { return m.Type == MessageStatus }

// RequestState tracks one outbound call (to a client or a child flow)
// within a session, per spec.md §3. Its id is assigned by the caller from
// the owning FlowContext's next_outbound_id counter — QueueManager never
// mints ids itself.
type RequestState struct {
	ID                uint64
	SessionID         string
	ClientID          string
	NextState         string
	Request           *GrrMessage
	ResponseCount     int
	TransmissionCount int
	// Data is the opaque per-request context dict handed back to the
	// state method on completion; values are restricted to
	// {string, []byte, int64, map[string]any} per spec.md §9.
	Data map[string]any
}

// Notification is a time-indexed pointer telling a worker a session may
// have completed work waiting. For a given session, notifications form a
// time-ordered sequence; the earliest unclaimed one is authoritative.
type Notification struct {
	SessionID  string
	Timestamp  time.Time
	LastStatus *uint64
	InProgress bool
	TTL        int
}
