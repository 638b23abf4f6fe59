package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glassCodeBender/grr/internal/collections"
	"github.com/glassCodeBender/grr/internal/queuemgr"
	"github.com/glassCodeBender/grr/internal/store"
	"go.uber.org/zap"
)

// systemCreator marks a flow started by the worker fleet itself (e.g. the
// janitor's forced terminations); Notify is a no-op for these, per spec.md
// §4.3's "skipped for system users".
const systemCreator = "GRRWorker"

// StartFlowFunc starts a child flow on CallFlow's behalf. Concrete flow
// implementations and their instantiation are outside this substrate's
// scope (spec.md §1) — the host supplies this collaborator. sendReplies
// mirrors CallFlow's "sync" parameter: whether the child routes SendReply
// back to (parentSessionID, parentRequestID) rather than only to its own
// results collection.
type StartFlowFunc func(ctx context.Context, parent *FlowContext, parentRequestID uint64, flowName string, requestData map[string]any, sendReplies bool) (childSessionID string, err error)

// NotifyFunc publishes a user-visible notification (and, in a full
// deployment, a FlowNotification event). Optional; Runner.Notify is a
// no-op without one beyond setting UserNotified.
type NotifyFunc func(ctx context.Context, fc *FlowContext, kind, subject, text string)

// Runner is the FlowRunner of spec.md §4.3: the operations a state method
// uses to talk to clients, children, itself, and its parent.
type Runner struct {
	manager   *queuemgr.Manager
	st        store.Store
	limiter   *Limiter
	registry  Registry
	startFlow StartFlowFunc
	notify    NotifyFunc
	metrics   Metrics
	log       *zap.SugaredLogger
	now       func() time.Time

	// top is true only for the runner that owns the top-level flow
	// invocation; every child Runner (CallFlow's eventual counterpart,
	// constructed by the host when it starts the child) shares the same
	// manager but must never flush it itself (spec.md §4.2/§9 single
	// flusher invariant).
	top bool

	outboundMu sync.Mutex

	// sendRepliesClosed is set by Error: after a flow is ERROR-terminated
	// it may still flush replies already buffered this invocation, but
	// accepts no further ones (spec.md §9 open question b).
	sendRepliesClosed bool

	// pluginHost fans a state method's replies out to declared output
	// plugins (spec.md §4.5); nil means no plugins are configured.
	pluginHost PluginHost
	// pendingReplies accumulates the payloads SendReply sends during the
	// RunStateMethod call currently in flight, so process.go can hand
	// them to pluginHost once the state method returns successfully.
	pendingReplies [][]byte
}

// PluginHost fans a batch of reply payloads out to every plugin declared
// for fc, recording outcomes into fc.OutputPluginsStates (spec.md §4.5).
// Concrete plugin implementations are out of this substrate's scope.
type PluginHost interface {
	Run(ctx context.Context, fc *FlowContext, replies [][]byte) error
}

// SetPluginHost attaches the output plugin host this runner hands
// completed batches of replies to.
func (r *Runner) SetPluginHost(host PluginHost) { r.pluginHost = host }

// takePendingReplies returns and clears the replies accumulated since the
// last call.
func (r *Runner) takePendingReplies() [][]byte {
	out := r.pendingReplies
	r.pendingReplies = nil
	return out
}

// NewRunner constructs the runner for a top-level flow invocation.
func NewRunner(manager *queuemgr.Manager, st store.Store, limiter *Limiter, registry Registry, startFlow StartFlowFunc, notify NotifyFunc, metrics Metrics, log *zap.SugaredLogger) *Runner {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Runner{
		manager:   manager,
		st:        st,
		limiter:   limiter,
		registry:  registry,
		startFlow: startFlow,
		notify:    notify,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
		top:       true,
	}
}

// Flush commits the manager's batched mutations. Only the top-level
// Runner's Flush does anything; a child Runner's is a deliberate no-op.
func (r *Runner) Flush(ctx context.Context) error {
	if !r.top {
		return nil
	}
	return r.manager.Flush(ctx)
}

func (r *Runner) allocateOutboundID(fc *FlowContext) uint64 {
	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()
	id := fc.NextOutboundID
	fc.NextOutboundID++
	return id
}

// CallClientOptions carries CallClient's optional arguments.
type CallClientOptions struct {
	Action          string
	Payload         []byte
	NextState       string
	ClientID        string
	RequestData     map[string]any
	StartTime       *time.Time
	Priority        int
	RequireFastPoll bool
}

// CallClient dispatches action to a client, per spec.md §4.3. Returns the
// allocated request id. Fails with ErrLimitExceeded once the flow's
// cpu/network budget is exhausted.
func (r *Runner) CallClient(ctx context.Context, fc *FlowContext, opts CallClientOptions) (uint64, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fc.ClientID
	}
	if clientID == "" {
		return 0, fmt.Errorf("flow: CallClient requires a client id")
	}
	if r.limiter.Exhausted(fc.SessionID, r.now()) {
		return 0, ErrLimitExceeded
	}

	id := r.allocateOutboundID(fc)
	cpuLimit, netLimit := r.limiter.Remaining(fc.SessionID, r.now())

	msg := &queuemgr.GrrMessage{
		SessionID:         fc.SessionID,
		RequestID:         id,
		Type:              queuemgr.MessageData,
		Payload:           opts.Payload,
		Priority:          opts.Priority,
		RequireFastPoll:   opts.RequireFastPoll,
		CPULimit:          cpuLimit,
		NetworkBytesLimit: netLimit,
	}
	req := &queuemgr.RequestState{
		ID:        id,
		SessionID: fc.SessionID,
		ClientID:  clientID,
		NextState: opts.NextState,
		Data:      opts.RequestData,
	}

	if err := r.manager.QueueRequest(ctx, fc.SessionID, req, opts.StartTime); err != nil {
		return 0, err
	}
	if err := r.manager.QueueClientMessage(ctx, clientID, msg, opts.StartTime); err != nil {
		return 0, err
	}
	fc.OutstandingRequests++
	return id, nil
}

// CallFlowOptions carries CallFlow's optional arguments.
type CallFlowOptions struct {
	FlowName    string
	NextState   string
	Sync        bool
	RequestData map[string]any
	ClientID    string
}

// CallFlow starts a child flow whose terminal STATUS routes back to
// NextState, per spec.md §4.3. The child is constructed by the host's
// StartFlowFunc collaborator — concrete flow bodies are out of this
// substrate's scope.
func (r *Runner) CallFlow(ctx context.Context, fc *FlowContext, opts CallFlowOptions) (string, error) {
	if r.startFlow == nil {
		return "", fmt.Errorf("flow: CallFlow requires a StartFlowFunc collaborator")
	}

	id := r.allocateOutboundID(fc)
	req := &queuemgr.RequestState{
		ID:        id,
		SessionID: fc.SessionID,
		ClientID:  opts.ClientID,
		NextState: opts.NextState,
		Data:      opts.RequestData,
	}
	if err := r.manager.QueueRequest(ctx, fc.SessionID, req, nil); err != nil {
		return "", err
	}

	childSessionID, err := r.startFlow(ctx, fc, id, opts.FlowName, opts.RequestData, opts.Sync)
	if err != nil {
		return "", err
	}
	fc.OutstandingRequests++
	return childSessionID, nil
}

// CallStateOptions carries CallState's optional arguments.
type CallStateOptions struct {
	// Messages are the payloads to hand back to NextState as responses;
	// a terminal STATUS is appended automatically if none is present.
	Messages    []queuemgr.GrrMessage
	NextState   string
	RequestData map[string]any
	StartTime   *time.Time
}

// CallState re-enters this flow later at NextState, per spec.md §4.3. A
// StartTime in the past fires no earlier than now (spec.md §9 open
// question a).
func (r *Runner) CallState(ctx context.Context, fc *FlowContext, opts CallStateOptions) error {
	id := r.allocateOutboundID(fc)
	req := &queuemgr.RequestState{
		ID:        id,
		SessionID: fc.SessionID,
		NextState: opts.NextState,
		Data:      opts.RequestData,
	}
	if err := r.manager.QueueRequest(ctx, fc.SessionID, req, nil); err != nil {
		return err
	}

	var responseID uint64 = 1
	hasTerminal := false
	for _, msg := range opts.Messages {
		m := msg
		m.SessionID = fc.SessionID
		m.RequestID = id
		m.ResponseID = responseID
		if m.Type == "" {
			m.Type = queuemgr.MessageData
		}
		if m.IsTerminal() {
			hasTerminal = true
		}
		if err := r.manager.QueueResponse(ctx, fc.SessionID, &m, nil); err != nil {
			return err
		}
		responseID++
	}
	if !hasTerminal {
		status := &queuemgr.GrrMessage{SessionID: fc.SessionID, RequestID: id, ResponseID: responseID, Type: queuemgr.MessageStatus}
		if err := r.manager.QueueResponse(ctx, fc.SessionID, status, nil); err != nil {
			return err
		}
	}

	when := clampNotEarlierThanNow(r.now(), opts.StartTime)
	return r.manager.QueueNotification(ctx, fc.SessionID, queuemgr.NotificationOptions{Timestamp: when})
}

func clampNotEarlierThanNow(now time.Time, t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	if t.Before(now) {
		return &now
	}
	c := *t
	return &c
}

// SendReply routes value to the parent flow's request (if send_replies is
// set) and/or the results collection (if write_intermediate_results is
// set, or there is no parent to reply to), per spec.md §4.3. Once Error
// has closed replies, SendReply is a silent no-op (spec.md §9 open
// question b).
func (r *Runner) SendReply(ctx context.Context, fc *FlowContext, typeName string, payload []byte) error {
	if r.sendRepliesClosed {
		return nil
	}

	sentToParent := false
	if fc.SendReplies && fc.ParentSessionID != "" {
		respID, err := r.manager.NextResponseID(ctx, fc.ParentSessionID, fc.ParentRequestID)
		if err != nil {
			return err
		}
		msg := &queuemgr.GrrMessage{
			SessionID:  fc.ParentSessionID,
			RequestID:  fc.ParentRequestID,
			ResponseID: respID,
			Type:       queuemgr.MessageData,
			Payload:    payload,
		}
		if err := r.manager.QueueResponse(ctx, fc.ParentSessionID, msg, nil); err != nil {
			return err
		}
		sentToParent = true
	}

	if !sentToParent || fc.WriteIntermediateResults {
		results := collections.NewResultCollection(r.st, fc.SessionID)
		if _, err := results.Append(ctx, typeName, payload); err != nil {
			return err
		}
	}
	r.pendingReplies = append(r.pendingReplies, payload)
	return nil
}

// Log appends a formatted entry to the flow's log collection.
func (r *Runner) Log(ctx context.Context, fc *FlowContext, format string, args ...any) error {
	logs := collections.NewLogCollection(r.st, fc.SessionID)
	_, err := logs.Append(ctx, fmt.Sprintf(format, args...))
	return err
}

// Notify raises a user-visible notification, skipped for system-started
// flows (spec.md §4.3).
func (r *Runner) Notify(ctx context.Context, fc *FlowContext, kind, subject, text string) {
	if fc.Creator == systemCreator {
		return
	}
	fc.UserNotified = true
	if r.notify != nil {
		r.notify(ctx, fc, kind, subject, text)
	}
}

// Error sticks fc in state ERROR and, if it has a parent awaiting
// replies, flushes a terminal STATUS carrying GENERIC_ERROR so the parent
// can still proceed (spec.md §7). Idempotent: a second call is a no-op.
func (r *Runner) Error(ctx context.Context, fc *FlowContext, cause error, backtrace string) error {
	if fc.State != StateRunning {
		return nil
	}
	fc.State = StateError
	fc.Backtrace = backtrace
	r.metrics.IncFlowErrors()
	r.sendRepliesClosed = true

	if fc.SendReplies && fc.ParentSessionID != "" {
		respID, err := r.manager.NextResponseID(ctx, fc.ParentSessionID, fc.ParentRequestID)
		if err != nil {
			return err
		}
		status := &queuemgr.GrrMessage{
			SessionID:  fc.ParentSessionID,
			RequestID:  fc.ParentRequestID,
			ResponseID: respID,
			Type:       queuemgr.MessageStatus,
			Payload:    []byte("GENERIC_ERROR"),
		}
		if err := r.manager.QueueResponse(ctx, fc.ParentSessionID, status, nil); err != nil {
			return err
		}
	}

	msg := "flow error"
	if cause != nil {
		msg = cause.Error()
	}
	r.Notify(ctx, fc, "FlowError", fc.SessionID, msg)
	return nil
}

// Terminate sticks fc in state TERMINATED and, if it has a parent
// awaiting replies, flushes a clean terminal STATUS. Idempotent.
func (r *Runner) Terminate(ctx context.Context, fc *FlowContext, status string) error {
	if fc.State != StateRunning {
		return nil
	}
	fc.State = StateTerminated

	if fc.SendReplies && fc.ParentSessionID != "" {
		respID, err := r.manager.NextResponseID(ctx, fc.ParentSessionID, fc.ParentRequestID)
		if err != nil {
			return err
		}
		okStatus := &queuemgr.GrrMessage{
			SessionID:  fc.ParentSessionID,
			RequestID:  fc.ParentRequestID,
			ResponseID: respID,
			Type:       queuemgr.MessageStatus,
			Payload:    []byte(status),
		}
		if err := r.manager.QueueResponse(ctx, fc.ParentSessionID, okStatus, nil); err != nil {
			return err
		}
	}
	return nil
}

// RunStateMethod dispatches to the registered handler for state, catching
// any panic and converting it to an error (spec.md §9's "broad exception
// catch... intentional and must be preserved" — a failing state method
// becomes a flow-level error, never a worker crash).
func (r *Runner) RunStateMethod(ctx context.Context, fc *FlowContext, state string, args Args) (err error) {
	fn, lookupErr := r.registry.Lookup(state)
	if lookupErr != nil {
		return lookupErr
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("flow: panic in state %q: %v", state, p)
		}
	}()
	return fn(ctx, r, fc, args)
}
