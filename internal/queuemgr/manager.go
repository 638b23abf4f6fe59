package queuemgr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/glassCodeBender/grr/internal/queue"
	"github.com/glassCodeBender/grr/internal/store"
	"go.uber.org/zap"
)

// destroyPageSize bounds how many columns DestroyFlowStates removes per
// call before raising a MoreDataError, mirroring the teacher's paged
// deletion loops over large subjects.
const destroyPageSize = 500

// Manager is the QueueManager of spec.md §4.2. One Manager is constructed
// per top-level flow invocation and shares its MutationPool with every
// child Runner, so a single Flush commits the whole batch atomically from
// the caller's perspective.
type Manager struct {
	st    store.Store
	sched *queue.Scheduler
	pool  store.MutationPool
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewManager returns a Manager with a freshly allocated MutationPool.
func NewManager(st store.Store, sched *queue.Scheduler, log *zap.SugaredLogger) *Manager {
	return &Manager{
		st:    st,
		sched: sched,
		pool:  st.GetMutationPool(),
		log:   log,
		now:   time.Now,
	}
}

// Pool exposes the shared MutationPool so collaborators outside this
// package (internal/flow's FlowContext save) can buffer writes that must
// commit atomically with everything queued here.
func (m *Manager) Pool() store.MutationPool { return m.pool }

// Flush commits every buffered mutation since the last Flush. Only the
// top-level Runner is expected to call this (spec.md §9's single-flusher
// invariant); see internal/flow.
func (m *Manager) Flush(ctx context.Context) error {
	if !m.pool.Pending() {
		return nil
	}
	if err := m.pool.Flush(ctx); err != nil {
		return fmt.Errorf("queuemgr: flush: %w", err)
	}
	return nil
}

// QueueRequest buffers a RequestState write keyed by (session, request.id).
func (m *Manager) QueueRequest(ctx context.Context, sessionID string, req *RequestState, ts *time.Time) error {
	when := m.resolveTime(ts)
	payload, err := encodeRequestRow(requestRow{State: *req, QueuedAt: when.UnixNano()})
	if err != nil {
		return err
	}
	m.pool.Set(sessionID, requestColumn(req.ID), payload)
	return nil
}

// QueueResponse appends a response keyed by (session, request_id,
// response_id).
func (m *Manager) QueueResponse(ctx context.Context, sessionID string, msg *GrrMessage, ts *time.Time) error {
	when := m.resolveTime(ts)
	payload, err := encodeResponseRow(responseRow{Msg: *msg, QueuedAt: when.UnixNano()})
	if err != nil {
		return err
	}
	m.pool.Set(sessionID, responseColumn(msg.RequestID, msg.ResponseID), payload)
	return nil
}

// QueueClientMessage schedules msg as a Task onto the client's queue,
// derived from clientID. The assigned task id is written back onto msg.
func (m *Manager) QueueClientMessage(ctx context.Context, clientID string, msg *GrrMessage, ts *time.Time) error {
	payload, err := encodeResponseRow(responseRow{Msg: *msg, QueuedAt: m.resolveTime(ts).UnixNano()})
	if err != nil {
		return err
	}
	task := &queue.Task{
		Queue:    clientQueue(clientID),
		Value:    payload,
		Priority: msg.Priority,
	}
	if err := m.sched.Schedule(ctx, []*queue.Task{task}); err != nil {
		return fmt.Errorf("queuemgr: queue client message: %w", err)
	}
	msg.TaskID = &task.ID
	return nil
}

// DeQueueClientRequest removes a specific outstanding client task. It is
// idempotent.
func (m *Manager) DeQueueClientRequest(ctx context.Context, clientID string, taskID uint64) error {
	if err := m.sched.Delete(ctx, clientQueue(clientID), []uint64{taskID}); err != nil {
		return fmt.Errorf("queuemgr: dequeue client request: %w", err)
	}
	return nil
}

// QueueNotification adds a time-indexed notification for session.
func (m *Manager) QueueNotification(ctx context.Context, sessionID string, opts NotificationOptions) error {
	when := m.resolveTime(opts.Timestamp)
	n := Notification{
		SessionID:  sessionID,
		Timestamp:  when,
		LastStatus: opts.LastStatus,
		InProgress: opts.InProgress,
		TTL:        opts.TTL,
	}
	payload, err := encodeNotificationRow(notificationRow{N: n, QueuedAt: when.UnixNano()})
	if err != nil {
		return err
	}
	m.pool.Set(notifySubject(ParseQueue(sessionID)), notificationColumn(sessionID, when), payload)
	return nil
}

// NotificationOptions carries QueueNotification's optional fields.
type NotificationOptions struct {
	Timestamp  *time.Time
	InProgress bool
	LastStatus *uint64
	TTL        int
}

func (m *Manager) resolveTime(ts *time.Time) time.Time {
	if ts != nil {
		return *ts
	}
	return m.now()
}

// DeleteNotification removes notifications for session whose timestamp
// falls within [start, end] (either bound nil means unbounded).
func (m *Manager) DeleteNotification(ctx context.Context, sessionID string, start, end *time.Time) error {
	subject := notifySubject(ParseQueue(sessionID))
	cols, err := m.st.ResolveRegex(ctx, subject, notificationColumnPrefix(sessionID))
	if err != nil {
		return fmt.Errorf("queuemgr: scan notifications for %s: %w", sessionID, err)
	}

	var toDelete []string
	direct := ""
	if start != nil && end != nil && start.Equal(*end) {
		// A single-instant range names its column directly, which also
		// removes a notification still buffered in the pool and so not yet
		// visible to the Store scan above.
		direct = notificationColumn(sessionID, *start)
		toDelete = append(toDelete, direct)
	}
	for col, raw := range cols {
		row, err := decodeNotificationRow(raw)
		if err != nil {
			return err
		}
		if col != direct && inRange(row.N.Timestamp, start, end) {
			toDelete = append(toDelete, col)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	m.pool.Delete(subject, toDelete)
	return nil
}

// FetchNotifications returns every notification on queueName timestamped
// in (0, upTo], oldest first, up to limit (0 means unbounded). This is the
// scan the worker loop drives; spec.md §4.4's "dequeue oldest-first".
func (m *Manager) FetchNotifications(ctx context.Context, queueName string, upTo time.Time, limit int) ([]Notification, error) {
	cols, err := m.st.ResolveRegex(ctx, notifySubject(queueName), notificationPrefix)
	if err != nil {
		return nil, fmt.Errorf("queuemgr: scan notifications on %s: %w", queueName, err)
	}

	out := make([]Notification, 0, len(cols))
	for _, raw := range cols {
		row, err := decodeNotificationRow(raw)
		if err != nil {
			return nil, err
		}
		if row.N.Timestamp.After(upTo) {
			continue
		}
		out = append(out, row.N)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func inRange(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}

// CompletedRequest pairs a RequestState with its response stream.
type CompletedRequest struct {
	Request   RequestState
	Responses []GrrMessage
}

// FetchCompletedRequests yields (request, responses) pairs for requests
// that have at least one terminal STATUS response timestamped in
// (0, upTo] (nil upTo means unbounded).
func (m *Manager) FetchCompletedRequests(ctx context.Context, sessionID string, upTo *time.Time) ([]CompletedRequest, error) {
	byRequest, err := m.loadResponsesByRequest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var out []CompletedRequest
	for reqID, responses := range byRequest {
		hasStatusInRange := false
		for _, r := range responses {
			if r.row.Msg.IsTerminal() && inRange(time.Unix(0, r.row.QueuedAt), nil, upTo) {
				hasStatusInRange = true
				break
			}
		}
		if !hasStatusInRange {
			continue
		}
		req, err := m.loadRequest(ctx, sessionID, reqID)
		if err != nil {
			return nil, err
		}
		if req == nil {
			continue
		}
		out = append(out, CompletedRequest{Request: *req, Responses: sortedMessages(responses)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.ID < out[j].Request.ID })
	return out, nil
}

// FetchCompletedResponses yields every (request, responses) pair with at
// least one response timestamped in (0, upTo], responses sorted by
// response_id. Completeness (contiguous 1..N ending in STATUS) is a
// property the caller — FlowRunner's ProcessCompletedRequests — tests
// itself, since an incomplete request must still be visible across
// invocations until its gap is filled (spec.md §4.3 step 4).
func (m *Manager) FetchCompletedResponses(ctx context.Context, sessionID string, upTo *time.Time) ([]CompletedRequest, error) {
	byRequest, err := m.loadResponsesByRequest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var out []CompletedRequest
	for reqID, responses := range byRequest {
		var inWindow []taggedResponse
		for _, r := range responses {
			if inRange(time.Unix(0, r.row.QueuedAt), nil, upTo) {
				inWindow = append(inWindow, r)
			}
		}
		if len(inWindow) == 0 {
			continue
		}
		req, err := m.loadRequest(ctx, sessionID, reqID)
		if err != nil {
			return nil, err
		}
		if req == nil {
			continue
		}
		out = append(out, CompletedRequest{Request: *req, Responses: sortedMessages(inWindow)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.ID < out[j].Request.ID })
	return out, nil
}

// IsComplete reports whether a sorted-by-response_id response slice is
// contiguous from 1..N and ends in a STATUS (spec.md §4.2/§4.3).
func IsComplete(responses []GrrMessage) bool {
	if len(responses) == 0 {
		return false
	}
	for i, r := range responses {
		if r.ResponseID != uint64(i+1) {
			return false
		}
	}
	return responses[len(responses)-1].IsTerminal()
}

// DeleteRequest removes a request row and every response row under it —
// used both when a request has been fully processed and when a stale
// duplicate (request.id < next_processed_request) is encountered.
func (m *Manager) DeleteRequest(ctx context.Context, sessionID string, requestID uint64) error {
	cols, err := m.st.ResolveRegex(ctx, sessionID, responseColumnPrefix(requestID))
	if err != nil {
		return fmt.Errorf("queuemgr: scan responses to delete for request %d: %w", requestID, err)
	}
	toDelete := make([]string, 0, len(cols)+1)
	for col := range cols {
		toDelete = append(toDelete, col)
	}
	toDelete = append(toDelete, requestColumn(requestID))
	m.pool.Delete(sessionID, toDelete)
	return nil
}

// NextResponseID returns the response id a new reply against
// (sessionID, requestID) should use: one past the highest response id
// currently stored for that request.
func (m *Manager) NextResponseID(ctx context.Context, sessionID string, requestID uint64) (uint64, error) {
	cols, err := m.st.ResolveRegex(ctx, sessionID, responseColumnPrefix(requestID))
	if err != nil {
		return 0, fmt.Errorf("queuemgr: scan responses for request %d: %w", requestID, err)
	}
	var max uint64
	for _, raw := range cols {
		row, err := decodeResponseRow(raw)
		if err != nil {
			return 0, err
		}
		if row.Msg.ResponseID > max {
			max = row.Msg.ResponseID
		}
	}
	return max + 1, nil
}

type taggedResponse struct {
	row responseRow
}

func (m *Manager) loadResponsesByRequest(ctx context.Context, sessionID string) (map[uint64][]taggedResponse, error) {
	cols, err := m.st.ResolveRegex(ctx, sessionID, responsePrefix)
	if err != nil {
		return nil, fmt.Errorf("queuemgr: scan responses for %s: %w", sessionID, err)
	}
	byRequest := make(map[uint64][]taggedResponse)
	for col, raw := range cols {
		reqID, ok := requestIDFromResponseColumn(col)
		if !ok {
			continue
		}
		row, err := decodeResponseRow(raw)
		if err != nil {
			return nil, err
		}
		byRequest[reqID] = append(byRequest[reqID], taggedResponse{row: row})
	}
	return byRequest, nil
}

func (m *Manager) loadRequest(ctx context.Context, sessionID string, requestID uint64) (*RequestState, error) {
	raw, err := m.st.Resolve(ctx, sessionID, requestColumn(requestID))
	if err != nil {
		return nil, fmt.Errorf("queuemgr: resolve request %d: %w", requestID, err)
	}
	if raw == nil {
		return nil, nil
	}
	row, err := decodeRequestRow(raw)
	if err != nil {
		return nil, err
	}
	return &row.State, nil
}

func sortedMessages(responses []taggedResponse) []GrrMessage {
	sort.Slice(responses, func(i, j int) bool { return responses[i].row.Msg.ResponseID < responses[j].row.Msg.ResponseID })
	out := make([]GrrMessage, len(responses))
	for i, r := range responses {
		out[i] = r.row.Msg
	}
	return out
}

// DestroyFlowStates bulk-deletes all request/response rows for session. If
// more than destroyPageSize columns remain after one page, it returns
// *MoreDataError so the caller flushes and re-drives.
func (m *Manager) DestroyFlowStates(ctx context.Context, sessionID string) error {
	reqCols, err := m.st.ResolveRegex(ctx, sessionID, requestColumnPrefix)
	if err != nil {
		return fmt.Errorf("queuemgr: scan requests for destroy %s: %w", sessionID, err)
	}
	respCols, err := m.st.ResolveRegex(ctx, sessionID, responsePrefix)
	if err != nil {
		return fmt.Errorf("queuemgr: scan responses for destroy %s: %w", sessionID, err)
	}

	all := make([]string, 0, len(reqCols)+len(respCols))
	for c := range reqCols {
		all = append(all, c)
	}
	for c := range respCols {
		all = append(all, c)
	}
	sort.Strings(all)

	if len(all) == 0 {
		return nil
	}

	page := all
	more := false
	if len(page) > destroyPageSize {
		page = page[:destroyPageSize]
		more = true
	}

	m.pool.Delete(sessionID, page)

	if more {
		return &MoreDataError{SessionID: sessionID, Cursor: page[len(page)-1]}
	}
	return nil
}
