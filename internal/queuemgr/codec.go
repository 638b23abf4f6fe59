package queuemgr

import (
	"encoding/json"
	"fmt"
)

// requestRow and responseRow wrap the domain types with the write
// timestamp they were queued at. Embedding the timestamp in the value
// itself — rather than relying on a Store backend's internal bookkeeping
// clock — keeps range-filtering well-defined across every Store
// implementation the same way the teacher embeds created_at/updated_at in
// every row it serializes (control_plane/timeline/store.go).
type requestRow struct {
	State    RequestState `json:"state"`
	QueuedAt int64        `json:"queued_at"`
}

type responseRow struct {
	Msg      GrrMessage `json:"msg"`
	QueuedAt int64      `json:"queued_at"`
}

type notificationRow struct {
	N        Notification `json:"notification"`
	QueuedAt int64        `json:"queued_at"`
}

func encodeRequestRow(r requestRow) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("queuemgr: encode request: %w", err)
	}
	return b, nil
}

func decodeRequestRow(b []byte) (requestRow, error) {
	var r requestRow
	if err := json.Unmarshal(b, &r); err != nil {
		return requestRow{}, fmt.Errorf("queuemgr: decode request: %w", err)
	}
	return r, nil
}

func encodeResponseRow(r responseRow) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("queuemgr: encode response: %w", err)
	}
	return b, nil
}

func decodeResponseRow(b []byte) (responseRow, error) {
	var r responseRow
	if err := json.Unmarshal(b, &r); err != nil {
		return responseRow{}, fmt.Errorf("queuemgr: decode response: %w", err)
	}
	return r, nil
}

func encodeNotificationRow(r notificationRow) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("queuemgr: encode notification: %w", err)
	}
	return b, nil
}

func decodeNotificationRow(b []byte) (notificationRow, error) {
	var r notificationRow
	if err := json.Unmarshal(b, &r); err != nil {
		return notificationRow{}, fmt.Errorf("queuemgr: decode notification: %w", err)
	}
	return r, nil
}
