package queue

import (
	"encoding/json"
	"fmt"
)

// taskPayload is the immutable-ish part of a Task (everything but the
// lease/ttl/retransmit bookkeeping, which live in their own columns so
// QueryAndOwn can CAS them without re-serializing the value payload).
type taskPayload struct {
	ID       uint64 `json:"id"`
	Queue    string `json:"queue"`
	Value    []byte `json:"value"`
	Priority int    `json:"priority"`
	ETANanos int64  `json:"eta_nanos"`
}

func encodeTaskPayload(t *Task) ([]byte, error) {
	p := taskPayload{
		ID:       t.ID,
		Queue:    t.Queue,
		Value:    t.Value,
		Priority: t.Priority,
		ETANanos: t.ETA.UnixNano(),
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: encode task %d: %w", t.ID, err)
	}
	return b, nil
}

func decodeTaskPayload(b []byte) (taskPayload, error) {
	var p taskPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return taskPayload{}, fmt.Errorf("queue: decode task payload: %w", err)
	}
	return p, nil
}
