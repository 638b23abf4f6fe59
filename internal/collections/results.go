package collections

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
)

// ResultEntry is one reply a flow sent via SendReply.
type ResultEntry struct {
	Index     uint64
	Type      string
	Payload   []byte
	Timestamp time.Time
}

type resultValue struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// ResultCollection holds every value a flow (or its children, if
// write_intermediate_results is set) sent via SendReply.
type ResultCollection struct{ c *Collection }

// NewResultCollection roots a ResultCollection at sessionID's results
// subject.
func NewResultCollection(st store.Store, sessionID string) *ResultCollection {
	return &ResultCollection{c: New(st, sessionID+":results")}
}

// Append records one typed reply value.
func (r *ResultCollection) Append(ctx context.Context, typeName string, payload []byte) (uint64, error) {
	v, err := json.Marshal(resultValue{Type: typeName, Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("collections: encode result: %w", err)
	}
	return r.c.Append(ctx, v)
}

// Read returns results starting at offset, up to limit (0 = unbounded).
func (r *ResultCollection) Read(ctx context.Context, offset, limit uint64) ([]ResultEntry, error) {
	items, err := r.c.Read(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ResultEntry, len(items))
	for i, it := range items {
		var v resultValue
		if err := json.Unmarshal(it.Value, &v); err != nil {
			return nil, fmt.Errorf("collections: decode result %d: %w", it.Index, err)
		}
		out[i] = ResultEntry{Index: it.Index, Type: v.Type, Payload: v.Payload, Timestamp: it.Timestamp}
	}
	return out, nil
}

// Count returns the number of results recorded so far.
func (r *ResultCollection) Count(ctx context.Context) (uint64, error) { return r.c.Count(ctx) }
