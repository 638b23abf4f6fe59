package collections

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
)

// LogEntry is one FlowLog record appended by Runner.Log.
type LogEntry struct {
	Index     uint64
	Message   string
	Timestamp time.Time
}

type logValue struct {
	Message string `json:"message"`
}

// LogCollection holds a flow's FlowLog entries.
type LogCollection struct{ c *Collection }

// NewLogCollection roots a LogCollection at sessionID's logs subject.
func NewLogCollection(st store.Store, sessionID string) *LogCollection {
	return &LogCollection{c: New(st, sessionID+":logs")}
}

// Append records one formatted log message.
func (l *LogCollection) Append(ctx context.Context, message string) (uint64, error) {
	v, err := json.Marshal(logValue{Message: message})
	if err != nil {
		return 0, fmt.Errorf("collections: encode log entry: %w", err)
	}
	return l.c.Append(ctx, v)
}

// Read returns log entries starting at offset, up to limit (0 = unbounded).
func (l *LogCollection) Read(ctx context.Context, offset, limit uint64) ([]LogEntry, error) {
	items, err := l.c.Read(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, len(items))
	for i, it := range items {
		var v logValue
		if err := json.Unmarshal(it.Value, &v); err != nil {
			return nil, fmt.Errorf("collections: decode log entry %d: %w", it.Index, err)
		}
		out[i] = LogEntry{Index: it.Index, Message: v.Message, Timestamp: it.Timestamp}
	}
	return out, nil
}
