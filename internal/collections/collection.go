// Package collections implements the append-only, Store-backed indexed
// sequences used for flow results and logs (spec.md §2 item 4). Unlike the
// teacher's in-memory timeline.Store, every append here durably claims its
// index via a CompareAndSet loop, so no two appends share an index. A crash
// between claiming an index and writing its item leaves that index with
// no item.
package collections

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
)

const countColumn = "count"

// Item is one durable entry in a sequence.
type Item struct {
	Index     uint64
	Value     []byte
	Timestamp time.Time
}

type itemRow struct {
	Value    []byte `json:"value"`
	QueuedAt int64  `json:"queued_at"`
}

// Collection is an append-only sequence of opaque byte values under one
// Store subject. ResultCollection and LogCollection layer typed
// value-encoding on top of this.
type Collection struct {
	st      store.Store
	subject string
	now     func() time.Time
}

// New returns a Collection rooted at subject (typically a session id
// suffixed with ":results" or ":logs" so it lives alongside, but distinct
// from, the session's request/response rows).
func New(st store.Store, subject string) *Collection {
	return &Collection{st: st, subject: subject, now: time.Now}
}

func itemColumn(idx uint64) string { return fmt.Sprintf("item:%016x", idx) }

// Append claims the next index via CompareAndSet and writes value under
// it, returning the claimed index. Safe for concurrent callers on the same
// subject (e.g. a flow and its children sharing a results collection).
func (c *Collection) Append(ctx context.Context, value []byte) (uint64, error) {
	for {
		raw, err := c.st.Resolve(ctx, c.subject, countColumn)
		if err != nil {
			return 0, fmt.Errorf("collections: resolve count: %w", err)
		}
		var next uint64
		if raw != nil {
			n, err := strconv.ParseUint(string(raw), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("collections: parse count: %w", err)
			}
			next = n
		}

		newRaw := []byte(strconv.FormatUint(next+1, 10))
		won, err := c.st.CompareAndSet(ctx, c.subject, countColumn, raw, newRaw)
		if err != nil {
			return 0, fmt.Errorf("collections: claim index: %w", err)
		}
		if !won {
			continue // another appender raced us; retry with the fresh count
		}

		row := itemRow{Value: value, QueuedAt: c.now().UnixNano()}
		payload, err := json.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("collections: encode item %d: %w", next, err)
		}
		if err := c.st.MultiSet(ctx, c.subject, map[string][]byte{itemColumn(next): payload}); err != nil {
			return 0, fmt.Errorf("collections: write item %d: %w", next, err)
		}
		return next, nil
	}
}

// Count returns how many items have been claimed (not all may be visible
// yet if a writer crashed between claiming and writing — callers treat a
// missing item column as "not yet visible", not an error).
func (c *Collection) Count(ctx context.Context) (uint64, error) {
	raw, err := c.st.Resolve(ctx, c.subject, countColumn)
	if err != nil {
		return 0, fmt.Errorf("collections: resolve count: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("collections: parse count: %w", err)
	}
	return n, nil
}

// Read returns every claimed-and-written item starting at offset, up to
// limit items (0 means unbounded), ordered by index.
func (c *Collection) Read(ctx context.Context, offset, limit uint64) ([]Item, error) {
	cols, err := c.st.ResolveRegex(ctx, c.subject, "item:")
	if err != nil {
		return nil, fmt.Errorf("collections: scan items: %w", err)
	}

	items := make([]Item, 0, len(cols))
	for col, raw := range cols {
		idxHex := col[len("item:"):]
		idx, err := strconv.ParseUint(idxHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("collections: parse index from %q: %w", col, err)
		}
		if idx < offset {
			continue
		}
		var row itemRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("collections: decode item %d: %w", idx, err)
		}
		items = append(items, Item{Index: idx, Value: row.Value, Timestamp: time.Unix(0, row.QueuedAt)})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	if limit > 0 && uint64(len(items)) > limit {
		items = items[:limit]
	}
	return items, nil
}
