package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/glassCodeBender/grr/internal/store"
	"go.uber.org/zap"
)

func leaseColumn(id uint64) string      { return fmt.Sprintf("lease:%08x", id) }
func ttlColumn(id uint64) string        { return fmt.Sprintf("ttl:%08x", id) }
func retransmitColumn(id uint64) string { return fmt.Sprintf("retransmit:%08x", id) }

// Scheduler is the durable FIFO+priority task queue of spec.md §4.1,
// layered on an internal/store.Store. Every queue is one Store subject;
// tasks are columns under it.
type Scheduler struct {
	st  store.Store
	log *zap.SugaredLogger

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewScheduler returns a Scheduler backed by st.
func NewScheduler(st store.Store, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{st: st, log: log, now: time.Now}
}

func querySubject(queueName string) string { return "queue:" + queueName }

// Schedule writes each task. A task whose ID is zero is assigned a fresh
// id; a task with an existing id is an update that keeps the id and resets
// the lease (re-scheduling), per spec.md §4.1 and the
// Schedule(Query(q))-is-a-no-op testable property (spec.md §8).
func (s *Scheduler) Schedule(ctx context.Context, tasks []*Task) error {
	for _, t := range tasks {
		if t.TTL == 0 {
			t.TTL = DefaultTaskTTL
		}
		isNew := t.ID == 0
		if isNew {
			id, err := newTaskID(s.now())
			if err != nil {
				return err
			}
			t.ID = id
		}

		payload, err := encodeTaskPayload(t)
		if err != nil {
			return err
		}

		subject := querySubject(t.Queue)
		cols := map[string][]byte{
			taskColumn(t.ID): payload,
			ttlColumn(t.ID):  []byte(strconv.Itoa(t.TTL)),
		}
		if isNew {
			cols[leaseColumn(t.ID)] = []byte(strconv.FormatInt(0, 10))
			cols[retransmitColumn(t.ID)] = []byte("0")
		} else {
			// Re-scheduling resets the lease so the task is immediately
			// eligible for QueryAndOwn again.
			cols[leaseColumn(t.ID)] = []byte(strconv.FormatInt(0, 10))
		}
		if err := s.st.MultiSet(ctx, subject, cols); err != nil {
			return fmt.Errorf("queue: schedule task %d on %s: %w", t.ID, t.Queue, err)
		}
	}
	return nil
}

// loadCandidates reads every task row under queueName and decodes it,
// along with its lease/ttl bookkeeping columns.
func (s *Scheduler) loadCandidates(ctx context.Context, queueName string) ([]*Task, error) {
	subject := querySubject(queueName)

	payloads, err := s.st.ResolveRegex(ctx, subject, taskColumnPrefix)
	if err != nil {
		return nil, fmt.Errorf("queue: scan %s: %w", queueName, err)
	}

	tasks := make([]*Task, 0, len(payloads))
	for _, raw := range payloads {
		p, err := decodeTaskPayload(raw)
		if err != nil {
			return nil, err
		}

		leaseRaw, err := s.st.Resolve(ctx, subject, leaseColumn(p.ID))
		if err != nil {
			return nil, fmt.Errorf("queue: resolve lease for %d: %w", p.ID, err)
		}
		leaseNanos, _ := strconv.ParseInt(string(leaseRaw), 10, 64)

		tasks = append(tasks, &Task{
			ID:          p.ID,
			Queue:       p.Queue,
			Value:       p.Value,
			Priority:    p.Priority,
			ETA:         time.Unix(0, p.ETANanos),
			LeaseExpiry: time.Unix(0, leaseNanos),
		})
	}

	sort.Sort(byPriorityThenID(tasks))
	return tasks, nil
}

// Query is a read-only scan: every task in the queue in (−priority, id)
// order, up to limit. It does not touch leases.
func (s *Scheduler) Query(ctx context.Context, queueName string, limit int) ([]*Task, error) {
	tasks, err := s.loadCandidates(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// QueryAndOwn atomically leases up to limit tasks whose lease has expired,
// in priority/id order. Re-leasing an already-expired task decrements its
// TTL; a TTL that reaches zero deletes the task instead of returning it
// (spec.md §4.1, §8 scenario 1). Every task that was previously leased
// (i.e. had a nonzero lease_expiry before this call) increments its
// retransmission counter.
func (s *Scheduler) QueryAndOwn(ctx context.Context, queueName string, leaseDuration time.Duration, limit int) ([]*Task, error) {
	candidates, err := s.loadCandidates(ctx, queueName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	subject := querySubject(queueName)
	owned := make([]*Task, 0, limit)

	for _, t := range candidates {
		if limit > 0 && len(owned) >= limit {
			break
		}
		if t.LeaseExpiry.After(now) {
			continue // currently leased by someone else
		}

		// A lease column of "0" (UnixNano epoch zero) is the never-leased
		// sentinel written by Schedule; any other value means a past
		// worker held (and let expire) a lease on this task.
		wasLeasedBefore := t.LeaseExpiry.UnixNano() != 0

		newLease := now.Add(leaseDuration)
		oldLeaseRaw := []byte(strconv.FormatInt(t.LeaseExpiry.UnixNano(), 10))
		newLeaseRaw := []byte(strconv.FormatInt(newLease.UnixNano(), 10))

		won, err := s.st.CompareAndSet(ctx, subject, leaseColumn(t.ID), oldLeaseRaw, newLeaseRaw)
		if err != nil {
			return nil, fmt.Errorf("queue: lease cas for task %d: %w", t.ID, err)
		}
		if !won {
			// Another worker raced us for this lease; skip, don't retry —
			// callers see fewer than limit tasks on CAS contention
			// (spec.md §4.1 failure semantics).
			continue
		}

		ttlRaw, err := s.st.Resolve(ctx, subject, ttlColumn(t.ID))
		if err != nil {
			return nil, fmt.Errorf("queue: resolve ttl for task %d: %w", t.ID, err)
		}
		ttl, _ := strconv.Atoi(string(ttlRaw))
		ttl--

		// The retransmission counter is bumped before the ttl check and is
		// kept when the task is dropped, so it still reads the final count
		// after the task itself is gone.
		if wasLeasedBefore {
			if err := s.incrementRetransmit(ctx, subject, t.ID); err != nil {
				return nil, err
			}
		}

		if ttl <= 0 {
			if err := s.st.DeleteAttributes(ctx, subject, []string{
				taskColumn(t.ID), leaseColumn(t.ID), ttlColumn(t.ID),
			}, nil, nil); err != nil {
				return nil, fmt.Errorf("queue: delete exhausted task %d: %w", t.ID, err)
			}
			if s.log != nil {
				s.log.Infow("task ttl exhausted, dropped", "queue", queueName, "task_id", t.ID)
			}
			continue
		}

		if err := s.st.MultiSet(ctx, subject, map[string][]byte{
			ttlColumn(t.ID): []byte(strconv.Itoa(ttl)),
		}); err != nil {
			return nil, fmt.Errorf("queue: write ttl for task %d: %w", t.ID, err)
		}

		t.LeaseExpiry = newLease
		t.TTL = ttl
		owned = append(owned, t)
	}

	return owned, nil
}

func (s *Scheduler) incrementRetransmit(ctx context.Context, subject string, id uint64) error {
	raw, err := s.st.Resolve(ctx, subject, retransmitColumn(id))
	if err != nil {
		return fmt.Errorf("queue: resolve retransmit count for %d: %w", id, err)
	}
	count, _ := strconv.Atoi(string(raw))
	count++
	if err := s.st.MultiSet(ctx, subject, map[string][]byte{
		retransmitColumn(id): []byte(strconv.Itoa(count)),
	}); err != nil {
		return fmt.Errorf("queue: write retransmit count for %d: %w", id, err)
	}
	return nil
}

// RetransmitCount returns the current retransmission counter for a task,
// primarily for tests asserting spec.md §8 scenario 1's "counter = 4".
func (s *Scheduler) RetransmitCount(ctx context.Context, queueName string, id uint64) (int, error) {
	raw, err := s.st.Resolve(ctx, querySubject(queueName), retransmitColumn(id))
	if err != nil {
		return 0, err
	}
	count, _ := strconv.Atoi(string(raw))
	return count, nil
}

// Delete removes tasks. Idempotent: deleting an already-absent task is not
// an error.
func (s *Scheduler) Delete(ctx context.Context, queueName string, taskIDs []uint64) error {
	subject := querySubject(queueName)
	for _, id := range taskIDs {
		if err := s.st.DeleteAttributes(ctx, subject, []string{
			taskColumn(id), leaseColumn(id), ttlColumn(id), retransmitColumn(id),
		}, nil, nil); err != nil {
			return fmt.Errorf("queue: delete task %d: %w", id, err)
		}
	}
	return nil
}
