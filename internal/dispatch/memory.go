package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	entry      Entry
	seq        uint64
	index      int // position in the waiting heap, -1 when not waiting
	inFlight   bool
	dequeuedAt time.Time
	failed     bool
	failedAt   time.Time
}

// entryHeap orders waiting entries by NotBefore, then enqueue sequence.
type entryHeap []*memEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.NotBefore.Equal(h[j].entry.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].entry.NotBefore.Before(h[j].entry.NotBefore)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// MemoryQueue is a process-local Queue. It is safe for concurrent use but
// loses its contents on restart.
type MemoryQueue struct {
	mu       sync.Mutex
	opts     Options
	entries  map[string]*memEntry
	waiting  entryHeap
	inFlight int
	failed   int
	seq      uint64
	failures chan FailureEvent
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(opts Options) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		opts:     opts,
		entries:  make(map[string]*memEntry),
		failures: make(chan FailureEvent, opts.FailureBuffer),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, id string, payload Payload, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; ok {
		return ErrDuplicateID
	}

	q.seq++
	e := &memEntry{
		entry: Entry{
			ID:        id,
			Payload:   payload,
			NotBefore: q.opts.Clock().Add(nonNegative(delay)),
		},
		seq: q.seq,
	}
	q.entries[id] = e
	heap.Push(&q.waiting, e)
	return nil
}

func (q *MemoryQueue) DequeueReady(_ context.Context, _ string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.MaxInFlight > 0 && q.inFlight >= q.opts.MaxInFlight {
		return nil, nil
	}
	if len(q.waiting) == 0 {
		return nil, nil
	}

	now := q.opts.Clock()
	if q.waiting[0].entry.NotBefore.After(now) {
		return nil, nil
	}

	e := heap.Pop(&q.waiting).(*memEntry)
	e.inFlight = true
	e.dequeuedAt = now
	q.inFlight++

	out := e.entry
	return &out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	q.detach(e)
	if e.failed {
		q.failed--
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.failed {
		return ErrEntryNotFound
	}
	q.detach(e)
	e.entry.NotBefore = q.opts.Clock().Add(nonNegative(delay))
	heap.Push(&q.waiting, e)
	return nil
}

func (q *MemoryQueue) MarkDelivered(_ context.Context, id string, messageID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.failed || !e.inFlight {
		return ErrEntryNotFound
	}
	q.detach(e)
	e.entry.DeliveredMessageID = messageID
	e.entry.NotBefore = q.opts.Clock().Add(nonNegative(delay))
	heap.Push(&q.waiting, e)
	return nil
}

func (q *MemoryQueue) RetryOrFail(_ context.Context, id string, cause error, backoffBase time.Duration, maxAttempts int) (RetryOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.failed {
		return RetryOutcome{}, ErrEntryNotFound
	}
	q.detach(e)

	now := q.opts.Clock()
	e.entry.AttemptsMade++
	attempts := e.entry.AttemptsMade

	if attempts < maxAttempts {
		e.entry.NotBefore = now.Add(BackoffDelay(backoffBase, attempts))
		heap.Push(&q.waiting, e)
		return RetryOutcome{Attempts: attempts, NextRunAt: e.entry.NotBefore}, nil
	}

	e.failed = true
	e.failedAt = now
	q.failed++
	emitFailure(q.failures, q.opts.Logger, FailureEvent{
		ID:       id,
		Payload:  e.entry.Payload,
		Attempts: attempts,
		Reason:   causeMessage(cause),
		FailedAt: now,
	})
	return RetryOutcome{Attempts: attempts, Terminal: true}, nil
}

func (q *MemoryQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.failed {
		return ErrEntryNotFound
	}
	if e.inFlight {
		return ErrInFlight
	}
	q.detach(e)
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Contains(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.entries[id]
	return ok, nil
}

func (q *MemoryQueue) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	cutoff := now.Add(-olderThan)
	reclaimed := 0
	for id, e := range q.entries {
		if e.failed {
			if q.opts.FailedRetention > 0 && !e.failedAt.After(now.Add(-q.opts.FailedRetention)) {
				delete(q.entries, id)
				q.failed--
			}
			continue
		}
		if !e.inFlight || e.dequeuedAt.After(cutoff) {
			continue
		}
		q.detach(e)
		e.entry.NotBefore = now
		heap.Push(&q.waiting, e)
		reclaimed++
	}
	return reclaimed, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	var ready int64
	for _, e := range q.waiting {
		if !e.entry.NotBefore.After(now) {
			ready++
		}
	}
	return Stats{
		Waiting:  int64(len(q.waiting)),
		Ready:    ready,
		InFlight: int64(q.inFlight),
		Failed:   int64(q.failed),
	}, nil
}

func (q *MemoryQueue) Failures() <-chan FailureEvent {
	return q.failures
}

// detach takes e out of the waiting heap or the in-flight set. Callers hold q.mu.
func (q *MemoryQueue) detach(e *memEntry) {
	if e.index >= 0 && e.index < len(q.waiting) && q.waiting[e.index] == e {
		heap.Remove(&q.waiting, e.index)
	}
	if e.inFlight {
		e.inFlight = false
		q.inFlight--
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
