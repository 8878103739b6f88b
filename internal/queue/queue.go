// Package queue implements the bounded, self-pruning dedup queue feeding the
// pipeline stages.
//
// Pending tasks are served FIFO; retried tasks go to the tail so a failing
// item never blocks items behind it. A key is "in flight" from admission
// until ReleaseKey, after which it lands in a two-generation processed record
// that caps memory without per-key timestamps.
package queue

import (
	"sync"
	"time"

	"github.com/ZYQFXY/xiapi/internal/task"
)

// DefaultProcessedCapacity is the per-generation ceiling of the processed-key
// record. Two generations retain between 1x and 2x this many keys.
const DefaultProcessedCapacity = 200_000

// Stats are cumulative queue counters since construction.
type Stats struct {
	Pending       int   `json:"pending"`
	InFlightKeys  int   `json:"inflight_keys"`
	ProcessedKeys int   `json:"processed_keys"`
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalDequeued int64 `json:"total_dequeued"`
	TotalRequeued int64 `json:"total_requeued"`
	TotalExpired  int64 `json:"total_expired"`
	TotalDup      int64 `json:"total_duplicate"`
	Rollovers     int64 `json:"processed_rollovers"`
}

// Queue is safe for concurrent use by all worker pools.
type Queue struct {
	mu      sync.Mutex
	pending []task.Task
	// inflight holds keys of tasks that are pending or owned by a worker.
	inflight map[task.Key]struct{}
	// processed keys rotate through two generations, current and previous.
	processedCap  int
	processedCurr map[task.Key]struct{}
	processedPrev map[task.Key]struct{}
	stats         Stats
}

// New builds a queue. processedCap <= 0 selects DefaultProcessedCapacity.
func New(processedCap int) *Queue {
	if processedCap <= 0 {
		processedCap = DefaultProcessedCapacity
	}
	return &Queue{
		inflight:      make(map[task.Key]struct{}),
		processedCap:  processedCap,
		processedCurr: make(map[task.Key]struct{}),
		processedPrev: make(map[task.Key]struct{}),
	}
}

func (q *Queue) isProcessedLocked(k task.Key) bool {
	if _, ok := q.processedCurr[k]; ok {
		return true
	}
	_, ok := q.processedPrev[k]
	return ok
}

func (q *Queue) addProcessedLocked(k task.Key) {
	q.processedCurr[k] = struct{}{}
	if len(q.processedCurr) >= q.processedCap {
		q.processedPrev = q.processedCurr
		q.processedCurr = make(map[task.Key]struct{})
		q.stats.Rollovers++
	}
}

// Enqueue admits tasks that are neither in flight nor recently processed and
// returns the number admitted. Admitted tasks enter pending state with a
// zeroed retry count.
func (q *Queue) Enqueue(tasks []task.Task) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, t := range tasks {
		k := t.DedupKey()
		if _, ok := q.inflight[k]; ok {
			q.stats.TotalDup++
			continue
		}
		if q.isProcessedLocked(k) {
			q.stats.TotalDup++
			continue
		}
		q.inflight[k] = struct{}{}
		t.Status = task.StatusPending
		t.RetryCount = 0
		q.pending = append(q.pending, t)
		added++
	}
	q.stats.TotalEnqueued += int64(added)
	return added
}

// Dequeue removes up to n tasks from the front, marking them processing.
// Non-blocking; may return fewer than n or none.
func (q *Queue) Dequeue(n int) []task.Task {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n == 0 {
		return nil
	}
	out := make([]task.Task, n)
	copy(out, q.pending[:n])
	q.pending = q.pending[n:]
	for i := range out {
		out[i].Status = task.StatusProcessing
	}
	q.stats.TotalDequeued += int64(n)
	return out
}

// Requeue returns failed tasks to the tail, counting one retry each.
func (q *Queue) Requeue(tasks []task.Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		t.Status = task.StatusPending
		t.RetryCount++
		q.pending = append(q.pending, t)
	}
	q.stats.TotalRequeued += int64(len(tasks))
}

// RequeueSilent returns a task to the tail without consuming retry budget.
// Used for backoff waits (RetryAfter still in the future).
func (q *Queue) RequeueSilent(t task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Status = task.StatusPending
	q.pending = append(q.pending, t)
}

// ReleaseKey retires the task's dedup key: it leaves the in-flight set and
// enters the processed record. Must be called exactly once per admitted task,
// on every terminal path.
func (q *Queue) ReleaseKey(t task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := t.DedupKey()
	delete(q.inflight, k)
	q.addProcessedLocked(k)
}

// IsProcessed reports whether the task's key sits in the processed record.
func (q *Queue) IsProcessed(t task.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isProcessedLocked(t.DedupKey())
}

// PurgeExpired drops pending tasks older than maxAge and releases their keys.
// The query and callback stages do this per item in normal operation; this
// remains for operator-triggered sweeps.
func (q *Queue) PurgeExpired(maxAge time.Duration, now time.Time) int {
	if maxAge <= 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	purged := 0
	for _, t := range q.pending {
		if t.Stale(now, maxAge) {
			k := t.DedupKey()
			delete(q.inflight, k)
			q.addProcessedLocked(k)
			purged++
			continue
		}
		kept = append(kept, t)
	}
	q.pending = kept
	q.stats.TotalExpired += int64(purged)
	return purged
}

// PendingCount is the current pending depth.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot returns current stats.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.pending)
	s.InFlightKeys = len(q.inflight)
	s.ProcessedKeys = len(q.processedCurr) + len(q.processedPrev)
	return s
}
