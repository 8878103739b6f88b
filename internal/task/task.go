// Package task defines the unit of work moving through the pipeline and the
// outcome taxonomy returned by the enrichment dependency.
package task

import (
	"fmt"
	"time"
)

// Status of a task while it is owned by the dedup queue or a worker.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

// Task is the unit of work. Tasks are value-like: ownership transfers as they
// move between queues and no two stages hold one concurrently.
type Task struct {
	ShopKey   string    `json:"shop_key"`
	ItemKey   string    `json:"item_key"`
	Locale    string    `json:"locale"`
	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`

	// RetryCount increments on stage-level retry (Requeue). Silent requeues
	// for backoff waits do not touch it.
	RetryCount int `json:"retry_count"`
	// RetryAfter defers reprocessing until the given time. The zero value
	// means the task is immediately eligible.
	RetryAfter time.Time `json:"retry_after,omitempty"`
	Status     Status    `json:"status"`
}

// Key is the dedup identity: at most one task per key may be in flight.
type Key string

// DedupKey builds the identity tuple for the task.
func (t Task) DedupKey() Key {
	return Key(fmt.Sprintf("%s:%s:%s", t.ShopKey, t.ItemKey, t.Locale))
}

// Age reports how long ago the source created the task.
func (t Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Stale reports whether the task exceeded the staleness ceiling at `now`.
// Tasks without a source timestamp never go stale.
func (t Task) Stale(now time.Time, ceiling time.Duration) bool {
	if t.CreatedAt.IsZero() || ceiling <= 0 {
		return false
	}
	return t.Age(now) > ceiling
}

// RetryItem carries a delivery-ready payload through the retry governor.
type RetryItem struct {
	Task     Task
	Payload  []byte
	Attempts int
}

// OutcomeClass classifies an enrichment response by contract, not transport
// status.
type OutcomeClass int

const (
	// OutcomeSuccess is an explicit success with a usable payload.
	OutcomeSuccess OutcomeClass = iota
	// OutcomeResolved is an explicit negative business result. It is
	// terminal and still delivered downstream.
	OutcomeResolved
	// OutcomeRetry covers transient errors: the distinguished unknown-error
	// code, 5xx-equivalents, resets, and timeouts.
	OutcomeRetry
	// OutcomeQuota is the distinguished quota-exhausted response. The
	// dependency is reachable but throttled by contract.
	OutcomeQuota
)

func (c OutcomeClass) String() string {
	switch c {
	case OutcomeSuccess:
		return "success"
	case OutcomeResolved:
		return "resolved"
	case OutcomeRetry:
		return "retry"
	case OutcomeQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one enrichment call.
type Outcome struct {
	Class   OutcomeClass
	Payload []byte
	Code    int
	Err     error
}
