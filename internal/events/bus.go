// Package events carries per-attempt status events from the pipeline to
// observers (SSE stream, audit sink).
//
// Delivery is best effort: Publish never blocks a worker. When a subscriber
// falls behind, its oldest buffered event is dropped to make room.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one per-attempt outcome.
type Event struct {
	Stage   string    `json:"stage"`
	OK      bool      `json:"ok"`
	ShopKey string    `json:"shop_key"`
	ItemKey string    `json:"item_key"`
	Locale  string    `json:"locale"`
	TraceID string    `json:"trace_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	TS      time.Time `json:"ts"`
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	dropped atomic.Int64
}

// NewBus builds a bus with the given per-subscriber buffer (default 256).
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{subs: make(map[int]chan Event), bufSize: bufSize}
}

// Publish delivers to every subscriber without blocking, evicting the oldest
// buffered event of any subscriber that is full.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe registers a consumer. The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Dropped reports how many events were evicted bus-wide.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
