// Package audit implements the write-behind audit trail for delivered tasks.
//
// Workers call Record, which appends to a bounded in-memory buffer and never
// blocks or fails the pipeline. A background worker flushes batches into
// per-day pebble key ranges; a retention sweep drops whole days past the
// configured window.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	pebblestore "github.com/ZYQFXY/xiapi/internal/storage/pebble"
)

// Stub is the minimal audit record kept per delivered task.
type Stub struct {
	TraceID string    `json:"trace_id"`
	ShopKey string    `json:"shop_key"`
	ItemKey string    `json:"item_key"`
	Locale  string    `json:"locale"`
	TS      time.Time `json:"ts"`
}

// Config tunes the store.
type Config struct {
	BufferLimit   int
	FlushBatch    int
	FlushInterval time.Duration
	RetentionDays int
}

func (c Config) withDefaults() Config {
	if c.BufferLimit <= 0 {
		c.BufferLimit = 500_000
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 3
	}
	return c
}

// Stats reports store counters.
type Stats struct {
	Buffered int   `json:"buffered"`
	Synced   int64 `json:"synced"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

// Store is the audit sink. Safe for concurrent use.
type Store struct {
	db     *pebblestore.DB
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	buffer  []Stub
	seq     uint64
	synced  int64
	dropped int64
	failed  int64
	lastDay string

	stop chan struct{}
	done chan struct{}
}

// NewStore builds an audit store over an open database.
func NewStore(db *pebblestore.DB, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		lastDay: dayString(time.Now()),
	}
}

// Record buffers one stub. Past the buffer ceiling new stubs are dropped and
// counted; audit loss must never stall delivery.
func (s *Store) Record(stub Stub) {
	if stub.TS.IsZero() {
		stub.TS = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= s.cfg.BufferLimit {
		s.dropped++
		if s.dropped%10_000 == 1 {
			s.logger.Warn("audit buffer full, dropping stubs",
				zap.Int("limit", s.cfg.BufferLimit),
				zap.Int64("dropped", s.dropped))
		}
		return
	}
	s.buffer = append(s.buffer, stub)
}

// Start launches the flush worker. Stop with Close.
func (s *Store) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.FlushBatch(time.Now()); err != nil {
					s.logger.Error("audit flush failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close stops the worker and flushes everything still buffered.
func (s *Store) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return s.FlushAll(time.Now())
}

// FlushBatch writes up to one batch of buffered stubs. On a day change it
// runs the retention sweep first.
func (s *Store) FlushBatch(now time.Time) error {
	s.mu.Lock()
	today := dayString(now)
	dayChanged := today != s.lastDay
	s.lastDay = today

	n := len(s.buffer)
	if n > s.cfg.FlushBatch {
		n = s.cfg.FlushBatch
	}
	batch := make([]Stub, n)
	copy(batch, s.buffer[:n])
	s.buffer = s.buffer[n:]
	s.mu.Unlock()

	if dayChanged {
		if err := s.Sweep(now); err != nil {
			s.logger.Error("audit retention sweep failed", zap.Error(err))
		}
	}
	if len(batch) == 0 {
		return nil
	}
	if err := s.write(batch, today); err != nil {
		// Put the batch back so a transient storage error loses nothing.
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.failed++
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.synced += int64(len(batch))
	s.mu.Unlock()
	return nil
}

// FlushAll drains the whole buffer.
func (s *Store) FlushAll(now time.Time) error {
	for {
		s.mu.Lock()
		remaining := len(s.buffer)
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		if err := s.FlushBatch(now); err != nil {
			return err
		}
	}
}

func (s *Store) write(batch []Stub, day string) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, stub := range batch {
		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()
		val, err := json.Marshal(stub)
		if err != nil {
			continue
		}
		if err := b.Set(traceKey(day, stub.TraceID, seq), val, nil); err != nil {
			return err
		}
		if err := b.Set(itemKey(day, stub.ShopKey, stub.ItemKey, seq), val, nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(context.Background(), b)
}

// Sweep removes day partitions outside the retention window.
func (s *Store) Sweep(now time.Time) error {
	retained := make(map[string]struct{})
	for _, d := range retainedDays(now, s.cfg.RetentionDays) {
		retained[d] = struct{}{}
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("a/"),
		UpperBound: upperBound([]byte("a/")),
	})
	if err != nil {
		return err
	}
	days := make(map[string]struct{})
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		// a/<yyyymmdd>/...
		if len(k) < 11 {
			continue
		}
		days[string(k[2:10])] = struct{}{}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for day := range days {
		if _, keep := retained[day]; keep {
			continue
		}
		prefix := dayPrefix(day)
		if err := s.db.DeleteRange(prefix, upperBound(prefix)); err != nil {
			return err
		}
		s.logger.Info("audit day partition dropped", zap.String("day", day))
	}
	return nil
}

func (s *Store) scan(prefix []byte, limit int) ([]Stub, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Stub
	for ok := iter.First(); ok; ok = iter.Next() {
		var stub Stub
		if err := json.Unmarshal(iter.Value(), &stub); err != nil {
			continue
		}
		out = append(out, stub)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindByTraceID returns stubs for the trace across all retained days.
func (s *Store) FindByTraceID(traceID string, limit int) ([]Stub, error) {
	var out []Stub
	for _, day := range retainedDays(time.Now(), s.cfg.RetentionDays) {
		got, err := s.scan(tracePrefix(day, traceID), limit-len(out))
		if err != nil {
			return out, err
		}
		out = append(out, got...)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindByShopItem returns stubs for the shop/item pair across retained days.
func (s *Store) FindByShopItem(shopKey, itemKeyStr string, limit int) ([]Stub, error) {
	var out []Stub
	for _, day := range retainedDays(time.Now(), s.cfg.RetentionDays) {
		got, err := s.scan(itemPrefix(day, shopKey, itemKeyStr), limit-len(out))
		if err != nil {
			return out, err
		}
		out = append(out, got...)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Snapshot returns store counters.
func (s *Store) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Buffered: len(s.buffer),
		Synced:   s.synced,
		Dropped:  s.dropped,
		Failed:   s.failed,
	}
}
