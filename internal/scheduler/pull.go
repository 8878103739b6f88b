package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ZYQFXY/xiapi/internal/health"
	"github.com/ZYQFXY/xiapi/internal/metrics"
	"github.com/ZYQFXY/xiapi/internal/task"
)

// pullWorker admits new work from the source. Workers wind down whenever
// pulling is halted (pause, backpressure, quota, hard stop) and are
// relaunched deficit-only by ensurePullWorkersLocked.
func (s *Scheduler) pullWorker(id int) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.pullLaunched--
		// This worker may have decided to exit on a halt condition that a
		// concurrent resume cleared in the meantime. Backfill the deficit.
		if s.running && s.ctx.Err() == nil && !s.pullingHalted() {
			s.ensurePullWorkersLocked()
		}
		s.mu.Unlock()
	}()
	s.activePull.Add(1)
	defer s.activePull.Add(-1)

	for {
		if s.pullingHalted() {
			if s.ctx.Err() == nil {
				s.logger.Debug("pull worker winding down", zap.Int("worker", id))
			}
			return
		}
		if s.waitCircuit(s.pullHealth) {
			continue
		}

		batch := scaledBatch(s.cfg.PullBatchSize, s.DegradeLevel())
		if s.pullHealth.State() != health.StateNormal {
			batch = 1
		}
		pulled, failed := s.pullBatch(batch)
		switch {
		case failed:
			s.sleep(s.cfg.ErrorSleep.Std())
		case pulled == 0:
			s.sleep(s.cfg.IdleSleep.Std())
		}
	}
}

// pullBatch fans out up to n concurrent pulls and enqueues the results in one
// dedup pass. Returns how many descriptors arrived and whether any call
// failed.
func (s *Scheduler) pullBatch(n int) (pulled int, failed bool) {
	if n < 1 {
		n = 1
	}
	var (
		sem    = semaphore.NewWeighted(int64(n))
		mu     sync.Mutex
		tasks  []task.Task
		anyErr bool
	)
	for i := 0; i < n; i++ {
		if err := sem.Acquire(s.ctx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			t, err := s.source.PullOne(s.ctx)
			now := time.Now()
			s.met.Attempts.WithLabelValues(StagePull).Inc()
			if err != nil {
				s.met.Failures.WithLabelValues(StagePull).Inc()
				s.pullHealth.RecordSample(true, now)
				mu.Lock()
				anyErr = true
				mu.Unlock()
				return
			}
			s.pullHealth.RecordSample(false, now)
			if t == nil {
				return
			}
			if t.Stale(now, s.cfg.PullStaleness.Std()) {
				s.discard(StagePull, *t, metrics.ReasonStale, false)
				return
			}
			mu.Lock()
			tasks = append(tasks, *t)
			mu.Unlock()
		}()
	}
	// Join on all permits; launched goroutines release even when the
	// scheduler context is already cancelled.
	if err := sem.Acquire(context.Background(), int64(n)); err == nil {
		sem.Release(int64(n))
	}
	got := tasks
	failed = anyErr

	if len(got) == 0 {
		return 0, failed
	}
	admitted := s.queue.Enqueue(got)
	if dup := len(got) - admitted; dup > 0 {
		s.met.Duplicates.Add(float64(dup))
	}
	return len(got), failed
}

// discard drops a task with a counted reason. releaseKey retires its dedup
// key; pull-stage discards happen before admission and skip that.
func (s *Scheduler) discard(stage string, t task.Task, reason string, releaseKey bool) {
	if releaseKey {
		s.queue.ReleaseKey(t)
	}
	s.met.Discards.WithLabelValues(reason).Inc()
	s.totalDiscards.Add(1)
	switch reason {
	case metrics.ReasonStale:
		s.discardsStale.Add(1)
	case metrics.ReasonRetryCeiling:
		s.discardsRetry.Add(1)
	case metrics.ReasonGovernor:
		s.discardsGov.Add(1)
	case metrics.ReasonQuota:
		s.discardsQuota.Add(1)
	}
	s.publish(stage, false, t, "discarded: "+reason)
	s.logger.Debug("task discarded",
		zap.String("stage", stage),
		zap.String("reason", reason),
		zap.String("shop", t.ShopKey),
		zap.String("item", t.ItemKey))
}
