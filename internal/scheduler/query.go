package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/ZYQFXY/xiapi/internal/health"
	"github.com/ZYQFXY/xiapi/internal/metrics"
	"github.com/ZYQFXY/xiapi/internal/task"
)

// queryWorker drains the dedup queue through the enrichment dependency.
func (s *Scheduler) queryWorker(id int) {
	defer s.wg.Done()
	s.activeQuery.Add(1)
	defer s.activeQuery.Add(-1)
	s.logger.Debug("query worker started", zap.Int("worker", id))

	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.waitCircuit(s.queryHealth) {
			continue
		}
		if s.hardStopped.Load() {
			s.sleep(s.cfg.IdleSleep.Std())
			continue
		}
		if s.quotaOut.Load() {
			// Quarantined: the probe loop owns the dependency until the
			// quota window opens again.
			s.sleep(s.cfg.IdleSleep.Std())
			continue
		}

		level := s.DegradeLevel()
		batch := scaledBatch(s.cfg.QueryBatchSize, level)
		active := scaledBatch(s.cfg.QueryWorkers, level)
		if s.queryHealth.State() != health.StateNormal {
			batch, active = 1, 1
		}
		// Degraded concurrency: only the first `active` workers call out,
		// the rest idle until the stage recovers.
		if id >= active {
			s.sleep(s.cfg.IdleSleep.Std())
			continue
		}

		tasks := s.queue.Dequeue(batch)
		if len(tasks) == 0 {
			s.sleep(s.cfg.IdleSleep.Std())
			continue
		}
		for _, t := range tasks {
			if s.ctx.Err() != nil {
				s.queue.RequeueSilent(t)
				continue
			}
			s.processTask(t)
		}
	}
}

// processTask runs one enrichment attempt with its admission-time guards.
func (s *Scheduler) processTask(t task.Task) {
	now := time.Now()
	if !t.RetryAfter.IsZero() && now.Before(t.RetryAfter) {
		s.queue.RequeueSilent(t)
		return
	}
	if t.Stale(now, s.cfg.TaskStaleness.Std()) {
		s.discard(StageQuery, t, metrics.ReasonStale, true)
		return
	}

	s.met.Attempts.WithLabelValues(StageQuery).Inc()
	out := s.enricher.Enrich(s.ctx, t)
	s.handleOutcome(t, out, time.Now())
}

// handleOutcome routes a classified enrichment result. Success and resolved
// both move downstream; the consumer is told about negative business results
// too.
func (s *Scheduler) handleOutcome(t task.Task, out task.Outcome, now time.Time) {
	switch out.Class {
	case task.OutcomeSuccess, task.OutcomeResolved:
		s.queryHealth.RecordSample(false, now)
		s.publish(StageQuery, true, t, out.Class.String())
		s.pushCallback(t, out.Payload)

	case task.OutcomeRetry:
		s.met.Failures.WithLabelValues(StageQuery).Inc()
		s.queryHealth.RecordSample(true, now)
		s.publish(StageQuery, false, t, "retry")
		if t.RetryCount+1 >= s.govCfg.MaxAttempts {
			s.discard(StageQuery, t, metrics.ReasonRetryCeiling, true)
			return
		}
		t.RetryAfter = now.Add(s.retryDelay(t.RetryCount))
		s.queue.Requeue([]task.Task{t})

	case task.OutcomeQuota:
		// Not a health failure: the dependency answered, by contract.
		s.enterQuotaQuarantine(t)
	}
}

// retryDelay grows linearly with the attempt count up to the cap.
func (s *Scheduler) retryDelay(retryCount int) time.Duration {
	d := time.Duration(retryCount+1) * s.cfg.RetryStep.Std()
	if ceil := s.cfg.RetryCap.Std(); ceil > 0 && d > ceil {
		d = ceil
	}
	return d
}

// enterQuotaQuarantine releases the item undelivered, halts pulling, and
// hands the dependency to a single-item probe loop.
func (s *Scheduler) enterQuotaQuarantine(t task.Task) {
	s.discard(StageQuery, t, metrics.ReasonQuota, true)
	if s.quotaOut.CompareAndSwap(false, true) {
		s.logger.Warn("enrichment quota exhausted, quarantining pipeline",
			zap.Duration("probe_interval", s.cfg.QuotaProbeInterval.Std()))
		s.wg.Add(1)
		go s.quotaProbeLoop()
	}
}

// quotaProbeLoop sends one task per interval until the quota window reopens,
// then resumes normal operation.
func (s *Scheduler) quotaProbeLoop() {
	defer s.wg.Done()
	interval := s.cfg.QuotaProbeInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		tasks := s.queue.Dequeue(1)
		if len(tasks) == 0 {
			// Nothing left to probe with; reopen and let pulls refill.
			s.exitQuotaQuarantine()
			return
		}
		t := tasks[0]
		now := time.Now()
		if !t.RetryAfter.IsZero() && now.Before(t.RetryAfter) {
			s.queue.RequeueSilent(t)
			continue
		}
		if t.Stale(now, s.cfg.TaskStaleness.Std()) {
			s.discard(StageQuery, t, metrics.ReasonStale, true)
			continue
		}

		s.met.Attempts.WithLabelValues(StageQuery).Inc()
		out := s.enricher.Enrich(s.ctx, t)
		if out.Class == task.OutcomeQuota {
			s.discard(StageQuery, t, metrics.ReasonQuota, true)
			continue
		}

		s.logger.Info("enrichment quota window reopened")
		s.handleOutcome(t, out, time.Now())
		s.exitQuotaQuarantine()
		return
	}
}

func (s *Scheduler) exitQuotaQuarantine() {
	if !s.quotaOut.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.ensurePullWorkersLocked()
	}
}
