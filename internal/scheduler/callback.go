package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/ZYQFXY/xiapi/internal/health"
	"github.com/ZYQFXY/xiapi/internal/metrics"
	"github.com/ZYQFXY/xiapi/internal/task"
)

// callbackWorker delivers enriched results to the consumer system.
func (s *Scheduler) callbackWorker(id int) {
	defer s.wg.Done()
	s.activeCallback.Add(1)
	defer s.activeCallback.Add(-1)
	s.logger.Debug("callback worker started", zap.Int("worker", id))

	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.waitCircuit(s.callbackHealth) {
			continue
		}

		level := s.DegradeLevel()
		batch := scaledBatch(s.cfg.CallbackBatchSize, level)
		active := scaledBatch(s.cfg.CallbackWorkers, level)
		if s.callbackHealth.State() != health.StateNormal {
			batch, active = 1, 1
		}
		if id >= active {
			s.sleep(s.cfg.IdleSleep.Std())
			continue
		}

		items := s.popCallback(batch)
		if len(items) == 0 {
			s.sleep(s.cfg.IdleSleep.Std())
			continue
		}
		for _, item := range items {
			if s.ctx.Err() != nil {
				s.pushCallback(item.task, item.payload)
				continue
			}
			s.deliver(item.task, item.payload, 0)
		}
	}
}

// deliver runs one delivery attempt. attempts counts prior tries; first
// delivery passes zero, governor retries pass their running count.
func (s *Scheduler) deliver(t task.Task, payload []byte, attempts int) {
	now := time.Now()
	if t.Stale(now, s.cfg.TaskStaleness.Std()) {
		s.discard(StageCallback, t, metrics.ReasonStale, true)
		return
	}

	s.met.Attempts.WithLabelValues(StageCallback).Inc()
	err := s.deliverer.Deliver(s.ctx, t, payload)
	now = time.Now()
	if err != nil {
		s.met.Failures.WithLabelValues(StageCallback).Inc()
		s.callbackHealth.RecordSample(true, now)
		s.publish(StageCallback, false, t, err.Error())
		s.addRetry(task.RetryItem{Task: t, Payload: payload, Attempts: attempts + 1}, now)
		return
	}

	s.callbackHealth.RecordSample(false, now)
	s.queue.ReleaseKey(t)
	s.totalSuccesses.Add(1)
	s.met.Successes.Inc()
	s.publish(StageCallback, true, t, "delivered")
}
