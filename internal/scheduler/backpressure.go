package scheduler

import (
	"time"

	"go.uber.org/zap"
)

// bpTransition reports the next paused state for one depth reading: engage
// strictly above the high watermark, release strictly below the low one.
// The gap between the two prevents flapping around a single threshold.
func bpTransition(paused bool, depth, high, low int) bool {
	switch {
	case !paused && depth > high:
		return true
	case paused && depth < low:
		return false
	}
	return paused
}

// backpressureLoop pauses pulling when the buffered depth crosses above the
// high watermark and resumes once it falls below the low one. Depth counts
// the pending queue plus the callback queue: both are the unbounded
// in-memory buffers the watermarks exist to bound.
func (s *Scheduler) backpressureLoop() {
	defer s.wg.Done()
	interval := s.bpCfg.CheckInterval.Std()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		depth := s.queue.PendingCount() + s.callbackDepth()
		paused := s.bpPaused.Load()
		switch next := bpTransition(paused, depth, s.bpCfg.HighWatermark, s.bpCfg.LowWatermark); {
		case next && !paused:
			if s.bpPaused.CompareAndSwap(false, true) {
				s.logger.Warn("backpressure engaged, pausing pulls",
					zap.Int("depth", depth),
					zap.Int("high_watermark", s.bpCfg.HighWatermark))
			}
		case !next && paused:
			if s.bpPaused.CompareAndSwap(true, false) {
				s.logger.Info("backpressure released, resuming pulls",
					zap.Int("depth", depth),
					zap.Int("low_watermark", s.bpCfg.LowWatermark))
				s.mu.Lock()
				if s.running {
					s.ensurePullWorkersLocked()
				}
				s.mu.Unlock()
			}
		}
	}
}
