package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/ZYQFXY/xiapi/internal/metrics"
	"github.com/ZYQFXY/xiapi/internal/task"
)

// Governor bands, ordered by severity. The band is derived from the recent
// discard rate; crossing a band upward triggers its action exactly once
// (edge-triggered), and the hard stop is sticky until an operator clears it.
const (
	bandHealthy = iota
	bandDegrade
	bandCircuit
	bandHardStop
)

// GovernorSnapshot reports the retry/discard governor's view.
type GovernorSnapshot struct {
	Level          int     `json:"level"`
	RetryDepth     int     `json:"retry_depth"`
	TotalSuccesses int64   `json:"total_successes"`
	TotalDiscards  int64   `json:"total_discards"`
	DiscardsStale  int64   `json:"discards_stale"`
	DiscardsRetry  int64   `json:"discards_retry_ceiling"`
	DiscardsGov    int64   `json:"discards_governor"`
	DiscardsQuota  int64   `json:"discards_quota"`
	RecentRate     float64 `json:"recent_discard_rate"`
}

// addRetry parks a failed delivery for the governor, enforcing the attempt
// ceiling.
func (s *Scheduler) addRetry(item task.RetryItem, now time.Time) {
	if item.Attempts >= s.govCfg.MaxAttempts {
		s.discard(StageCallback, item.Task, metrics.ReasonRetryCeiling, true)
		return
	}
	item.Task.RetryAfter = now.Add(s.retryDelay(item.Attempts))
	s.retryMu.Lock()
	s.retryItems = append(s.retryItems, item)
	s.retryMu.Unlock()
}

func (s *Scheduler) retryDepth() int {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	return len(s.retryItems)
}

// takeEligibleRetries removes and returns parked items whose backoff expired.
func (s *Scheduler) takeEligibleRetries(now time.Time) []task.RetryItem {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	var due []task.RetryItem
	kept := s.retryItems[:0]
	for _, item := range s.retryItems {
		if item.Task.RetryAfter.IsZero() || !now.Before(item.Task.RetryAfter) {
			due = append(due, item)
			continue
		}
		kept = append(kept, item)
	}
	s.retryItems = kept
	return due
}

// governorLoop replays due delivery retries and polices the discard rate.
func (s *Scheduler) governorLoop() {
	defer s.wg.Done()
	interval := s.govCfg.CycleInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDiscards, lastSuccesses int64
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		for _, item := range s.takeEligibleRetries(now) {
			if s.ctx.Err() != nil {
				return
			}
			s.deliver(item.Task, item.Payload, item.Attempts)
		}

		discards, successes := s.totalDiscards.Load(), s.totalSuccesses.Load()
		dDisc, dSucc := discards-lastDiscards, successes-lastSuccesses
		lastDiscards, lastSuccesses = discards, successes
		s.evaluateDiscardRate(dDisc, dSucc)
	}
}

// evaluateDiscardRate maps the cycle's discard rate onto a band and fires
// escalation actions on upward crossings.
func (s *Scheduler) evaluateDiscardRate(discards, successes int64) {
	total := discards + successes
	if total < int64(s.govCfg.MinSamples) {
		return
	}
	rate := float64(discards) / float64(total)
	band := bandHealthy
	switch {
	case rate >= s.govCfg.HardStopRate:
		band = bandHardStop
	case rate >= s.govCfg.CircuitRate:
		band = bandCircuit
	case rate >= s.govCfg.DegradeRate:
		band = bandDegrade
	}

	s.retryMu.Lock()
	prev := s.governorLevel
	if s.hardStopped.Load() {
		// Sticky: the band never relaxes on its own past a hard stop.
		s.retryMu.Unlock()
		return
	}
	s.governorLevel = band
	s.retryMu.Unlock()

	if band <= prev {
		if band < prev {
			s.logger.Info("discard rate band relaxed",
				zap.Float64("rate", rate), zap.Int("band", band))
		}
		return
	}

	if prev < bandDegrade && band >= bandDegrade {
		s.logger.Warn("discard rate high, degrading ingest stages",
			zap.Float64("rate", rate))
		s.pullHealth.ForceDegraded()
		s.queryHealth.ForceDegraded()
	}
	if prev < bandCircuit && band >= bandCircuit {
		s.logger.Error("discard rate critical, tripping ingest circuits",
			zap.Float64("rate", rate))
		s.pullHealth.ForceCircuit()
		s.queryHealth.ForceCircuit()
	}
	if band == bandHardStop {
		s.hardStopped.Store(true)
		s.logger.Error("discard rate exceeded hard-stop ceiling, halting pulls until operator resume",
			zap.Float64("rate", rate),
			zap.Int64("discards", discards),
			zap.Int64("successes", successes))
		s.dropParkedRetries()
	}
}

// dropParkedRetries abandons the retry backlog when the governor hard-stops;
// by then the backlog is presumed unsalvageable.
func (s *Scheduler) dropParkedRetries() {
	s.retryMu.Lock()
	dropped := s.retryItems
	s.retryItems = nil
	s.retryMu.Unlock()
	for _, item := range dropped {
		s.discard(StageCallback, item.Task, metrics.ReasonGovernor, true)
	}
}

func (s *Scheduler) governorSnapshot() GovernorSnapshot {
	s.retryMu.Lock()
	level := s.governorLevel
	depth := len(s.retryItems)
	s.retryMu.Unlock()

	discards, successes := s.totalDiscards.Load(), s.totalSuccesses.Load()
	var rate float64
	if total := discards + successes; total > 0 {
		rate = float64(discards) / float64(total)
	}
	return GovernorSnapshot{
		Level:          level,
		RetryDepth:     depth,
		TotalSuccesses: successes,
		TotalDiscards:  discards,
		DiscardsStale:  s.discardsStale.Load(),
		DiscardsRetry:  s.discardsRetry.Load(),
		DiscardsGov:    s.discardsGov.Load(),
		DiscardsQuota:  s.discardsQuota.Load(),
		RecentRate:     rate,
	}
}
