// Package health tracks per-stage request outcomes over a sliding time
// window and derives degraded / circuit-broken state from them.
//
// Workers are state readers, never state owners: they feed samples in and
// consult State / CircuitPause, but all transitions happen inside the
// tracker under its lock. Hysteresis is asymmetric on purpose — recovery
// requires materially better health than the degrade trigger.
package health

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State of a stage.
type State int

const (
	StateNormal State = iota
	StateDegraded
	StateCircuitBroken
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDegraded:
		return "degraded"
	case StateCircuitBroken:
		return "circuit_broken"
	default:
		return "unknown"
	}
}

// Config tunes one tracker. Zero fields fall back to Default values.
type Config struct {
	Window           time.Duration `json:"window"`
	DegradeThreshold float64       `json:"degradeThreshold"`
	RecoverThreshold float64       `json:"recoverThreshold"`
	MinSamples       int           `json:"minSamples"`
	CircuitThreshold int           `json:"circuitThreshold"`
	BreakerFloor     time.Duration `json:"breakerFloor"`
	BreakerCeiling   time.Duration `json:"breakerCeiling"`
}

// Default returns the tracker tuning used in production.
func Default() Config {
	return Config{
		Window:           60 * time.Second,
		DegradeThreshold: 0.70,
		RecoverThreshold: 0.35,
		MinSamples:       20,
		CircuitThreshold: 200,
		BreakerFloor:     10 * time.Second,
		BreakerCeiling:   60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = d.DegradeThreshold
	}
	if c.RecoverThreshold <= 0 {
		c.RecoverThreshold = d.RecoverThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.BreakerFloor <= 0 {
		c.BreakerFloor = d.BreakerFloor
	}
	if c.BreakerCeiling <= 0 {
		c.BreakerCeiling = d.BreakerCeiling
	}
	return c
}

type bucket struct {
	total    int
	failures int
}

// Snapshot is a point-in-time view of one tracker.
type Snapshot struct {
	Stage               string        `json:"stage"`
	State               string        `json:"state"`
	WindowTotal         int           `json:"window_total"`
	WindowFailures      int           `json:"window_failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitPause        time.Duration `json:"circuit_pause"`
	Trips               int64         `json:"breaker_trips"`
}

// Tracker is one stage's health window. Safe for concurrent use.
type Tracker struct {
	stage  string
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	buckets        map[int64]*bucket
	windowTotal    int
	windowFailures int
	consecutive    int
	state          State
	breaker        *backoff.ExponentialBackOff
	pause          time.Duration
	trips          int64
}

// NewTracker builds a tracker for the named stage.
func NewTracker(stage string, cfg Config, logger *zap.Logger) *Tracker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BreakerFloor
	b.MaxInterval = cfg.BreakerCeiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Tracker{
		stage:   stage,
		cfg:     cfg,
		logger:  logger.With(zap.String("stage", stage)),
		buckets: make(map[int64]*bucket),
		breaker: b,
	}
}

// Stage returns the stage name the tracker watches.
func (t *Tracker) Stage() string { return t.stage }

// RecordSample feeds one request outcome observed at `now`.
func (t *Tracker) RecordSample(failure bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sec := now.Unix()
	b := t.buckets[sec]
	if b == nil {
		b = &bucket{}
		t.buckets[sec] = b
	}
	b.total++
	t.windowTotal++
	if failure {
		b.failures++
		t.windowFailures++
		t.consecutive++
	} else {
		t.consecutive = 0
		// One healthy sample resets the breaker schedule to its floor.
		t.breaker.Reset()
	}
	t.pruneLocked(sec)

	if failure && t.state != StateCircuitBroken && t.consecutive >= t.cfg.CircuitThreshold {
		t.tripLocked()
		return
	}
	t.evaluateLocked()
}

func (t *Tracker) pruneLocked(nowSec int64) {
	cutoff := nowSec - int64(t.cfg.Window/time.Second)
	for sec, b := range t.buckets {
		if sec < cutoff {
			t.windowTotal -= b.total
			t.windowFailures -= b.failures
			delete(t.buckets, sec)
		}
	}
}

func (t *Tracker) evaluateLocked() {
	if t.state == StateCircuitBroken || t.windowTotal < t.cfg.MinSamples {
		return
	}
	rate := float64(t.windowFailures) / float64(t.windowTotal)
	switch t.state {
	case StateNormal:
		if rate >= t.cfg.DegradeThreshold {
			t.state = StateDegraded
			t.logger.Warn("stage degraded",
				zap.Float64("failure_rate", rate),
				zap.Int("window_total", t.windowTotal))
		}
	case StateDegraded:
		if rate < t.cfg.RecoverThreshold {
			t.state = StateNormal
			t.logger.Info("stage recovered",
				zap.Float64("failure_rate", rate))
		}
	}
}

func (t *Tracker) tripLocked() {
	t.state = StateCircuitBroken
	t.pause = t.breaker.NextBackOff()
	t.trips++
	t.consecutive = 0
	t.logger.Error("circuit broken",
		zap.Duration("pause", t.pause),
		zap.Int64("trips", t.trips))
}

// State reports the current stage state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CircuitPause returns how long producers must sleep before resuming after a
// breaker trip. Zero when the circuit is closed.
func (t *Tracker) CircuitPause() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCircuitBroken {
		return 0
	}
	return t.pause
}

// ResumeFromCircuit moves a circuit-broken stage into forced degraded mode.
// Serial processing on resumption avoids immediately re-tripping the breaker.
func (t *Tracker) ResumeFromCircuit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCircuitBroken {
		return
	}
	t.state = StateDegraded
	t.logger.Info("circuit resumed in degraded mode")
}

// ForceDegraded is used by the discard governor to push a stage into serial
// processing regardless of its window.
func (t *Tracker) ForceDegraded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateNormal {
		t.state = StateDegraded
		t.logger.Warn("stage force-degraded")
	}
}

// ForceCircuit trips the breaker as if the consecutive-failure ceiling had
// been reached.
func (t *Tracker) ForceCircuit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCircuitBroken {
		return
	}
	t.tripLocked()
}

// Snapshot returns a point-in-time view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Stage:               t.stage,
		State:               t.state.String(),
		WindowTotal:         t.windowTotal,
		WindowFailures:      t.windowFailures,
		ConsecutiveFailures: t.consecutive,
		CircuitPause:        t.pause,
		Trips:               t.trips,
	}
}

// GlobalDegradeLevel counts how many stages are degraded or circuit-broken.
// It is the only cross-stage coupling: workers read it to shrink batch sizes
// and add idle sleep when several dependencies are unhealthy at once.
func GlobalDegradeLevel(trackers ...*Tracker) int {
	level := 0
	for _, t := range trackers {
		if t == nil {
			continue
		}
		if s := t.State(); s == StateDegraded || s == StateCircuitBroken {
			level++
		}
	}
	return level
}
