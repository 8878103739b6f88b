// Package scheduler runs the pull → enrich → callback pipeline: three worker
// pools joined by in-memory queues, governed by per-stage health trackers, a
// backpressure controller on queue depth, and a retry/discard governor.
//
// All cross-stage communication goes through the queue structures; workers
// read health state but never own transitions. The scheduler is a value you
// construct and own — multiple independent instances coexist, which is how
// the tests run it.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZYQFXY/xiapi/internal/config"
	"github.com/ZYQFXY/xiapi/internal/events"
	"github.com/ZYQFXY/xiapi/internal/health"
	"github.com/ZYQFXY/xiapi/internal/metrics"
	"github.com/ZYQFXY/xiapi/internal/queue"
	"github.com/ZYQFXY/xiapi/internal/task"
)

// Stage names used in health trackers, metrics, and events.
const (
	StagePull     = "pull"
	StageQuery    = "query"
	StageCallback = "callback"
)

// PullSource fetches candidate task descriptors.
type PullSource interface {
	PullOne(ctx context.Context) (*task.Task, error)
}

// Enricher performs the third-party lookup for one task.
type Enricher interface {
	Enrich(ctx context.Context, t task.Task) task.Outcome
}

// Deliverer hands an enriched result to the consumer system.
type Deliverer interface {
	Deliver(ctx context.Context, t task.Task, payload []byte) error
}

// Options assembles the scheduler's tuning and collaborators.
type Options struct {
	Scheduler    config.SchedulerConfig
	Governor     config.GovernorConfig
	Backpressure config.BackpressureConfig
	Health       health.Config

	Source    PullSource
	Enricher  Enricher
	Deliverer Deliverer

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type callbackItem struct {
	task    task.Task
	payload []byte
}

// Scheduler owns the pipeline state. Construct with New, drive with Start
// and Stop.
type Scheduler struct {
	cfg    config.SchedulerConfig
	govCfg config.GovernorConfig
	bpCfg  config.BackpressureConfig

	source    PullSource
	enricher  Enricher
	deliverer Deliverer

	queue  *queue.Queue
	bus    *events.Bus
	met    *metrics.Metrics
	logger *zap.Logger

	pullHealth     *health.Tracker
	queryHealth    *health.Tracker
	callbackHealth *health.Tracker

	// callback queue: enriched results awaiting delivery.
	cbMu    sync.Mutex
	cbItems []callbackItem

	// retry governor state, see governor.go.
	retryMu        sync.Mutex
	retryItems     []task.RetryItem
	totalSuccesses atomic.Int64
	totalDiscards  atomic.Int64
	discardsStale  atomic.Int64
	discardsRetry  atomic.Int64
	discardsGov    atomic.Int64
	discardsQuota  atomic.Int64
	governorLevel  int

	mu      sync.Mutex
	running bool
	// pull goroutines launched and not yet exited. Moves under mu, unlike
	// activePull which a worker only bumps once scheduled.
	pullLaunched int
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	paused      atomic.Bool // operator pause of pulling
	bpPaused    atomic.Bool // backpressure pause of pulling
	quotaOut    atomic.Bool // enrichment quota exhausted
	hardStopped atomic.Bool // governor hard stop, operator-resumed only

	activePull     atomic.Int32
	activeQuery    atomic.Int32
	activeCallback atomic.Int32
}

// New builds a scheduler. Collaborators must be set; Bus, Metrics, and
// Logger default to working no-ops.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(0)
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	s := &Scheduler{
		cfg:       opts.Scheduler,
		govCfg:    opts.Governor,
		bpCfg:     opts.Backpressure,
		source:    opts.Source,
		enricher:  opts.Enricher,
		deliverer: opts.Deliverer,
		queue:     queue.New(opts.Scheduler.ProcessedKeyBuckets),
		bus:       bus,
		met:       met,
		logger:    logger,
	}
	s.pullHealth = health.NewTracker(StagePull, opts.Health, logger)
	s.queryHealth = health.NewTracker(StageQuery, opts.Health, logger)
	s.callbackHealth = health.NewTracker(StageCallback, opts.Health, logger)
	return s
}

// Queue exposes the dedup queue (control surface: purge, stats).
func (s *Scheduler) Queue() *queue.Queue { return s.queue }

// Start launches all worker pools and periodic loops. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("scheduler starting",
		zap.Int("pull_workers", s.cfg.PullWorkers),
		zap.Int("query_workers", s.cfg.QueryWorkers),
		zap.Int("callback_workers", s.cfg.CallbackWorkers))

	s.ensurePullWorkersLocked()
	for i := 0; i < s.cfg.QueryWorkers; i++ {
		s.wg.Add(1)
		go s.queryWorker(i)
	}
	for i := 0; i < s.cfg.CallbackWorkers; i++ {
		s.wg.Add(1)
		go s.callbackWorker(i)
	}
	s.wg.Add(3)
	go s.governorLoop()
	go s.backpressureLoop()
	go s.statsLoop()
}

// Stop halts all loops cooperatively and waits for in-flight calls to finish
// naturally. In-memory queues are abandoned by design. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// PausePulling halts admission of new work. Idempotent.
func (s *Scheduler) PausePulling() {
	if s.paused.CompareAndSwap(false, true) {
		s.logger.Info("pulling paused by operator")
	}
}

// ResumePulling restarts pull workers up to the configured pool size.
// Idempotent; never launches duplicates.
func (s *Scheduler) ResumePulling() {
	if s.paused.CompareAndSwap(true, false) {
		s.logger.Info("pulling resumed by operator")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.ensurePullWorkersLocked()
	}
}

// ResumeHardStop clears a governor hard stop. Pull and query stages resume
// in whatever health state their trackers hold.
func (s *Scheduler) ResumeHardStop() {
	if s.hardStopped.CompareAndSwap(true, false) {
		s.retryMu.Lock()
		s.governorLevel = 0
		s.retryMu.Unlock()
		s.logger.Warn("hard stop cleared by operator")
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running {
			s.ensurePullWorkersLocked()
		}
	}
}

// pullingHalted reports whether pull workers should wind down.
func (s *Scheduler) pullingHalted() bool {
	return s.ctx.Err() != nil ||
		s.paused.Load() ||
		s.bpPaused.Load() ||
		s.quotaOut.Load() ||
		s.hardStopped.Load()
}

// ensurePullWorkersLocked launches exactly the deficit between configured
// and launched pull workers. The deficit comes from pullLaunched, not
// activePull: a resume racing freshly launched goroutines that have not run
// yet must see them as already counted. Callers hold s.mu.
func (s *Scheduler) ensurePullWorkersLocked() {
	deficit := s.cfg.PullWorkers - s.pullLaunched
	for i := 0; i < deficit; i++ {
		s.pullLaunched++
		s.wg.Add(1)
		go s.pullWorker(i)
	}
}

// DegradeLevel is the count of currently unhealthy stages (0–3).
func (s *Scheduler) DegradeLevel() int {
	return health.GlobalDegradeLevel(s.pullHealth, s.queryHealth, s.callbackHealth)
}

// scaledBatch shrinks a batch size as the global degrade level rises.
func scaledBatch(base, level int) int {
	if base < 1 {
		base = 1
	}
	switch {
	case level <= 0:
		return base
	case level == 1:
		if base/2 < 1 {
			return 1
		}
		return base / 2
	default:
		return 1
	}
}

// sleep waits for d or until the scheduler stops.
func (s *Scheduler) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-s.ctx.Done():
	}
}

// waitCircuit sleeps out a breaker pause and resumes the stage in degraded
// mode. Returns true when it handled a broken circuit.
func (s *Scheduler) waitCircuit(tr *health.Tracker) bool {
	if tr.State() != health.StateCircuitBroken {
		return false
	}
	pause := tr.CircuitPause()
	s.logger.Warn("stage pausing for circuit backoff",
		zap.String("stage", tr.Stage()), zap.Duration("pause", pause))
	s.sleep(pause)
	if s.ctx.Err() == nil {
		tr.ResumeFromCircuit()
	}
	return true
}

func (s *Scheduler) publish(stage string, ok bool, t task.Task, detail string) {
	s.bus.Publish(events.Event{
		Stage:   stage,
		OK:      ok,
		ShopKey: t.ShopKey,
		ItemKey: t.ItemKey,
		Locale:  t.Locale,
		TraceID: t.TraceID,
		Detail:  detail,
	})
}

func (s *Scheduler) pushCallback(t task.Task, payload []byte) {
	s.cbMu.Lock()
	s.cbItems = append(s.cbItems, callbackItem{task: t, payload: payload})
	s.cbMu.Unlock()
}

func (s *Scheduler) popCallback(n int) []callbackItem {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if n > len(s.cbItems) {
		n = len(s.cbItems)
	}
	if n == 0 {
		return nil
	}
	out := make([]callbackItem, n)
	copy(out, s.cbItems[:n])
	s.cbItems = s.cbItems[n:]
	return out
}

func (s *Scheduler) callbackDepth() int {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return len(s.cbItems)
}

// Snapshot is the synchronous control-surface view of the whole pipeline.
type Snapshot struct {
	Running            bool              `json:"running"`
	Paused             bool              `json:"paused"`
	BackpressurePaused bool              `json:"backpressure_paused"`
	QuotaExhausted     bool              `json:"quota_exhausted"`
	HardStopped        bool              `json:"hard_stopped"`
	DegradeLevel       int               `json:"degrade_level"`
	Queue              queue.Stats       `json:"queue"`
	CallbackDepth      int               `json:"callback_depth"`
	Governor           GovernorSnapshot  `json:"governor"`
	Stages             []health.Snapshot `json:"stages"`
	ActiveWorkers      map[string]int    `json:"active_workers"`
}

// Snapshot returns the current mode and counters for every stage. Safe to
// call from any goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Snapshot{
		Running:            running,
		Paused:             s.paused.Load(),
		BackpressurePaused: s.bpPaused.Load(),
		QuotaExhausted:     s.quotaOut.Load(),
		HardStopped:        s.hardStopped.Load(),
		DegradeLevel:       s.DegradeLevel(),
		Queue:              s.queue.Snapshot(),
		CallbackDepth:      s.callbackDepth(),
		Governor:           s.governorSnapshot(),
		Stages: []health.Snapshot{
			s.pullHealth.Snapshot(),
			s.queryHealth.Snapshot(),
			s.callbackHealth.Snapshot(),
		},
		ActiveWorkers: map[string]int{
			StagePull:     int(s.activePull.Load()),
			StageQuery:    int(s.activeQuery.Load()),
			StageCallback: int(s.activeCallback.Load()),
		},
	}
}

// statsLoop refreshes gauges and logs throughput periodically.
func (s *Scheduler) statsLoop() {
	defer s.wg.Done()
	interval := s.cfg.StatsInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSuccess int64
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			snap := s.queue.Snapshot()
			success := s.totalSuccesses.Load()
			s.met.PendingDepth.Set(float64(snap.Pending))
			s.met.CallbackDepth.Set(float64(s.callbackDepth()))
			s.met.RetryDepth.Set(float64(s.retryDepth()))
			s.met.DegradeLevel.Set(float64(s.DegradeLevel()))
			s.met.Workers.WithLabelValues(StagePull).Set(float64(s.activePull.Load()))
			s.met.Workers.WithLabelValues(StageQuery).Set(float64(s.activeQuery.Load()))
			s.met.Workers.WithLabelValues(StageCallback).Set(float64(s.activeCallback.Load()))

			s.logger.Info("pipeline stats",
				zap.Int64("delivered", success),
				zap.Int64("delta", success-lastSuccess),
				zap.Int("pending", snap.Pending),
				zap.Int("callback_queue", s.callbackDepth()),
				zap.Int("retry_queue", s.retryDepth()),
				zap.Int64("duplicates", snap.TotalDup),
				zap.Int("degrade_level", s.DegradeLevel()),
				zap.Int32("pull_workers", s.activePull.Load()),
				zap.Int32("query_workers", s.activeQuery.Load()))
			lastSuccess = success
		}
	}
}
