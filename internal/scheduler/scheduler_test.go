package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZYQFXY/xiapi/internal/config"
	"github.com/ZYQFXY/xiapi/internal/health"
	"github.com/ZYQFXY/xiapi/internal/task"
)

type fakeSource struct {
	mu    sync.Mutex
	tasks []task.Task
	gen   func(n int) *task.Task
	calls int
}

func (f *fakeSource) PullOne(ctx context.Context) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.gen != nil {
		return f.gen(f.calls), nil
	}
	if len(f.tasks) == 0 {
		return nil, nil
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	return &t, nil
}

type fakeEnricher struct {
	fn func(t task.Task) task.Outcome
}

func (f *fakeEnricher) Enrich(ctx context.Context, t task.Task) task.Outcome {
	return f.fn(t)
}

// blockingEnricher holds every call until release closes, letting tests pile
// up queue depth deterministically.
type blockingEnricher struct {
	release chan struct{}
}

func (b *blockingEnricher) Enrich(ctx context.Context, t task.Task) task.Outcome {
	select {
	case <-b.release:
		return task.Outcome{Class: task.OutcomeSuccess}
	case <-ctx.Done():
		return task.Outcome{Class: task.OutcomeRetry, Err: ctx.Err()}
	}
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []task.Task
	fn        func(t task.Task) error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, t task.Task, payload []byte) error {
	if f.fn != nil {
		if err := f.fn(t); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func newTask(shop, item string) task.Task {
	return task.Task{
		ShopKey:   shop,
		ItemKey:   item,
		Locale:    "tw",
		TraceID:   shop + "-" + item,
		CreatedAt: time.Now(),
	}
}

// testOptions returns fast tuning with the governor and breakers kept inert
// unless a test tightens them.
func testOptions(src PullSource, enr Enricher, del Deliverer) Options {
	ms := func(d time.Duration) config.Duration { return config.Duration(d) }
	return Options{
		Scheduler: config.SchedulerConfig{
			PullWorkers:         2,
			PullBatchSize:       2,
			QueryWorkers:        2,
			CallbackWorkers:     1,
			QueryBatchSize:      2,
			CallbackBatchSize:   2,
			IdleSleep:           ms(2 * time.Millisecond),
			ErrorSleep:          ms(2 * time.Millisecond),
			PullStaleness:       ms(time.Hour),
			TaskStaleness:       ms(time.Hour),
			RetryStep:           ms(time.Millisecond),
			RetryCap:            ms(5 * time.Millisecond),
			QuotaProbeInterval:  ms(5 * time.Millisecond),
			ProcessedKeyBuckets: 1000,
			StatsInterval:       ms(50 * time.Millisecond),
		},
		Governor: config.GovernorConfig{
			CycleInterval: ms(10 * time.Millisecond),
			MaxAttempts:   3,
			MinSamples:    1_000_000, // inert unless a test lowers it
			DegradeRate:   0.10,
			CircuitRate:   0.15,
			HardStopRate:  0.20,
		},
		Backpressure: config.BackpressureConfig{
			HighWatermark: 100_000,
			LowWatermark:  10,
			CheckInterval: ms(5 * time.Millisecond),
		},
		Health: health.Config{
			CircuitThreshold: 1_000_000, // inert unless a test lowers it
		},
		Source:    src,
		Enricher:  enr,
		Deliverer: del,
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScaledBatch(t *testing.T) {
	cases := []struct{ base, level, want int }{
		{10, 0, 10},
		{10, 1, 5},
		{10, 2, 1},
		{10, 3, 1},
		{1, 1, 1},
		{0, 0, 1},
	}
	for _, c := range cases {
		if got := scaledBatch(c.base, c.level); got != c.want {
			t.Errorf("scaledBatch(%d,%d) = %d, want %d", c.base, c.level, got, c.want)
		}
	}
}

func TestPipelineDeliversAndDedups(t *testing.T) {
	a, b := newTask("S1", "I1"), newTask("S1", "I2")
	src := &fakeSource{tasks: []task.Task{a, a, b, a}}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeSuccess, Payload: []byte(`{"ok":true}`)}
	}}
	del := &fakeDeliverer{}

	s := New(testOptions(src, enr, del))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "two deliveries", func() bool { return del.count() == 2 })
	time.Sleep(20 * time.Millisecond) // would catch over-delivery of the dup

	if del.count() != 2 {
		t.Fatalf("delivered %d tasks, want 2", del.count())
	}
	seen := map[task.Key]int{}
	del.mu.Lock()
	for _, d := range del.delivered {
		seen[d.DedupKey()]++
	}
	del.mu.Unlock()
	if seen[a.DedupKey()] != 1 || seen[b.DedupKey()] != 1 {
		t.Fatalf("per-key delivery counts: %v", seen)
	}

	snap := s.Snapshot()
	if snap.Queue.TotalDup < 1 {
		t.Fatalf("duplicate pulls not counted: %+v", snap.Queue)
	}
	if snap.Queue.InFlightKeys != 0 {
		t.Fatalf("keys leaked in flight: %+v", snap.Queue)
	}
}

func TestEnrichRetryHitsCeilingAndDiscards(t *testing.T) {
	src := &fakeSource{tasks: []task.Task{newTask("S1", "I1")}}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeRetry, Err: errors.New("boom")}
	}}
	del := &fakeDeliverer{}

	s := New(testOptions(src, enr, del))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "retry-ceiling discard", func() bool {
		return s.discardsRetry.Load() == 1
	})
	if del.count() != 0 {
		t.Fatalf("retrying task must never be delivered")
	}
	// Ceiling discards release the key for future re-admission.
	waitFor(t, time.Second, "key release", func() bool {
		return s.Snapshot().Queue.InFlightKeys == 0
	})
}

func TestDeliveryRetriesThroughGovernor(t *testing.T) {
	var fails atomic.Int32
	src := &fakeSource{tasks: []task.Task{newTask("S1", "I1")}}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeSuccess, Payload: []byte(`{}`)}
	}}
	del := &fakeDeliverer{fn: func(task.Task) error {
		if fails.Add(1) <= 2 {
			return errors.New("consumer down")
		}
		return nil
	}}

	s := New(testOptions(src, enr, del))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, "delivery after governor retries", func() bool {
		return del.count() == 1
	})
	if got := fails.Load(); got != 3 {
		t.Fatalf("delivery attempts = %d, want 3", got)
	}
}

func TestStalePullsAreDiscarded(t *testing.T) {
	old := newTask("S1", "I1")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	src := &fakeSource{tasks: []task.Task{old}}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeSuccess}
	}}
	del := &fakeDeliverer{}

	opts := testOptions(src, enr, del)
	opts.Scheduler.PullStaleness = config.Duration(time.Minute)
	s := New(opts)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "stale discard", func() bool {
		return s.discardsStale.Load() == 1
	})
	if del.count() != 0 {
		t.Fatalf("stale task must not be delivered")
	}
}

func TestQuotaQuarantineProbesAndRecovers(t *testing.T) {
	var calls, n atomic.Int32
	src := &fakeSource{gen: func(int) *task.Task {
		tk := newTask("S1", fmt.Sprintf("I%d", n.Add(1)))
		return &tk
	}}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		if calls.Add(1) <= 3 {
			return task.Outcome{Class: task.OutcomeQuota}
		}
		return task.Outcome{Class: task.OutcomeSuccess, Payload: []byte(`{}`)}
	}}
	del := &fakeDeliverer{}

	s := New(testOptions(src, enr, del))
	s.Start(context.Background())
	defer s.Stop()

	// The quota-hit items are released undelivered and counted.
	waitFor(t, 2*time.Second, "quota discards", func() bool {
		return s.discardsQuota.Load() >= 1
	})
	waitFor(t, 3*time.Second, "recovery and delivery", func() bool {
		return del.count() >= 1 && !s.Snapshot().QuotaExhausted
	})
	// Pull pool restored after quarantine.
	waitFor(t, time.Second, "pull workers resumed", func() bool {
		return s.Snapshot().ActiveWorkers[StagePull] == 2
	})
}

func TestResumeNeverOverLaunchesPullWorkers(t *testing.T) {
	src := &fakeSource{}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeSuccess}
	}}
	s := New(testOptions(src, enr, &fakeDeliverer{}))
	s.Start(context.Background())
	defer s.Stop()

	// Resume immediately after Start: the launched goroutines have likely
	// not run yet, so a deficit computed from scheduled workers would
	// duplicate the whole pool.
	s.ResumePulling()
	s.ResumePulling()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if n := s.Snapshot().ActiveWorkers[StagePull]; n > 2 {
			t.Fatalf("pull workers = %d, configured = 2", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Same race through a pause/resume cycle while workers wind down.
	s.PausePulling()
	s.ResumePulling()
	s.ResumePulling()
	deadline = time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if n := s.Snapshot().ActiveWorkers[StagePull]; n > 2 {
			t.Fatalf("pull workers after pause/resume = %d, configured = 2", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, time.Second, "pool back at configured size", func() bool {
		return s.Snapshot().ActiveWorkers[StagePull] == 2
	})
}

func TestDegradedQueryStageSerializesEnrichment(t *testing.T) {
	var inFlight, maxInFlight, n atomic.Int32
	src := &fakeSource{gen: func(int) *task.Task {
		// Few enough samples that the forced-degraded window never
		// self-recovers mid-test.
		i := n.Add(1)
		if i > 10 {
			return nil
		}
		tk := newTask("S1", fmt.Sprintf("I%d", i))
		return &tk
	}}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		return task.Outcome{Class: task.OutcomeSuccess, Payload: []byte(`{}`)}
	}}
	del := &fakeDeliverer{}

	s := New(testOptions(src, enr, del))
	s.queryHealth.ForceDegraded()
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, "all deliveries", func() bool { return del.count() == 10 })
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("concurrent enrichment calls while degraded = %d, want 1", got)
	}
}

func TestRetryDelayGrowsUntilCap(t *testing.T) {
	opts := testOptions(nil, nil, nil)
	opts.Scheduler.RetryStep = config.Duration(2 * time.Second)
	opts.Scheduler.RetryCap = config.Duration(5 * time.Second)
	s := New(opts)

	d0, d1, d2 := s.retryDelay(0), s.retryDelay(1), s.retryDelay(2)
	if d0 != 2*time.Second || d1 != 4*time.Second {
		t.Fatalf("delays %v, %v, want 2s, 4s", d0, d1)
	}
	if d1 <= d0 {
		t.Fatalf("delay must grow strictly: %v then %v", d0, d1)
	}
	if d2 != 5*time.Second {
		t.Fatalf("third delay = %v, want the 5s cap", d2)
	}
}

func TestEnrichTransientFailuresThenDelivers(t *testing.T) {
	var calls atomic.Int32
	src := &fakeSource{tasks: []task.Task{newTask("S1", "I1")}}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		if calls.Add(1) <= 2 {
			return task.Outcome{Class: task.OutcomeRetry, Err: errors.New("reset by peer")}
		}
		return task.Outcome{Class: task.OutcomeSuccess, Payload: []byte(`{}`)}
	}}
	del := &fakeDeliverer{}

	s := New(testOptions(src, enr, del))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, "delivery after enrich retries", func() bool {
		return del.count() == 1
	})
	if got := calls.Load(); got != 3 {
		t.Fatalf("enrichment attempts = %d, want 3", got)
	}
	if s.totalDiscards.Load() != 0 {
		t.Fatal("recovered task must not be discarded")
	}
}

func TestStaleTaskSkipsEnrichment(t *testing.T) {
	var calls atomic.Int32
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		calls.Add(1)
		return task.Outcome{Class: task.OutcomeSuccess}
	}}
	del := &fakeDeliverer{}

	opts := testOptions(&fakeSource{}, enr, del)
	opts.Scheduler.TaskStaleness = config.Duration(time.Minute)
	s := New(opts)

	// Admitted fresh enough to pass the pull pre-filter, stale by the time
	// the query stage sees it.
	old := newTask("S1", "I1")
	old.CreatedAt = time.Now().Add(-2 * time.Minute)
	s.queue.Enqueue([]task.Task{old})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "query-stage stale discard", func() bool {
		return s.discardsStale.Load() == 1
	})
	if calls.Load() != 0 {
		t.Fatal("stale task must never reach the enrichment service")
	}
	if del.count() != 0 {
		t.Fatal("stale task must not be delivered")
	}
	if s.Snapshot().Queue.InFlightKeys != 0 {
		t.Fatal("stale discard must release the key")
	}
}

func TestOperatorPauseAndResume(t *testing.T) {
	src := &fakeSource{}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeSuccess}
	}}
	del := &fakeDeliverer{}

	s := New(testOptions(src, enr, del))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, "pull workers up", func() bool {
		return s.Snapshot().ActiveWorkers[StagePull] == 2
	})
	s.PausePulling()
	waitFor(t, time.Second, "pull workers wound down", func() bool {
		return s.Snapshot().ActiveWorkers[StagePull] == 0
	})
	if !s.Snapshot().Paused {
		t.Fatal("snapshot must report paused")
	}
	s.ResumePulling()
	waitFor(t, time.Second, "pull workers relaunched", func() bool {
		return s.Snapshot().ActiveWorkers[StagePull] == 2
	})
}

func TestBackpressureWatermarks(t *testing.T) {
	release := make(chan struct{})
	var n atomic.Int32
	src := &fakeSource{gen: func(int) *task.Task {
		// Finite supply: enough to cross the high watermark, not enough
		// to re-engage after release.
		i := n.Add(1)
		if i > 60 {
			return nil
		}
		t := newTask("S1", fmt.Sprintf("I%d", i))
		return &t
	}}
	enr := &blockingEnricher{release: release}
	del := &fakeDeliverer{}

	opts := testOptions(src, enr, del)
	opts.Backpressure.HighWatermark = 20
	opts.Backpressure.LowWatermark = 5
	s := New(opts)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "backpressure engage", func() bool {
		return s.Snapshot().BackpressurePaused
	})
	waitFor(t, time.Second, "pull workers wound down", func() bool {
		return s.Snapshot().ActiveWorkers[StagePull] == 0
	})

	close(release)
	waitFor(t, 3*time.Second, "backpressure release", func() bool {
		snap := s.Snapshot()
		return !snap.BackpressurePaused && snap.ActiveWorkers[StagePull] == 2
	})
}

func TestBackpressureTransitionEdges(t *testing.T) {
	const high, low = 20, 5
	cases := []struct {
		paused bool
		depth  int
		want   bool
	}{
		{false, high, false},     // at the high watermark: not yet crossed above
		{false, high + 1, true},  // crossing above engages
		{true, low, true},        // at the low watermark: not yet fallen below
		{true, low - 1, false},   // falling below releases
		{true, high + 50, true},  // deep in the band stays paused
		{false, low - 1, false},  // idle stays running
		{true, low + 1, true},    // hysteresis gap holds the pause
		{false, high - 1, false}, // hysteresis gap holds the run
	}
	for _, c := range cases {
		if got := bpTransition(c.paused, c.depth, high, low); got != c.want {
			t.Errorf("bpTransition(%v, %d) = %v, want %v", c.paused, c.depth, got, c.want)
		}
	}
}

func TestGovernorBandEscalation(t *testing.T) {
	src := &fakeSource{}
	enr := &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeSuccess}
	}}
	opts := testOptions(src, enr, &fakeDeliverer{})
	opts.Governor.MinSamples = 10
	s := New(opts)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	// Below minimum samples: no action.
	s.evaluateDiscardRate(5, 0)
	if s.pullHealth.State() != health.StateNormal {
		t.Fatal("under-sampled cycle must not act")
	}

	// Degrade band.
	s.evaluateDiscardRate(12, 88)
	if s.pullHealth.State() != health.StateDegraded || s.queryHealth.State() != health.StateDegraded {
		t.Fatal("degrade band must force-degrade ingest stages")
	}

	// Healthy cycle relaxes the band without resetting tracker state.
	s.evaluateDiscardRate(0, 100)
	if s.governorSnapshot().Level != bandHealthy {
		t.Fatalf("band = %d, want healthy", s.governorSnapshot().Level)
	}

	// Jumping straight past circuit into hard stop fires both actions.
	s.evaluateDiscardRate(30, 70)
	if s.pullHealth.State() != health.StateCircuitBroken {
		t.Fatal("hard-stop band must also trip ingest circuits")
	}
	if !s.hardStopped.Load() {
		t.Fatal("hard stop flag must latch")
	}

	// Sticky: a healthy cycle does not clear a hard stop.
	s.evaluateDiscardRate(0, 100)
	if !s.hardStopped.Load() {
		t.Fatal("hard stop must persist until operator resume")
	}

	s.ResumeHardStop()
	if s.hardStopped.Load() || s.governorSnapshot().Level != bandHealthy {
		t.Fatal("operator resume must clear the hard stop")
	}
}

func TestHardStopDropsParkedRetries(t *testing.T) {
	opts := testOptions(&fakeSource{}, &fakeEnricher{fn: func(task.Task) task.Outcome {
		return task.Outcome{Class: task.OutcomeSuccess}
	}}, &fakeDeliverer{})
	opts.Governor.MinSamples = 10
	s := New(opts)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	tk := newTask("S1", "I1")
	s.queue.Enqueue([]task.Task{tk})
	s.queue.Dequeue(1)
	s.addRetry(task.RetryItem{Task: tk, Payload: []byte(`{}`), Attempts: 1}, time.Now())
	if s.retryDepth() != 1 {
		t.Fatalf("retry depth = %d, want 1", s.retryDepth())
	}

	s.evaluateDiscardRate(30, 70)
	if s.retryDepth() != 0 {
		t.Fatal("hard stop must drop parked retries")
	}
	if s.discardsGov.Load() != 1 {
		t.Fatalf("governor discards = %d, want 1", s.discardsGov.Load())
	}
}
