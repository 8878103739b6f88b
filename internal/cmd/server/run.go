// Package serverrun assembles and runs the full pipeline process: clients,
// scheduler, audit sink, and the HTTP control surface.
package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZYQFXY/xiapi/internal/audit"
	"github.com/ZYQFXY/xiapi/internal/client"
	cfgpkg "github.com/ZYQFXY/xiapi/internal/config"
	"github.com/ZYQFXY/xiapi/internal/events"
	"github.com/ZYQFXY/xiapi/internal/metrics"
	"github.com/ZYQFXY/xiapi/internal/scheduler"
	httpserver "github.com/ZYQFXY/xiapi/internal/server/http"
	pebblestore "github.com/ZYQFXY/xiapi/internal/storage/pebble"
	logpkg "github.com/ZYQFXY/xiapi/pkg/log"
)

// Options selects the data dir and fsync policy on top of the loaded config.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the pipeline and the HTTP server and blocks until ctx is
// cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers
	// without signal handling still get clean shutdown.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.DataDir == "" {
		opts.DataDir = cfg.DataDir
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}

	logger, err := logpkg.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting xiapi server",
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("data_dir", opts.DataDir),
		zap.String("source", cfg.Source.BaseURL),
		zap.String("enrich", cfg.Enrich.BaseURL),
		zap.String("consumer", cfg.Consumer.BaseURL))

	bus := events.NewBus(cfg.Server.EventBuffer)
	met := metrics.New()

	var store *audit.Store
	if cfg.Audit.Enabled {
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir:       filepath.Join(opts.DataDir, "audit"),
			Fsync:         opts.Fsync,
			FsyncInterval: opts.FsyncInterval,
		})
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer func() { _ = db.Close() }()
		store = audit.NewStore(db, audit.Config{
			BufferLimit:   cfg.Audit.BufferLimit,
			FlushBatch:    cfg.Audit.FlushBatch,
			FlushInterval: cfg.Audit.FlushInterval.Std(),
			RetentionDays: cfg.Audit.RetentionDays,
		}, logger.Named("audit"))
		store.Start()
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("audit close failed", zap.Error(err))
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Scheduler:    cfg.Scheduler,
		Governor:     cfg.Governor,
		Backpressure: cfg.Backpressure,
		Health:       cfg.Health,
		Source: client.NewPullClient(client.Options{
			BaseURL: cfg.Source.BaseURL,
			Token:   cfg.Source.Token,
			Timeout: cfg.Source.Timeout.Std(),
		}),
		Enricher: client.NewEnrichClient(client.Options{
			BaseURL:   cfg.Enrich.BaseURL,
			Token:     cfg.Enrich.Token,
			Timeout:   cfg.Enrich.Timeout.Std(),
			QuotaCode: cfg.Enrich.QuotaCode,
		}),
		Deliverer: client.NewCallbackClient(client.Options{
			BaseURL: cfg.Consumer.BaseURL,
			Token:   cfg.Consumer.Token,
			Timeout: cfg.Consumer.Timeout.Std(),
		}),
		Bus:     bus,
		Metrics: met,
		Logger:  logger.Named("scheduler"),
	})

	srv := httpserver.New(httpserver.Options{
		Scheduler:    sched,
		Audit:        store,
		Bus:          bus,
		Metrics:      met,
		ShutdownWait: cfg.Server.ShutdownWait.Std(),
		Logger:       logger.Named("http"),
	})

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.HTTPAddr)
	})
	if store != nil {
		g.Go(func() error {
			recordDeliveries(gctx, bus, store)
			return nil
		})
	}

	sched.Start(gctx)

	err = g.Wait()
	// Stop admission and wait for workers before the deferred audit flush
	// and store close run.
	sched.Stop()
	srv.Close()
	if err != nil && sctx.Err() == nil {
		return err
	}
	return nil
}

// recordDeliveries mirrors successful callback events into the audit sink.
// The scheduler never talks to storage directly; the bus is the seam.
func recordDeliveries(ctx context.Context, bus *events.Bus, store *audit.Store) {
	for ev := range bus.Subscribe(ctx) {
		if ev.Stage != scheduler.StageCallback || !ev.OK {
			continue
		}
		store.Record(audit.Stub{
			TraceID: ev.TraceID,
			ShopKey: ev.ShopKey,
			ItemKey: ev.ItemKey,
			Locale:  ev.Locale,
			TS:      ev.TS,
		})
	}
}
