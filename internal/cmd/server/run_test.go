package serverrun

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/ZYQFXY/xiapi/internal/config"
	pebblestore "github.com/ZYQFXY/xiapi/internal/storage/pebble"
)

func TestRunStartsAndStopsCleanly(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Audit.Enabled = false
	// Collaborator endpoints are unreachable; the pipeline idles on errors.
	cfg.Source.BaseURL = "http://127.0.0.1:1"
	cfg.Enrich.BaseURL = "http://127.0.0.1:1"
	cfg.Consumer.BaseURL = "http://127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			DataDir: t.TempDir(),
			Fsync:   pebblestore.FsyncModeNever,
			Config:  cfg,
		})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not shut down")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Scheduler.PullWorkers = 0
	if err := Run(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("invalid config must be rejected")
	}
}
