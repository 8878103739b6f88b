package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Scheduler.TaskStaleness.Std() != 290*time.Second {
		t.Fatalf("task staleness default")
	}
	if cfg.Scheduler.ProcessedKeyBuckets != 200_000 {
		t.Fatalf("processed key bucket default")
	}
	if cfg.Backpressure.HighWatermark != 5000 || cfg.Backpressure.LowWatermark != 1000 {
		t.Fatalf("watermark defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "xiapi.json")
	data := []byte(`{
		"source": {"baseUrl": "http://src.local", "token": "tok", "timeout": "5s"},
		"scheduler": {"pullWorkers": 3, "taskStaleness": "2m"},
		"backpressure": {"highWatermark": 100, "lowWatermark": 20}
	}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source.BaseURL != "http://src.local" || cfg.Source.Timeout.Std() != 5*time.Second {
		t.Fatalf("source endpoint: %+v", cfg.Source)
	}
	if cfg.Scheduler.PullWorkers != 3 {
		t.Fatalf("pull workers override")
	}
	if cfg.Scheduler.TaskStaleness.Std() != 2*time.Minute {
		t.Fatalf("staleness override")
	}
	// Untouched fields keep defaults.
	if cfg.Scheduler.QueryWorkers != 10 {
		t.Fatalf("query workers default lost")
	}
	if cfg.Backpressure.HighWatermark != 100 || cfg.Backpressure.LowWatermark != 20 {
		t.Fatalf("watermark override")
	}
}

func TestDurationNumberIsMilliseconds(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "xiapi.json")
	if err := os.WriteFile(file, []byte(`{"scheduler":{"idleSleep":250}}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.IdleSleep.Std() != 250*time.Millisecond {
		t.Fatalf("numeric duration: %v", cfg.Scheduler.IdleSleep.Std())
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("XIAPI_PULL_WORKERS", "7")
	t.Setenv("XIAPI_TASK_STALENESS", "3m")
	t.Setenv("XIAPI_AUDIT_ENABLED", "false")
	t.Setenv("XIAPI_GOVERNOR_HARD_STOP_RATE", "0.5")
	t.Setenv("XIAPI_ENRICH_QUOTA_CODE", "4290000")
	FromEnv(&cfg)
	if cfg.Scheduler.PullWorkers != 7 {
		t.Fatalf("env override int")
	}
	if cfg.Scheduler.TaskStaleness.Std() != 3*time.Minute {
		t.Fatalf("env override duration")
	}
	if cfg.Audit.Enabled {
		t.Fatalf("env override bool")
	}
	if cfg.Governor.HardStopRate != 0.5 {
		t.Fatalf("env override float")
	}
	if cfg.Enrich.QuotaCode != 4290000 {
		t.Fatalf("env override quota code")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Backpressure.LowWatermark = cfg.Backpressure.HighWatermark
	if err := cfg.Validate(); err == nil {
		t.Fatalf("watermark inversion accepted")
	}

	cfg = Default()
	cfg.Governor.CircuitRate = 0.05
	if err := cfg.Validate(); err == nil {
		t.Fatalf("non-ascending governor bands accepted")
	}

	cfg = Default()
	cfg.Scheduler.QueryWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero worker pool accepted")
	}

	cfg = Default()
	cfg.Health.RecoverThreshold = cfg.Health.DegradeThreshold
	if err := cfg.Validate(); err == nil {
		t.Fatalf("degenerate hysteresis band accepted")
	}
}
