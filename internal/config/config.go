package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ZYQFXY/xiapi/internal/health"
)

// Duration wraps time.Duration with JSON string support ("290s", "24m").
// Bare numbers are read as milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(t) * time.Millisecond)
		return nil
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
}

// Endpoint describes one external collaborator. QuotaCode is only
// meaningful for the enrichment collaborator: the error code its body
// carries when the request quota is exhausted.
type Endpoint struct {
	BaseURL   string   `json:"baseUrl"`
	Token     string   `json:"token"`
	Timeout   Duration `json:"timeout"`
	QuotaCode int      `json:"quotaCode,omitempty"`
}

// SchedulerConfig tunes the worker pools and queues.
type SchedulerConfig struct {
	PullWorkers         int      `json:"pullWorkers"`
	PullBatchSize       int      `json:"pullBatchSize"`
	QueryWorkers        int      `json:"queryWorkers"`
	CallbackWorkers     int      `json:"callbackWorkers"`
	QueryBatchSize      int      `json:"queryBatchSize"`
	CallbackBatchSize   int      `json:"callbackBatchSize"`
	IdleSleep           Duration `json:"idleSleep"`
	ErrorSleep          Duration `json:"errorSleep"`
	PullStaleness       Duration `json:"pullStaleness"`
	TaskStaleness       Duration `json:"taskStaleness"`
	RetryStep           Duration `json:"retryStep"`
	RetryCap            Duration `json:"retryCap"`
	QuotaProbeInterval  Duration `json:"quotaProbeInterval"`
	ProcessedKeyBuckets int      `json:"processedKeyBuckets"`
	StatsInterval       Duration `json:"statsInterval"`
}

// GovernorConfig tunes the retry/discard governor.
type GovernorConfig struct {
	CycleInterval Duration `json:"cycleInterval"`
	MaxAttempts   int      `json:"maxAttempts"`
	MinSamples    int      `json:"minSamples"`
	DegradeRate   float64  `json:"degradeRate"`
	CircuitRate   float64  `json:"circuitRate"`
	HardStopRate  float64  `json:"hardStopRate"`
}

// BackpressureConfig holds the queue-depth watermarks.
type BackpressureConfig struct {
	HighWatermark int      `json:"highWatermark"`
	LowWatermark  int      `json:"lowWatermark"`
	CheckInterval Duration `json:"checkInterval"`
}

// AuditConfig tunes the write-behind audit store.
type AuditConfig struct {
	Enabled       bool     `json:"enabled"`
	BufferLimit   int      `json:"bufferLimit"`
	FlushBatch    int      `json:"flushBatch"`
	FlushInterval Duration `json:"flushInterval"`
	RetentionDays int      `json:"retentionDays"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	HTTPAddr     string   `json:"httpAddr"`
	EventBuffer  int      `json:"eventBuffer"`
	ShutdownWait Duration `json:"shutdownWait"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the top-level configuration loaded from file and env.
type Config struct {
	DataDir string `json:"dataDir"`

	Source   Endpoint `json:"source"`
	Enrich   Endpoint `json:"enrich"`
	Consumer Endpoint `json:"consumer"`

	Scheduler    SchedulerConfig    `json:"scheduler"`
	Health       health.Config      `json:"health"`
	Governor     GovernorConfig     `json:"governor"`
	Backpressure BackpressureConfig `json:"backpressure"`
	Audit        AuditConfig        `json:"audit"`
	Server       ServerConfig       `json:"server"`
	Log          LogConfig          `json:"log"`
}

// Default returns built-in defaults matching production tuning.
func Default() Config {
	return Config{
		Source:   Endpoint{Timeout: Duration(30 * time.Second)},
		Enrich:   Endpoint{Timeout: Duration(30 * time.Second), QuotaCode: 1_100_429},
		Consumer: Endpoint{Timeout: Duration(60 * time.Second)},
		Scheduler: SchedulerConfig{
			PullWorkers:         10,
			PullBatchSize:       10,
			QueryWorkers:        10,
			CallbackWorkers:     5,
			QueryBatchSize:      10,
			CallbackBatchSize:   5,
			IdleSleep:           Duration(200 * time.Millisecond),
			ErrorSleep:          Duration(500 * time.Millisecond),
			PullStaleness:       Duration(24 * time.Minute),
			TaskStaleness:       Duration(290 * time.Second),
			RetryStep:           Duration(2 * time.Second),
			RetryCap:            Duration(30 * time.Second),
			QuotaProbeInterval:  Duration(30 * time.Second),
			ProcessedKeyBuckets: 200_000,
			StatsInterval:       Duration(10 * time.Second),
		},
		Health: health.Default(),
		Governor: GovernorConfig{
			CycleInterval: Duration(10 * time.Second),
			MaxAttempts:   5,
			MinSamples:    100,
			DegradeRate:   0.10,
			CircuitRate:   0.15,
			HardStopRate:  0.20,
		},
		Backpressure: BackpressureConfig{
			HighWatermark: 5000,
			LowWatermark:  1000,
			CheckInterval: Duration(2 * time.Second),
		},
		Audit: AuditConfig{
			Enabled:       true,
			BufferLimit:   500_000,
			FlushBatch:    1000,
			FlushInterval: Duration(2 * time.Second),
			RetentionDays: 3,
		},
		Server: ServerConfig{
			HTTPAddr:     ":8080",
			EventBuffer:  1024,
			ShutdownWait: Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON file over defaults. Empty path
// returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	s := c.Scheduler
	if s.PullWorkers <= 0 || s.QueryWorkers <= 0 || s.CallbackWorkers <= 0 {
		return errors.New("config: worker pool sizes must be positive")
	}
	if c.Backpressure.LowWatermark >= c.Backpressure.HighWatermark {
		return fmt.Errorf("config: low watermark %d must be below high watermark %d",
			c.Backpressure.LowWatermark, c.Backpressure.HighWatermark)
	}
	g := c.Governor
	if !(g.DegradeRate < g.CircuitRate && g.CircuitRate < g.HardStopRate) {
		return errors.New("config: governor rates must ascend degrade < circuit < hardStop")
	}
	if g.MaxAttempts <= 0 {
		return errors.New("config: governor maxAttempts must be positive")
	}
	if c.Health.DegradeThreshold > 0 && c.Health.RecoverThreshold >= c.Health.DegradeThreshold {
		return errors.New("config: health recover threshold must sit below degrade threshold")
	}
	return nil
}
