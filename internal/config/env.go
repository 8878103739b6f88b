package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays XIAPI_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("XIAPI_DATA_DIR", &cfg.DataDir)

	setStr("XIAPI_SOURCE_BASE_URL", &cfg.Source.BaseURL)
	setStr("XIAPI_SOURCE_TOKEN", &cfg.Source.Token)
	setDur("XIAPI_SOURCE_TIMEOUT", &cfg.Source.Timeout)
	setStr("XIAPI_ENRICH_BASE_URL", &cfg.Enrich.BaseURL)
	setStr("XIAPI_ENRICH_TOKEN", &cfg.Enrich.Token)
	setDur("XIAPI_ENRICH_TIMEOUT", &cfg.Enrich.Timeout)
	setInt("XIAPI_ENRICH_QUOTA_CODE", &cfg.Enrich.QuotaCode)
	setStr("XIAPI_CONSUMER_BASE_URL", &cfg.Consumer.BaseURL)
	setStr("XIAPI_CONSUMER_TOKEN", &cfg.Consumer.Token)
	setDur("XIAPI_CONSUMER_TIMEOUT", &cfg.Consumer.Timeout)

	setInt("XIAPI_PULL_WORKERS", &cfg.Scheduler.PullWorkers)
	setInt("XIAPI_PULL_BATCH_SIZE", &cfg.Scheduler.PullBatchSize)
	setInt("XIAPI_QUERY_WORKERS", &cfg.Scheduler.QueryWorkers)
	setInt("XIAPI_CALLBACK_WORKERS", &cfg.Scheduler.CallbackWorkers)
	setInt("XIAPI_QUERY_BATCH_SIZE", &cfg.Scheduler.QueryBatchSize)
	setInt("XIAPI_CALLBACK_BATCH_SIZE", &cfg.Scheduler.CallbackBatchSize)
	setDur("XIAPI_PULL_STALENESS", &cfg.Scheduler.PullStaleness)
	setDur("XIAPI_TASK_STALENESS", &cfg.Scheduler.TaskStaleness)
	setDur("XIAPI_RETRY_STEP", &cfg.Scheduler.RetryStep)
	setDur("XIAPI_RETRY_CAP", &cfg.Scheduler.RetryCap)
	setDur("XIAPI_QUOTA_PROBE_INTERVAL", &cfg.Scheduler.QuotaProbeInterval)
	setInt("XIAPI_PROCESSED_KEY_BUCKETS", &cfg.Scheduler.ProcessedKeyBuckets)

	setInt("XIAPI_GOVERNOR_MAX_ATTEMPTS", &cfg.Governor.MaxAttempts)
	setInt("XIAPI_GOVERNOR_MIN_SAMPLES", &cfg.Governor.MinSamples)
	setDur("XIAPI_GOVERNOR_CYCLE_INTERVAL", &cfg.Governor.CycleInterval)
	setFloat("XIAPI_GOVERNOR_DEGRADE_RATE", &cfg.Governor.DegradeRate)
	setFloat("XIAPI_GOVERNOR_CIRCUIT_RATE", &cfg.Governor.CircuitRate)
	setFloat("XIAPI_GOVERNOR_HARD_STOP_RATE", &cfg.Governor.HardStopRate)

	setInt("XIAPI_BACKPRESSURE_HIGH", &cfg.Backpressure.HighWatermark)
	setInt("XIAPI_BACKPRESSURE_LOW", &cfg.Backpressure.LowWatermark)

	setBool("XIAPI_AUDIT_ENABLED", &cfg.Audit.Enabled)
	setInt("XIAPI_AUDIT_BUFFER_LIMIT", &cfg.Audit.BufferLimit)
	setInt("XIAPI_AUDIT_FLUSH_BATCH", &cfg.Audit.FlushBatch)
	setDur("XIAPI_AUDIT_FLUSH_INTERVAL", &cfg.Audit.FlushInterval)
	setInt("XIAPI_AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)

	setStr("XIAPI_HTTP_ADDR", &cfg.Server.HTTPAddr)
	setInt("XIAPI_EVENT_BUFFER", &cfg.Server.EventBuffer)

	setStr("XIAPI_LOG_LEVEL", &cfg.Log.Level)
	setStr("XIAPI_LOG_FORMAT", &cfg.Log.Format)
}
