// Package metrics exposes the pipeline's prometheus instrumentation.
//
// Every Metrics value owns its registry so independent scheduler instances
// (and tests) never collide on collector registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	Attempts   *prometheus.CounterVec // stage
	Failures   *prometheus.CounterVec // stage
	Discards   *prometheus.CounterVec // reason
	Successes  prometheus.Counter
	Duplicates prometheus.Counter

	PendingDepth  prometheus.Gauge
	CallbackDepth prometheus.Gauge
	RetryDepth    prometheus.Gauge
	DegradeLevel  prometheus.Gauge
	Workers       *prometheus.GaugeVec // stage
}

// Discard reasons.
const (
	ReasonStale        = "stale"
	ReasonRetryCeiling = "retry_ceiling"
	ReasonGovernor     = "governor"
	ReasonQuota        = "quota"
)

// New builds a Metrics value with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiapi",
		Name:      "attempts_total",
		Help:      "Outbound attempts per stage.",
	}, []string{"stage"})
	m.Failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiapi",
		Name:      "failures_total",
		Help:      "Failed attempts per stage (timeouts included).",
	}, []string{"stage"})
	m.Discards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiapi",
		Name:      "discards_total",
		Help:      "Dropped tasks by reason.",
	}, []string{"reason"})
	m.Successes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xiapi",
		Name:      "callback_success_total",
		Help:      "Tasks delivered to the consumer.",
	})
	m.Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xiapi",
		Name:      "pull_duplicate_total",
		Help:      "Pulled descriptors rejected by dedup.",
	})
	m.PendingDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xiapi",
		Name:      "pending_depth",
		Help:      "Dedup queue pending depth.",
	})
	m.CallbackDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xiapi",
		Name:      "callback_depth",
		Help:      "Callback queue depth.",
	})
	m.RetryDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xiapi",
		Name:      "retry_depth",
		Help:      "Retry governor queue depth.",
	})
	m.DegradeLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xiapi",
		Name:      "degrade_level",
		Help:      "Count of stages currently degraded or circuit-broken.",
	})
	m.Workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xiapi",
		Name:      "active_workers",
		Help:      "Active worker loops per stage.",
	}, []string{"stage"})

	m.registry.MustRegister(
		m.Attempts, m.Failures, m.Discards, m.Successes, m.Duplicates,
		m.PendingDepth, m.CallbackDepth, m.RetryDepth, m.DegradeLevel,
		m.Workers,
	)
	return m
}

// Registry exposes the instance registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
