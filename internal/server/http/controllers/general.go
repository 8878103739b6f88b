package controllers

import (
	"net/http"
	"time"

	"github.com/ZYQFXY/xiapi/internal/audit"
	"github.com/ZYQFXY/xiapi/internal/events"
	"github.com/ZYQFXY/xiapi/internal/scheduler"
)

// GeneralController handles health and stats endpoints.
type GeneralController struct {
	sched   *scheduler.Scheduler
	store   *audit.Store
	bus     *events.Bus
	started time.Time
}

// NewGeneralController creates a new general controller. store may be nil
// when the audit sink is disabled.
func NewGeneralController(sched *scheduler.Scheduler, store *audit.Store, bus *events.Bus) *GeneralController {
	return &GeneralController{
		sched:   sched,
		store:   store,
		bus:     bus,
		started: time.Now(),
	}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/stats", c.handleStats)
}

// handleHealth reports liveness plus the pipeline's coarse condition.
//
// The process stays 200 while degraded: per-stage trouble is expected
// operation, not unavailability. Only a governor hard stop turns the
// endpoint 503, since that state needs an operator to clear.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := c.sched.Snapshot()
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(c.started).Seconds()),
		"degrade_level":  snap.DegradeLevel,
	}
	if snap.HardStopped {
		body["status"] = "hard_stopped"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, body)
		return
	}
	writeJSON(w, body)
}

// handleStats returns the full pipeline snapshot with audit and event-bus
// counters folded in.
func (c *GeneralController) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"pipeline":       c.sched.Snapshot(),
		"events_dropped": c.bus.Dropped(),
		"subscribers":    c.bus.Subscribers(),
	}
	if c.store != nil {
		body["audit"] = c.store.Snapshot()
	}
	writeJSON(w, body)
}
