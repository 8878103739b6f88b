package controllers

import (
	"net/http"
	"time"

	"github.com/ZYQFXY/xiapi/internal/scheduler"
)

// ControlController exposes operator actions on the running pipeline.
type ControlController struct {
	sched *scheduler.Scheduler
}

// NewControlController creates a new control controller.
func NewControlController(sched *scheduler.Scheduler) *ControlController {
	return &ControlController{sched: sched}
}

// RegisterRoutes registers control routes with the given mux.
func (c *ControlController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/control/pause", c.handlePause)
	mux.HandleFunc("/v1/control/resume", c.handleResume)
	mux.HandleFunc("/v1/control/resume-hard-stop", c.handleResumeHardStop)
	mux.HandleFunc("/v1/control/purge", c.handlePurge)
}

func (c *ControlController) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	c.sched.PausePulling()
	writeNoContent(w)
}

func (c *ControlController) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	c.sched.ResumePulling()
	writeNoContent(w)
}

func (c *ControlController) handleResumeHardStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	c.sched.ResumeHardStop()
	writeNoContent(w)
}

// handlePurge sweeps pending tasks older than max_age (default one hour).
func (c *ControlController) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	maxAge := time.Hour
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid max_age")
			return
		}
		maxAge = d
	}
	purged := c.sched.Queue().PurgeExpired(maxAge, time.Now())
	writeJSON(w, map[string]int{"purged": purged})
}
