package controllers

import (
	"net/http"

	"github.com/ZYQFXY/xiapi/internal/audit"
	"github.com/ZYQFXY/xiapi/internal/events"
	"github.com/ZYQFXY/xiapi/internal/scheduler"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes.
type ControllerRegistry struct {
	general *GeneralController
	control *ControlController
	events  *EventsController
	audit   *AuditController
}

// NewControllerRegistry creates a new controller registry. store may be nil
// when the audit sink is disabled.
func NewControllerRegistry(sched *scheduler.Scheduler, store *audit.Store, bus *events.Bus) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(sched, store, bus),
		control: NewControlController(sched),
		events:  NewEventsController(bus),
		audit:   NewAuditController(store),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.control.RegisterRoutes(mux)
	r.events.RegisterRoutes(mux)
	r.audit.RegisterRoutes(mux)
}
