package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/ZYQFXY/xiapi/internal/events"
)

// EventsController streams per-attempt pipeline events over SSE.
type EventsController struct {
	bus *events.Bus
}

// NewEventsController creates a new events controller.
func NewEventsController(bus *events.Bus) *EventsController {
	return &EventsController{bus: bus}
}

// RegisterRoutes registers event routes with the given mux.
func (c *EventsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/events", c.handleEventsSSE)
}

// handleEventsSSE subscribes the caller to the event bus until the request
// context ends. An optional ?filter= CEL expression selects events
// server-side, e.g. `stage == "callback" && !ok`.
func (c *EventsController) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	filter, err := newCELFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter expression")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for ev := range c.bus.Subscribe(r.Context()) {
		if !filter.Eval(ev) {
			continue
		}
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(b); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
