package controllers

import (
	"net/http"

	"github.com/ZYQFXY/xiapi/internal/audit"
)

// AuditController serves lookups over the delivered-task audit trail.
type AuditController struct {
	store *audit.Store
}

// NewAuditController creates a new audit controller. A nil store means the
// sink is disabled and lookups answer 404.
func NewAuditController(store *audit.Store) *AuditController {
	return &AuditController{store: store}
}

// RegisterRoutes registers audit routes with the given mux.
func (c *AuditController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/audit/trace", c.handleFindByTrace)
	mux.HandleFunc("/v1/audit/item", c.handleFindByItem)
}

func (c *AuditController) handleFindByTrace(w http.ResponseWriter, r *http.Request) {
	if c.store == nil {
		writeError(w, http.StatusNotFound, "Audit sink disabled")
		return
	}
	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		writeError(w, http.StatusBadRequest, "Missing trace_id")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	stubs, err := c.store.FindByTraceID(traceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit lookup failed")
		return
	}
	writeJSON(w, map[string]any{"records": stubs})
}

func (c *AuditController) handleFindByItem(w http.ResponseWriter, r *http.Request) {
	if c.store == nil {
		writeError(w, http.StatusNotFound, "Audit sink disabled")
		return
	}
	shopKey := r.URL.Query().Get("shop_key")
	itemKey := r.URL.Query().Get("item_key")
	if shopKey == "" || itemKey == "" {
		writeError(w, http.StatusBadRequest, "Missing shop_key or item_key")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	stubs, err := c.store.FindByShopItem(shopKey, itemKey, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit lookup failed")
		return
	}
	writeJSON(w, map[string]any{"records": stubs})
}
