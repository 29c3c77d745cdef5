package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/settlement/internal/platform/httpx"
	"github.com/hanko-field/settlement/internal/services"
)

// InternalHandlers serves scheduler-triggered jobs. Authentication is applied by the router group.
type InternalHandlers struct {
	reconciliation services.ReconciliationService
}

// NewInternalHandlers constructs the internal job endpoints.
func NewInternalHandlers(reconciliation services.ReconciliationService) *InternalHandlers {
	return &InternalHandlers{reconciliation: reconciliation}
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reconciliation:sweep", h.sweep)
}

type sweepResponse struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

func (h *InternalHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation service unavailable", http.StatusServiceUnavailable))
		return
	}
	report, err := h.reconciliation.Sweep(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sweepResponse(report))
}
