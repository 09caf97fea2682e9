package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketday/api/internal/platform/httpx"
	"github.com/marketday/api/internal/services"
)

type retryRefundsRequest struct {
	Limit int `json:"limit"`
}

type retryRefundsResponse struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// InternalHandlers serves scheduler-triggered maintenance endpoints. Authentication is applied by the
// router's internal middleware group.
type InternalHandlers struct {
	lifecycle services.OrderLifecycleService
}

// NewInternalHandlers constructs InternalHandlers.
func NewInternalHandlers(lifecycle services.OrderLifecycleService) *InternalHandlers {
	return &InternalHandlers{lifecycle: lifecycle}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/refunds:retry", h.retryRefunds)
}

func (h *InternalHandlers) retryRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_item_service_unavailable", "order item service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req retryRefundsRequest
	if err := httpx.DecodeJSON(r, httpx.DefaultMaxBodyBytes, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	if req.Limit < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must not be negative", http.StatusBadRequest))
		return
	}

	result, err := h.lifecycle.RetryFailedRefunds(ctx, services.RetryRefundsCommand{Limit: req.Limit})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, retryRefundsResponse{
		Attempted: result.Attempted,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
	})
}
