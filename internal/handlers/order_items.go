package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketday/api/internal/domain"
	"github.com/marketday/api/internal/platform/auth"
	"github.com/marketday/api/internal/platform/httpx"
	"github.com/marketday/api/internal/services"
)

const maxOrderItemBodySize = 4 * 1024

type cancelOrderItemRequest struct {
	Reason string `json:"reason"`
}

type resolveIssueRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

type reportIssueRequest struct {
	Description string `json:"description"`
}

type lifecycleResponse struct {
	OrderItemID          string `json:"orderItemId"`
	OrderID              string `json:"orderId"`
	Status               string `json:"status"`
	Message              string `json:"message"`
	RefundAmountCents    int64  `json:"refundAmountCents"`
	CancellationFeeCents int64  `json:"cancellationFeeCents"`
	VendorShareCents     int64  `json:"vendorShareCents"`
	PlatformShareCents   int64  `json:"platformShareCents"`
	FeeApplied           bool   `json:"feeApplied"`
	WithinGracePeriod    bool   `json:"withinGracePeriod"`
	VendorHadConfirmed   bool   `json:"vendorHadConfirmed"`
	RefundAttempted      bool   `json:"refundAttempted"`
	RefundFailed         bool   `json:"refundFailed"`
	RefundID             string `json:"refundId,omitempty"`
	TransferID           string `json:"transferId,omitempty"`
	TransferFailed       bool   `json:"transferFailed"`
	OrderCancelled       bool   `json:"orderCancelled"`
	IssueStatus          string `json:"issueStatus,omitempty"`
}

type orderItemResponse struct {
	ID                string  `json:"id"`
	OrderID           string  `json:"orderId"`
	ListingID         string  `json:"listingId"`
	ListingTitle      string  `json:"listingTitle,omitempty"`
	Quantity          int     `json:"quantity"`
	SubtotalCents     int64   `json:"subtotalCents"`
	Status            string  `json:"status"`
	PickupDate        *string `json:"pickupDate,omitempty"`
	IssueStatus       string  `json:"issueStatus,omitempty"`
	IssueReportedAt   *string `json:"issueReportedAt,omitempty"`
	VendorConfirmedAt *string `json:"vendorConfirmedAt,omitempty"`
	UpdatedAt         string  `json:"updatedAt"`
}

// OrderItemHandlers exposes the per-item lifecycle actions for buyers and vendors.
type OrderItemHandlers struct {
	authn       *auth.Authenticator
	lifecycle   services.OrderLifecycleService
	idempotency func(http.Handler) http.Handler
}

// OrderItemOption customises OrderItemHandlers.
type OrderItemOption func(*OrderItemHandlers)

// WithOrderItemIdempotency installs the Idempotency-Key middleware on every lifecycle POST. It runs
// after authentication so stored responses are scoped to the caller.
func WithOrderItemIdempotency(mw func(http.Handler) http.Handler) OrderItemOption {
	return func(h *OrderItemHandlers) {
		h.idempotency = mw
	}
}

// NewOrderItemHandlers constructs the handlers.
func NewOrderItemHandlers(authn *auth.Authenticator, lifecycle services.OrderLifecycleService, opts ...OrderItemOption) *OrderItemHandlers {
	h := &OrderItemHandlers{authn: authn, lifecycle: lifecycle}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /order-items endpoints.
func (h *OrderItemHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(buyer chi.Router) {
		if h.authn != nil {
			buyer.Use(h.authn.RequireAuth())
		}
		if h.idempotency != nil {
			buyer.Use(h.idempotency)
		}
		buyer.Post("/{orderItemID}:cancel", h.cancel)
		buyer.Post("/{orderItemID}:report-issue", h.reportIssue)
	})

	r.Group(func(vendor chi.Router) {
		if h.authn != nil {
			vendor.Use(h.authn.RequireVendor())
		}
		if h.idempotency != nil {
			vendor.Use(h.idempotency)
		}
		vendor.Post("/{orderItemID}:reject", h.reject)
		vendor.Post("/{orderItemID}:resolve-issue", h.resolveIssue)
		vendor.Post("/{orderItemID}:confirm", h.advance(domain.OrderItemStatusConfirmed))
		vendor.Post("/{orderItemID}:ready", h.advance(domain.OrderItemStatusReady))
		vendor.Post("/{orderItemID}:fulfill", h.advance(domain.OrderItemStatusFulfilled))
	})
}

func (h *OrderItemHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, itemID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req cancelOrderItemRequest
	if err := httpx.DecodeJSON(r, maxOrderItemBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	result, err := h.lifecycle.BuyerCancel(ctx, services.BuyerCancelCommand{
		OrderItemID: itemID,
		BuyerID:     identity.UID,
		Reason:      req.Reason,
	})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newLifecycleResponse(result))
}

func (h *OrderItemHandlers) reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, itemID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req cancelOrderItemRequest
	if err := httpx.DecodeJSON(r, maxOrderItemBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason is required", http.StatusBadRequest))
		return
	}

	result, err := h.lifecycle.VendorReject(ctx, services.VendorRejectCommand{
		OrderItemID:     itemID,
		VendorProfileID: identity.VendorProfileID,
		Reason:          req.Reason,
	})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newLifecycleResponse(result))
}

func (h *OrderItemHandlers) resolveIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, itemID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req resolveIssueRequest
	if err := httpx.DecodeJSON(r, maxOrderItemBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	action := services.IssueAction(strings.ToLower(strings.TrimSpace(req.Action)))
	if action != services.IssueActionConfirmDelivery && action != services.IssueActionIssueRefund {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "action must be confirm_delivery or issue_refund", http.StatusBadRequest))
		return
	}

	result, err := h.lifecycle.ResolveIssue(ctx, services.ResolveIssueCommand{
		OrderItemID:     itemID,
		VendorProfileID: identity.VendorProfileID,
		Action:          action,
		Notes:           req.Notes,
	})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newLifecycleResponse(result))
}

func (h *OrderItemHandlers) reportIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, itemID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req reportIssueRequest
	if err := httpx.DecodeJSON(r, maxOrderItemBodySize, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	item, err := h.lifecycle.ReportIssue(ctx, services.ReportIssueCommand{
		OrderItemID: itemID,
		BuyerID:     identity.UID,
		Description: req.Description,
	})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderItemResponse(item))
}

func (h *OrderItemHandlers) advance(target domain.OrderItemStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, itemID, ok := h.prepare(w, r)
		if !ok {
			return
		}

		item, err := h.lifecycle.AdvanceStatus(ctx, services.AdvanceStatusCommand{
			OrderItemID:     itemID,
			VendorProfileID: identity.VendorProfileID,
			TargetStatus:    target,
		})
		if err != nil {
			writeLifecycleError(ctx, w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, newOrderItemResponse(item))
	}
}

func (h *OrderItemHandlers) prepare(w http.ResponseWriter, r *http.Request) (*auth.Identity, string, bool) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_item_service_unavailable", "order item service unavailable", http.StatusServiceUnavailable))
		return nil, "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, "", false
	}
	itemID := strings.TrimSpace(chi.URLParam(r, "orderItemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order item id is required", http.StatusBadRequest))
		return nil, "", false
	}
	return identity, itemID, true
}

func newLifecycleResponse(result services.LifecycleResult) lifecycleResponse {
	return lifecycleResponse{
		OrderItemID:          result.OrderItemID,
		OrderID:              result.OrderID,
		Status:               string(result.Status),
		Message:              result.Message,
		RefundAmountCents:    result.Outcome.RefundAmountCents,
		CancellationFeeCents: result.Outcome.CancellationFeeCents,
		VendorShareCents:     result.Outcome.VendorShareCents,
		PlatformShareCents:   result.Outcome.PlatformShareCents,
		FeeApplied:           result.Outcome.FeeApplied,
		WithinGracePeriod:    result.Outcome.WithinGracePeriod,
		VendorHadConfirmed:   result.Outcome.VendorHadConfirmed,
		RefundAttempted:      result.RefundAttempted,
		RefundFailed:         result.RefundFailed,
		RefundID:             result.RefundID,
		TransferID:           result.TransferID,
		TransferFailed:       result.TransferFailed,
		OrderCancelled:       result.OrderCancelled,
		IssueStatus:          string(result.IssueStatus),
	}
}

func newOrderItemResponse(item services.OrderItem) orderItemResponse {
	return orderItemResponse{
		ID:                item.ID,
		OrderID:           item.OrderID,
		ListingID:         item.ListingID,
		ListingTitle:      item.ListingTitle,
		Quantity:          item.Quantity,
		SubtotalCents:     item.SubtotalCents,
		Status:            string(item.Status),
		PickupDate:        formatOptionalTime(item.PickupDate),
		IssueStatus:       string(item.IssueStatus),
		IssueReportedAt:   formatOptionalTime(item.IssueReportedAt),
		VendorConfirmedAt: formatOptionalTime(item.VendorConfirmedAt),
		UpdatedAt:         formatTime(item.UpdatedAt),
	}
}

func writeLifecycleError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrLifecycleInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrLifecycleNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_item_not_found", "order item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrLifecycleUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrLifecycleConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_item_conflict", "order item changed, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrLifecycleUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_item_unavailable", "order items temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_item_error", "failed to process order item request", http.StatusInternalServerError))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	value := t.UTC().Format(time.RFC3339)
	return &value
}
