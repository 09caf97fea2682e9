package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketday/api/internal/payments"
	"github.com/marketday/api/internal/platform/httpx"
	"github.com/marketday/api/internal/services"
)

const (
	maxStripeWebhookBodySize = 64 * 1024
	stripeSignatureHeader    = "Stripe-Signature"
)

type webhookAck struct {
	Received      bool   `json:"received"`
	Ignored       bool   `json:"ignored,omitempty"`
	EventID       string `json:"eventId,omitempty"`
	ItemsRefunded int    `json:"itemsRefunded"`
}

// StripeWebhookHandlers confirms refunds reported by the payment processor.
type StripeWebhookHandlers struct {
	secret    string
	lifecycle services.OrderLifecycleService
}

// NewStripeWebhookHandlers constructs the handler; secret is the endpoint signing secret.
func NewStripeWebhookHandlers(secret string, lifecycle services.OrderLifecycleService) *StripeWebhookHandlers {
	return &StripeWebhookHandlers{secret: secret, lifecycle: lifecycle}
}

// Routes registers the /webhooks endpoints.
func (h *StripeWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

func (h *StripeWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxStripeWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxStripeWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := payments.ParseRefundWebhook(payload, r.Header.Get(stripeSignatureHeader), h.secret)
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrUnhandledEvent):
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Ignored: true})
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case errors.Is(err, payments.ErrInvalidRequest):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	count, err := h.lifecycle.MarkRefunded(ctx, services.MarkRefundedCommand{
		PaymentIntentID: event.PaymentIntentID,
		RefundedAt:      event.OccurredAt,
	})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, EventID: event.EventID, ItemsRefunded: count})
}
