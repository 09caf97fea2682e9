package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const stripeEventChargeRefunded = "charge.refunded"

var (
	// ErrInvalidSignature is returned when the webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrUnhandledEvent is returned for event types the API ignores.
	ErrUnhandledEvent = errors.New("payments: unhandled webhook event")
)

// RefundEvent is the normalised form of a charge refund confirmation.
type RefundEvent struct {
	EventID             string
	PaymentIntentID     string
	ChargeID            string
	AmountRefundedCents int64
	FullyRefunded       bool
	OccurredAt          time.Time
}

// ParseRefundWebhook verifies a Stripe webhook and extracts the refund confirmation it carries.
func ParseRefundWebhook(payload []byte, signatureHeader string, secret string) (RefundEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return RefundEvent{}, errors.New("payments: webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return RefundEvent{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if string(event.Type) != stripeEventChargeRefunded {
		return RefundEvent{}, fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Type)
	}
	if event.Data == nil {
		return RefundEvent{}, fmt.Errorf("%w: event %s has no data", ErrInvalidRequest, event.ID)
	}

	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return RefundEvent{}, fmt.Errorf("%w: decode charge: %w", ErrInvalidRequest, err)
	}
	if charge.PaymentIntent == nil || strings.TrimSpace(charge.PaymentIntent.ID) == "" {
		return RefundEvent{}, fmt.Errorf("%w: charge %s has no payment intent", ErrInvalidRequest, charge.ID)
	}

	return RefundEvent{
		EventID:             event.ID,
		PaymentIntentID:     charge.PaymentIntent.ID,
		ChargeID:            charge.ID,
		AmountRefundedCents: charge.AmountRefunded,
		FullyRefunded:       charge.Refunded,
		OccurredAt:          time.Unix(event.Created, 0).UTC(),
	}, nil
}
