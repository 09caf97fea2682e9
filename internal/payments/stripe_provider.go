package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const defaultCurrency = "usd"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeTransferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

type stripeClients struct {
	refunds   stripeRefundAPI
	transfers stripeTransferAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Currency string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProvider implements Provider using Stripe refunds and Connect transfers.
type StripeProvider struct {
	api      stripeClients
	currency string
	clock    func() time.Time
	logger   StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			refunds:   sc.Refunds,
			transfers: sc.Transfers,
		}
	}
	if clients.refunds == nil || clients.transfers == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:      clients,
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateRefund refunds the given amount of a Payment Intent.
func (p *StripeProvider) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	if p == nil {
		return Refund{}, errors.New("stripe: provider is nil")
	}
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		return Refund{}, fmt.Errorf("%w: payment intent id is required", ErrInvalidRequest)
	}
	if req.AmountCents <= 0 {
		return Refund{}, fmt.Errorf("%w: refund amount must be positive", ErrInvalidRequest)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(req.AmountCents),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = maps.Clone(req.Metadata)
	}

	refund, err := p.api.refunds.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.refund.failed", map[string]any{
			"paymentIntent": intentID,
			"amount":        req.AmountCents,
			"error":         err.Error(),
		})
		return Refund{}, fmt.Errorf("%w: stripe refund: %w", classifyStripeError(err), err)
	}

	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"refundId":      refund.ID,
		"paymentIntent": intentID,
		"amount":        refund.Amount,
		"status":        refund.Status,
	})

	return Refund{
		ID:              refund.ID,
		PaymentIntentID: intentID,
		AmountCents:     refund.Amount,
		Status:          mapStripeRefundStatus(refund.Status),
		CreatedAt:       p.unixOrNow(refund.Created),
	}, nil
}

// TransferToVendor pays funds out of the platform balance to a connected account.
func (p *StripeProvider) TransferToVendor(ctx context.Context, req TransferRequest) (Transfer, error) {
	if p == nil {
		return Transfer{}, errors.New("stripe: provider is nil")
	}
	destination := strings.TrimSpace(req.DestinationAccountID)
	if destination == "" {
		return Transfer{}, fmt.Errorf("%w: destination account is required", ErrInvalidRequest)
	}
	if req.AmountCents <= 0 {
		return Transfer{}, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidRequest)
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(p.currency),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	if group := strings.TrimSpace(req.TransferGroup); group != "" {
		params.TransferGroup = stripe.String(group)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = maps.Clone(req.Metadata)
	}

	transfer, err := p.api.transfers.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.transfer.failed", map[string]any{
			"destination": destination,
			"amount":      req.AmountCents,
			"error":       err.Error(),
		})
		return Transfer{}, fmt.Errorf("%w: stripe transfer: %w", classifyStripeError(err), err)
	}

	p.logger(ctx, "payments.stripe.transfer.created", map[string]any{
		"transferId":  transfer.ID,
		"destination": destination,
		"amount":      transfer.Amount,
	})

	return Transfer{
		ID:          transfer.ID,
		AmountCents: transfer.Amount,
		Destination: destination,
		CreatedAt:   p.unixOrNow(transfer.Created),
	}, nil
}

func (p *StripeProvider) unixOrNow(ts int64) time.Time {
	if ts <= 0 {
		return p.clock()
	}
	return time.Unix(ts, 0).UTC()
}

func mapStripeRefundStatus(status stripe.RefundStatus) RefundStatus {
	switch status {
	case stripe.RefundStatusSucceeded:
		return RefundStatusSucceeded
	case stripe.RefundStatusFailed:
		return RefundStatusFailed
	case stripe.RefundStatusCanceled:
		return RefundStatusCanceled
	default:
		return RefundStatusPending
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case "", string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

// classifyStripeError separates declines from failures whose outcome is unknown. Rate limits and idempotency
// conflicts are 4xx answers that do not settle the request.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return ErrProcessorUnavailable
	}
	switch code := stripeErr.HTTPStatusCode; {
	case code == http.StatusTooManyRequests, code == http.StatusConflict:
		return ErrProcessorUnavailable
	case code >= 400 && code < 500:
		return ErrProcessorRejected
	default:
		return ErrProcessorUnavailable
	}
}
