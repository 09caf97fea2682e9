package payments

import (
	"context"
	"errors"
	"time"
)

// RefundStatus enumerates the normalised refund states reported by the processor.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCanceled  RefundStatus = "canceled"
)

var (
	// ErrInvalidRequest is returned before any processor call when the request is incomplete.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrProcessorUnavailable wraps transport or processor-side failures. The processor may or may not have
	// acted on the request, so a retry must reuse the same idempotency key.
	ErrProcessorUnavailable = errors.New("payments: processor call failed")
	// ErrProcessorRejected marks a definitive 4xx answer. Nothing moved, and the processor caches the
	// answer against the idempotency key, so a retry needs a new key.
	ErrProcessorRejected = errors.New("payments: processor rejected request")
)

// RefundRequest refunds part or all of a captured payment.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

// Refund is the processor's record of a refund.
type Refund struct {
	ID              string
	PaymentIntentID string
	AmountCents     int64
	Status          RefundStatus
	CreatedAt       time.Time
}

// TransferRequest moves funds from the platform balance to a connected vendor account.
type TransferRequest struct {
	AmountCents          int64
	DestinationAccountID string
	TransferGroup        string
	IdempotencyKey       string
	Metadata             map[string]string
}

// Transfer is the processor's record of a transfer.
type Transfer struct {
	ID          string
	AmountCents int64
	Destination string
	CreatedAt   time.Time
}

// Provider is the money-movement surface the order lifecycle needs from a processor.
type Provider interface {
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	TransferToVendor(ctx context.Context, req TransferRequest) (Transfer, error)
}
