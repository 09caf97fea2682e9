package services

import (
	"context"
	"time"

	domain "github.com/marketday/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Market                      = domain.Market
	MarketSchedule              = domain.MarketSchedule
	ProcessedMarketAvailability = domain.ProcessedMarketAvailability
	ListingAvailability         = domain.ListingAvailability
	Order                       = domain.Order
	OrderItem                   = domain.OrderItem
	OrderItemStatus             = domain.OrderItemStatus
	CancellationOutcome         = domain.CancellationOutcome
	SystemHealthReport          = domain.SystemHealthReport
)

// AvailabilityService answers whether a listing can currently be ordered.
type AvailabilityService interface {
	ListingAvailability(ctx context.Context, listingID string) (ListingAvailability, error)
	// EnsureOrderable returns ErrAvailabilityClosed when no market for the listing accepts orders.
	EnsureOrderable(ctx context.Context, listingID string) (ListingAvailability, error)
}

// OrderLifecycleService sequences cancellations, rejections, and issue resolution for order items.
type OrderLifecycleService interface {
	BuyerCancel(ctx context.Context, cmd BuyerCancelCommand) (LifecycleResult, error)
	VendorReject(ctx context.Context, cmd VendorRejectCommand) (LifecycleResult, error)
	ResolveIssue(ctx context.Context, cmd ResolveIssueCommand) (LifecycleResult, error)
	ReportIssue(ctx context.Context, cmd ReportIssueCommand) (OrderItem, error)
	AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (OrderItem, error)
	MarkRefunded(ctx context.Context, cmd MarkRefundedCommand) (int, error)
	RetryFailedRefunds(ctx context.Context, cmd RetryRefundsCommand) (RetryRefundsResult, error)
}

// SystemService exposes runtime health information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentGateway moves money through the payment processor.
type PaymentGateway interface {
	CreateRefund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
	TransferToVendor(ctx context.Context, req VendorTransferRequest) (TransferReceipt, error)
}

// RefundRequest asks the processor to refund part or all of a captured payment.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	OrderID         string
	OrderItemID     string
	Reason          string
	IdempotencyKey  string
}

// RefundReceipt identifies the refund created by the processor.
type RefundReceipt struct {
	ID     string
	Status string
}

// VendorTransferRequest pays a vendor's share of a cancellation fee to their connected account.
type VendorTransferRequest struct {
	AmountCents          int64
	DestinationAccountID string
	OrderID              string
	OrderItemID          string
	IdempotencyKey       string
}

// TransferReceipt identifies the transfer created by the processor.
type TransferReceipt struct {
	ID string
}

// Notification is a templated message for a single user.
type Notification struct {
	ID       string
	UserID   string
	Email    string
	Template string
	Data     map[string]any
	Vertical string
	SentAt   time.Time
}

// NotificationDispatcher delivers notifications; the lifecycle treats delivery as fire-and-forget.
type NotificationDispatcher interface {
	Send(ctx context.Context, notification Notification) error
}

// AvailabilityMetrics records availability checks.
type AvailabilityMetrics interface {
	AvailabilityChecked(accepting bool)
}

// LifecycleMetrics records lifecycle outcomes.
type LifecycleMetrics interface {
	CancellationRecorded(actor domain.CancelledBy, feeApplied bool)
	RefundFailed()
	VendorWarningSent()
}

// BuyerCancelCommand is issued by the buyer who owns the item.
type BuyerCancelCommand struct {
	OrderItemID string
	BuyerID     string
	Reason      string
}

// VendorRejectCommand is issued by the vendor fulfilling the item.
type VendorRejectCommand struct {
	OrderItemID     string
	VendorProfileID string
	Reason          string
}

// IssueAction is the vendor's response to a buyer-reported issue.
type IssueAction string

const (
	// IssueActionConfirmDelivery disputes the buyer's claim and escalates to admin review.
	IssueActionConfirmDelivery IssueAction = "confirm_delivery"
	// IssueActionIssueRefund accepts the claim and refunds the item.
	IssueActionIssueRefund IssueAction = "issue_refund"
)

// ResolveIssueCommand resolves an open issue on the vendor's item.
type ResolveIssueCommand struct {
	OrderItemID     string
	VendorProfileID string
	Action          IssueAction
	Notes           string
}

// ReportIssueCommand records a buyer's claim that an item was not received.
type ReportIssueCommand struct {
	OrderItemID string
	BuyerID     string
	Description string
}

// AdvanceStatusCommand moves an item forward on the fulfilment path.
type AdvanceStatusCommand struct {
	OrderItemID     string
	VendorProfileID string
	TargetStatus    OrderItemStatus
}

// MarkRefundedCommand is derived from the processor's refund confirmation.
type MarkRefundedCommand struct {
	PaymentIntentID string
	RefundedAt      time.Time
}

// RetryRefundsCommand bounds a manual reconciliation run.
type RetryRefundsCommand struct {
	Limit int
}

// RetryRefundsResult summarises a reconciliation run.
type RetryRefundsResult struct {
	Attempted int
	Succeeded int
	Failed    int
}

// LifecycleResult is returned by every cancelling operation.
type LifecycleResult struct {
	OrderItemID     string
	OrderID         string
	Status          OrderItemStatus
	Outcome         CancellationOutcome
	RefundAttempted bool
	RefundFailed    bool
	RefundID        string
	TransferID      string
	TransferFailed  bool
	OrderCancelled  bool
	IssueStatus     domain.IssueStatus
	Message         string
}
