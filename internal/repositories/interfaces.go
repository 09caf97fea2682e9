package repositories

import (
	"context"
	"time"

	domain "github.com/marketday/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Markets() MarketRepository
	OrderItems() OrderItemRepository
	Inventory() InventoryRepository
	Vendors() VendorRepository
	Users() UserRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MarketRepository reads markets and their weekly schedules.
type MarketRepository interface {
	// ListForListing returns every market the listing is sold at, schedules included. An unknown listing
	// yields a RepositoryError with IsNotFound.
	ListForListing(ctx context.Context, listingID string) ([]domain.Market, error)
}

// OrderItemFilter narrows the lookup to the caller's own rows. Exactly one of BuyerUserID or
// VendorProfileID is expected; leaving both empty is only valid for system callers.
type OrderItemFilter struct {
	BuyerUserID     string
	VendorProfileID string
}

// CancelItemParams carries the fields written by the conditional cancellation update.
type CancelItemParams struct {
	OrderItemID        string
	CancelledAt        time.Time
	CancelledBy        domain.CancelledBy
	Reason             string
	RefundAmountCents  int64
	IssueStatus        *domain.IssueStatus
	IssueResolution    string
	IssueResolvedAt    *time.Time
	ExpectedStatus     domain.OrderItemStatus
	ExpectedIssueState *domain.IssueStatus
}

// IssueUpdate records an issue report or resolution on an item.
type IssueUpdate struct {
	OrderItemID    string
	Status         domain.IssueStatus
	ExpectedStatus *domain.IssueStatus
	Description    string
	Resolution     string
	ReportedAt     *time.Time
	ResolvedAt     *time.Time
}

// RefundUpdate records the outcome of a processor refund attempt and releases any retry claim.
type RefundUpdate struct {
	OrderItemID    string
	RefundFailed   bool
	StripeRefundID string
	// AdvanceAttempt bumps the refund attempt counter so the next try uses a fresh idempotency key.
	// Set it only when the processor definitively declined.
	AdvanceAttempt bool
	UpdatedAt      time.Time
}

// RefundClaim leases failed refunds to one retry run.
type RefundClaim struct {
	Limit      int
	Now        time.Time
	LeaseUntil time.Time
}

// StatusUpdate advances an item along the non-cancellation path of the state machine.
type StatusUpdate struct {
	OrderItemID       string
	From              domain.OrderItemStatus
	To                domain.OrderItemStatus
	VendorConfirmedAt *time.Time
	BuyerConfirmedAt  *time.Time
	UpdatedAt         time.Time
}

// OrderItemRepository persists order items and their parent orders.
type OrderItemRepository interface {
	// Find loads the item, its order, and the number of items in the order. Rows that do not match the
	// filter are reported as not found. No lock is taken; writes carry their own guards.
	Find(ctx context.Context, orderItemID string, filter OrderItemFilter) (domain.OrderItemContext, error)
	// CancelIfActive sets the cancellation fields only while cancelled_at IS NULL and the status still
	// matches ExpectedStatus. It reports false when another request won the race.
	CancelIfActive(ctx context.Context, params CancelItemParams) (bool, error)
	// UpdateIssue writes issue fields, guarded by ExpectedStatus when set.
	UpdateIssue(ctx context.Context, update IssueUpdate) (bool, error)
	// UpdateStatus moves an item from one status to another, reporting false when the row changed underneath.
	UpdateStatus(ctx context.Context, update StatusUpdate) (bool, error)
	RecordRefund(ctx context.Context, update RefundUpdate) error
	// CountActiveItems returns items in the order that are not cancelled or refunded.
	CountActiveItems(ctx context.Context, orderID string) (int, error)
	MarkOrderCancelled(ctx context.Context, orderID string, cancelledAt time.Time) error
	// MarkRefundedByPaymentIntent moves cancelled items of the order paid with the intent to refunded.
	MarkRefundedByPaymentIntent(ctx context.Context, paymentIntentID string, refundedAt time.Time) (int, error)
	// ClaimRefundFailures atomically leases cancelled items whose processor refund failed, oldest first.
	// Items leased by another run are skipped until their lease expires.
	ClaimRefundFailures(ctx context.Context, claim RefundClaim) ([]domain.OrderItemContext, error)
}

// InventoryRepository mutates listing stock with atomic primitives.
type InventoryRepository interface {
	// Restore adds quantity back to the listing's stock.
	Restore(ctx context.Context, listingID string, quantity int) error
	// Decrement removes quantity only when at least that much is available; otherwise it returns an
	// InventoryError with InventoryErrorInsufficientStock.
	Decrement(ctx context.Context, listingID string, quantity int) error
}

// VendorRepository reads vendor profiles and maintains reliability counters.
type VendorRepository interface {
	FindByID(ctx context.Context, vendorProfileID string) (domain.VendorProfile, error)
	// IncrementConfirmed bumps the confirmed order counter when a vendor confirms an item and returns the
	// updated totals.
	IncrementConfirmed(ctx context.Context, vendorProfileID string, at time.Time) (domain.VendorReliability, error)
	// RecordVendorCancellation bumps the vendor cancellation counter and returns the updated totals.
	RecordVendorCancellation(ctx context.Context, vendorProfileID string, at time.Time) (domain.VendorReliability, error)
	// MarkCancellationWarned stamps the warning time; a nil time clears it so a later breach warns again.
	MarkCancellationWarned(ctx context.Context, vendorProfileID string, at *time.Time) error
}

// UserRepository resolves contact snapshots for notifications.
type UserRepository interface {
	FindContact(ctx context.Context, userID string) (domain.UserContact, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
