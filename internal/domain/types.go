package domain

import (
	"time"
)

// MarketType distinguishes shared markets from vendor-owned pickup points.
type MarketType string

const (
	// MarketTypeTraditional is a shared farmers market or event location.
	MarketTypeTraditional MarketType = "traditional"
	// MarketTypePrivatePickup is a vendor-owned, non-shared pickup location.
	MarketTypePrivatePickup MarketType = "private_pickup"
)

// DefaultMarketTimezone applies when a market has no timezone configured.
const DefaultMarketTimezone = "America/Chicago"

// MarketSchedule is one recurring weekly slot at a market. Times are local wall-clock HH:MM.
type MarketSchedule struct {
	ID        string
	DayOfWeek time.Weekday
	StartTime string
	EndTime   string
	Active    bool
}

// Market is a physical pickup or sale location.
type Market struct {
	ID          string
	Name        string
	Type        MarketType
	Address     string
	City        string
	State       string
	Timezone    string
	CutoffHours *float64
	Active      bool
	Schedules   []MarketSchedule
}

// ProcessedMarketAvailability is derived per request and never persisted.
type ProcessedMarketAvailability struct {
	MarketID     string
	MarketName   string
	MarketType   MarketType
	Address      string
	City         string
	State        string
	IsAccepting  bool
	NextPickupAt *time.Time
	CutoffAt     *time.Time
	StartTime    string
	EndTime      string
	CutoffHours  float64
}

// ListingAvailability aggregates per-market availability for a single listing.
type ListingAvailability struct {
	ListingID         string
	IsAcceptingOrders bool
	Markets           []ProcessedMarketAvailability
}

// PaymentMethod records how the buyer paid for an order.
type PaymentMethod string

const (
	PaymentMethodStripe  PaymentMethod = "stripe"
	PaymentMethodVenmo   PaymentMethod = "venmo"
	PaymentMethodCashApp PaymentMethod = "cashapp"
	PaymentMethodPayPal  PaymentMethod = "paypal"
	PaymentMethodCash    PaymentMethod = "cash"
)

// UsesProcessor reports whether money for the order moved through the payment processor.
func (m PaymentMethod) UsesProcessor() bool {
	return m == PaymentMethodStripe
}

// Order aggregates order items purchased in a single checkout.
type Order struct {
	ID                    string
	OrderNumber           string
	BuyerUserID           string
	Status                OrderStatus
	PaymentMethod         PaymentMethod
	StripePaymentIntentID string
	SubtotalCents         int64
	BuyerFeeCents         int64
	TotalCents            int64
	Vertical              string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CancelledAt           *time.Time
}

// CancelledBy records which party cancelled an order item.
type CancelledBy string

const (
	CancelledByBuyer  CancelledBy = "buyer"
	CancelledByVendor CancelledBy = "vendor"
	CancelledBySystem CancelledBy = "system"
)

// IssueStatus tracks a buyer-reported dispute on an order item.
type IssueStatus string

const (
	IssueStatusNew      IssueStatus = "new"
	IssueStatusInReview IssueStatus = "in_review"
	IssueStatusResolved IssueStatus = "resolved"
	IssueStatusClosed   IssueStatus = "closed"
)

// IsOpen reports whether the issue still awaits vendor resolution.
func (s IssueStatus) IsOpen() bool {
	return s == IssueStatusNew || s == IssueStatusInReview
}

// OrderItem is one line of a purchase, owned by exactly one vendor.
type OrderItem struct {
	ID                 string
	OrderID            string
	ListingID          string
	ListingTitle       string
	VendorProfileID    string
	MarketID           string
	Quantity           int
	UnitPriceCents     int64
	SubtotalCents      int64
	Status             OrderItemStatus
	PickupDate         *time.Time
	CancelledAt        *time.Time
	CancelledBy        CancelledBy
	CancellationReason string
	RefundAmountCents  int64
	RefundFailed       bool
	RefundAttempts     int
	StripeRefundID     string
	IssueReportedAt    *time.Time
	IssueStatus        IssueStatus
	IssueDescription   string
	IssueResolution    string
	IssueResolvedAt    *time.Time
	VendorConfirmedAt  *time.Time
	BuyerConfirmedAt   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderItemContext bundles an item with its parent order and sibling count, as loaded for lifecycle decisions.
type OrderItemContext struct {
	Item              OrderItem
	Order             Order
	TotalItemsInOrder int
}

// CancellationOutcome is the derived result of applying the cancellation policy to an item.
type CancellationOutcome struct {
	RefundAmountCents    int64
	CancellationFeeCents int64
	VendorShareCents     int64
	PlatformShareCents   int64
	FeeApplied           bool
	WithinGracePeriod    bool
	VendorHadConfirmed   bool
}

// VendorProfile carries the vendor fields the lifecycle needs.
type VendorProfile struct {
	ID                     string
	UserID                 string
	BusinessName           string
	StripeConnectAccountID string
	PayoutsEnabled         bool
}

// VendorReliability tracks a vendor's cancellation history for warning decisions.
type VendorReliability struct {
	VendorProfileID      string
	ConfirmedOrders      int
	VendorCancellations  int
	CancellationWarnedAt *time.Time
	UpdatedAt            time.Time
}

// CancellationRate returns vendor cancellations over confirmed orders; zero when nothing was confirmed.
func (r VendorReliability) CancellationRate() float64 {
	if r.ConfirmedOrders <= 0 {
		return 0
	}
	return float64(r.VendorCancellations) / float64(r.ConfirmedOrders)
}

// UserContact is the display and notification snapshot for a user.
type UserContact struct {
	UserID      string
	DisplayName string
	Email       string
}
