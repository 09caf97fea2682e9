package services

import (
	"math"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/marketday/api/internal/domain"
)

const (
	// DefaultGracePeriod is the window after checkout in which a buyer cancellation is always fully refunded.
	DefaultGracePeriod = time.Hour
	// DefaultCancellationFeeRate is charged on the item subtotal once the vendor confirmed and grace elapsed.
	DefaultCancellationFeeRate = 0.25
	// DefaultVendorFeeShare is the portion of a cancellation fee paid to the vendor; the platform keeps the rest.
	DefaultVendorFeeShare = 0.5
)

// CancellationPolicy parameterises the cancellation fee rule.
type CancellationPolicy struct {
	GracePeriod    time.Duration
	FeeRate        float64
	VendorFeeShare float64
}

// DefaultCancellationPolicy returns the standard marketplace cancellation terms.
func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{
		GracePeriod:    DefaultGracePeriod,
		FeeRate:        DefaultCancellationFeeRate,
		VendorFeeShare: DefaultVendorFeeShare,
	}
}

func (p CancellationPolicy) normalized() CancellationPolicy {
	def := DefaultCancellationPolicy()
	if p.GracePeriod <= 0 {
		p.GracePeriod = def.GracePeriod
	}
	if p.FeeRate <= 0 || p.FeeRate > 1 {
		p.FeeRate = def.FeeRate
	}
	if p.VendorFeeShare < 0 || p.VendorFeeShare > 1 {
		p.VendorFeeShare = def.VendorFeeShare
	}
	return p
}

// CancellationInput is everything the fee rule looks at. Now is explicit so the rule stays pure.
type CancellationInput struct {
	SubtotalCents     int64
	TotalItemsInOrder int
	OrderStatus       domain.OrderItemStatus
	OrderCreatedAt    time.Time
	Now               time.Time
}

// CalculateCancellationFee applies the two-layer fee rule. Inside the grace period the refund is always full.
// After it, a fee applies only when the vendor had confirmed the item.
func CalculateCancellationFee(input CancellationInput, policy CancellationPolicy) domain.CancellationOutcome {
	policy = policy.normalized()
	subtotal := input.SubtotalCents
	if subtotal < 0 {
		subtotal = 0
	}

	outcome := domain.CancellationOutcome{
		RefundAmountCents:  subtotal,
		WithinGracePeriod:  input.Now.Sub(input.OrderCreatedAt) < policy.GracePeriod,
		VendorHadConfirmed: domain.VendorHasConfirmed(input.OrderStatus),
	}
	if outcome.WithinGracePeriod || !outcome.VendorHadConfirmed {
		return outcome
	}

	fee := int64(math.Round(float64(subtotal) * policy.FeeRate))
	vendorShare := int64(math.Round(float64(fee) * policy.VendorFeeShare))

	outcome.FeeApplied = fee > 0
	outcome.CancellationFeeCents = fee
	outcome.RefundAmountCents = subtotal - fee
	outcome.VendorShareCents = vendorShare
	outcome.PlatformShareCents = fee - vendorShare
	return outcome
}

// BuyerPaidAmount returns what the buyer actually paid for one item: its subtotal plus its share of the
// order's buyer-side fees, prorated by subtotal. When the order subtotal is unknown the fee is split evenly.
func BuyerPaidAmount(itemSubtotalCents int64, order domain.Order, totalItemsInOrder int) int64 {
	if itemSubtotalCents <= 0 {
		return 0
	}
	fee := order.BuyerFeeCents
	if fee <= 0 {
		return itemSubtotalCents
	}
	switch {
	case order.SubtotalCents > 0:
		share := math.Round(float64(fee) * float64(itemSubtotalCents) / float64(order.SubtotalCents))
		return itemSubtotalCents + int64(share)
	case totalItemsInOrder > 0:
		return itemSubtotalCents + int64(math.Round(float64(fee)/float64(totalItemsInOrder)))
	default:
		return itemSubtotalCents + fee
	}
}

// FormatCents renders a USD amount for buyer-facing copy.
func FormatCents(cents int64) string {
	p := message.NewPrinter(language.AmericanEnglish)
	return p.Sprintf("$%.2f", float64(cents)/100)
}

// BuyerCancellationMessage picks the copy for a buyer cancellation response.
func BuyerCancellationMessage(outcome domain.CancellationOutcome, refundFailed bool, processorRefund bool) string {
	switch {
	case refundFailed:
		return "Order cancelled, but there was an issue processing your refund. Our team will handle it manually."
	case !processorRefund:
		return "Order cancelled. Please arrange any refund directly with the vendor."
	case outcome.FeeApplied:
		return "Order cancelled. A cancellation fee of " + FormatCents(outcome.CancellationFeeCents) +
			" was applied; " + FormatCents(outcome.RefundAmountCents) + " will be refunded."
	default:
		return "Order cancelled. You will receive a full refund of " + FormatCents(outcome.RefundAmountCents) + "."
	}
}

// VendorRejectionMessage describes a vendor rejection to the vendor who issued it.
func VendorRejectionMessage(refundCents int64, refundFailed bool, processorRefund bool) string {
	switch {
	case refundFailed:
		return "Order item rejected, but there was an issue processing the buyer's refund. Our team will handle it manually."
	case !processorRefund:
		return "Order item rejected. Please arrange a refund of " + FormatCents(refundCents) + " with the buyer."
	default:
		return "Order item rejected. The buyer will receive a full refund of " + FormatCents(refundCents) + "."
	}
}

// IssueResolutionMessage describes the outcome of a vendor resolving a reported issue.
func IssueResolutionMessage(action IssueAction, refundCents int64, refundFailed bool, processorRefund bool) string {
	if action == IssueActionConfirmDelivery {
		return "Delivery confirmed. The buyer has been notified and the dispute was sent for platform review."
	}
	switch {
	case refundFailed:
		return "Issue resolved, but there was an issue processing the buyer's refund. Our team will handle it manually."
	case !processorRefund:
		return "Issue resolved. Please arrange a refund of " + FormatCents(refundCents) + " with the buyer."
	default:
		return "Issue resolved. The buyer will receive a refund of " + FormatCents(refundCents) + "."
	}
}
