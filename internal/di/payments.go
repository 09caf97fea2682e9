package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/marketday/api/internal/payments"
	"github.com/marketday/api/internal/services"
)

// PaymentGateway adapts a payments.Provider to the gateway contract of the order lifecycle.
type PaymentGateway struct {
	provider payments.Provider
}

var _ services.PaymentGateway = (*PaymentGateway)(nil)

// NewPaymentGateway wraps provider.
func NewPaymentGateway(provider payments.Provider) *PaymentGateway {
	return &PaymentGateway{provider: provider}
}

// CreateRefund implements services.PaymentGateway.
func (g *PaymentGateway) CreateRefund(ctx context.Context, req services.RefundRequest) (services.RefundReceipt, error) {
	refund, err := g.provider.CreateRefund(ctx, payments.RefundRequest{
		PaymentIntentID: req.PaymentIntentID,
		AmountCents:     req.AmountCents,
		Reason:          req.Reason,
		IdempotencyKey:  req.IdempotencyKey,
		Metadata:        orderMetadata(req.OrderID, req.OrderItemID),
	})
	if errors.Is(err, payments.ErrProcessorRejected) {
		return services.RefundReceipt{}, fmt.Errorf("%w: %w", services.ErrRefundDeclined, err)
	}
	if err != nil {
		return services.RefundReceipt{}, err
	}
	return services.RefundReceipt{ID: refund.ID, Status: string(refund.Status)}, nil
}

// TransferToVendor implements services.PaymentGateway. Transfers are grouped by order so the Stripe
// dashboard shows them next to the original charge.
func (g *PaymentGateway) TransferToVendor(ctx context.Context, req services.VendorTransferRequest) (services.TransferReceipt, error) {
	transfer, err := g.provider.TransferToVendor(ctx, payments.TransferRequest{
		AmountCents:          req.AmountCents,
		DestinationAccountID: req.DestinationAccountID,
		TransferGroup:        req.OrderID,
		IdempotencyKey:       req.IdempotencyKey,
		Metadata:             orderMetadata(req.OrderID, req.OrderItemID),
	})
	if err != nil {
		return services.TransferReceipt{}, err
	}
	return services.TransferReceipt{ID: transfer.ID}, nil
}

func orderMetadata(orderID, itemID string) map[string]string {
	meta := make(map[string]string, 2)
	if orderID != "" {
		meta["order_id"] = orderID
	}
	if itemID != "" {
		meta["order_item_id"] = itemID
	}
	return meta
}
