package postgres

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/marketday/api/internal/domain"
	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
)

const orderItemContextColumns = `
	i.id, i.order_id, i.listing_id, i.listing_title, i.vendor_profile_id, COALESCE(i.market_id, ''),
	i.quantity, i.unit_price_cents, i.subtotal_cents, i.status, i.pickup_date,
	i.cancelled_at, COALESCE(i.cancelled_by, ''), i.cancellation_reason, i.refund_amount_cents,
	i.refund_failed, i.refund_attempts, i.stripe_refund_id, i.issue_reported_at, COALESCE(i.issue_status, ''),
	i.issue_description, i.issue_resolution, i.issue_resolved_at, i.vendor_confirmed_at,
	i.buyer_confirmed_at, i.created_at, i.updated_at,
	o.id, o.order_number, o.buyer_user_id, o.status, o.payment_method, o.stripe_payment_intent_id,
	o.subtotal_cents, o.buyer_fee_cents, o.total_cents, o.vertical, o.created_at, o.updated_at,
	o.cancelled_at,
	(SELECT COUNT(*) FROM order_items s WHERE s.order_id = o.id)`

// OrderItemRepository persists order items. Reads take no locks; every mutating statement carries its own
// guard so concurrent requests are serialised by the row lock taken by the UPDATE.
type OrderItemRepository struct {
	uow *pg.UnitOfWork
}

var _ repositories.OrderItemRepository = (*OrderItemRepository)(nil)

func NewOrderItemRepository(uow *pg.UnitOfWork) *OrderItemRepository {
	return &OrderItemRepository{uow: uow}
}

func (r *OrderItemRepository) Find(ctx context.Context, orderItemID string, filter repositories.OrderItemFilter) (domain.OrderItemContext, error) {
	row := r.uow.Querier(ctx).QueryRow(ctx, `
SELECT`+orderItemContextColumns+`
FROM order_items i
JOIN orders o ON o.id = i.order_id
WHERE i.id = $1
  AND ($2::text = '' OR o.buyer_user_id = $2)
  AND ($3::text = '' OR i.vendor_profile_id = $3)`, orderItemID, filter.BuyerUserID, filter.VendorProfileID)

	loaded, err := scanOrderItemContext(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrderItemContext{}, pg.NotFound("orderItems.find", "order item %s not found", orderItemID)
	}
	if err != nil {
		return domain.OrderItemContext{}, pg.WrapError("orderItems.find", err)
	}
	return loaded, nil
}

func (r *OrderItemRepository) CancelIfActive(ctx context.Context, params repositories.CancelItemParams) (bool, error) {
	tag, err := r.uow.Querier(ctx).Exec(ctx, `
UPDATE order_items
SET status = $2,
    cancelled_at = $3,
    cancelled_by = $4,
    cancellation_reason = $5,
    refund_amount_cents = $6,
    issue_status = COALESCE($7::text, issue_status),
    issue_resolution = CASE WHEN $8::text = '' THEN issue_resolution ELSE $8 END,
    issue_resolved_at = COALESCE($9::timestamptz, issue_resolved_at),
    updated_at = $3
WHERE id = $1
  AND cancelled_at IS NULL
  AND status = $10
  AND ($11::text IS NULL OR COALESCE(issue_status, '') = $11)`,
		params.OrderItemID,
		string(domain.OrderItemStatusCancelled),
		params.CancelledAt.UTC(),
		string(params.CancelledBy),
		params.Reason,
		params.RefundAmountCents,
		issueText(params.IssueStatus),
		params.IssueResolution,
		params.IssueResolvedAt,
		string(params.ExpectedStatus),
		issueText(params.ExpectedIssueState),
	)
	if err != nil {
		return false, pg.WrapError("orderItems.cancel", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderItemRepository) UpdateIssue(ctx context.Context, update repositories.IssueUpdate) (bool, error) {
	tag, err := r.uow.Querier(ctx).Exec(ctx, `
UPDATE order_items
SET issue_status = $2,
    issue_description = CASE WHEN $3::text = '' THEN issue_description ELSE $3 END,
    issue_resolution = CASE WHEN $4::text = '' THEN issue_resolution ELSE $4 END,
    issue_reported_at = COALESCE($5::timestamptz, issue_reported_at),
    issue_resolved_at = COALESCE($6::timestamptz, issue_resolved_at),
    updated_at = now()
WHERE id = $1
  AND ($7::text IS NULL OR COALESCE(issue_status, '') = $7)`,
		update.OrderItemID,
		string(update.Status),
		update.Description,
		update.Resolution,
		update.ReportedAt,
		update.ResolvedAt,
		issueText(update.ExpectedStatus),
	)
	if err != nil {
		return false, pg.WrapError("orderItems.update_issue", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderItemRepository) UpdateStatus(ctx context.Context, update repositories.StatusUpdate) (bool, error) {
	tag, err := r.uow.Querier(ctx).Exec(ctx, `
UPDATE order_items
SET status = $3,
    vendor_confirmed_at = COALESCE($4::timestamptz, vendor_confirmed_at),
    buyer_confirmed_at = COALESCE($5::timestamptz, buyer_confirmed_at),
    updated_at = $6
WHERE id = $1 AND status = $2 AND cancelled_at IS NULL`,
		update.OrderItemID,
		string(update.From),
		string(update.To),
		update.VendorConfirmedAt,
		update.BuyerConfirmedAt,
		update.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, pg.WrapError("orderItems.update_status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderItemRepository) RecordRefund(ctx context.Context, update repositories.RefundUpdate) error {
	tag, err := r.uow.Querier(ctx).Exec(ctx, `
UPDATE order_items
SET refund_failed = $2,
    stripe_refund_id = CASE WHEN $3::text = '' THEN stripe_refund_id ELSE $3 END,
    refund_attempts = refund_attempts + CASE WHEN $5 THEN 1 ELSE 0 END,
    refund_claimed_until = NULL,
    updated_at = $4
WHERE id = $1`,
		update.OrderItemID, update.RefundFailed, update.StripeRefundID, update.UpdatedAt.UTC(), update.AdvanceAttempt)
	if err != nil {
		return pg.WrapError("orderItems.record_refund", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.NotFound("orderItems.record_refund", "order item %s not found", update.OrderItemID)
	}
	return nil
}

func (r *OrderItemRepository) CountActiveItems(ctx context.Context, orderID string) (int, error) {
	var count int
	err := r.uow.Querier(ctx).QueryRow(ctx, `
SELECT COUNT(*) FROM order_items
WHERE order_id = $1 AND cancelled_at IS NULL AND status NOT IN ('cancelled', 'refunded')`, orderID).Scan(&count)
	if err != nil {
		return 0, pg.WrapError("orderItems.count_active", err)
	}
	return count, nil
}

func (r *OrderItemRepository) MarkOrderCancelled(ctx context.Context, orderID string, cancelledAt time.Time) error {
	_, err := r.uow.Querier(ctx).Exec(ctx, `
UPDATE orders SET status = $2, cancelled_at = COALESCE(cancelled_at, $3), updated_at = $3
WHERE id = $1`, orderID, string(domain.OrderStatusCancelled), cancelledAt.UTC())
	return pg.WrapError("orders.mark_cancelled", err)
}

func (r *OrderItemRepository) MarkRefundedByPaymentIntent(ctx context.Context, paymentIntentID string, refundedAt time.Time) (int, error) {
	tag, err := r.uow.Querier(ctx).Exec(ctx, `
UPDATE order_items i
SET status = $2, updated_at = $3
FROM orders o
WHERE o.id = i.order_id
  AND o.stripe_payment_intent_id = $1
  AND i.status = $4
  AND i.refund_failed = FALSE
  AND i.stripe_refund_id <> ''`,
		paymentIntentID,
		string(domain.OrderItemStatusRefunded),
		refundedAt.UTC(),
		string(domain.OrderItemStatusCancelled),
	)
	if err != nil {
		return 0, pg.WrapError("orderItems.mark_refunded", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimRefundFailures leases failed refunds with SKIP LOCKED. The outer predicates are repeated so a row
// claimed by a concurrent run between the subquery and the update is re-checked and dropped.
func (r *OrderItemRepository) ClaimRefundFailures(ctx context.Context, claim repositories.RefundClaim) ([]domain.OrderItemContext, error) {
	rows, err := r.uow.Querier(ctx).Query(ctx, `
UPDATE order_items i
SET refund_claimed_until = $3
FROM orders o
WHERE o.id = i.order_id
  AND i.refund_failed AND i.status = $1
  AND (i.refund_claimed_until IS NULL OR i.refund_claimed_until <= $2)
  AND i.id IN (
    SELECT c.id FROM order_items c
    WHERE c.refund_failed AND c.status = $1
      AND (c.refund_claimed_until IS NULL OR c.refund_claimed_until <= $2)
    ORDER BY c.updated_at, c.id
    LIMIT $4
    FOR UPDATE SKIP LOCKED)
RETURNING`+orderItemContextColumns,
		string(domain.OrderItemStatusCancelled), claim.Now.UTC(), claim.LeaseUntil.UTC(), claim.Limit)
	if err != nil {
		return nil, pg.WrapError("orderItems.claim_refund_failures", err)
	}
	defer rows.Close()

	var out []domain.OrderItemContext
	for rows.Next() {
		loaded, err := scanOrderItemContext(rows)
		if err != nil {
			return nil, pg.WrapError("orderItems.scan", err)
		}
		out = append(out, loaded)
	}
	if err := rows.Err(); err != nil {
		return nil, pg.WrapError("orderItems.claim_refund_failures", err)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Item.UpdatedAt.Equal(out[b].Item.UpdatedAt) {
			return out[a].Item.UpdatedAt.Before(out[b].Item.UpdatedAt)
		}
		return out[a].Item.ID < out[b].Item.ID
	})
	return out, nil
}

func scanOrderItemContext(row pgx.Row) (domain.OrderItemContext, error) {
	var (
		loaded      domain.OrderItemContext
		item        = &loaded.Item
		order       = &loaded.Order
		itemStatus  string
		cancelledBy string
		issueStatus string
		orderStatus string
		method      string
	)
	err := row.Scan(
		&item.ID, &item.OrderID, &item.ListingID, &item.ListingTitle, &item.VendorProfileID, &item.MarketID,
		&item.Quantity, &item.UnitPriceCents, &item.SubtotalCents, &itemStatus, &item.PickupDate,
		&item.CancelledAt, &cancelledBy, &item.CancellationReason, &item.RefundAmountCents,
		&item.RefundFailed, &item.RefundAttempts, &item.StripeRefundID, &item.IssueReportedAt, &issueStatus,
		&item.IssueDescription, &item.IssueResolution, &item.IssueResolvedAt, &item.VendorConfirmedAt,
		&item.BuyerConfirmedAt, &item.CreatedAt, &item.UpdatedAt,
		&order.ID, &order.OrderNumber, &order.BuyerUserID, &orderStatus, &method, &order.StripePaymentIntentID,
		&order.SubtotalCents, &order.BuyerFeeCents, &order.TotalCents, &order.Vertical, &order.CreatedAt, &order.UpdatedAt,
		&order.CancelledAt,
		&loaded.TotalItemsInOrder,
	)
	if err != nil {
		return domain.OrderItemContext{}, err
	}
	item.Status = domain.OrderItemStatus(itemStatus)
	item.CancelledBy = domain.CancelledBy(cancelledBy)
	item.IssueStatus = domain.IssueStatus(issueStatus)
	order.Status = domain.OrderStatus(orderStatus)
	order.PaymentMethod = domain.PaymentMethod(method)
	return loaded, nil
}

func issueText(status *domain.IssueStatus) *string {
	if status == nil {
		return nil
	}
	value := string(*status)
	return &value
}
