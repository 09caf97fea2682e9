package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	domain "github.com/marketday/api/internal/domain"
	"github.com/marketday/api/internal/platform/textutil"
	"github.com/marketday/api/internal/repositories"
)

const (
	// DefaultWarningMinConfirmedOrders is the confirmed order count below which no reliability warning is sent.
	DefaultWarningMinConfirmedOrders = 10
	// DefaultWarningCancellationRate is the vendor cancellation rate that must be exceeded to warn.
	DefaultWarningCancellationRate = 0.10

	defaultRetryRefundLimit = 50
	maxRetryRefundLimit     = 200
	// refundClaimLease bounds how long a crashed retry run keeps other runs away from its items.
	refundClaimLease = 15 * time.Minute

	refundReasonRequestedByCustomer = "requested_by_customer"
)

// Notification templates sent by the lifecycle.
const (
	TemplateItemCancelledByBuyer = "order_item_cancelled_by_buyer"
	TemplateItemRejectedByVendor = "order_item_rejected_by_vendor"
	TemplateItemStatusChanged    = "order_item_status_changed"
	TemplateIssueReported        = "order_item_issue_reported"
	TemplateIssueDisputed        = "order_item_issue_disputed"
	TemplateIssueEscalated       = "order_item_issue_escalated"
	TemplateIssueRefunded        = "order_item_issue_refunded"
	TemplateVendorCancelWarning  = "vendor_cancellation_warning"
)

const (
	dataRefundAmount    = "refundAmount"
	dataCancellationFee = "cancellationFee"
	dataListingTitle    = "listingTitle"
	dataOrderNumber     = "orderNumber"
	dataReason          = "reason"
)

var (
	// ErrLifecycleInvalidInput covers malformed input, replays, and unsupported transitions.
	ErrLifecycleInvalidInput = errors.New("order lifecycle: invalid input")
	// ErrLifecycleNotFound indicates the item does not exist or does not belong to the caller.
	ErrLifecycleNotFound = errors.New("order lifecycle: not found")
	// ErrLifecycleUnauthorized indicates the caller identity is missing.
	ErrLifecycleUnauthorized = errors.New("order lifecycle: unauthorized")
	// ErrLifecycleUnavailable indicates the datastore could not be reached.
	ErrLifecycleUnavailable = errors.New("order lifecycle: unavailable")
	// ErrLifecycleConflict indicates the item changed underneath an update; the caller may retry.
	ErrLifecycleConflict = errors.New("order lifecycle: conflict")
	// ErrRefundDeclined is returned by a PaymentGateway when the processor definitively refused a refund.
	// Any other gateway error leaves the outcome unknown.
	ErrRefundDeclined = errors.New("order lifecycle: refund declined")
)

// ReliabilityPolicy decides when a vendor is warned about their cancellation rate.
type ReliabilityPolicy struct {
	MinConfirmedOrders int
	WarningRate        float64
}

// DefaultReliabilityPolicy returns the standard warning thresholds.
func DefaultReliabilityPolicy() ReliabilityPolicy {
	return ReliabilityPolicy{
		MinConfirmedOrders: DefaultWarningMinConfirmedOrders,
		WarningRate:        DefaultWarningCancellationRate,
	}
}

// Breached reports whether the vendor's counters are over the warning threshold.
func (p ReliabilityPolicy) Breached(r domain.VendorReliability) bool {
	return r.ConfirmedOrders >= p.MinConfirmedOrders && r.CancellationRate() > p.WarningRate
}

// OrderLifecycleServiceDeps bundles collaborators required by the lifecycle service.
type OrderLifecycleServiceDeps struct {
	OrderItems    repositories.OrderItemRepository
	Inventory     repositories.InventoryRepository
	Vendors       repositories.VendorRepository
	Users         repositories.UserRepository
	UnitOfWork    repositories.UnitOfWork
	Payments      PaymentGateway
	Notifications NotificationDispatcher
	Metrics       LifecycleMetrics
	Policy        CancellationPolicy
	Reliability   ReliabilityPolicy
	// Escalation receives disputes that need platform review.
	Escalation  domain.UserContact
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderLifecycleService struct {
	items         repositories.OrderItemRepository
	inventory     repositories.InventoryRepository
	vendors       repositories.VendorRepository
	users         repositories.UserRepository
	unitOfWork    repositories.UnitOfWork
	payments      PaymentGateway
	notifications NotificationDispatcher
	metrics       LifecycleMetrics
	policy        CancellationPolicy
	reliability   ReliabilityPolicy
	escalation    domain.UserContact
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ OrderLifecycleService = (*orderLifecycleService)(nil)

// NewOrderLifecycleService wires dependencies into a concrete OrderLifecycleService implementation.
func NewOrderLifecycleService(deps OrderLifecycleServiceDeps) (OrderLifecycleService, error) {
	if deps.OrderItems == nil {
		return nil, errors.New("order lifecycle service: order item repository is required")
	}
	if deps.Vendors == nil {
		return nil, errors.New("order lifecycle service: vendor repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopLifecycleMetrics{}
	}
	reliability := deps.Reliability
	if reliability.MinConfirmedOrders <= 0 || reliability.WarningRate <= 0 {
		reliability = DefaultReliabilityPolicy()
	}

	return &orderLifecycleService{
		items:         deps.OrderItems,
		inventory:     deps.Inventory,
		vendors:       deps.Vendors,
		users:         deps.Users,
		unitOfWork:    unit,
		payments:      deps.Payments,
		notifications: deps.Notifications,
		metrics:       metrics,
		policy:        deps.Policy.normalized(),
		reliability:   reliability,
		escalation:    deps.Escalation,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderLifecycleService) BuyerCancel(ctx context.Context, cmd BuyerCancelCommand) (LifecycleResult, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return LifecycleResult{}, fmt.Errorf("%w: order item id is required", ErrLifecycleInvalidInput)
	}
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if buyerID == "" {
		return LifecycleResult{}, fmt.Errorf("%w: buyer identity is required", ErrLifecycleUnauthorized)
	}

	loaded, err := s.items.Find(ctx, itemID, repositories.OrderItemFilter{BuyerUserID: buyerID})
	if err != nil {
		return LifecycleResult{}, s.mapRepositoryError(err)
	}
	item, order := loaded.Item, loaded.Order
	if err := ensureCancellable(item); err != nil {
		return LifecycleResult{}, err
	}

	now := s.now()
	outcome := CalculateCancellationFee(CancellationInput{
		SubtotalCents:     item.SubtotalCents,
		TotalItemsInOrder: loaded.TotalItemsInOrder,
		OrderStatus:       item.Status,
		OrderCreatedAt:    order.CreatedAt,
		Now:               now,
	}, s.policy)

	orderCancelled, err := s.commitCancellation(ctx, repositories.CancelItemParams{
		OrderItemID:       item.ID,
		CancelledAt:       now,
		CancelledBy:       domain.CancelledByBuyer,
		Reason:            textutil.SanitizeReason(cmd.Reason),
		RefundAmountCents: outcome.RefundAmountCents,
		ExpectedStatus:    item.Status,
	}, order.ID)
	if err != nil {
		return LifecycleResult{}, err
	}

	s.restoreInventory(ctx, item)
	parties := s.loadParties(ctx, item, order)
	s.notify(ctx, order, parties.vendorContact, TemplateItemCancelledByBuyer, map[string]any{
		dataListingTitle:    item.ListingTitle,
		dataOrderNumber:     order.OrderNumber,
		dataRefundAmount:    FormatCents(outcome.RefundAmountCents),
		dataCancellationFee: FormatCents(outcome.CancellationFeeCents),
	})

	result := LifecycleResult{
		OrderItemID:    item.ID,
		OrderID:        order.ID,
		Status:         domain.OrderItemStatusCancelled,
		Outcome:        outcome,
		OrderCancelled: orderCancelled,
		IssueStatus:    item.IssueStatus,
	}
	s.refund(ctx, item, order, outcome.RefundAmountCents, &result)
	if outcome.FeeApplied && order.PaymentMethod.UsesProcessor() {
		s.transferVendorShare(ctx, item, order, parties, outcome.VendorShareCents, &result)
	}

	s.metrics.CancellationRecorded(domain.CancelledByBuyer, outcome.FeeApplied)
	result.Message = BuyerCancellationMessage(outcome, result.RefundFailed, order.PaymentMethod.UsesProcessor())
	s.logger(ctx, "order_item.cancelled", map[string]any{
		"orderItemId":  item.ID,
		"orderId":      order.ID,
		"actor":        string(domain.CancelledByBuyer),
		"refundCents":  outcome.RefundAmountCents,
		"feeCents":     outcome.CancellationFeeCents,
		"refundFailed": result.RefundFailed,
	})
	return result, nil
}

func (s *orderLifecycleService) VendorReject(ctx context.Context, cmd VendorRejectCommand) (LifecycleResult, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return LifecycleResult{}, fmt.Errorf("%w: order item id is required", ErrLifecycleInvalidInput)
	}
	vendorID := strings.TrimSpace(cmd.VendorProfileID)
	if vendorID == "" {
		return LifecycleResult{}, fmt.Errorf("%w: vendor identity is required", ErrLifecycleUnauthorized)
	}
	reason := textutil.SanitizeReason(cmd.Reason)
	if reason == "" {
		return LifecycleResult{}, fmt.Errorf("%w: reason is required", ErrLifecycleInvalidInput)
	}

	loaded, err := s.items.Find(ctx, itemID, repositories.OrderItemFilter{VendorProfileID: vendorID})
	if err != nil {
		return LifecycleResult{}, s.mapRepositoryError(err)
	}
	item, order := loaded.Item, loaded.Order
	if err := ensureCancellable(item); err != nil {
		return LifecycleResult{}, err
	}

	now := s.now()
	outcome := domain.CancellationOutcome{
		RefundAmountCents:  BuyerPaidAmount(item.SubtotalCents, order, loaded.TotalItemsInOrder),
		WithinGracePeriod:  now.Sub(order.CreatedAt) < s.policy.GracePeriod,
		VendorHadConfirmed: domain.VendorHasConfirmed(item.Status),
	}

	orderCancelled, err := s.commitCancellation(ctx, repositories.CancelItemParams{
		OrderItemID:       item.ID,
		CancelledAt:       now,
		CancelledBy:       domain.CancelledByVendor,
		Reason:            reason,
		RefundAmountCents: outcome.RefundAmountCents,
		ExpectedStatus:    item.Status,
	}, order.ID)
	if err != nil {
		return LifecycleResult{}, err
	}

	s.restoreInventory(ctx, item)
	s.recordVendorCancellation(ctx, item.VendorProfileID, order, now)
	parties := s.loadParties(ctx, item, order)
	s.notify(ctx, order, parties.buyer, TemplateItemRejectedByVendor, map[string]any{
		dataListingTitle: item.ListingTitle,
		dataOrderNumber:  order.OrderNumber,
		dataRefundAmount: FormatCents(outcome.RefundAmountCents),
		dataReason:       reason,
	})

	result := LifecycleResult{
		OrderItemID:    item.ID,
		OrderID:        order.ID,
		Status:         domain.OrderItemStatusCancelled,
		Outcome:        outcome,
		OrderCancelled: orderCancelled,
		IssueStatus:    item.IssueStatus,
	}
	s.refund(ctx, item, order, outcome.RefundAmountCents, &result)

	s.metrics.CancellationRecorded(domain.CancelledByVendor, false)
	result.Message = VendorRejectionMessage(outcome.RefundAmountCents, result.RefundFailed, order.PaymentMethod.UsesProcessor())
	s.logger(ctx, "order_item.cancelled", map[string]any{
		"orderItemId":  item.ID,
		"orderId":      order.ID,
		"actor":        string(domain.CancelledByVendor),
		"refundCents":  outcome.RefundAmountCents,
		"refundFailed": result.RefundFailed,
	})
	return result, nil
}

func (s *orderLifecycleService) ResolveIssue(ctx context.Context, cmd ResolveIssueCommand) (LifecycleResult, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return LifecycleResult{}, fmt.Errorf("%w: order item id is required", ErrLifecycleInvalidInput)
	}
	vendorID := strings.TrimSpace(cmd.VendorProfileID)
	if vendorID == "" {
		return LifecycleResult{}, fmt.Errorf("%w: vendor identity is required", ErrLifecycleUnauthorized)
	}
	action := IssueAction(strings.ToLower(strings.TrimSpace(string(cmd.Action))))
	if action != IssueActionConfirmDelivery && action != IssueActionIssueRefund {
		return LifecycleResult{}, fmt.Errorf("%w: unknown action %q", ErrLifecycleInvalidInput, cmd.Action)
	}

	loaded, err := s.items.Find(ctx, itemID, repositories.OrderItemFilter{VendorProfileID: vendorID})
	if err != nil {
		return LifecycleResult{}, s.mapRepositoryError(err)
	}
	item, order := loaded.Item, loaded.Order
	if item.IssueStatus == "" || item.IssueReportedAt == nil {
		return LifecycleResult{}, fmt.Errorf("%w: no issue reported", ErrLifecycleInvalidInput)
	}
	if !item.IssueStatus.IsOpen() {
		return LifecycleResult{}, fmt.Errorf("%w: issue already resolved", ErrLifecycleInvalidInput)
	}

	now := s.now()
	notes := textutil.SanitizeReason(cmd.Notes)
	resolution := string(action)
	if notes != "" {
		resolution += ": " + notes
	}
	current := item.IssueStatus
	resolved := domain.IssueStatusResolved

	if action == IssueActionConfirmDelivery {
		updated, err := s.items.UpdateIssue(ctx, repositories.IssueUpdate{
			OrderItemID:    item.ID,
			Status:         resolved,
			ExpectedStatus: &current,
			Resolution:     resolution,
			ResolvedAt:     &now,
		})
		if err != nil {
			return LifecycleResult{}, s.mapRepositoryError(err)
		}
		if !updated {
			return LifecycleResult{}, fmt.Errorf("%w: issue already resolved", ErrLifecycleInvalidInput)
		}

		parties := s.loadParties(ctx, item, order)
		data := map[string]any{
			dataListingTitle: item.ListingTitle,
			dataOrderNumber:  order.OrderNumber,
			"notes":          notes,
		}
		s.notify(ctx, order, parties.buyer, TemplateIssueDisputed, data)
		escalation := map[string]any{
			"orderItemId":      item.ID,
			"vendorProfileId":  item.VendorProfileID,
			"buyerUserId":      order.BuyerUserID,
			"issueDescription": item.IssueDescription,
			"vendorResponse":   notes,
			dataOrderNumber:    order.OrderNumber,
		}
		s.notify(ctx, order, s.escalation, TemplateIssueEscalated, escalation)

		s.logger(ctx, "order_item.issue.escalated", map[string]any{
			"orderItemId": item.ID,
			"orderId":     order.ID,
		})
		return LifecycleResult{
			OrderItemID: item.ID,
			OrderID:     order.ID,
			Status:      item.Status,
			IssueStatus: resolved,
			Message:     IssueResolutionMessage(action, 0, false, false),
		}, nil
	}

	if err := ensureCancellable(item); err != nil {
		return LifecycleResult{}, err
	}
	outcome := domain.CancellationOutcome{
		RefundAmountCents:  item.SubtotalCents,
		WithinGracePeriod:  now.Sub(order.CreatedAt) < s.policy.GracePeriod,
		VendorHadConfirmed: domain.VendorHasConfirmed(item.Status),
	}
	orderCancelled, err := s.commitCancellation(ctx, repositories.CancelItemParams{
		OrderItemID:        item.ID,
		CancelledAt:        now,
		CancelledBy:        domain.CancelledByVendor,
		Reason:             "issue refund",
		RefundAmountCents:  outcome.RefundAmountCents,
		IssueStatus:        &resolved,
		IssueResolution:    resolution,
		IssueResolvedAt:    &now,
		ExpectedStatus:     item.Status,
		ExpectedIssueState: &current,
	}, order.ID)
	if err != nil {
		return LifecycleResult{}, err
	}

	s.restoreInventory(ctx, item)
	parties := s.loadParties(ctx, item, order)
	s.notify(ctx, order, parties.buyer, TemplateIssueRefunded, map[string]any{
		dataListingTitle: item.ListingTitle,
		dataOrderNumber:  order.OrderNumber,
		dataRefundAmount: FormatCents(outcome.RefundAmountCents),
	})

	result := LifecycleResult{
		OrderItemID:    item.ID,
		OrderID:        order.ID,
		Status:         domain.OrderItemStatusCancelled,
		Outcome:        outcome,
		OrderCancelled: orderCancelled,
		IssueStatus:    resolved,
	}
	s.refund(ctx, item, order, outcome.RefundAmountCents, &result)

	s.metrics.CancellationRecorded(domain.CancelledByVendor, false)
	result.Message = IssueResolutionMessage(action, outcome.RefundAmountCents, result.RefundFailed, order.PaymentMethod.UsesProcessor())
	s.logger(ctx, "order_item.issue.refunded", map[string]any{
		"orderItemId":  item.ID,
		"orderId":      order.ID,
		"refundCents":  outcome.RefundAmountCents,
		"refundFailed": result.RefundFailed,
	})
	return result, nil
}

func (s *orderLifecycleService) ReportIssue(ctx context.Context, cmd ReportIssueCommand) (OrderItem, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order item id is required", ErrLifecycleInvalidInput)
	}
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if buyerID == "" {
		return OrderItem{}, fmt.Errorf("%w: buyer identity is required", ErrLifecycleUnauthorized)
	}
	description := textutil.SanitizeReason(cmd.Description)
	if description == "" {
		return OrderItem{}, fmt.Errorf("%w: description is required", ErrLifecycleInvalidInput)
	}

	loaded, err := s.items.Find(ctx, itemID, repositories.OrderItemFilter{BuyerUserID: buyerID})
	if err != nil {
		return OrderItem{}, s.mapRepositoryError(err)
	}
	item, order := loaded.Item, loaded.Order
	if err := ensureCancellable(item); err != nil {
		return OrderItem{}, err
	}
	if item.IssueStatus != "" {
		return OrderItem{}, fmt.Errorf("%w: issue already reported", ErrLifecycleInvalidInput)
	}

	now := s.now()
	none := domain.IssueStatus("")
	updated, err := s.items.UpdateIssue(ctx, repositories.IssueUpdate{
		OrderItemID:    item.ID,
		Status:         domain.IssueStatusNew,
		ExpectedStatus: &none,
		Description:    description,
		ReportedAt:     &now,
	})
	if err != nil {
		return OrderItem{}, s.mapRepositoryError(err)
	}
	if !updated {
		return OrderItem{}, fmt.Errorf("%w: issue already reported", ErrLifecycleInvalidInput)
	}

	item.IssueStatus = domain.IssueStatusNew
	item.IssueDescription = description
	item.IssueReportedAt = &now
	item.UpdatedAt = now

	parties := s.loadParties(ctx, item, order)
	s.notify(ctx, order, parties.vendorContact, TemplateIssueReported, map[string]any{
		dataListingTitle: item.ListingTitle,
		dataOrderNumber:  order.OrderNumber,
		"description":    description,
	})
	return item, nil
}

func (s *orderLifecycleService) AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (OrderItem, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order item id is required", ErrLifecycleInvalidInput)
	}
	vendorID := strings.TrimSpace(cmd.VendorProfileID)
	if vendorID == "" {
		return OrderItem{}, fmt.Errorf("%w: vendor identity is required", ErrLifecycleUnauthorized)
	}
	target := cmd.TargetStatus
	switch target {
	case domain.OrderItemStatusConfirmed, domain.OrderItemStatusReady, domain.OrderItemStatusFulfilled:
	default:
		return OrderItem{}, fmt.Errorf("%w: unsupported target status %q", ErrLifecycleInvalidInput, target)
	}

	loaded, err := s.items.Find(ctx, itemID, repositories.OrderItemFilter{VendorProfileID: vendorID})
	if err != nil {
		return OrderItem{}, s.mapRepositoryError(err)
	}
	item, order := loaded.Item, loaded.Order
	if item.CancelledAt != nil {
		return OrderItem{}, fmt.Errorf("%w: already cancelled", ErrLifecycleInvalidInput)
	}
	if !domain.CanTransition(item.Status, target) {
		return OrderItem{}, fmt.Errorf("%w: cannot move from %s to %s", ErrLifecycleInvalidInput, item.Status, target)
	}

	now := s.now()
	update := repositories.StatusUpdate{
		OrderItemID: item.ID,
		From:        item.Status,
		To:          target,
		UpdatedAt:   now,
	}
	if target == domain.OrderItemStatusConfirmed {
		update.VendorConfirmedAt = &now
	}

	var reliability *domain.VendorReliability
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		updated, err := s.items.UpdateStatus(txCtx, update)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !updated {
			return fmt.Errorf("%w: order item %s changed concurrently", ErrLifecycleConflict, item.ID)
		}
		if target == domain.OrderItemStatusConfirmed {
			counters, err := s.vendors.IncrementConfirmed(txCtx, item.VendorProfileID, now)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			reliability = &counters
		}
		return nil
	})
	if err != nil {
		return OrderItem{}, err
	}

	if reliability != nil {
		s.rearmWarning(ctx, *reliability)
	}

	previous := item.Status
	item.Status = target
	item.UpdatedAt = now
	if update.VendorConfirmedAt != nil {
		item.VendorConfirmedAt = update.VendorConfirmedAt
	}

	parties := s.loadParties(ctx, item, order)
	s.notify(ctx, order, parties.buyer, TemplateItemStatusChanged, map[string]any{
		dataListingTitle: item.ListingTitle,
		dataOrderNumber:  order.OrderNumber,
		"previousStatus": string(previous),
		"status":         string(target),
	})
	s.logger(ctx, "order_item.status.changed", map[string]any{
		"orderItemId": item.ID,
		"from":        string(previous),
		"to":          string(target),
	})
	return item, nil
}

func (s *orderLifecycleService) MarkRefunded(ctx context.Context, cmd MarkRefundedCommand) (int, error) {
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" {
		return 0, fmt.Errorf("%w: payment intent id is required", ErrLifecycleInvalidInput)
	}
	refundedAt := cmd.RefundedAt
	if refundedAt.IsZero() {
		refundedAt = s.now()
	}

	count, err := s.items.MarkRefundedByPaymentIntent(ctx, intentID, refundedAt.UTC())
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	s.logger(ctx, "order_item.refund.confirmed", map[string]any{
		"paymentIntent": intentID,
		"items":         count,
	})
	return count, nil
}

func (s *orderLifecycleService) RetryFailedRefunds(ctx context.Context, cmd RetryRefundsCommand) (RetryRefundsResult, error) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultRetryRefundLimit
	}
	if limit > maxRetryRefundLimit {
		limit = maxRetryRefundLimit
	}

	now := s.now()
	failures, err := s.items.ClaimRefundFailures(ctx, repositories.RefundClaim{
		Limit:      limit,
		Now:        now,
		LeaseUntil: now.Add(refundClaimLease),
	})
	if err != nil {
		return RetryRefundsResult{}, s.mapRepositoryError(err)
	}

	var summary RetryRefundsResult
	for _, loaded := range failures {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		item, order := loaded.Item, loaded.Order
		if item.RefundAmountCents <= 0 || !order.PaymentMethod.UsesProcessor() {
			continue
		}
		summary.Attempted++
		var result LifecycleResult
		s.refund(ctx, item, order, item.RefundAmountCents, &result)
		if result.RefundFailed {
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	s.logger(ctx, "order_item.refund.retry.completed", map[string]any{
		"attempted": summary.Attempted,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})
	return summary, nil
}

// commitCancellation performs the authoritative cancellation write and, when it removed the last active
// item, cancels the parent order in the same transaction.
func (s *orderLifecycleService) commitCancellation(ctx context.Context, params repositories.CancelItemParams, orderID string) (bool, error) {
	orderCancelled := false
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		cancelled, err := s.items.CancelIfActive(txCtx, params)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !cancelled {
			return s.lostCancellationRace(txCtx, params)
		}

		remaining, err := s.items.CountActiveItems(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if remaining == 0 {
			if err := s.items.MarkOrderCancelled(txCtx, orderID, params.CancelledAt); err != nil {
				return s.mapRepositoryError(err)
			}
			orderCancelled = true
		}
		return nil
	})
	return orderCancelled, err
}

// lostCancellationRace explains why the guarded cancellation matched no row. Only a concurrent
// cancellation or resolution is a replay; any other change to the item is a conflict the caller may retry.
func (s *orderLifecycleService) lostCancellationRace(ctx context.Context, params repositories.CancelItemParams) error {
	loaded, err := s.items.Find(ctx, params.OrderItemID, repositories.OrderItemFilter{})
	if err != nil {
		return s.mapRepositoryError(err)
	}
	item := loaded.Item
	issueMoved := params.ExpectedIssueState != nil && item.IssueStatus != *params.ExpectedIssueState
	switch {
	case params.ExpectedIssueState != nil && (item.CancelledAt != nil || issueMoved):
		return fmt.Errorf("%w: issue already resolved", ErrLifecycleInvalidInput)
	case item.CancelledAt != nil:
		return fmt.Errorf("%w: already cancelled", ErrLifecycleInvalidInput)
	default:
		return fmt.Errorf("%w: order item changed from %s to %s, retry", ErrLifecycleConflict, params.ExpectedStatus, item.Status)
	}
}

func (s *orderLifecycleService) restoreInventory(ctx context.Context, item domain.OrderItem) {
	if s.inventory == nil || item.Quantity <= 0 || strings.TrimSpace(item.ListingID) == "" {
		return
	}
	if err := s.inventory.Restore(ctx, item.ListingID, item.Quantity); err != nil {
		s.logger(ctx, "order_item.inventory.restore_failed", map[string]any{
			"orderItemId": item.ID,
			"listingId":   item.ListingID,
			"quantity":    item.Quantity,
			"error":       err.Error(),
		})
	}
}

// refund issues the processor refund for a committed cancellation and records the outcome on the item.
// Failures are reported through result rather than returned.
func (s *orderLifecycleService) refund(ctx context.Context, item domain.OrderItem, order domain.Order, amount int64, result *LifecycleResult) {
	if !order.PaymentMethod.UsesProcessor() || amount <= 0 {
		return
	}
	result.RefundAttempted = true

	var (
		receipt RefundReceipt
		err     error
	)
	switch {
	case s.payments == nil:
		err = errors.New("payment gateway not configured")
	case strings.TrimSpace(order.StripePaymentIntentID) == "":
		err = errors.New("order has no payment intent")
	default:
		receipt, err = s.payments.CreateRefund(ctx, RefundRequest{
			PaymentIntentID: order.StripePaymentIntentID,
			AmountCents:     amount,
			OrderID:         order.ID,
			OrderItemID:     item.ID,
			Reason:          refundReasonRequestedByCustomer,
			IdempotencyKey:  refundIdempotencyKey(item),
		})
	}

	update := repositories.RefundUpdate{
		OrderItemID: item.ID,
		UpdatedAt:   s.now(),
	}
	if err != nil {
		result.RefundFailed = true
		update.RefundFailed = true
		update.AdvanceAttempt = errors.Is(err, ErrRefundDeclined)
		s.metrics.RefundFailed()
		s.logger(ctx, "order_item.refund.failed", map[string]any{
			"orderItemId":   item.ID,
			"orderId":       order.ID,
			"paymentIntent": order.StripePaymentIntentID,
			"amountCents":   amount,
			"error":         err.Error(),
		})
	} else {
		result.RefundID = receipt.ID
		update.StripeRefundID = receipt.ID
	}

	if err := s.items.RecordRefund(ctx, update); err != nil {
		s.logger(ctx, "order_item.refund.record_failed", map[string]any{
			"orderItemId":  item.ID,
			"refundId":     update.StripeRefundID,
			"refundFailed": update.RefundFailed,
			"error":        err.Error(),
		})
	}
}

// refundIdempotencyKey is stable across retries of one attempt, so a refund whose outcome was lost in
// transit is deduplicated by the processor instead of being issued twice.
func refundIdempotencyKey(item domain.OrderItem) string {
	return "refund_" + item.ID + "_" + strconv.Itoa(item.RefundAttempts)
}

func (s *orderLifecycleService) transferVendorShare(ctx context.Context, item domain.OrderItem, order domain.Order, p parties, amount int64, result *LifecycleResult) {
	if amount <= 0 || s.payments == nil {
		return
	}
	if !p.vendorLoaded || strings.TrimSpace(p.vendor.StripeConnectAccountID) == "" || !p.vendor.PayoutsEnabled {
		s.logger(ctx, "order_item.transfer.skipped", map[string]any{
			"orderItemId":     item.ID,
			"vendorProfileId": item.VendorProfileID,
			"amountCents":     amount,
		})
		return
	}

	receipt, err := s.payments.TransferToVendor(ctx, VendorTransferRequest{
		AmountCents:          amount,
		DestinationAccountID: p.vendor.StripeConnectAccountID,
		OrderID:              order.ID,
		OrderItemID:          item.ID,
		IdempotencyKey:       "transfer_" + item.ID,
	})
	if err != nil {
		result.TransferFailed = true
		s.logger(ctx, "order_item.transfer.failed", map[string]any{
			"orderItemId":     item.ID,
			"vendorProfileId": item.VendorProfileID,
			"amountCents":     amount,
			"error":           err.Error(),
		})
		return
	}
	result.TransferID = receipt.ID
}

func (s *orderLifecycleService) recordVendorCancellation(ctx context.Context, vendorProfileID string, order domain.Order, now time.Time) {
	counters, err := s.vendors.RecordVendorCancellation(ctx, vendorProfileID, now)
	if err != nil {
		s.logger(ctx, "vendor.reliability.update_failed", map[string]any{
			"vendorProfileId": vendorProfileID,
			"error":           err.Error(),
		})
		return
	}

	if !s.reliability.Breached(counters) {
		s.rearmWarning(ctx, counters)
		return
	}
	if counters.CancellationWarnedAt != nil {
		return
	}

	vendor, err := s.vendors.FindByID(ctx, vendorProfileID)
	if err != nil {
		s.logger(ctx, "vendor.reliability.lookup_failed", map[string]any{
			"vendorProfileId": vendorProfileID,
			"error":           err.Error(),
		})
		return
	}
	contact := s.contact(ctx, vendor.UserID)
	s.notify(ctx, order, contact, TemplateVendorCancelWarning, map[string]any{
		"businessName":        vendor.BusinessName,
		"confirmedOrders":     counters.ConfirmedOrders,
		"vendorCancellations": counters.VendorCancellations,
		"cancellationRate":    fmt.Sprintf("%.0f%%", counters.CancellationRate()*100),
	})
	if err := s.vendors.MarkCancellationWarned(ctx, vendorProfileID, &now); err != nil {
		s.logger(ctx, "vendor.reliability.mark_warned_failed", map[string]any{
			"vendorProfileId": vendorProfileID,
			"error":           err.Error(),
		})
	}
	s.metrics.VendorWarningSent()
}

// rearmWarning clears a previous warning stamp once the vendor is back under the threshold.
func (s *orderLifecycleService) rearmWarning(ctx context.Context, counters domain.VendorReliability) {
	if counters.CancellationWarnedAt == nil || s.reliability.Breached(counters) {
		return
	}
	if err := s.vendors.MarkCancellationWarned(ctx, counters.VendorProfileID, nil); err != nil {
		s.logger(ctx, "vendor.reliability.rearm_failed", map[string]any{
			"vendorProfileId": counters.VendorProfileID,
			"error":           err.Error(),
		})
	}
}

type parties struct {
	vendor        domain.VendorProfile
	vendorLoaded  bool
	vendorContact domain.UserContact
	buyer         domain.UserContact
}

// loadParties fetches the vendor profile and both contacts concurrently. Lookup failures are logged and
// leave the corresponding fields at their zero values.
func (s *orderLifecycleService) loadParties(ctx context.Context, item domain.OrderItem, order domain.Order) parties {
	var (
		result parties
		g      errgroup.Group
	)
	g.Go(func() error {
		vendor, err := s.vendors.FindByID(ctx, item.VendorProfileID)
		if err != nil {
			s.logger(ctx, "order_item.vendor.lookup_failed", map[string]any{
				"vendorProfileId": item.VendorProfileID,
				"error":           err.Error(),
			})
			return nil
		}
		result.vendor = vendor
		result.vendorLoaded = true
		result.vendorContact = s.contact(ctx, vendor.UserID)
		return nil
	})
	g.Go(func() error {
		result.buyer = s.contact(ctx, order.BuyerUserID)
		return nil
	})
	_ = g.Wait()
	return result
}

func (s *orderLifecycleService) contact(ctx context.Context, userID string) domain.UserContact {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UserContact{}
	}
	if s.users == nil {
		return domain.UserContact{UserID: userID}
	}
	contact, err := s.users.FindContact(ctx, userID)
	if err != nil {
		s.logger(ctx, "user.contact.lookup_failed", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
		return domain.UserContact{UserID: userID}
	}
	return contact
}

func (s *orderLifecycleService) notify(ctx context.Context, order domain.Order, to domain.UserContact, template string, data map[string]any) {
	if s.notifications == nil {
		return
	}
	if strings.TrimSpace(to.UserID) == "" && strings.TrimSpace(to.Email) == "" {
		s.logger(ctx, "notification.skipped", map[string]any{
			"template": template,
			"orderId":  order.ID,
		})
		return
	}
	notification := Notification{
		ID:       s.newID(),
		UserID:   to.UserID,
		Email:    to.Email,
		Template: template,
		Data:     data,
		Vertical: order.Vertical,
		SentAt:   s.now(),
	}
	if err := s.notifications.Send(ctx, notification); err != nil {
		s.logger(ctx, "notification.send_failed", map[string]any{
			"template": template,
			"userId":   to.UserID,
			"orderId":  order.ID,
			"error":    err.Error(),
		})
	}
}

func ensureCancellable(item domain.OrderItem) error {
	if item.CancelledAt != nil || item.Status == domain.OrderItemStatusCancelled || item.Status == domain.OrderItemStatusRefunded {
		return fmt.Errorf("%w: already cancelled", ErrLifecycleInvalidInput)
	}
	if !item.Status.IsCancellable() {
		return fmt.Errorf("%w: order item in status %s cannot be cancelled", ErrLifecycleInvalidInput, item.Status)
	}
	return nil
}

func (s *orderLifecycleService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLifecycleInvalidInput) || errors.Is(err, ErrLifecycleConflict) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrLifecycleNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrLifecycleConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrLifecycleUnavailable, err)
		}
	}
	return err
}

func (s *orderLifecycleService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderLifecycleService) now() time.Time {
	return s.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type noopLifecycleMetrics struct{}

func (noopLifecycleMetrics) CancellationRecorded(domain.CancelledBy, bool) {}
func (noopLifecycleMetrics) RefundFailed()                                 {}
func (noopLifecycleMetrics) VendorWarningSent()                            {}
