package domain

// OrderItemStatus enumerates lifecycle states for order items.
type OrderItemStatus string

const (
	// OrderItemStatusPending is the initial state after checkout.
	OrderItemStatusPending OrderItemStatus = "pending"
	// OrderItemStatusPaid indicates payment was captured but the vendor has not acknowledged.
	OrderItemStatusPaid OrderItemStatus = "paid"
	// OrderItemStatusConfirmed indicates the vendor acknowledged and will fulfil the item.
	OrderItemStatusConfirmed OrderItemStatus = "confirmed"
	// OrderItemStatusReady indicates the item is prepared for pickup.
	OrderItemStatusReady OrderItemStatus = "ready"
	// OrderItemStatusFulfilled is terminal: the buyer received the item.
	OrderItemStatusFulfilled OrderItemStatus = "fulfilled"
	// OrderItemStatusCancelled is terminal apart from the refund confirmation.
	OrderItemStatusCancelled OrderItemStatus = "cancelled"
	// OrderItemStatusRefunded is terminal: the processor confirmed the refund.
	OrderItemStatusRefunded OrderItemStatus = "refunded"
)

// OrderStatus mirrors the aggregate state of an order's items.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

var orderItemTransitions = map[OrderItemStatus]map[OrderItemStatus]struct{}{
	OrderItemStatusPending: {
		OrderItemStatusPaid:      {},
		OrderItemStatusConfirmed: {},
		OrderItemStatusCancelled: {},
	},
	OrderItemStatusPaid: {
		OrderItemStatusConfirmed: {},
		OrderItemStatusCancelled: {},
	},
	OrderItemStatusConfirmed: {
		OrderItemStatusReady:     {},
		OrderItemStatusCancelled: {},
	},
	OrderItemStatusReady: {
		OrderItemStatusFulfilled: {},
		OrderItemStatusCancelled: {},
	},
	OrderItemStatusCancelled: {
		OrderItemStatusRefunded: {},
	},
}

// CanTransition reports whether an order item may move from one status to another.
func CanTransition(from, to OrderItemStatus) bool {
	next, ok := orderItemTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether no lifecycle action other than refund confirmation applies.
func (s OrderItemStatus) IsTerminal() bool {
	switch s {
	case OrderItemStatusFulfilled, OrderItemStatusCancelled, OrderItemStatusRefunded:
		return true
	default:
		return false
	}
}

// IsCancellable reports whether a buyer, vendor, or issue resolution may still cancel the item.
func (s OrderItemStatus) IsCancellable() bool {
	return CanTransition(s, OrderItemStatusCancelled)
}

// VendorHasConfirmed is the single predicate deciding whether the vendor acknowledged the item
// and may have started preparing it. Cancellation fees only apply past this point.
func VendorHasConfirmed(status OrderItemStatus) bool {
	switch status {
	case OrderItemStatusConfirmed, OrderItemStatusReady:
		return true
	default:
		return false
	}
}
