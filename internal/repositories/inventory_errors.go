package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for listing stock operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates the listing holds less than the requested quantity.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorListingNotFound indicates no listing row matched.
	InventoryErrorListingNotFound InventoryErrorCode = "inventory_listing_not_found"
	// InventoryErrorInvalidQuantity indicates a non-positive quantity was supplied.
	InventoryErrorInvalidQuantity InventoryErrorCode = "inventory_invalid_quantity"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	ListingID string
	Message   string
	Err       error
}

func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.ListingID != "" {
		msg = fmt.Sprintf("%s (listing %s)", msg, e.ListingID)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the listing row was missing.
func (e *InventoryError) IsNotFound() bool {
	return e != nil && e.Code == InventoryErrorListingNotFound
}

// IsConflict reports whether stock was insufficient for the operation.
func (e *InventoryError) IsConflict() bool {
	return e != nil && e.Code == InventoryErrorInsufficientStock
}

// IsUnavailable is always false; connectivity failures surface through the datastore error type.
func (e *InventoryError) IsUnavailable() bool {
	return false
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(op string, code InventoryErrorCode, listingID string, err error) *InventoryError {
	return &InventoryError{
		Op:        op,
		Code:      code,
		ListingID: listingID,
		Message:   string(code),
		Err:       err,
	}
}
