package postgres

import (
	"context"

	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
)

// InventoryRepository adjusts listing stock with single-statement updates.
type InventoryRepository struct {
	uow *pg.UnitOfWork
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

func NewInventoryRepository(uow *pg.UnitOfWork) *InventoryRepository {
	return &InventoryRepository{uow: uow}
}

func (r *InventoryRepository) Restore(ctx context.Context, listingID string, quantity int) error {
	const op = "inventory.restore"
	if quantity <= 0 {
		return repositories.NewInventoryError(op, repositories.InventoryErrorInvalidQuantity, listingID, nil)
	}
	tag, err := r.uow.Querier(ctx).Exec(ctx, `UPDATE listings SET quantity = quantity + $2 WHERE id = $1`, listingID, quantity)
	if err != nil {
		return pg.WrapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NewInventoryError(op, repositories.InventoryErrorListingNotFound, listingID, nil)
	}
	return nil
}

func (r *InventoryRepository) Decrement(ctx context.Context, listingID string, quantity int) error {
	const op = "inventory.decrement"
	if quantity <= 0 {
		return repositories.NewInventoryError(op, repositories.InventoryErrorInvalidQuantity, listingID, nil)
	}
	q := r.uow.Querier(ctx)
	tag, err := q.Exec(ctx, `UPDATE listings SET quantity = quantity - $2 WHERE id = $1 AND quantity >= $2`, listingID, quantity)
	if err != nil {
		return pg.WrapError(op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, listingID).Scan(&exists); err != nil {
		return pg.WrapError(op, err)
	}
	if !exists {
		return repositories.NewInventoryError(op, repositories.InventoryErrorListingNotFound, listingID, nil)
	}
	return repositories.NewInventoryError(op, repositories.InventoryErrorInsufficientStock, listingID, nil)
}
