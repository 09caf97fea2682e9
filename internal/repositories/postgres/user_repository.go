package postgres

import (
	"context"

	domain "github.com/marketday/api/internal/domain"
	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
)

// UserRepository resolves contact snapshots.
type UserRepository struct {
	uow *pg.UnitOfWork
}

var _ repositories.UserRepository = (*UserRepository)(nil)

func NewUserRepository(uow *pg.UnitOfWork) *UserRepository {
	return &UserRepository{uow: uow}
}

func (r *UserRepository) FindContact(ctx context.Context, userID string) (domain.UserContact, error) {
	var contact domain.UserContact
	err := r.uow.Querier(ctx).QueryRow(ctx, `SELECT id, display_name, email FROM users WHERE id = $1`, userID).
		Scan(&contact.UserID, &contact.DisplayName, &contact.Email)
	if err != nil {
		return domain.UserContact{}, pg.WrapError("users.find_contact", err)
	}
	return contact, nil
}
