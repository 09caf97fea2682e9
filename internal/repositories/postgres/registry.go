package postgres

import (
	"context"
	_ "embed"
	"errors"

	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
)

//go:embed schema.sql
var schemaSQL string

// ApplySchema creates the tables used by the repositories when they do not exist yet.
func ApplySchema(ctx context.Context, db pg.Querier) error {
	_, err := db.Exec(ctx, schemaSQL)
	return pg.WrapError("postgres.schema", err)
}

// Registry wires every PostgreSQL repository around a shared pool.
type Registry struct {
	provider *pg.Provider
	uow      *pg.UnitOfWork
	health   repositories.HealthRepository

	markets   *MarketRepository
	items     *OrderItemRepository
	inventory *InventoryRepository
	vendors   *VendorRepository
	users     *UserRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry connects through provider and builds the repositories. health may be nil.
func NewRegistry(ctx context.Context, provider *pg.Provider, health repositories.HealthRepository, opts ...pg.TxOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry: provider is required")
	}
	pool, err := provider.Pool(ctx)
	if err != nil {
		return nil, err
	}
	uow := pg.NewUnitOfWork(pool, opts...)
	return &Registry{
		provider:  provider,
		uow:       uow,
		health:    health,
		markets:   NewMarketRepository(uow),
		items:     NewOrderItemRepository(uow),
		inventory: NewInventoryRepository(uow),
		vendors:   NewVendorRepository(uow),
		users:     NewUserRepository(uow),
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Markets() repositories.MarketRepository       { return r.markets }
func (r *Registry) OrderItems() repositories.OrderItemRepository { return r.items }
func (r *Registry) Inventory() repositories.InventoryRepository  { return r.inventory }
func (r *Registry) Vendors() repositories.VendorRepository       { return r.vendors }
func (r *Registry) Users() repositories.UserRepository           { return r.users }
func (r *Registry) Health() repositories.HealthRepository        { return r.health }

// RunInTx groups repository calls in one transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}
