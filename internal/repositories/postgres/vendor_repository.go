package postgres

import (
	"context"
	"time"

	domain "github.com/marketday/api/internal/domain"
	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
)

const reliabilityColumns = `id, confirmed_orders, vendor_cancellations, cancellation_warned_at, COALESCE(reliability_updated_at, 'epoch'::timestamptz)`

// VendorRepository reads vendor profiles and keeps the reliability counters on the same row.
type VendorRepository struct {
	uow *pg.UnitOfWork
}

var _ repositories.VendorRepository = (*VendorRepository)(nil)

func NewVendorRepository(uow *pg.UnitOfWork) *VendorRepository {
	return &VendorRepository{uow: uow}
}

func (r *VendorRepository) FindByID(ctx context.Context, vendorProfileID string) (domain.VendorProfile, error) {
	var profile domain.VendorProfile
	err := r.uow.Querier(ctx).QueryRow(ctx, `
SELECT id, user_id, business_name, stripe_connect_account_id, payouts_enabled
FROM vendor_profiles WHERE id = $1`, vendorProfileID).Scan(
		&profile.ID, &profile.UserID, &profile.BusinessName, &profile.StripeConnectAccountID, &profile.PayoutsEnabled)
	if err != nil {
		return domain.VendorProfile{}, pg.WrapError("vendors.find", err)
	}
	return profile, nil
}

func (r *VendorRepository) IncrementConfirmed(ctx context.Context, vendorProfileID string, at time.Time) (domain.VendorReliability, error) {
	return r.updateReliability(ctx, "vendors.increment_confirmed", `
UPDATE vendor_profiles
SET confirmed_orders = confirmed_orders + 1, reliability_updated_at = $2
WHERE id = $1
RETURNING `+reliabilityColumns, vendorProfileID, at)
}

func (r *VendorRepository) RecordVendorCancellation(ctx context.Context, vendorProfileID string, at time.Time) (domain.VendorReliability, error) {
	return r.updateReliability(ctx, "vendors.record_cancellation", `
UPDATE vendor_profiles
SET vendor_cancellations = vendor_cancellations + 1, reliability_updated_at = $2
WHERE id = $1
RETURNING `+reliabilityColumns, vendorProfileID, at)
}

func (r *VendorRepository) MarkCancellationWarned(ctx context.Context, vendorProfileID string, at *time.Time) error {
	tag, err := r.uow.Querier(ctx).Exec(ctx, `UPDATE vendor_profiles SET cancellation_warned_at = $2 WHERE id = $1`, vendorProfileID, at)
	if err != nil {
		return pg.WrapError("vendors.mark_warned", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.NotFound("vendors.mark_warned", "vendor %s not found", vendorProfileID)
	}
	return nil
}

func (r *VendorRepository) updateReliability(ctx context.Context, op, sql, vendorProfileID string, at time.Time) (domain.VendorReliability, error) {
	var rel domain.VendorReliability
	err := r.uow.Querier(ctx).QueryRow(ctx, sql, vendorProfileID, at.UTC()).Scan(
		&rel.VendorProfileID, &rel.ConfirmedOrders, &rel.VendorCancellations, &rel.CancellationWarnedAt, &rel.UpdatedAt)
	if err != nil {
		return domain.VendorReliability{}, pg.WrapError(op, err)
	}
	return rel, nil
}
