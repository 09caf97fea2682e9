package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/marketday/api/internal/domain"
	"github.com/marketday/api/internal/platform/config"
	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
)

const testDatabaseEnv = "MARKETDAY_TEST_DATABASE_URL"

type seeded struct {
	registry  *Registry
	uow       *pg.UnitOfWork
	listingID string
	vendorID  string
	buyerID   string
	orderID   string
	itemIDs   []string
}

func newIntegrationRegistry(t *testing.T) seeded {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(testDatabaseEnv))
	if dsn == "" {
		t.Skipf("%s not set; skipping postgres integration test", testDatabaseEnv)
	}
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin := pg.NewProvider(config.DatabaseConfig{URL: dsn, MaxConns: 2})
	pool, err := admin.Pool(ctx)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	provider := pg.NewProvider(config.DatabaseConfig{URL: dsn, MaxConns: 4}, pg.WithPoolConfig(func(cfg *pgxpool.Config) {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}))
	registry, err := NewRegistry(ctx, provider, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	scoped, err := provider.Pool(ctx)
	require.NoError(t, err)
	require.NoError(t, ApplySchema(ctx, scoped))

	s := seeded{
		registry:  registry,
		uow:       registry.uow,
		listingID: uuid.NewString(),
		vendorID:  uuid.NewString(),
		buyerID:   uuid.NewString(),
		orderID:   uuid.NewString(),
		itemIDs:   []string{uuid.NewString(), uuid.NewString()},
	}
	vendorUser := uuid.NewString()
	marketID := uuid.NewString()
	created := time.Date(2025, 6, 6, 12, 0, 0, 0, time.UTC)

	statements := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO users (id, display_name, email) VALUES ($1, 'Bea Buyer', 'bea@example.com'), ($2, 'Val Vendor', 'val@example.com')`, []any{s.buyerID, vendorUser}},
		{`INSERT INTO vendor_profiles (id, user_id, business_name, stripe_connect_account_id, payouts_enabled) VALUES ($1, $2, 'Val Farms', 'acct_1', TRUE)`, []any{s.vendorID, vendorUser}},
		{`INSERT INTO markets (id, name, market_type, timezone, cutoff_hours) VALUES ($1, 'Saturday Market', 'traditional', 'America/Chicago', 12)`, []any{marketID}},
		{`INSERT INTO market_schedules (id, market_id, day_of_week, start_time, end_time) VALUES ($1, $2, 6, '08:00', '13:00')`, []any{uuid.NewString(), marketID}},
		{`INSERT INTO listings (id, vendor_profile_id, title, quantity) VALUES ($1, $2, 'Eggs', 5)`, []any{s.listingID, s.vendorID}},
		{`INSERT INTO listing_markets (listing_id, market_id) VALUES ($1, $2)`, []any{s.listingID, marketID}},
		{`INSERT INTO orders (id, order_number, buyer_user_id, status, payment_method, stripe_payment_intent_id, subtotal_cents, buyer_fee_cents, total_cents, created_at)
		  VALUES ($1, 'MD-1', $2, 'paid', 'stripe', 'pi_it', 4000, 260, 4260, $3)`, []any{s.orderID, s.buyerID, created}},
		{`INSERT INTO order_items (id, order_id, listing_id, listing_title, vendor_profile_id, market_id, quantity, unit_price_cents, subtotal_cents, status, created_at)
		  VALUES ($1, $3, $4, 'Eggs', $5, $6, 2, 1000, 2000, 'paid', $7), ($2, $3, $4, 'Eggs', $5, $6, 2, 1000, 2000, 'paid', $7)`,
			[]any{s.itemIDs[0], s.itemIDs[1], s.orderID, s.listingID, s.vendorID, marketID, created}},
	}
	for _, stmt := range statements {
		_, err := scoped.Exec(ctx, stmt.sql, stmt.args...)
		require.NoError(t, err, stmt.sql)
	}
	return s
}

func TestIntegrationListForListing(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()

	markets, err := s.registry.Markets().ListForListing(ctx, s.listingID)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, domain.MarketTypeTraditional, markets[0].Type)
	require.NotNil(t, markets[0].CutoffHours)
	assert.Equal(t, 12.0, *markets[0].CutoffHours)
	require.Len(t, markets[0].Schedules, 1)
	assert.Equal(t, time.Saturday, markets[0].Schedules[0].DayOfWeek)

	_, err = s.registry.Markets().ListForListing(ctx, uuid.NewString())
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestIntegrationFindOwnership(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()
	items := s.registry.OrderItems()

	loaded, err := items.Find(ctx, s.itemIDs[0], repositories.OrderItemFilter{BuyerUserID: s.buyerID})
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.TotalItemsInOrder)
	assert.Equal(t, domain.PaymentMethodStripe, loaded.Order.PaymentMethod)
	assert.Equal(t, domain.OrderItemStatusPaid, loaded.Item.Status)

	_, err = items.Find(ctx, s.itemIDs[0], repositories.OrderItemFilter{BuyerUserID: uuid.NewString()})
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())

	_, err = items.Find(ctx, s.itemIDs[0], repositories.OrderItemFilter{VendorProfileID: s.vendorID})
	require.NoError(t, err)
}

func TestIntegrationCancelIfActiveIsConditional(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()
	items := s.registry.OrderItems()
	at := time.Date(2025, 6, 6, 13, 0, 0, 0, time.UTC)

	params := repositories.CancelItemParams{
		OrderItemID:       s.itemIDs[0],
		CancelledAt:       at,
		CancelledBy:       domain.CancelledByBuyer,
		Reason:            "changed plans",
		RefundAmountCents: 2130,
		ExpectedStatus:    domain.OrderItemStatusPaid,
	}
	var first, second bool
	err := s.registry.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		first, err = items.CancelIfActive(txCtx, params)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)

	second, err = items.CancelIfActive(ctx, params)
	require.NoError(t, err)
	assert.False(t, second, "second cancellation must lose")

	active, err := items.CountActiveItems(ctx, s.orderID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	loaded, err := items.Find(ctx, s.itemIDs[0], repositories.OrderItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderItemStatusCancelled, loaded.Item.Status)
	assert.Equal(t, domain.CancelledByBuyer, loaded.Item.CancelledBy)
	assert.EqualValues(t, 2130, loaded.Item.RefundAmountCents)
}

func TestIntegrationIssueGuard(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()
	items := s.registry.OrderItems()
	none := domain.IssueStatus("")
	reportedAt := time.Date(2025, 6, 7, 9, 0, 0, 0, time.UTC)

	ok, err := items.UpdateIssue(ctx, repositories.IssueUpdate{
		OrderItemID:    s.itemIDs[0],
		Status:         domain.IssueStatusNew,
		ExpectedStatus: &none,
		Description:    "never received",
		ReportedAt:     &reportedAt,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = items.UpdateIssue(ctx, repositories.IssueUpdate{
		OrderItemID:    s.itemIDs[0],
		Status:         domain.IssueStatusNew,
		ExpectedStatus: &none,
		Description:    "again",
	})
	require.NoError(t, err)
	assert.False(t, ok, "second report must be rejected")

	open := domain.IssueStatusNew
	resolved := domain.IssueStatusResolved
	cancelled, err := items.CancelIfActive(ctx, repositories.CancelItemParams{
		OrderItemID:        s.itemIDs[0],
		CancelledAt:        reportedAt,
		CancelledBy:        domain.CancelledByVendor,
		ExpectedStatus:     domain.OrderItemStatusPaid,
		IssueStatus:        &resolved,
		IssueResolution:    "issue_refund",
		IssueResolvedAt:    &reportedAt,
		ExpectedIssueState: &open,
	})
	require.NoError(t, err)
	assert.True(t, cancelled)

	loaded, err := items.Find(ctx, s.itemIDs[0], repositories.OrderItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueStatusResolved, loaded.Item.IssueStatus)
	assert.Equal(t, "never received", loaded.Item.IssueDescription)
}

func TestIntegrationRefundLifecycle(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()
	items := s.registry.OrderItems()
	at := time.Date(2025, 6, 6, 13, 0, 0, 0, time.UTC)

	for i, id := range s.itemIDs {
		ok, err := items.CancelIfActive(ctx, repositories.CancelItemParams{
			OrderItemID:       id,
			CancelledAt:       at,
			CancelledBy:       domain.CancelledByBuyer,
			RefundAmountCents: 2130,
			ExpectedStatus:    domain.OrderItemStatusPaid,
		})
		require.NoError(t, err)
		require.True(t, ok)
		update := repositories.RefundUpdate{OrderItemID: id, UpdatedAt: at}
		if i == 0 {
			update.StripeRefundID = "re_1"
		} else {
			update.RefundFailed = true
		}
		require.NoError(t, items.RecordRefund(ctx, update))
	}
	require.NoError(t, items.MarkOrderCancelled(ctx, s.orderID, at))

	claim := repositories.RefundClaim{Limit: 10, Now: at, LeaseUntil: at.Add(15 * time.Minute)}
	failures, err := items.ClaimRefundFailures(ctx, claim)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, s.itemIDs[1], failures[0].Item.ID)
	assert.Equal(t, domain.OrderStatusCancelled, failures[0].Order.Status)
	assert.Equal(t, 0, failures[0].Item.RefundAttempts)

	again, err := items.ClaimRefundFailures(ctx, claim)
	require.NoError(t, err)
	assert.Empty(t, again, "leased items must not be claimed twice")

	require.NoError(t, items.RecordRefund(ctx, repositories.RefundUpdate{
		OrderItemID: s.itemIDs[1], RefundFailed: true, AdvanceAttempt: true, UpdatedAt: at,
	}))
	released, err := items.ClaimRefundFailures(ctx, claim)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, 1, released[0].Item.RefundAttempts)

	expired := repositories.RefundClaim{Limit: 10, Now: claim.LeaseUntil.Add(time.Second), LeaseUntil: claim.LeaseUntil.Add(time.Hour)}
	reclaimed, err := items.ClaimRefundFailures(ctx, expired)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1, "an expired lease is claimable again")
	require.NoError(t, items.RecordRefund(ctx, repositories.RefundUpdate{OrderItemID: s.itemIDs[1], StripeRefundID: "re_2", UpdatedAt: at}))

	count, err := items.MarkRefundedByPaymentIntent(ctx, "pi_it", at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIntegrationAdvanceStatusGuard(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()
	items := s.registry.OrderItems()
	at := time.Date(2025, 6, 6, 14, 0, 0, 0, time.UTC)

	ok, err := items.UpdateStatus(ctx, repositories.StatusUpdate{
		OrderItemID:       s.itemIDs[0],
		From:              domain.OrderItemStatusPaid,
		To:                domain.OrderItemStatusConfirmed,
		VendorConfirmedAt: &at,
		UpdatedAt:         at,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = items.UpdateStatus(ctx, repositories.StatusUpdate{
		OrderItemID: s.itemIDs[0],
		From:        domain.OrderItemStatusPaid,
		To:          domain.OrderItemStatusConfirmed,
		UpdatedAt:   at,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntegrationInventory(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()
	inv := s.registry.Inventory()

	require.NoError(t, inv.Decrement(ctx, s.listingID, 5))
	err := inv.Decrement(ctx, s.listingID, 1)
	var invErr *repositories.InventoryError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, repositories.InventoryErrorInsufficientStock, invErr.Code)

	require.NoError(t, inv.Restore(ctx, s.listingID, 2))
	require.NoError(t, inv.Decrement(ctx, s.listingID, 2))

	err = inv.Restore(ctx, uuid.NewString(), 1)
	require.ErrorAs(t, err, &invErr)
	assert.True(t, invErr.IsNotFound())
}

func TestIntegrationVendorReliability(t *testing.T) {
	s := newIntegrationRegistry(t)
	ctx := context.Background()
	vendors := s.registry.Vendors()
	at := time.Date(2025, 6, 6, 14, 0, 0, 0, time.UTC)

	profile, err := vendors.FindByID(ctx, s.vendorID)
	require.NoError(t, err)
	assert.True(t, profile.PayoutsEnabled)
	assert.Equal(t, "acct_1", profile.StripeConnectAccountID)

	rel, err := vendors.IncrementConfirmed(ctx, s.vendorID, at)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.ConfirmedOrders)

	rel, err = vendors.RecordVendorCancellation(ctx, s.vendorID, at)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.VendorCancellations)
	assert.Nil(t, rel.CancellationWarnedAt)

	require.NoError(t, vendors.MarkCancellationWarned(ctx, s.vendorID, &at))
	rel, err = vendors.IncrementConfirmed(ctx, s.vendorID, at)
	require.NoError(t, err)
	require.NotNil(t, rel.CancellationWarnedAt)
	assert.True(t, rel.CancellationWarnedAt.Equal(at))

	require.NoError(t, vendors.MarkCancellationWarned(ctx, s.vendorID, nil))

	contact, err := s.registry.Users().FindContact(ctx, s.buyerID)
	require.NoError(t, err)
	assert.Equal(t, "bea@example.com", contact.Email)
}
