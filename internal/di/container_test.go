package di

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/marketday/api/internal/domain"
	"github.com/marketday/api/internal/payments"
	"github.com/marketday/api/internal/platform/config"
	"github.com/marketday/api/internal/repositories"
	"github.com/marketday/api/internal/services"
)

type stubRegistry struct {
	health repositories.HealthRepository
	closed bool
}

func (s *stubRegistry) Close(context.Context) error                  { s.closed = true; return nil }
func (s *stubRegistry) Markets() repositories.MarketRepository       { return nil }
func (s *stubRegistry) OrderItems() repositories.OrderItemRepository { return nil }
func (s *stubRegistry) Inventory() repositories.InventoryRepository  { return nil }
func (s *stubRegistry) Vendors() repositories.VendorRepository       { return nil }
func (s *stubRegistry) Users() repositories.UserRepository           { return nil }
func (s *stubRegistry) Health() repositories.HealthRepository        { return s.health }
func (s *stubRegistry) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type stubHealth struct{}

func (stubHealth) Collect(context.Context) (domain.SystemHealthReport, error) {
	return domain.SystemHealthReport{Status: "ok"}, nil
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, nil, Dependencies{}); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}

func TestNewContainerSkipsServicesWithoutRepositories(t *testing.T) {
	reg := &stubRegistry{health: stubHealth{}}
	container, err := NewContainer(context.Background(), config.Config{}, reg, Dependencies{
		Build: services.BuildInfo{Version: "test"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if container.Services.System == nil {
		t.Fatalf("expected system service to be built")
	}
	if container.Services.Availability != nil || container.Services.Lifecycle != nil {
		t.Fatalf("expected domain services to be skipped without repositories")
	}
	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !reg.closed {
		t.Fatalf("expected registry to be closed")
	}
}

func TestEscalationContact(t *testing.T) {
	if contact := escalationContact("  "); contact != (domain.UserContact{}) {
		t.Fatalf("expected empty contact, got %+v", contact)
	}
	contact := escalationContact(" ops@example.com ")
	if contact.Email != "ops@example.com" || contact.UserID == "" {
		t.Fatalf("unexpected contact %+v", contact)
	}
}

type stubProvider struct {
	refund   payments.RefundRequest
	transfer payments.TransferRequest
	err      error
}

func (s *stubProvider) CreateRefund(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
	s.refund = req
	if s.err != nil {
		return payments.Refund{}, s.err
	}
	return payments.Refund{ID: "re_1", Status: payments.RefundStatusPending, CreatedAt: time.Now()}, nil
}

func (s *stubProvider) TransferToVendor(_ context.Context, req payments.TransferRequest) (payments.Transfer, error) {
	s.transfer = req
	return payments.Transfer{ID: "tr_1"}, nil
}

func TestPaymentGatewayMapsRefund(t *testing.T) {
	provider := &stubProvider{}
	gateway := NewPaymentGateway(provider)

	receipt, err := gateway.CreateRefund(context.Background(), services.RefundRequest{
		PaymentIntentID: "pi_1",
		AmountCents:     900,
		OrderID:         "ord_1",
		OrderItemID:     "item_1",
		Reason:          "requested_by_customer",
		IdempotencyKey:  "refund_item_1_x",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.ID != "re_1" || receipt.Status != "pending" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	got := provider.refund
	if got.PaymentIntentID != "pi_1" || got.AmountCents != 900 || got.IdempotencyKey != "refund_item_1_x" {
		t.Fatalf("unexpected refund request %+v", got)
	}
	if got.Metadata["order_id"] != "ord_1" || got.Metadata["order_item_id"] != "item_1" {
		t.Fatalf("unexpected metadata %+v", got.Metadata)
	}
}

func TestPaymentGatewayPropagatesErrors(t *testing.T) {
	provider := &stubProvider{err: payments.ErrProcessorUnavailable}
	gateway := NewPaymentGateway(provider)

	_, err := gateway.CreateRefund(context.Background(), services.RefundRequest{PaymentIntentID: "pi_1", AmountCents: 1})
	if !errors.Is(err, payments.ErrProcessorUnavailable) {
		t.Fatalf("expected processor error, got %v", err)
	}
}

func TestPaymentGatewayMarksDeclinedRefunds(t *testing.T) {
	provider := &stubProvider{err: fmt.Errorf("%w: stripe refund: charge disputed", payments.ErrProcessorRejected)}
	gateway := NewPaymentGateway(provider)

	_, err := gateway.CreateRefund(context.Background(), services.RefundRequest{PaymentIntentID: "pi_1", AmountCents: 1})
	if !errors.Is(err, services.ErrRefundDeclined) || !errors.Is(err, payments.ErrProcessorRejected) {
		t.Fatalf("expected declined refund, got %v", err)
	}

	provider.err = payments.ErrProcessorUnavailable
	_, err = gateway.CreateRefund(context.Background(), services.RefundRequest{PaymentIntentID: "pi_1", AmountCents: 1})
	if errors.Is(err, services.ErrRefundDeclined) {
		t.Fatalf("unavailable processor must not count as a decline: %v", err)
	}
}

func TestPaymentGatewayGroupsTransfersByOrder(t *testing.T) {
	provider := &stubProvider{}
	gateway := NewPaymentGateway(provider)

	receipt, err := gateway.TransferToVendor(context.Background(), services.VendorTransferRequest{
		AmountCents:          150,
		DestinationAccountID: "acct_1",
		OrderID:              "ord_1",
		OrderItemID:          "item_1",
		IdempotencyKey:       "transfer_item_1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.ID != "tr_1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if provider.transfer.TransferGroup != "ord_1" || provider.transfer.DestinationAccountID != "acct_1" {
		t.Fatalf("unexpected transfer request %+v", provider.transfer)
	}
}

func TestBuildIdempotencyStoreMemory(t *testing.T) {
	cfg := config.Config{Idempotency: config.IdempotencyConfig{Backend: config.IdempotencyBackendMemory}}
	store, closers, client, err := BuildIdempotencyStore(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil || len(closers) != 0 || client != nil {
		t.Fatalf("unexpected memory store wiring")
	}
}

func TestBuildIdempotencyStoreRejectsUnknownBackend(t *testing.T) {
	cfg := config.Config{Idempotency: config.IdempotencyConfig{Backend: "etcd"}}
	if _, _, _, err := BuildIdempotencyStore(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	cfg.Idempotency.Backend = config.IdempotencyBackendFirestore
	if _, _, _, err := BuildIdempotencyStore(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error without firestore provider")
	}
}

func TestBuildNotificationsFallsBackToLog(t *testing.T) {
	dispatcher, closers, err := BuildNotifications(context.Background(), config.Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dispatcher == nil || len(closers) != 0 {
		t.Fatalf("expected log dispatcher without closers")
	}
}

type stubSecretChecker struct{ probed string }

func (s *stubSecretChecker) Check(_ context.Context, ref string) error {
	s.probed = ref
	return nil
}

func TestDependencyChecksSkipsMissingBackends(t *testing.T) {
	checker := &stubSecretChecker{}
	checks := DependencyChecks(nil, nil, nil, checker)
	if len(checks) != 1 || checks[0].Name != "secret_manager" {
		t.Fatalf("unexpected checks %+v", checks)
	}
	if err := checks[0].Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checker.probed != secretHealthReference {
		t.Fatalf("expected probe of %q, got %q", secretHealthReference, checker.probed)
	}
}

func TestCloseAllJoinsErrors(t *testing.T) {
	var order []int
	boom := errors.New("boom")
	err := CloseAll(context.Background(), []Closer{
		func(context.Context) error { order = append(order, 1); return nil },
		func(context.Context) error { order = append(order, 2); return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(order) != 2 || order[0] != 2 {
		t.Fatalf("expected reverse close order, got %v", order)
	}
}
