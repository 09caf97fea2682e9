package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/marketday/api/internal/domain"
	"github.com/marketday/api/internal/platform/config"
	"github.com/marketday/api/internal/repositories"
	"github.com/marketday/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Availability services.AvailabilityService
	Lifecycle    services.OrderLifecycleService
	System       services.SystemService
}

// Dependencies carries the external collaborators the services need. Nil metrics fall back to no-ops;
// a nil Payments gateway or Notifications dispatcher disables the lifecycle service.
type Dependencies struct {
	Payments      services.PaymentGateway
	Notifications services.NotificationDispatcher
	Availability  services.AvailabilityMetrics
	Lifecycle     services.LifecycleMetrics
	Build         services.BuildInfo
	Logger        func(ctx context.Context, event string, fields map[string]any)
	Clock         func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository resources such as the connection pool.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	if marketRepo := reg.Markets(); marketRepo != nil {
		availabilitySvc, err := services.NewAvailabilityService(services.AvailabilityServiceDeps{
			Markets: marketRepo,
			Policy: services.CutoffPolicy{
				TraditionalHours:   cfg.Policy.TraditionalCutoffHours,
				PrivatePickupHours: cfg.Policy.PrivatePickupCutoffHours,
			},
			Clock:   clock,
			Metrics: deps.Availability,
			Logger:  deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build availability service: %w", err)
		}
		svc.Availability = availabilitySvc
	}

	if itemsRepo := reg.OrderItems(); itemsRepo != nil && deps.Payments != nil && deps.Notifications != nil {
		lifecycleSvc, err := services.NewOrderLifecycleService(services.OrderLifecycleServiceDeps{
			OrderItems:    itemsRepo,
			Inventory:     reg.Inventory(),
			Vendors:       reg.Vendors(),
			Users:         reg.Users(),
			UnitOfWork:    reg,
			Payments:      deps.Payments,
			Notifications: deps.Notifications,
			Metrics:       deps.Lifecycle,
			Policy: services.CancellationPolicy{
				GracePeriod:    cfg.Policy.GracePeriod,
				FeeRate:        cfg.Policy.CancellationFeeRate,
				VendorFeeShare: cfg.Policy.VendorFeeShare,
			},
			Reliability: services.ReliabilityPolicy{
				MinConfirmedOrders: cfg.Policy.WarningMinConfirmed,
				WarningRate:        cfg.Policy.WarningCancellationRate,
			},
			Escalation: escalationContact(cfg.Notifications.EscalationEmail),
			Clock:      clock,
			Logger:     deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order lifecycle service: %w", err)
		}
		svc.Lifecycle = lifecycleSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            deps.Build,
			CacheTTL:         cfg.Server.HealthCacheTTL,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

func escalationContact(email string) domain.UserContact {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.UserContact{}
	}
	return domain.UserContact{UserID: "platform-admin", DisplayName: "Marketplace Support", Email: email}
}
