package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marketday/api/internal/platform/config"
	pfirestore "github.com/marketday/api/internal/platform/firestore"
	"github.com/marketday/api/internal/platform/idempotency"
	"github.com/marketday/api/internal/platform/notify"
	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
	"github.com/marketday/api/internal/services"
)

const (
	idempotencyRedisPrefix = "marketday:idem:"
	secretHealthReference  = "secret://marketday-healthz"
)

// Closer releases a resource during shutdown.
type Closer func(context.Context) error

// CloseAll runs closers in reverse order and joins their errors.
func CloseAll(ctx context.Context, closers []Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildNotifications assembles every configured transport behind a fanout. With nothing configured the
// notifications are only logged.
func BuildNotifications(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.NotificationDispatcher, []Closer, error) {
	var (
		dispatchers []services.NotificationDispatcher
		closers     []Closer
	)

	if topicName := strings.TrimSpace(cfg.Notifications.PubSubTopic); topicName != "" {
		client, err := pubsub.NewClient(ctx, pubsubProject(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(topicName)
		dispatcher, err := notify.NewPubSubDispatcher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		dispatchers = append(dispatchers, dispatcher)
		closers = append(closers, func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
	}

	if len(cfg.Notifications.KafkaBrokers) > 0 && strings.TrimSpace(cfg.Notifications.KafkaTopic) != "" {
		dispatcher, err := notify.NewKafkaDispatcher(notify.NewKafkaWriter(cfg.Notifications.KafkaBrokers, cfg.Notifications.KafkaTopic))
		if err != nil {
			return nil, nil, errors.Join(err, CloseAll(ctx, closers))
		}
		dispatchers = append(dispatchers, dispatcher)
		closers = append(closers, func(context.Context) error { return dispatcher.Close() })
	}

	if smtp := cfg.Notifications.SMTP; strings.TrimSpace(smtp.Host) != "" {
		client, err := notify.NewSMTPClient(smtp)
		if err != nil {
			return nil, nil, errors.Join(err, CloseAll(ctx, closers))
		}
		dispatcher, err := notify.NewEmailDispatcher(client, smtp.From)
		if err != nil {
			return nil, nil, errors.Join(err, CloseAll(ctx, closers))
		}
		dispatchers = append(dispatchers, dispatcher)
	}

	if len(dispatchers) == 0 {
		return notify.NewLogDispatcher(logger), nil, nil
	}
	return notify.NewFanout(dispatchers...), closers, nil
}

// BuildIdempotencyStore returns the store selected by cfg.Idempotency.Backend.
func BuildIdempotencyStore(ctx context.Context, cfg config.Config, firestore *pfirestore.Provider) (idempotency.Store, []Closer, *redis.Client, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		client, err := idempotency.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		closers := []Closer{func(context.Context) error { return client.Close() }}
		return idempotency.NewRedisStore(client, idempotencyRedisPrefix), closers, client, nil
	case config.IdempotencyBackendFirestore:
		if firestore == nil {
			return nil, nil, nil, errors.New("idempotency: firestore provider is required")
		}
		return idempotency.NewFirestoreStore(firestore), nil, nil, nil
	case config.IdempotencyBackendMemory:
		return idempotency.NewMemoryStore(), nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("idempotency: unknown backend %q", cfg.Idempotency.Backend)
	}
}

// SecretChecker probes the secret backend.
type SecretChecker interface {
	Check(ctx context.Context, probeRef string) error
}

// DependencyChecks lists the readiness probes for the configured backends. Nil arguments are skipped.
func DependencyChecks(db *pg.Provider, firestore *pfirestore.Provider, redisClient *redis.Client, secrets SecretChecker) []repositories.DependencyCheck {
	var checks []repositories.DependencyCheck
	if db != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "postgres", Timeout: 1500 * time.Millisecond, Check: db.Ping})
	}
	if firestore != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: firestore.Ping})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Timeout: time.Second, Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	if secrets != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "secret_manager", Timeout: time.Second, Check: func(ctx context.Context) error {
			return secrets.Check(ctx, secretHealthReference)
		}})
	}
	return checks
}

func pubsubProject(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firebase.ProjectID)
}
