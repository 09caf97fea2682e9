package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/marketday/api/internal/di"
	"github.com/marketday/api/internal/handlers"
	"github.com/marketday/api/internal/payments"
	"github.com/marketday/api/internal/platform/auth"
	"github.com/marketday/api/internal/platform/config"
	pfirestore "github.com/marketday/api/internal/platform/firestore"
	"github.com/marketday/api/internal/platform/idempotency"
	"github.com/marketday/api/internal/platform/metrics"
	"github.com/marketday/api/internal/platform/observability"
	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/platform/secrets"
	"github.com/marketday/api/internal/repositories"
	pgrepo "github.com/marketday/api/internal/repositories/postgres"
	"github.com/marketday/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["MARKETDAY_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Database.URL", "Stripe.APIKey", "Stripe.WebhookSecret"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	recorder := metrics.New()

	pgProvider := pg.NewProvider(cfg.Database)
	if envFlag(envValues, "MARKETDAY_DATABASE_APPLY_SCHEMA") {
		pool, err := pgProvider.Pool(ctx)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		if err := pgrepo.ApplySchema(ctx, pool); err != nil {
			logger.Fatal("failed to apply schema", zap.Error(err))
		}
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Idempotency.Backend == config.IdempotencyBackendFirestore {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			if err := firestoreProvider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
	}

	idempotencyStore, storeClosers, redisClient, err := di.BuildIdempotencyStore(ctx, cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	notifications, notifyClosers, err := di.BuildNotifications(ctx, cfg, logger.Named("notify"))
	if err != nil {
		logger.Fatal("failed to initialise notification transports", zap.Error(err))
	}
	closers := append(storeClosers, notifyClosers...)

	healthRepo, err := repositories.NewDependencyHealthRepository(
		di.DependencyChecks(pgProvider, firestoreProvider, redisClient, fetcher),
	)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	registry, err := pgrepo.NewRegistry(ctx, pgProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:   cfg.Stripe.APIKey,
		Currency: cfg.Stripe.Currency,
		Logger:   observability.EventLogger(logger.Named("payments")),
		Clock:    time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Dependencies{
		Payments:      di.NewPaymentGateway(stripeProvider),
		Notifications: notifications,
		Availability:  recorder,
		Lifecycle:     recorder,
		Build:         buildInfo,
		Logger:        observability.EventLogger(logger.Named("services")),
		Clock:         time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := di.CloseAll(closeCtx, closers); err != nil {
			logger.Warn("transport close error", zap.Error(err))
		}
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("postgres close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authLogger := observability.EventLogger(logger.Named("auth"))
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithAuthLogger(authLogger))

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		janitor := idempotency.NewJanitor(idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize,
			observability.EventLogger(logger.Named("idempotency")))
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			janitor.Run(cleanupCtx)
		}()
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}
	if cfg.Metrics.Enabled {
		middlewares = append(middlewares, recorder.Middleware)
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, recorder.Handler()))
	}
	if svc := container.Services.Availability; svc != nil {
		opts = append(opts,
			handlers.WithListingRoutes(handlers.NewListingHandlers(svc).Routes),
			handlers.WithCartRoutes(handlers.NewCartHandlers(authenticator, svc).Routes),
		)
	}
	if svc := container.Services.Lifecycle; svc != nil {
		orderItemHandlers := handlers.NewOrderItemHandlers(authenticator, svc, handlers.WithOrderItemIdempotency(idempotencyMiddleware))
		opts = append(opts,
			handlers.WithOrderItemRoutes(orderItemHandlers.Routes),
			handlers.WithWebhookRoutes(handlers.NewStripeWebhookHandlers(cfg.Stripe.WebhookSecret, svc).Routes),
			handlers.WithInternalRoutes(handlers.NewInternalHandlers(svc).Routes),
		)
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg, recorder); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("marketday api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["MARKETDAY_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["MARKETDAY_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, recorder auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	eventLogger := observability.EventLogger(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(eventLogger))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(eventLogger), auth.WithOIDCMetrics(recorder))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(auth.OIDCPolicy{
		Audience: audience,
		Issuers:  cfg.Security.OIDC.Issuers,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("MARKETDAY_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("MARKETDAY_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("MARKETDAY_SECRETS_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
		secrets.WithFallbackFile(fallbackPath),
	}
	if pins := secretVersionPinsFromEnv(lookup("MARKETDAY_SECRETS_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("MARKETDAY_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// secretVersionPinsFromEnv parses "name=version,name=version".
func secretVersionPinsFromEnv(raw string) map[string]string {
	pins := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		name, version, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name, version = strings.TrimSpace(name), strings.TrimSpace(version)
		if name == "" || version == "" {
			continue
		}
		pins[name] = version
	}
	return pins
}

func envFlag(env map[string]string, key string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(env[key]))
	return err == nil && value
}
