package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"MARKETDAY_FIREBASE_PROJECT_ID": "md-dev",
		"MARKETDAY_DATABASE_URL":        "postgres://localhost:5432/marketday",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "md-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Database.MaxConns != defaultDBMaxConns {
		t.Errorf("unexpected default max conns: %d", cfg.Database.MaxConns)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendFirestore {
		t.Errorf("expected firestore idempotency backend, got %s", cfg.Idempotency.Backend)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Stripe.Currency != "usd" {
		t.Errorf("expected usd currency, got %s", cfg.Stripe.Currency)
	}
	if cfg.Policy.GracePeriod != time.Hour {
		t.Errorf("unexpected grace period: %s", cfg.Policy.GracePeriod)
	}
	if cfg.Policy.CancellationFeeRate != 0.25 || cfg.Policy.VendorFeeShare != 0.5 {
		t.Errorf("unexpected fee policy: %+v", cfg.Policy)
	}
	if cfg.Policy.TraditionalCutoffHours != 18 || cfg.Policy.PrivatePickupCutoffHours != 10 {
		t.Errorf("unexpected cutoffs: %+v", cfg.Policy)
	}
	if cfg.Policy.WarningMinConfirmed != 10 || cfg.Policy.WarningCancellationRate != 0.10 {
		t.Errorf("unexpected warning policy: %+v", cfg.Policy)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics config: %+v", cfg.Metrics)
	}
	if len(cfg.Notifications.KafkaBrokers) != 0 {
		t.Errorf("expected no kafka brokers, got %v", cfg.Notifications.KafkaBrokers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"MARKETDAY_SERVER_PORT":                        "9090",
		"MARKETDAY_SERVER_READ_TIMEOUT":                "20s",
		"MARKETDAY_FIREBASE_PROJECT_ID":                "md-prod",
		"MARKETDAY_DATABASE_URL":                       "secret://db/url",
		"MARKETDAY_DATABASE_MAX_CONNS":                 "25",
		"MARKETDAY_DATABASE_MIN_CONNS":                 "2",
		"MARKETDAY_IDEMPOTENCY_BACKEND":                "Redis",
		"MARKETDAY_REDIS_ADDR":                         "redis:6379",
		"MARKETDAY_REDIS_PASSWORD":                     "sm://redis/password",
		"MARKETDAY_REDIS_DB":                           "3",
		"MARKETDAY_STRIPE_API_KEY":                     "secret://stripe/api",
		"MARKETDAY_STRIPE_WEBHOOK_SECRET":              "secret://stripe/webhook",
		"MARKETDAY_NOTIFY_KAFKA_BROKERS":               "kafka-1:9092, kafka-2:9092",
		"MARKETDAY_NOTIFY_KAFKA_TOPIC":                 "notifications",
		"MARKETDAY_SMTP_HOST":                          "smtp.example.com",
		"MARKETDAY_SMTP_FROM":                          "noreply@example.com",
		"MARKETDAY_ESCALATION_EMAIL":                   "support@example.com",
		"MARKETDAY_POLICY_GRACE_PERIOD":                "30m",
		"MARKETDAY_POLICY_CANCELLATION_FEE_RATE":       "0.2",
		"MARKETDAY_POLICY_WARNING_CANCELLATION_RATE":   "0.15",
		"MARKETDAY_SECURITY_ENVIRONMENT":               "PROD",
		"MARKETDAY_SECURITY_OIDC_AUDIENCES":            "prod=https://api.example.com,dev=https://dev.example.com",
		"MARKETDAY_METRICS_ENABLED":                    "off",
		"MARKETDAY_POLICY_PRIVATE_PICKUP_CUTOFF_HOURS": "6",
	}
	secrets := map[string]string{
		"secret://db/url":         "postgres://prod/marketday",
		"secret://redis/password": "redis-pass",
		"secret://stripe/api":     "sk_live",
		"secret://stripe/webhook": "whsec_live",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Database.URL != "postgres://prod/marketday" || cfg.Database.MaxConns != 25 || cfg.Database.MinConns != 2 {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendRedis {
		t.Errorf("expected redis backend, got %s", cfg.Idempotency.Backend)
	}
	if cfg.Redis.Password != "redis-pass" || cfg.Redis.DB != 3 {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Stripe.APIKey != "sk_live" || cfg.Stripe.WebhookSecret != "whsec_live" {
		t.Errorf("unexpected stripe config: %+v", cfg.Stripe)
	}
	if !slices.Equal(cfg.Notifications.KafkaBrokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Errorf("unexpected kafka brokers: %v", cfg.Notifications.KafkaBrokers)
	}
	if cfg.Notifications.SMTP.Port != defaultSMTPPort {
		t.Errorf("unexpected smtp port: %d", cfg.Notifications.SMTP.Port)
	}
	if cfg.Policy.GracePeriod != 30*time.Minute || cfg.Policy.CancellationFeeRate != 0.2 || cfg.Policy.WarningCancellationRate != 0.15 {
		t.Errorf("unexpected policy: %+v", cfg.Policy)
	}
	if cfg.Policy.PrivatePickupCutoffHours != 6 {
		t.Errorf("unexpected private pickup cutoff: %v", cfg.Policy.PrivatePickupCutoffHours)
	}
	if cfg.Security.Environment != "prod" || cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("unexpected security config: %+v", cfg.Security)
	}
	if cfg.Metrics.Enabled {
		t.Errorf("expected metrics disabled")
	}
}

func TestLoadFallsBackToDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "MARKETDAY_FIREBASE_PROJECT_ID=md-file\nMARKETDAY_DATABASE_URL=\"postgres://file/marketday\"\n# comment\nMARKETDAY_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{
		"MARKETDAY_SERVER_PORT": "6060",
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "md-file" || cfg.Database.URL != "postgres://file/marketday" {
		t.Errorf("expected dotenv values, got %+v %+v", cfg.Firebase, cfg.Database)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected explicit map to override dotenv, got %s", cfg.Server.Port)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(context.Background(), WithEnvFile(filepath.Join(t.TempDir(), "missing.env")), WithoutSystemEnv(), WithEnvMap(baseEnv()))
	if err != nil {
		t.Fatalf("expected missing dotenv file to be ignored, got %v", err)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := vErr.Fields()
	for _, want := range []string{"Database.URL", "Firebase.ProjectID", "Firestore.ProjectID"} {
		if !slices.Contains(fields, want) {
			t.Errorf("expected %s in %v", want, fields)
		}
	}
}

func TestLoadValidatesBackendSpecificFields(t *testing.T) {
	tests := []struct {
		name    string
		extra   map[string]string
		invalid string
	}{
		{name: "redis without addr", extra: map[string]string{"MARKETDAY_IDEMPOTENCY_BACKEND": "redis"}, invalid: "Redis.Addr"},
		{name: "unknown backend", extra: map[string]string{"MARKETDAY_IDEMPOTENCY_BACKEND": "dynamo"}, invalid: "Idempotency.Backend"},
		{name: "kafka without topic", extra: map[string]string{"MARKETDAY_NOTIFY_KAFKA_BROKERS": "k:9092"}, invalid: "Notifications.KafkaTopic"},
		{name: "smtp without from", extra: map[string]string{"MARKETDAY_SMTP_HOST": "smtp"}, invalid: "Notifications.SMTP.From"},
		{name: "fee rate out of range", extra: map[string]string{"MARKETDAY_POLICY_CANCELLATION_FEE_RATE": "1.5"}, invalid: "Policy.CancellationFeeRate"},
		{name: "min conns above max", extra: map[string]string{"MARKETDAY_DATABASE_MIN_CONNS": "50"}, invalid: "Database.MaxConns"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := baseEnv()
			for k, v := range tc.extra {
				env[k] = v
			}
			_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !slices.Contains(vErr.Fields(), tc.invalid) {
				t.Fatalf("expected %s in %v", tc.invalid, vErr.Fields())
			}
		})
	}
}

func TestLoadMemoryBackendSkipsFirestoreProject(t *testing.T) {
	env := map[string]string{
		"MARKETDAY_FIREBASE_PROJECT_ID":  "md-dev",
		"MARKETDAY_DATABASE_URL":         "postgres://localhost/marketday",
		"MARKETDAY_IDEMPOTENCY_BACKEND":  "memory",
		"MARKETDAY_FIRESTORE_PROJECT_ID": "",
	}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendMemory {
		t.Fatalf("expected memory backend, got %s", cfg.Idempotency.Backend)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["MARKETDAY_STRIPE_API_KEY"] = "secret://stripe/api"

	resolver := SecretResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("permission denied")
	})
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if sErr.Ref != "secret://stripe/api" {
		t.Fatalf("unexpected ref %s", sErr.Ref)
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	env := baseEnv()
	env["MARKETDAY_STRIPE_WEBHOOK_SECRET"] = "sm://stripe/webhook"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if sErr.Ref != "secret://stripe/webhook" {
		t.Fatalf("expected legacy scheme to be normalised, got %s", sErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected resolver not configured, got %v", err)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("A=file\nB=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"B": "map"}))
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["A"] != "file" || values["B"] != "map" {
		t.Fatalf("unexpected values %v", values)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Stripe.APIKey", "Stripe.WebhookSecret", "Stripe.APIKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	if names := missing.Names(); !slices.Equal(names, []string{"Stripe.APIKey", "Stripe.WebhookSecret"}) {
		t.Fatalf("unexpected names %v", names)
	}
	for _, redacted := range missing.RedactedNames() {
		if redacted == "Stripe.APIKey" || len(redacted) != 16 {
			t.Fatalf("expected hashed name, got %s", redacted)
		}
	}
}

func TestLoadPanicsOnMissingSecrets(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}
		if _, ok := r.(*MissingSecretsError); !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", r)
		}
	}()
	_, _ = Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Stripe.APIKey"), WithPanicOnMissingSecrets())
}
