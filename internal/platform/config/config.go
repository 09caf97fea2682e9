package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envPrefix = "MARKETDAY_"

	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultDBMaxConns           = 10
	defaultDBConnMaxLifetime    = 30 * time.Minute
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultIdempotencyBackend   = IdempotencyBackendFirestore
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultStripeCurrency       = "usd"
	defaultSMTPPort             = 587
	defaultGracePeriod          = time.Hour
	defaultFeeRate              = 0.25
	defaultVendorFeeShare       = 0.5
	defaultTraditionalCutoff    = 18
	defaultPrivatePickupCutoff  = 10
	defaultWarningMinConfirmed  = 10
	defaultWarningRate          = 0.10
	defaultMetricsPath          = "/metrics"
	defaultHealthCacheTTL       = 5 * time.Second
)

// Idempotency store backends.
const (
	IdempotencyBackendFirestore = "firestore"
	IdempotencyBackendRedis     = "redis"
	IdempotencyBackendMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Idempotency   IdempotencyConfig
	Redis         RedisConfig
	Stripe        StripeConfig
	Notifications NotificationConfig
	Policy        PolicyConfig
	Security      SecurityConfig
	Metrics       MetricsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	HealthCacheTTL time.Duration
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores the project backing idempotency records.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig locates the Redis instance used when Idempotency.Backend is redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StripeConfig holds payment processor credentials.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Currency      string
}

// NotificationConfig selects the notification transports. Every configured transport receives each message.
type NotificationConfig struct {
	PubSubTopic     string
	KafkaBrokers    []string
	KafkaTopic      string
	SMTP            SMTPConfig
	EscalationEmail string
}

// SMTPConfig configures direct email delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// PolicyConfig tunes the marketplace rules.
type PolicyConfig struct {
	GracePeriod              time.Duration
	CancellationFeeRate      float64
	VendorFeeShare           float64
	TraditionalCutoffHours   float64
	PrivatePickupCutoffHours float64
	WarningMinConfirmed      int
	WarningCancellationRate  float64
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists configuration fields that are missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the missing secret identifiers, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := slices.Clone(e.names)
	slices.Sort(out)
	return out
}

// RedactedNames returns hashed identifiers safe to print in logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	slices.Sort(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the dotenv file used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Stripe.APIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so callers can
// build dependencies such as the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)

	values, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, the dotenv file, the environment, and Secret Manager.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})
	}

	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := source(values)

	cfg := Config{
		Server: ServerConfig{
			Port:           env.str("SERVER_PORT", defaultPort),
			ReadTimeout:    env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			HealthCacheTTL: env.duration("SERVER_HEALTH_CACHE_TTL", defaultHealthCacheTTL),
		},
		Database: DatabaseConfig{
			URL:             env.str("DATABASE_URL", ""),
			MaxConns:        env.integer("DATABASE_MAX_CONNS", defaultDBMaxConns),
			MinConns:        env.integer("DATABASE_MIN_CONNS", 0),
			ConnMaxLifetime: env.duration("DATABASE_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(env.str("IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           env.str("IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Redis: RedisConfig{
			Addr:     env.str("REDIS_ADDR", ""),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       env.integer("REDIS_DB", 0),
		},
		Stripe: StripeConfig{
			APIKey:        env.str("STRIPE_API_KEY", ""),
			WebhookSecret: env.str("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      strings.ToLower(env.str("STRIPE_CURRENCY", defaultStripeCurrency)),
		},
		Notifications: NotificationConfig{
			PubSubTopic:  env.str("NOTIFY_PUBSUB_TOPIC", ""),
			KafkaBrokers: env.list("NOTIFY_KAFKA_BROKERS"),
			KafkaTopic:   env.str("NOTIFY_KAFKA_TOPIC", ""),
			SMTP: SMTPConfig{
				Host:     env.str("SMTP_HOST", ""),
				Port:     env.integer("SMTP_PORT", defaultSMTPPort),
				Username: env.str("SMTP_USERNAME", ""),
				Password: env.str("SMTP_PASSWORD", ""),
				From:     env.str("SMTP_FROM", ""),
			},
			EscalationEmail: env.str("ESCALATION_EMAIL", ""),
		},
		Policy: PolicyConfig{
			GracePeriod:              env.duration("POLICY_GRACE_PERIOD", defaultGracePeriod),
			CancellationFeeRate:      env.float("POLICY_CANCELLATION_FEE_RATE", defaultFeeRate),
			VendorFeeShare:           env.float("POLICY_VENDOR_FEE_SHARE", defaultVendorFeeShare),
			TraditionalCutoffHours:   env.float("POLICY_TRADITIONAL_CUTOFF_HOURS", defaultTraditionalCutoff),
			PrivatePickupCutoffHours: env.float("POLICY_PRIVATE_PICKUP_CUTOFF_HOURS", defaultPrivatePickupCutoff),
			WarningMinConfirmed:      env.integer("POLICY_WARNING_MIN_CONFIRMED", defaultWarningMinConfirmed),
			WarningCancellationRate:  env.float("POLICY_WARNING_CANCELLATION_RATE", defaultWarningRate),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("SECURITY_OIDC_ISSUERS"),
			},
		},
		Metrics: MetricsConfig{
			Enabled: env.boolean("METRICS_ENABLED", true),
			Path:    env.str("METRICS_PATH", defaultMetricsPath),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"Redis.Password", &cfg.Redis.Password},
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
		{"Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret},
		{"Notifications.SMTP.Password", &cfg.Notifications.SMTP.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(strings.TrimSpace(cfg.Database.URL) != "", "Database.URL")
	check(cfg.Database.MaxConns > 0 && cfg.Database.MinConns >= 0 && cfg.Database.MinConns <= cfg.Database.MaxConns, "Database.MaxConns")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")

	switch cfg.Idempotency.Backend {
	case IdempotencyBackendFirestore:
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case IdempotencyBackendRedis:
		check(cfg.Redis.Addr != "", "Redis.Addr")
	case IdempotencyBackendMemory:
	default:
		invalid = append(invalid, "Idempotency.Backend")
	}
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(cfg.Notifications.KafkaBrokers) > 0 {
		check(cfg.Notifications.KafkaTopic != "", "Notifications.KafkaTopic")
	}
	if cfg.Notifications.SMTP.Host != "" {
		check(cfg.Notifications.SMTP.From != "", "Notifications.SMTP.From")
	}

	check(cfg.Policy.GracePeriod > 0, "Policy.GracePeriod")
	check(cfg.Policy.CancellationFeeRate > 0 && cfg.Policy.CancellationFeeRate <= 1, "Policy.CancellationFeeRate")
	check(cfg.Policy.VendorFeeShare >= 0 && cfg.Policy.VendorFeeShare <= 1, "Policy.VendorFeeShare")
	check(cfg.Policy.TraditionalCutoffHours >= 0, "Policy.TraditionalCutoffHours")
	check(cfg.Policy.PrivatePickupCutoffHours >= 0, "Policy.PrivatePickupCutoffHours")
	check(cfg.Policy.WarningMinConfirmed > 0, "Policy.WarningMinConfirmed")
	check(cfg.Policy.WarningCancellationRate > 0 && cfg.Policy.WarningCancellationRate < 1, "Policy.WarningCancellationRate")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(missing, name) {
			continue
		}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// readDotEnv parses the dotenv file; a missing file yields no values.
func readDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

// source looks up MARKETDAY_ prefixed keys in the merged environment.
type source map[string]string

func (s source) lookup(key string) (string, bool) {
	value, ok := s[envPrefix+key]
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (s source) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s source) float(key string, fallback float64) float64 {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s source) boolean(key string, fallback bool) bool {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return parsed
		}
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	return fallback
}

func (s source) list(key string) []string {
	value, ok := s.lookup(key)
	if !ok {
		return []string{}
	}
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// pairs parses "name=value,name=value" lists, lowercasing names.
func (s source) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range s.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}
