package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/marketday/api/internal/platform/secrets"
)

// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file hold the secret.
var ErrSecretNotFound = errors.New("secrets: secret not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references from Google Secret Manager, caching values for the process
// lifetime and falling back to a local dotenv file when the API is unreachable.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	projectID  string
	pins       map[string]string
	fallback   *fallbackFile

	mu    sync.RWMutex
	cache map[string]string

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type fetcherConfig struct {
	logger       *zap.Logger
	projectID    string
	fallbackPath string
	pins         map[string]string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithProject sets the project that owns secrets without an explicit ?project= override.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectID = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the local fallback path. An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithVersionPins pins secret names (e.g. "stripe-api-key") to explicit versions.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) {
		for name, version := range pins {
			cfg.pins[strings.TrimSpace(name)] = strings.TrimSpace(version)
		}
	}
}

// WithMeter injects an OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured client. The fetcher does not close injected clients.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client (no credentials) is not an error: the
// fetcher then serves from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		pins:         map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		logger:    cfg.logger,
		projectID: cfg.projectID,
		pins:      cfg.pins,
		fallback:  &fallbackFile{path: cfg.fallbackPath},
		cache:     make(map[string]string),
	}

	var err error
	if f.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register latency histogram: %w", err)
	}
	if f.cacheHits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from cache"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register cache hit counter: %w", err)
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	case cfg.projectID != "":
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, serving fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret returns the value behind ref. It satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := ParseReference(ref)
	if err != nil {
		return "", err
	}
	version := f.version(parsed)
	key := cacheKey(parsed.Canonical, version)

	f.mu.RLock()
	value, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(parsed.Canonical))))
		f.observe(ctx, start, "cache")
		return value, nil
	}

	value, source, err := f.fetch(ctx, parsed, version)
	if err != nil {
		f.observe(ctx, start, "error")
		return "", err
	}
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
	f.observe(ctx, start, source)
	return value, nil
}

// Invalidate drops every cached version of ref so the next resolution re-reads it.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return
	}
	prefix := parsed.Canonical + "#"
	f.mu.Lock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()
}

// Check reports whether Secret Manager can serve probeRef right now, bypassing the cache. It returns
// nil in fallback-only mode since there is no remote dependency to fail.
func (f *Fetcher) Check(ctx context.Context, probeRef string) error {
	if f.client == nil {
		return nil
	}
	parsed, err := ParseReference(probeRef)
	if err != nil {
		return err
	}
	projectID := f.project(parsed)
	if projectID == "" {
		return nil
	}
	_, err = f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: parsed.resource(projectID, f.version(parsed)),
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (f *Fetcher) fetch(ctx context.Context, ref Reference, version string) (string, string, error) {
	projectID := f.project(ref)
	if f.client != nil && projectID != "" {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: ref.resource(projectID, version),
		})
		switch {
		case err == nil:
			if resp.GetPayload() == nil {
				return "", "remote", fmt.Errorf("secrets: empty payload for %s", ref.Canonical)
			}
			return string(resp.GetPayload().GetData()), "remote", nil
		case !isFallbackError(err):
			if status.Code(err) == codes.NotFound {
				return "", "remote", fmt.Errorf("%w: %s", ErrSecretNotFound, ref.Canonical)
			}
			return "", "remote", fmt.Errorf("secrets: access %s: %w", ref.Canonical, err)
		}
		f.logger.Debug("secrets: falling back to local file", zap.String("secret", maskReference(ref.Canonical)), zap.Error(err))
	}

	value, ok, err := f.fallback.lookup(ref, version)
	if err != nil {
		return "", "fallback", err
	}
	if !ok {
		return "", "fallback", fmt.Errorf("%w: %s", ErrSecretNotFound, ref.Canonical)
	}
	return value, "fallback", nil
}

func (f *Fetcher) project(ref Reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	return f.projectID
}

func (f *Fetcher) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin := f.pins[ref.Name]; pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
