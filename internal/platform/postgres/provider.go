package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketday/api/internal/platform/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultHealthCheckPeriod = 30 * time.Second
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// Provider owns the shared connection pool.
type Provider struct {
	cfg            config.DatabaseConfig
	connectTimeout time.Duration
	tweak          func(*pgxpool.Config)

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithConnectTimeout bounds the initial connect and ping.
func WithConnectTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.connectTimeout = timeout
		}
	}
}

// WithPoolConfig lets callers adjust the parsed pool configuration before the pool is created.
func WithPoolConfig(fn func(*pgxpool.Config)) ProviderOption {
	return func(p *Provider) {
		p.tweak = fn
	}
}

// NewProvider constructs a Provider; the pool is opened on first use.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:            cfg,
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Pool returns the connection pool, connecting on first call.
func (p *Provider) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	if ctx == nil {
		return nil, errors.New("postgres: context is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.pool != nil {
		return p.pool, nil
	}

	poolCfg, err := p.poolConfig()
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, WrapError("postgres.ping", err)
	}
	p.pool = pool
	return pool, nil
}

func (p *Provider) poolConfig() (*pgxpool.Config, error) {
	dsn := strings.TrimSpace(p.cfg.URL)
	if dsn == "" {
		return nil, errors.New("postgres: database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	if p.cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(p.cfg.MaxConns)
	}
	if p.cfg.MinConns > 0 {
		poolCfg.MinConns = int32(p.cfg.MinConns)
	}
	if p.cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = p.cfg.ConnMaxLifetime
	}
	poolCfg.HealthCheckPeriod = defaultHealthCheckPeriod
	if p.tweak != nil {
		p.tweak(poolCfg)
	}
	return poolCfg, nil
}

// Ping verifies connectivity; used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	pool, err := p.Pool(ctx)
	if err != nil {
		return err
	}
	return WrapError("postgres.ping", pool.Ping(ctx))
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}
