package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions; satisfied by *pgxpool.Pool.
type Beginner interface {
	Querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type txKey struct{}

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
	isoLevel pgx.TxIsoLevel
}

// WithTxAttempts overrides how often a serialization failure is retried.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithIsolation selects the isolation level; read committed by default.
func WithIsolation(level pgx.TxIsoLevel) TxOption {
	return func(cfg *txConfig) {
		cfg.isoLevel = level
	}
}

// UnitOfWork runs functions inside a database transaction carried on the context.
type UnitOfWork struct {
	db   Beginner
	opts []TxOption
}

// NewUnitOfWork binds a unit of work to the pool.
func NewUnitOfWork(db Beginner, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{db: db, opts: opts}
}

// RunInTx executes fn in a transaction. Nested calls join the outer transaction.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return RunTransaction(ctx, u.db, fn, u.opts...)
}

// Querier returns the transaction bound to ctx, or the pool when none is active.
func (u *UnitOfWork) Querier(ctx context.Context) Querier {
	return QuerierFrom(ctx, u.db)
}

// QuerierFrom returns the transaction stored in ctx, falling back to db.
func QuerierFrom(ctx context.Context, db Querier) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok && tx != nil {
		return tx
	}
	return db
}

// RunTransaction executes fn within a transaction on db, retrying serialization failures.
func RunTransaction(ctx context.Context, db Beginner, fn func(ctx context.Context) error, opts ...TxOption) error {
	if db == nil {
		return WrapError("transaction", errors.New("postgres: database is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout, isoLevel: pgx.ReadCommitted}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			var cancel context.CancelFunc
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
	}

	var err error
	for attempt := 0; attempt < cfg.attempts; attempt++ {
		err = runOnce(txnCtx, db, cfg.isoLevel, fn)
		if err == nil || !isRetryable(err) {
			break
		}
	}
	return WrapError("transaction", err)
}

func runOnce(ctx context.Context, db Beginner, level pgx.TxIsoLevel, fn func(ctx context.Context) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: level})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}
