package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/middleware"
)

// Options configures a single TransactionCoordinator.Execute call. The
// zero value has PublishEvents false; DefaultOptions returns the
// standard defaults (REQUIRED propagation, DEFAULT isolation,
// publishEvents=true, no retry, no timeout).
type Options struct {
	Propagation                Propagation
	Isolation                  Isolation
	PublishEvents              bool
	RetryOnConcurrencyConflict bool
	MaxRetries                 int
	RetryDelay                 time.Duration
	Timeout                    time.Duration // <=0 disables
	ReadOnly                   bool
	RollbackFor                func(error) bool
	NoRollbackFor              func(error) bool
}

// DefaultOptions returns the standard defaults for a read/write
// transactional append: REQUIRED propagation, publish enabled, no
// retry, no timeout.
func DefaultOptions() Options {
	return Options{
		Propagation:   Required,
		Isolation:     Default,
		PublishEvents: true,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		Timeout:       -1,
	}
}

// Option mutates an Options value; used by the fluent With* helpers
// below so callers rarely build Options by hand.
type Option func(*Options)

func WithPropagation(p Propagation) Option { return func(o *Options) { o.Propagation = p } }
func WithIsolation(i Isolation) Option     { return func(o *Options) { o.Isolation = i } }
func WithPublishEvents(b bool) Option      { return func(o *Options) { o.PublishEvents = b } }
func WithReadOnly(b bool) Option           { return func(o *Options) { o.ReadOnly = b } }
func WithTimeout(d time.Duration) Option   { return func(o *Options) { o.Timeout = d } }
func WithRetryOnConcurrencyConflict(maxRetries int, delay time.Duration) Option {
	return func(o *Options) {
		o.RetryOnConcurrencyConflict = true
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}
func WithRollbackFor(f func(error) bool) Option   { return func(o *Options) { o.RollbackFor = f } }
func WithNoRollbackFor(f func(error) bool) Option { return func(o *Options) { o.NoRollbackFor = f } }

// TransactionCoordinator runs operations against a pgx pool under the
// declarative propagation/isolation/retry semantics described above.
// Cross-cutting concerns (logging, panic recovery, tracing, tenant
// isolation) are composed in as a middleware chain wrapping every
// operation the coordinator executes.
type TransactionCoordinator struct {
	pool        *pgxpool.Pool
	middlewares []middleware.Middleware
}

// NewTransactionCoordinator builds a coordinator. The middlewares wrap
// every Execute call, first middleware outermost; they run around each
// retry attempt, so a retried conflict is logged and traced per attempt.
func NewTransactionCoordinator(pool *pgxpool.Pool, middlewares ...middleware.Middleware) *TransactionCoordinator {
	return &TransactionCoordinator{pool: pool, middlewares: middlewares}
}

// Execute runs fn under the propagation/isolation/retry semantics
// described by opts (defaulted via DefaultOptions, then overridden by
// each Option in order).
func (c *TransactionCoordinator) Execute(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if len(c.middlewares) > 0 {
		fn = middleware.Chain(fn, c.middlewares...)
	}

	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	ambient, hasAmbient := FromContext(ctx)

	if !options.RetryOnConcurrencyConflict {
		return c.executeOnce(ctx, fn, options, ambient, hasAmbient)
	}

	delay := options.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for attempt := 0; ; attempt++ {
		err := c.executeOnce(ctx, fn, options, ambient, hasAmbient)
		if err == nil {
			return nil
		}
		var conflict *domain.ConcurrencyConflictError
		if !errors.As(err, &conflict) || attempt >= options.MaxRetries {
			return err
		}
		slog.WarnContext(ctx, "retrying after concurrency conflict", "attempt", attempt+1, "maxRetries", options.MaxRetries)
		if err := sleepOrCancel(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func (c *TransactionCoordinator) executeOnce(ctx context.Context, fn func(ctx context.Context) error, options Options, ambient pgx.Tx, hasAmbient bool) error {
	switch options.Propagation {
	case Mandatory:
		if !hasAmbient {
			return fmt.Errorf("%w: MANDATORY propagation requires an ambient transaction", domain.ErrValidation)
		}
		return fn(ctx)

	case Never:
		if hasAmbient {
			return fmt.Errorf("%w: NEVER propagation forbids an ambient transaction", domain.ErrValidation)
		}
		return fn(withoutTx(ctx))

	case NotSupported:
		return fn(withoutTx(ctx))

	case Supports:
		if hasAmbient {
			return fn(ctx)
		}
		return fn(withoutTx(ctx))

	case RequiresNew:
		return c.runInNewTransaction(ctx, fn, options)

	case Required:
		fallthrough
	default:
		if hasAmbient {
			return fn(ctx)
		}
		return c.runInNewTransaction(ctx, fn, options)
	}
}

func (c *TransactionCoordinator) runInNewTransaction(ctx context.Context, fn func(ctx context.Context) error, options Options) (err error) {
	txOpts := pgx.TxOptions{IsoLevel: isolationToPgx(options.Isolation)}
	if options.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}

	tx, err := c.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", domain.ErrStorage, err)
	}

	innerCtx := withPublishEvents(withTx(ctx, tx), options.PublishEvents)

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err = fn(innerCtx); err != nil {
		if options.shouldCommitDespiteError(err) {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return fmt.Errorf("%w: commit transaction: %v", domain.ErrStorage, commitErr)
			}
			return err
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.ErrorContext(ctx, "rollback after error failed", "error", rbErr, "originalError", err)
		}
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", domain.ErrStorage, err)
	}
	return nil
}

// shouldCommitDespiteError implements the rollbackFor/noRollbackFor
// overrides: by default every error rolls back.
func (o Options) shouldCommitDespiteError(err error) bool {
	if o.NoRollbackFor != nil && o.NoRollbackFor(err) {
		return true
	}
	if o.RollbackFor != nil {
		return !o.RollbackFor(err)
	}
	return false
}

func isolationToPgx(i Isolation) pgx.TxIsoLevel {
	switch i {
	case ReadUncommitted:
		return pgx.ReadUncommitted
	case ReadCommitted:
		return pgx.ReadCommitted
	case RepeatableRead:
		return pgx.RepeatableRead
	case Serializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
