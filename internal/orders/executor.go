package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrTxConsistency reports a Completed saga whose transaction was finalized
// before the executor could commit it. It is retried like any transient
// failure.
var ErrTxConsistency = errors.New("transaction consistency error")

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// ExecutorConfig bounds the whole-transaction retries.
type ExecutorConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// TransactionExecutor runs a saga body inside one database transaction and
// re-runs it from a fresh transaction on transient failures.
type TransactionExecutor struct {
	db      TxBeginner
	cfg     ExecutorConfig
	logger  *zap.Logger
	metrics *sagaMetrics
}

func NewTransactionExecutor(db TxBeginner, cfg ExecutorConfig, logger *zap.Logger) *TransactionExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	return &TransactionExecutor{
		db:      db,
		cfg:     cfg,
		logger:  logger.Named("executor"),
		metrics: newSagaMetrics(),
	}
}

// Execute commits when body returns a Completed outcome and rolls back
// otherwise. The transaction travels in the context handed to body.
//
// A Completed body whose transaction was finalized elsewhere fails with
// ErrTxConsistency and is re-run. A Failed outcome is returned as is, since
// its compensations already ran.
func (e *TransactionExecutor) Execute(ctx context.Context, body func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval

	attempt := 0
	op := func() (Outcome, error) {
		attempt++
		out, err := e.runOnce(ctx, body)
		if err == nil {
			return out, nil
		}
		if !isTransient(err) {
			return Outcome{}, backoff.Permanent(err)
		}
		return Outcome{}, err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.metrics.txRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
			e.logger.Warn("transient failure, retrying transaction",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("transaction failed after %d attempt(s): %w", attempt, err)
	}
	return out, nil
}

func (e *TransactionExecutor) runOnce(ctx context.Context, body func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Outcome{}, fmt.Errorf("begin transaction: %w", err)
	}
	live := &liveTx{Tx: tx}

	out, err := body(withTx(ctx, live))

	// Finalization must not be abandoned halfway by a cancelled caller.
	finCtx := context.WithoutCancel(ctx)

	if err != nil {
		if !live.finalized() {
			if rbErr := live.Rollback(finCtx); rbErr != nil && !isTxFinalized(rbErr) {
				e.logger.Warn("rollback after failed body", zap.Error(rbErr))
			}
		}
		return Outcome{}, err
	}

	if live.finalized() {
		if out.Status != SagaStatusCompleted {
			e.logger.Warn("transaction already finalized, keeping decided outcome", zap.Int64("order_id", out.OrderID))
			return out, nil
		}
		return Outcome{}, e.inconsistent(out, nil)
	}

	if out.Status == SagaStatusCompleted {
		if err := live.Commit(finCtx); err != nil {
			if isTxFinalized(err) {
				return Outcome{}, e.inconsistent(out, err)
			}
			return Outcome{}, fmt.Errorf("commit: %w", err)
		}
		return out, nil
	}

	// The outcome is already decided and compensated; a rollback that fails
	// leaves nothing committed, so it is not worth re-running the body for.
	if err := live.Rollback(finCtx); err != nil && !isTxFinalized(err) {
		e.logger.Warn("rollback failed", zap.Int64("order_id", out.OrderID), zap.Error(err))
	}
	return out, nil
}

func (e *TransactionExecutor) inconsistent(out Outcome, cause error) error {
	e.logger.Error("operational alert: transaction finalized outside the executor",
		zap.Int64("order_id", out.OrderID),
		zap.Error(cause),
	)
	if cause == nil {
		return fmt.Errorf("%w: order %d", ErrTxConsistency, out.OrderID)
	}
	return fmt.Errorf("%w: order %d: %w", ErrTxConsistency, out.OrderID, cause)
}
