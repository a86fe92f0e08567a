package orders

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of pgxpool.Pool and pgx.Tx the stores use.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction the executor attached to ctx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// conn picks the executor's transaction when there is one, the pool otherwise.
func conn(ctx context.Context, pool querier) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}

// liveTx remembers whether anyone already committed or rolled back.
type liveTx struct {
	pgx.Tx
	done atomic.Bool
}

func (t *liveTx) Commit(ctx context.Context) error {
	t.done.Store(true)
	return t.Tx.Commit(ctx)
}

func (t *liveTx) Rollback(ctx context.Context) error {
	t.done.Store(true)
	return t.Tx.Rollback(ctx)
}

func (t *liveTx) finalized() bool {
	return t.done.Load()
}

// isTransient reports failures worth re-running the whole transaction for:
// connection exceptions, serialization failures, deadlocks, admin shutdown
// and transactions finalized behind the executor's back.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTxConsistency) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isTxFinalized matches pgx's answers for a transaction that is already over.
func isTxFinalized(err error) bool {
	return errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback)
}
