package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Ledger records the terminal outcome of each saga invocation by idempotency key.
type Ledger interface {
	// Find returns nil when the key has never completed.
	Find(ctx context.Context, key string) (*CompletedSaga, error)

	// Append writes the row once. When another caller already recorded the
	// key, the stored row is returned instead.
	Append(ctx context.Context, row *CompletedSaga) (*CompletedSaga, error)
}

// LedgerRepository implements Ledger on the completed_sagas table.
type LedgerRepository struct {
	db querier
}

func NewLedgerRepository(db querier) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Find(ctx context.Context, key string) (*CompletedSaga, error) {
	var (
		row    CompletedSaga
		status string
	)
	err := conn(ctx, r.db).QueryRow(ctx, `
		SELECT id, idempotency_key, order_id, status, error_message, created_at
		FROM completed_sagas
		WHERE idempotency_key = $1
	`, key).Scan(&row.ID, &row.IdempotencyKey, &row.OrderID, &status, &row.ErrorMessage, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find completed saga %s: %w", key, err)
	}
	if row.Status, err = ParseSagaStatus(status); err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *LedgerRepository) Append(ctx context.Context, row *CompletedSaga) (*CompletedSaga, error) {
	stored := *row
	err := conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO completed_sagas (idempotency_key, order_id, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, created_at
	`, row.IdempotencyKey, row.OrderID, string(row.Status), row.ErrorMessage, row.CreatedAt).
		Scan(&stored.ID, &stored.CreatedAt)
	if err == nil {
		return &stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("append completed saga %s: %w", row.IdempotencyKey, err)
	}

	winner, err := r.Find(ctx, row.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, fmt.Errorf("append completed saga %s: conflicting row vanished", row.IdempotencyKey)
	}
	return winner, nil
}

// NewCompletedSaga builds the ledger row for an outcome.
func NewCompletedSaga(key string, out Outcome) *CompletedSaga {
	row := &CompletedSaga{
		IdempotencyKey: key,
		OrderID:        out.OrderID,
		Status:         out.Status,
	}
	if out.ErrorMessage != "" {
		msg := out.ErrorMessage
		row.ErrorMessage = &msg
	}
	return row
}
