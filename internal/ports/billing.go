package ports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	operationProcessing = "processing"
	operationCompleted  = "completed"
	operationFailed     = "failed"
)

// PostgresBilling keeps account balances and per-key withdrawal records.
type PostgresBilling struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresBilling creates a billing backend on an already opened database.
func NewPostgresBilling(db *sql.DB, logger *zap.Logger) *PostgresBilling {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBilling{db: db, logger: logger.Named("billing")}
}

// InitSchema creates billing tables if they do not exist.
func (b *PostgresBilling) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id BIGINT PRIMARY KEY,
			balance NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS billing_operations (
			idempotency_key TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			order_id BIGINT,
			amount NUMERIC(18,2) NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init billing schema: %w", err)
		}
	}
	return nil
}

// Withdraw debits the account under a row lock. A key that already completed
// is acknowledged without touching the balance again.
func (b *PostgresBilling) Withdraw(ctx context.Context, req WithdrawRequest) (bool, error) {
	log := b.logger.With(
		zap.Int64("user_id", req.UserID),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("amount", req.Amount.String()),
	)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin withdraw: %w", err)
	}
	defer tx.Rollback()

	// Concurrent callers with the same key queue on the unique index here.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_operations (idempotency_key, user_id, order_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		req.IdempotencyKey, req.UserID, nullableID(req.OrderID), req.Amount, operationProcessing,
	); err != nil {
		return false, fmt.Errorf("record withdraw: %w", err)
	}

	var status string
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM billing_operations
		WHERE idempotency_key = $1
		FOR UPDATE`,
		req.IdempotencyKey,
	).Scan(&status); err != nil {
		return false, fmt.Errorf("lock withdraw record: %w", err)
	}
	if status == operationCompleted {
		log.Info("withdraw already applied")
		return true, nil
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM accounts
		WHERE user_id = $1
		FOR UPDATE`,
		req.UserID,
	).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lock account: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		balance = decimal.Zero
	}

	if balance.LessThan(req.Amount) {
		if err := setOperationStatus(ctx, tx, req.IdempotencyKey, operationFailed); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit failed withdraw: %w", err)
		}
		log.Warn("insufficient funds", zap.String("balance", balance.String()))
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $1,
		    updated_at = NOW()
		WHERE user_id = $2`,
		req.Amount, req.UserID,
	); err != nil {
		return false, fmt.Errorf("debit account: %w", err)
	}
	if err := setOperationStatus(ctx, tx, req.IdempotencyKey, operationCompleted); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit withdraw: %w", err)
	}

	log.Info("withdraw applied", zap.String("new_balance", balance.Sub(req.Amount).String()))
	return true, nil
}

// Deposit credits the account, creating it when missing.
func (b *PostgresBilling) Deposit(ctx context.Context, req DepositRequest) (bool, error) {
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance,
		    updated_at = NOW()`,
		req.UserID, req.Amount,
	); err != nil {
		return false, fmt.Errorf("credit account: %w", err)
	}

	b.logger.Info("deposit applied",
		zap.Int64("user_id", req.UserID),
		zap.String("amount", req.Amount.String()),
	)
	return true, nil
}

// Balance returns the current balance, zero for unknown users.
func (b *PostgresBilling) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := b.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func setOperationStatus(ctx context.Context, tx *sql.Tx, key, status string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_operations
		SET status = $1, updated_at = NOW()
		WHERE idempotency_key = $2`,
		status, key,
	); err != nil {
		return fmt.Errorf("update withdraw record: %w", err)
	}
	return nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
