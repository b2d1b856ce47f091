package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

type Repository interface {
	Debit(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.NullUUID) (uuid.UUID, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int, txType string, reason string, relatedTaskID uuid.NullUUID) (uuid.UUID, bool, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	HasRefund(ctx context.Context, relatedTaskID uuid.UUID) (bool, error)
	SumTransactions(ctx context.Context, userID uuid.UUID) (int, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]TokenTransaction, error)
	SearchTransactions(ctx context.Context, filters SearchFilters) ([]TokenTransaction, error)
}

// TokenRepository provides token ledger and balance operations.
//
// Expected schema constraints:
//   - token_balances.balance has CHECK (balance >= 0)
//   - token_transactions has a partial unique index on (related_task_id, reason)
//     WHERE amount > 0 AND related_task_id IS NOT NULL, which enforces
//     credit idempotency per (task, reason) pair.
type TokenRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Debit atomically decrements the balance and appends a negative ledger row.
// The decrement is guarded by balance >= amount, so two concurrent debits can
// never both succeed against the same tokens.
func (r *TokenRepository) Debit(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.NullUUID) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx2, `
		UPDATE token_balances
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: update balance", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return uuid.Nil, ErrInsufficientTokens
	}

	txID, err := r.insertTransaction(ctx2, tx, userID, -amount, string(TxTypeDebit), reason, relatedTaskID)
	if err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return txID, nil
}

// Credit increments the balance and appends a positive ledger row. When
// relatedTaskID is set, the insert dedupes on (related_task_id, reason): a
// replayed credit returns the original transaction id with applied=false and
// leaves the balance untouched.
func (r *TokenRepository) Credit(ctx context.Context, userID uuid.UUID, amount int, txType string, reason string, relatedTaskID uuid.NullUUID) (uuid.UUID, bool, error) {
	if amount <= 0 {
		return uuid.Nil, false, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	var txID uuid.UUID
	if relatedTaskID.Valid {
		err = tx.QueryRowContext(ctx2, `
			INSERT INTO token_transactions (id, user_id, amount, tx_type, reason, related_task_id)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
			ON CONFLICT (related_task_id, reason) WHERE amount > 0 AND related_task_id IS NOT NULL
			DO NOTHING
			RETURNING id
		`, userID, amount, txType, reason, relatedTaskID).Scan(&txID)
		if errors.Is(err, sql.ErrNoRows) {
			// Replay: the credit already exists, do not touch the balance again.
			err = tx.QueryRowContext(ctx2, `
				SELECT id FROM token_transactions
				WHERE related_task_id = $1 AND reason = $2 AND amount > 0
			`, relatedTaskID, reason).Scan(&txID)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("%w: lookup existing credit", ErrInternal)
			}
			if err := tx.Commit(); err != nil {
				return uuid.Nil, false, fmt.Errorf("%w: commit tx", ErrInternal)
			}
			return txID, false, nil
		}
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("%w: insert transaction", ErrInternal)
		}
	} else {
		txID, err = r.insertTransaction(ctx2, tx, userID, amount, txType, reason, relatedTaskID)
		if err != nil {
			return uuid.Nil, false, err
		}
	}

	_, err = tx.ExecContext(ctx2, `
		INSERT INTO token_balances (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance, updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: update balance", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return txID, true, nil
}

func (r *TokenRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var balance int
	err := r.db.GetContext(ctx2, &balance, `SELECT balance FROM token_balances WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: get balance", ErrInternal)
	}

	return balance, nil
}

func (r *TokenRepository) HasRefund(ctx context.Context, relatedTaskID uuid.UUID) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx2, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM token_transactions
			WHERE related_task_id = $1 AND tx_type = $2
		)
	`, relatedTaskID, string(TxTypeRefund))
	if err != nil {
		return false, fmt.Errorf("%w: check refund", ErrInternal)
	}

	return exists, nil
}

// SumTransactions returns the signed sum of all ledger rows for a user.
// Must always equal the materialized balance.
func (r *TokenRepository) SumTransactions(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var sum int
	err := r.db.GetContext(ctx2, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM token_transactions WHERE user_id = $1
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: sum transactions", ErrInternal)
	}

	return sum, nil
}

func (r *TokenRepository) ListTransactions(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]TokenTransaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]TokenTransaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, amount, tx_type, reason, related_task_id, created_at
		FROM token_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions", ErrInternal)
	}

	return transactions, nil
}

func (r *TokenRepository) SearchTransactions(ctx context.Context, filters SearchFilters) ([]TokenTransaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	base := `
		SELECT id, user_id, amount, tx_type, reason, related_task_id, created_at
		FROM token_transactions
		WHERE 1=1`
	args := make([]interface{}, 0, 8)
	idx := 1

	if filters.UserID != nil {
		base += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, *filters.UserID)
		idx++
	}
	if filters.TxType != nil && *filters.TxType != "" {
		base += fmt.Sprintf(" AND tx_type = $%d", idx)
		args = append(args, *filters.TxType)
		idx++
	}
	if filters.RelatedTaskID != nil {
		base += fmt.Sprintf(" AND related_task_id = $%d", idx)
		args = append(args, *filters.RelatedTaskID)
		idx++
	}
	if filters.DateFrom != nil {
		base += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filters.DateFrom)
		idx++
	}
	if filters.DateTo != nil {
		base += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *filters.DateTo)
		idx++
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	base = strings.TrimSpace(base) + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filters.Offset)

	transactions := make([]TokenTransaction, 0)
	if err := r.db.SelectContext(ctx2, &transactions, base, args...); err != nil {
		return nil, fmt.Errorf("%w: search transactions", ErrInternal)
	}

	return transactions, nil
}

func (r *TokenRepository) insertTransaction(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, txType string, reason string, relatedTaskID uuid.NullUUID) (uuid.UUID, error) {
	txType = strings.TrimSpace(txType)
	if txType != string(TxTypeDebit) && txType != string(TxTypeRefund) && txType != string(TxTypePurchase) && txType != string(TxTypeAdminGrant) {
		return uuid.Nil, ErrInternal
	}

	if strings.TrimSpace(reason) == "" {
		reason = "token balance adjustment"
	}

	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO token_transactions (id, user_id, amount, tx_type, reason, related_task_id)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id
	`, userID, amount, txType, reason, relatedTaskID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: insert transaction", ErrInternal)
	}

	return id, nil
}
