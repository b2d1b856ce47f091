package ledger

import (
	"context"

	"github.com/google/uuid"
)

// RefundResult reports the outcome of a refund credit. Applied is false when
// the same (task, reason) refund had already been recorded and the balance
// was not touched again.
type RefundResult struct {
	TransactionID uuid.UUID
	Applied       bool
}

// Service defines the token ledger operations
type Service interface {
	// Debit atomically deducts tokens from a user.
	// Returns ErrInsufficientTokens if the balance does not cover the amount.
	Debit(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.UUID) (uuid.UUID, error)

	// Refund credits tokens back to a user. Idempotent per (relatedTaskID, reason):
	// replaying the same refund returns the original transaction without
	// double-crediting.
	Refund(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.UUID) (RefundResult, error)

	// Grant credits tokens with no task linkage (admin grants).
	Grant(ctx context.Context, userID uuid.UUID, amount int, reason string) (uuid.UUID, error)

	// GetBalance returns the current token balance for a user
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)

	// HasRefund reports whether any refund row exists for a task. Used by
	// reconciliation to replay credits that never reached the ledger.
	HasRefund(ctx context.Context, relatedTaskID uuid.UUID) (bool, error)

	// CheckConsistency verifies that the signed sum of a user's ledger rows
	// equals the materialized balance.
	CheckConsistency(ctx context.Context, userID uuid.UUID) (bool, error)

	// ListTransactions returns paginated transaction history for a user
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]TokenTransaction, error)

	// SearchTransactions returns filtered transactions (for admin use)
	SearchTransactions(ctx context.Context, filters SearchFilters) ([]TokenTransaction, error)
}
