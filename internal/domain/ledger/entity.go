package ledger

import (
	"time"

	"github.com/google/uuid"
)

// TxType defines supported token transaction types.
type TxType string

const (
	TxTypeDebit      TxType = "debit"
	TxTypeRefund     TxType = "refund"
	TxTypePurchase   TxType = "purchase"
	TxTypeAdminGrant TxType = "admin_grant"
)

// TokenBalance is the per-user materialized balance row.
type TokenBalance struct {
	UserID    uuid.UUID `db:"user_id"`
	Balance   int       `db:"balance"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TokenTransaction is an immutable ledger row. Amount is signed:
// negative for debits, positive for credits.
type TokenTransaction struct {
	ID            uuid.UUID     `db:"id"`
	UserID        uuid.UUID     `db:"user_id"`
	Amount        int           `db:"amount"`
	TxType        string        `db:"tx_type"`
	Reason        string        `db:"reason"`
	RelatedTaskID uuid.NullUUID `db:"related_task_id"`
	CreatedAt     time.Time     `db:"created_at"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// SearchFilters provides admin-facing transaction filtering.
type SearchFilters struct {
	UserID        *uuid.UUID
	TxType        *string
	RelatedTaskID *uuid.UUID
	DateFrom      *time.Time
	DateTo        *time.Time
	Limit         int
	Offset        int
}
