package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// service implements the Service interface
type service struct {
	repo Repository
}

// NewService creates a new token ledger service
func NewService(db *sqlx.DB) Service {
	return &service{
		repo: NewRepository(db),
	}
}

// NewServiceWithRepository creates a ledger service over an explicit repository.
// Used by tests to substitute the storage layer.
func NewServiceWithRepository(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) Debit(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.UUID) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	return s.repo.Debit(ctx, userID, amount, reason, nullUUID(relatedTaskID))
}

func (s *service) Refund(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.UUID) (RefundResult, error) {
	if amount <= 0 {
		return RefundResult{}, ErrInvalidAmount
	}
	id, applied, err := s.repo.Credit(ctx, userID, amount, string(TxTypeRefund), reason, nullUUID(relatedTaskID))
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{TransactionID: id, Applied: applied}, nil
}

func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int, reason string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	id, _, err := s.repo.Credit(ctx, userID, amount, string(TxTypeAdminGrant), reason, uuid.NullUUID{})
	return id, err
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.GetBalance(ctx, userID)
}

func (s *service) HasRefund(ctx context.Context, relatedTaskID uuid.UUID) (bool, error) {
	return s.repo.HasRefund(ctx, relatedTaskID)
}

func (s *service) CheckConsistency(ctx context.Context, userID uuid.UUID) (bool, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	sum, err := s.repo.SumTransactions(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance == sum, nil
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]TokenTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListTransactions(ctx, userID, Pagination{Limit: limit, Offset: offset})
}

func (s *service) SearchTransactions(ctx context.Context, filters SearchFilters) ([]TokenTransaction, error) {
	return s.repo.SearchTransactions(ctx, filters)
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	if id == uuid.Nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: id, Valid: true}
}
