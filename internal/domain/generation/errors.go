package generation

import (
	"errors"
	"fmt"

	"github.com/musegen/musegen-api/internal/domain/policy"
)

var (
	ErrTaskNotFound      = errors.New("generation task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInternal          = errors.New("internal error")
)

// PolicyDeniedError is returned when the access policy engine rejects a
// request before any billing occurs.
type PolicyDeniedError struct {
	Decision policy.Decision
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Decision.ReasonCode)
}

// InsufficientBalanceError is returned when the ledger rejects the debit.
type InsufficientBalanceError struct {
	CurrentBalance int
	RequiredTokens int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.CurrentBalance, e.RequiredTokens)
}

// BatchFailedError is returned when a debited batch produced nothing usable.
// Refunded reports whether the debit was credited back, so the client-facing
// message can state it truthfully.
type BatchFailedError struct {
	TaskID         string
	Reason         string
	Refunded       bool
	RefundedTokens int
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("generation batch failed: %s (refunded=%t)", e.Reason, e.Refunded)
}
