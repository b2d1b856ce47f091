package ledger

import "errors"

var (
	// ErrInsufficientTokens is returned when a debit exceeds the user's balance
	ErrInsufficientTokens = errors.New("insufficient token balance")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	ErrInternal = errors.New("internal error")
)
