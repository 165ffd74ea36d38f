package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is matched by every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrCodeNotFound      = errors.New("ledger: code not found")
	ErrCodeAlreadyUsed   = errors.New("ledger: code already used")
	// ErrContention is returned once the compare-and-swap retry budget is spent.
	ErrContention = errors.New("ledger: contention, retries exhausted")
	// ErrReferenceInUse means the (kind, reference) pair was already applied for another user.
	ErrReferenceInUse = errors.New("ledger: reference already used by another user")
	ErrInvalidInput   = errors.New("ledger: invalid input")
)

// Store-level errors. Callers of the Service never see these.
var (
	ErrNotFound           = errors.New("ledger: not found")
	ErrConflict           = errors.New("ledger: balance changed concurrently")
	ErrDuplicateReference = errors.New("ledger: duplicate reference")
)

// InsufficientFundsError carries the balance observed when a charge was refused.
type InsufficientFundsError struct {
	Balance int64
	Deficit int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds (balance %d, deficit %d)", e.Balance, e.Deficit)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
