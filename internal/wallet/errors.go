package wallet

import "errors"

var (
	ErrUnknownWallet         = errors.New("wallet not found")
	ErrInsufficientFunds     = errors.New("insufficient available balance")
	ErrDuplicateLockConflict = errors.New("lock already exists with a different amount")
	ErrNoSuchLock            = errors.New("no lock exists for this match")
	ErrInvalidAmount         = errors.New("amount must not be negative")
)
