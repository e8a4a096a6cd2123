package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Balance record errors
	ErrBalanceNotFound      = errors.New("balance record not found")
	ErrBalanceCorrupted     = errors.New("balance record corrupted")
	ErrBalanceUndecryptable = fmt.Errorf("%w: decryption failed", ErrBalanceCorrupted)
	ErrBalanceTampered      = fmt.Errorf("%w: integrity check failed", ErrBalanceCorrupted)
	ErrNegativeBalance      = errors.New("balance cannot be negative")
	ErrBalanceConflict      = errors.New("balance record changed by another writer")

	// Crypto errors
	ErrDecryptFailed = errors.New("decryption failed")

	// Manager errors
	ErrNotInitialized      = errors.New("credit manager not initialized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrUnknownPackage      = errors.New("unknown credit package")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrNotCorrupted        = errors.New("balance record is not corrupted, nothing to recover")
	ErrInvalidBackupCode   = errors.New("backup code invalid or already used")

	// Gate errors
	ErrDeclined     = errors.New("operation declined by user")
	ErrChargeFailed = errors.New("operation succeeded but credits could not be deducted")
)

// InsufficientCreditsError carries the numbers behind an insufficiency outcome.
// It matches ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
