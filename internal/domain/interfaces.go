package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// LedgerStore abstracts durable credit storage: the encrypted balance
// record, the transaction log, settings and backup codes.
type LedgerStore interface {
	// Open establishes the storage connection. Idempotent.
	Open(ctx context.Context) error

	// SaveBalance returns ErrBalanceConflict when the record was written by
	// someone else since this store last read or wrote it.
	SaveBalance(ctx context.Context, balance int64, fingerprint string) (*BalanceRecord, error)

	// GetBalance returns ErrBalanceNotFound when no record exists and an
	// error wrapping ErrBalanceCorrupted when it cannot be trusted.
	GetBalance(ctx context.Context) (*BalanceRecord, error)

	LogTransaction(ctx context.Context, typ TransactionType, amount int64, operation string, metadata map[string]any) (*Transaction, error)
	TransactionHistory(ctx context.Context, limit int) ([]Transaction, error)

	SaveBackupCodes(ctx context.Context, codes []string) error
	UseBackupCode(ctx context.Context, code string) (bool, error)

	SaveSetting(ctx context.Context, key string, value any) error
	GetSetting(ctx context.Context, key string, def any) any

	ExportAll(ctx context.Context) Export
	ClearAll(ctx context.Context) error
	RequestPersistence(ctx context.Context) bool
}

// PaymentProcessor charges the user for a credit package.
type PaymentProcessor interface {
	Charge(ctx context.Context, pkg CreditPackage, method string) (PaymentResult, error)
}
