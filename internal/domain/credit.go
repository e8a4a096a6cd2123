package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Credit Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// JSON tags are camelCase: they define the export format.

// TransactionType represents the business reason for a balance change.
type TransactionType string

const (
	TxPurchase  TransactionType = "purchase"
	TxDeduction TransactionType = "deduction"
	TxReset     TransactionType = "reset"
	TxRefund    TransactionType = "refund"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxDeduction, TxReset, TxRefund:
		return true
	}
	return false
}

// Operation names a credit-gated action.
type Operation string

const (
	OpPolish    Operation = "polish"
	OpTranslate Operation = "translate"
	OpComplete  Operation = "complete"
)

// Operations used by the ledger itself rather than a gated action.
const (
	OpAdminReset     Operation = "admin_reset"
	OpBackupRecovery Operation = "backup_recovery"
	OpCorruptReset   Operation = "corrupted_record"
)

// BalanceRecord is the sole mutable credit state. It is stored encrypted
// with the device key and verified against IntegrityHash on every read.
type BalanceRecord struct {
	Balance           int64     `json:"balance"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	Timestamp         time.Time `json:"timestamp"`
	LastModified      time.Time `json:"lastModified"`
	IntegrityHash     string    `json:"integrityHash"`
}

// Transaction is one immutable row in the append-only ledger.
type Transaction struct {
	ID        int64           `json:"id"`
	Type      TransactionType `json:"type"`
	Amount    int64           `json:"amount"`
	Operation string          `json:"operation"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	// Authentic is set when the row's MAC verifies under this device's key.
	Authentic bool `json:"authentic"`
}

// BackupCode is a one-time recovery token.
type BackupCode struct {
	Code      string     `json:"code"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// CreditPackage is a purchasable catalog entry.
type CreditPackage struct {
	Key     string          `json:"key" toml:"key"`
	Credits int64           `json:"credits" toml:"credits"`
	Price   decimal.Decimal `json:"price" toml:"price"`
	Label   string          `json:"label" toml:"label"`
}

// CostPreview is the read-only projection shown before a gated operation.
// BalanceAfter is nil when the balance is insufficient.
type CostPreview struct {
	Operation      Operation `json:"operation"`
	Cost           int64     `json:"cost"`
	CurrentBalance int64     `json:"currentBalance"`
	Sufficient     bool      `json:"sufficient"`
	BalanceAfter   *int64    `json:"balanceAfter"`
}

// Receipt is the result of a successful purchase.
type Receipt struct {
	ID            string          `json:"id"`
	PackageKey    string          `json:"packageKey"`
	Credits       int64           `json:"credits"`
	Price         decimal.Decimal `json:"price"`
	PaymentMethod string          `json:"paymentMethod"`
	PaymentID     string          `json:"paymentId"`
	NewBalance    int64           `json:"newBalance"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PaymentResult is what a payment processor reports for a successful charge.
type PaymentResult struct {
	PaymentID string
	Amount    decimal.Decimal
	ChargedAt time.Time
}

// BalanceChange is delivered to balance observers after every committed mutation.
type BalanceChange struct {
	Previous  int64           `json:"previousBalance"`
	Current   int64           `json:"newBalance"`
	Type      TransactionType `json:"type,omitempty"`
	Operation string          `json:"operation,omitempty"`
	At        time.Time       `json:"timestamp"`
}

// ExportVersion is the schema version written into every export.
const ExportVersion = "1.0"

// Export is a best-effort JSON snapshot of all ledger state.
type Export struct {
	Balance      *BalanceRecord `json:"balance"`
	Transactions []Transaction  `json:"transactions"`
	Settings     map[string]any `json:"settings"`
	ExportDate   string         `json:"exportDate"`
	Version      string         `json:"version"`
}
