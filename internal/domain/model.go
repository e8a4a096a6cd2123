// Package domain contains pure business types with ZERO infrastructure imports.
// It is the innermost layer and depends on nothing else in the module.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ─── Cost Rules ─────────────────────────────────────────────────────────────

// NewCostPreview projects the balance after paying cost. Pure.
func NewCostPreview(op Operation, cost, balance int64) CostPreview {
	p := CostPreview{
		Operation:      op,
		Cost:           cost,
		CurrentBalance: balance,
		Sufficient:     balance >= cost,
	}
	if p.Sufficient {
		after := balance - cost
		p.BalanceAfter = &after
	}
	return p
}

// IsRunningLow reports whether balance is below threshold.
func IsRunningLow(balance, threshold int64) bool {
	return balance < threshold
}

// ─── Backup Codes ───────────────────────────────────────────────────────────

// BackupCodeLength is the number of hex characters in a backup code.
const BackupCodeLength = 16

// NormalizeBackupCode upper-cases and trims a user-supplied code.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ─── Time ───────────────────────────────────────────────────────────────────

// LedgerNow returns the current time at the millisecond precision the
// ledger hashes and persists.
func LedgerNow() time.Time {
	return time.UnixMilli(time.Now().UnixMilli()).UTC()
}

// ─── Utilities ──────────────────────────────────────────────────────────────

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
