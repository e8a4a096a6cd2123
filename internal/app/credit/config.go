package credit

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/voxnote/voxnote/internal/domain"
)

// CorruptionPolicy decides what Initialize does with an unreadable record.
type CorruptionPolicy string

const (
	// PolicyBlock keeps the corrupted record and refuses balance mutations
	// until Recover, ResetCredits or ClearAllData.
	PolicyBlock CorruptionPolicy = "block"
	// PolicyReset re-baselines to zero and logs a reset transaction.
	PolicyReset CorruptionPolicy = "reset"
)

// Config controls costs, the package catalog and manager policy.
type Config struct {
	Costs               map[domain.Operation]int64
	Packages            []domain.CreditPackage
	LowBalanceThreshold int64
	BackupCodeCount     int
	CorruptionPolicy    CorruptionPolicy
}

// DefaultConfig returns the shipped cost table and catalog.
func DefaultConfig() Config {
	return Config{
		Costs: map[domain.Operation]int64{
			domain.OpPolish:    10,
			domain.OpTranslate: 7,
			domain.OpComplete:  5,
		},
		Packages: []domain.CreditPackage{
			{Key: "starter", Credits: 100, Price: decimal.RequireFromString("0.99"), Label: "Starter"},
			{Key: "standard", Credits: 500, Price: decimal.RequireFromString("3.99"), Label: "Standard"},
			{Key: "pro", Credits: 1200, Price: decimal.RequireFromString("7.99"), Label: "Pro"},
		},
		LowBalanceThreshold: 50,
		BackupCodeCount:     5,
		CorruptionPolicy:    PolicyBlock,
	}
}

// Validate checks the config for values the manager cannot work with.
func (c Config) Validate() error {
	for op, cost := range c.Costs {
		if cost <= 0 {
			return fmt.Errorf("cost of %q must be positive, got %d", op, cost)
		}
	}
	seen := make(map[string]bool, len(c.Packages))
	for _, p := range c.Packages {
		if p.Key == "" {
			return fmt.Errorf("credit package without key")
		}
		if seen[p.Key] {
			return fmt.Errorf("duplicate credit package %q", p.Key)
		}
		seen[p.Key] = true
		if p.Credits <= 0 {
			return fmt.Errorf("package %q must grant positive credits", p.Key)
		}
		if p.Price.IsNegative() {
			return fmt.Errorf("package %q has negative price", p.Key)
		}
	}
	switch c.CorruptionPolicy {
	case PolicyBlock, PolicyReset:
	default:
		return fmt.Errorf("unknown corruption policy %q", c.CorruptionPolicy)
	}
	if c.BackupCodeCount <= 0 {
		return fmt.Errorf("backup code count must be positive")
	}
	return nil
}
