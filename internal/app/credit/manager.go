// Package credit owns the authoritative credit balance.
//
// Every balance mutation goes through Manager. Mutations are serialized by
// a mutation lock and follow persist-then-commit: the new balance is
// written to the ledger store first and the cached value changes only when
// that write succeeds, so the cache never diverges from durable state.
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/observability"
	"github.com/voxnote/voxnote/internal/infra/vault"
)

// State is the manager lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Fingerprinter supplies the device fingerprint bound into balance records.
type Fingerprinter interface {
	Fingerprint() string
}

// Listener observes committed balance changes.
type Listener func(domain.BalanceChange)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Manager is the single owner of one account's credit balance.
type Manager struct {
	store    domain.LedgerStore
	device   Fingerprinter
	payments domain.PaymentProcessor
	cfg      Config
	logger   *zap.Logger

	initMu sync.Mutex
	state  atomic.Int32

	// mutMu serializes read-modify-persist cycles.
	mutMu sync.Mutex

	mu        sync.RWMutex // guards balance and corrupted
	balance   int64
	corrupted bool

	lmu       sync.Mutex
	listeners []listenerEntry
	nextID    uint64
}

// New creates a manager. payments may be nil, in which case purchases use
// a zero-delay DemoProcessor.
func New(store domain.LedgerStore, device Fingerprinter, payments domain.PaymentProcessor, cfg Config, logger *zap.Logger) *Manager {
	if payments == nil {
		payments = &DemoProcessor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		device:   device,
		payments: payments,
		cfg:      cfg,
		logger:   logger.Named("credit"),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Initialize opens storage and loads the balance. Calls after the manager
// is ready are no-ops. Only a storage open failure is returned.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.State() == StateReady {
		return nil
	}
	m.state.Store(int32(StateInitializing))

	if err := m.store.Open(ctx); err != nil {
		m.state.Store(int32(StateUninitialized))
		return fmt.Errorf("initialize credits: %w", err)
	}

	fp := m.device.Fingerprint()
	balance, corrupted := m.load(ctx, fp, maxConflictRetries)

	m.mu.Lock()
	m.balance = balance
	m.corrupted = corrupted
	m.mu.Unlock()
	observability.CreditBalance.Set(float64(balance))

	m.store.RequestPersistence(ctx)

	m.state.Store(int32(StateReady))
	m.logger.Info("credits ready",
		zap.Int64("balance", balance),
		zap.Bool("corrupted", corrupted))
	return nil
}

// load reads the stored balance, applying the corruption policy. A baseline
// write that loses to another process starts over, at most retries times.
func (m *Manager) load(ctx context.Context, fp string, retries int) (balance int64, corrupted bool) {
	rec, err := m.store.GetBalance(ctx)
	if err == nil && rec.DeviceFingerprint != fp {
		err = domain.ErrBalanceTampered
	}

	switch {
	case err == nil:
		return rec.Balance, false

	case errors.Is(err, domain.ErrBalanceCorrupted):
		m.logger.Error("stored balance is corrupted",
			zap.Error(err),
			zap.String("policy", string(m.cfg.CorruptionPolicy)))
		if m.cfg.CorruptionPolicy != PolicyReset {
			return 0, true
		}
		if _, err := m.store.SaveBalance(ctx, 0, fp); err != nil {
			if errors.Is(err, domain.ErrBalanceConflict) && retries > 0 {
				return m.load(ctx, fp, retries-1)
			}
			m.logger.Error("re-baseline after corruption failed", zap.Error(err))
			return 0, true
		}
		if _, err := m.store.LogTransaction(ctx, domain.TxReset, 0, string(domain.OpCorruptReset), map[string]any{
			"newBalance": int64(0),
			"timestamp":  domain.LedgerNow().UnixMilli(),
		}); err != nil {
			m.logger.Warn("transaction log incomplete", zap.Error(err))
		}
		return 0, false

	default:
		if !errors.Is(err, domain.ErrBalanceNotFound) {
			m.logger.Warn("balance load failed, starting at zero", zap.Error(err))
		}
		if _, err := m.store.SaveBalance(ctx, 0, fp); err != nil {
			if errors.Is(err, domain.ErrBalanceConflict) && retries > 0 {
				return m.load(ctx, fp, retries-1)
			}
			m.logger.Warn("could not persist zero baseline", zap.Error(err))
		}
		return 0, false
	}
}

func (m *Manager) ready() error {
	if m.State() != StateReady {
		return domain.ErrNotInitialized
	}
	return nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Balance returns the cached balance. No I/O.
func (m *Manager) Balance() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

// Corrupted reports whether the stored record was unreadable at load and
// has not been recovered yet.
func (m *Manager) Corrupted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.corrupted
}

// Cost returns the credit cost of op. An unknown op is a programming
// error and panics; use LookupCost for untrusted input.
func (m *Manager) Cost(op domain.Operation) int64 {
	cost, ok := m.cfg.Costs[op]
	if !ok {
		panic(fmt.Sprintf("credit: %v: %q", domain.ErrUnknownOperation, op))
	}
	return cost
}

// LookupCost returns the cost of op and whether op is known.
func (m *Manager) LookupCost(op domain.Operation) (int64, bool) {
	cost, ok := m.cfg.Costs[op]
	return cost, ok
}

// Costs returns a copy of the cost table.
func (m *Manager) Costs() map[domain.Operation]int64 {
	out := make(map[domain.Operation]int64, len(m.cfg.Costs))
	for k, v := range m.cfg.Costs {
		out[k] = v
	}
	return out
}

// HasSufficientCredits compares cost against the cached balance.
func (m *Manager) HasSufficientCredits(cost int64) bool {
	return m.Balance() >= cost
}

// CostPreview projects the balance after paying for op. Panics on an
// unknown op, like Cost.
func (m *Manager) CostPreview(op domain.Operation) domain.CostPreview {
	return domain.NewCostPreview(op, m.Cost(op), m.Balance())
}

// IsRunningLow reports whether the balance is below threshold. A
// non-positive threshold uses the configured default.
func (m *Manager) IsRunningLow(threshold int64) bool {
	if threshold <= 0 {
		threshold = m.cfg.LowBalanceThreshold
	}
	return domain.IsRunningLow(m.Balance(), threshold)
}

// Packages returns the credit package catalog.
func (m *Manager) Packages() []domain.CreditPackage {
	return append([]domain.CreditPackage(nil), m.cfg.Packages...)
}

// Package looks up a catalog entry by key.
func (m *Manager) Package(key string) (domain.CreditPackage, bool) {
	for _, p := range m.cfg.Packages {
		if p.Key == key {
			return p, true
		}
	}
	return domain.CreditPackage{}, false
}

// History returns up to limit transactions, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.store.TransactionHistory(ctx, limit)
}

// Export returns a best-effort snapshot of all ledger state.
func (m *Manager) Export(ctx context.Context) (domain.Export, error) {
	if err := m.ready(); err != nil {
		return domain.Export{}, err
	}
	return m.store.ExportAll(ctx), nil
}

// Setting reads a setting, falling back to def.
func (m *Manager) Setting(ctx context.Context, key string, def any) any {
	if m.ready() != nil {
		return def
	}
	return m.store.GetSetting(ctx, key, def)
}

// SaveSetting writes a setting.
func (m *Manager) SaveSetting(ctx context.Context, key string, value any) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.SaveSetting(ctx, key, value)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// mutation describes one read-modify-persist cycle.
type mutation struct {
	typ       domain.TransactionType
	operation string
	metadata  map[string]any
	// apply computes the new balance and the logged amount from the current one.
	apply func(current int64) (next, amount int64, err error)
	// allowCorrupted lets the mutation run while the record is corrupted.
	allowCorrupted bool
}

// maxConflictRetries bounds how often a mutation re-reads the record after
// another process wrote it first.
const maxConflictRetries = 5

// mutate runs mu under the mutation lock with persist-then-commit.
// Persistence is detached from ctx cancellation: once started it runs to
// completion. When another process sharing the store wrote the record
// since it was loaded, or the cached balance is too low, the cache is
// refreshed from the store and mu is applied again to the fresh balance.
func (m *Manager) mutate(ctx context.Context, mu mutation) (int64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	ctx = context.WithoutCancel(ctx)

	m.mutMu.Lock()
	defer m.mutMu.Unlock()

	var current, next, amount int64
	reloaded := false
	for attempt := 0; ; attempt++ {
		m.mu.RLock()
		c, corrupted := m.balance, m.corrupted
		m.mu.RUnlock()
		current = c

		if corrupted && !mu.allowCorrupted {
			return current, domain.ErrBalanceCorrupted
		}

		var err error
		next, amount, err = mu.apply(current)
		if errors.Is(err, domain.ErrInsufficientCredits) && !reloaded {
			// The cache may predate a purchase made by another process.
			m.reload(ctx)
			reloaded = true
			continue
		}
		if err != nil {
			return current, err
		}
		if next < 0 {
			return current, domain.ErrNegativeBalance
		}

		// Persist first. On failure nothing in memory has changed.
		_, err = m.store.SaveBalance(ctx, next, m.device.Fingerprint())
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrBalanceConflict) && attempt < maxConflictRetries {
			m.logger.Debug("balance written elsewhere, reloading",
				zap.String("type", string(mu.typ)),
				zap.Int("attempt", attempt+1))
			m.reload(ctx)
			reloaded = true
			continue
		}
		observability.CreditMutationFailures.WithLabelValues(string(mu.typ)).Inc()
		m.logger.Error("balance persist failed, mutation rolled back",
			zap.String("type", string(mu.typ)),
			zap.String("operation", mu.operation),
			zap.Int64("balance", current),
			zap.Error(err))
		return current, fmt.Errorf("persist balance: %w", err)
	}

	m.mu.Lock()
	m.balance = next
	m.corrupted = false
	m.mu.Unlock()
	observability.CreditBalance.Set(float64(next))

	now := domain.LedgerNow()
	meta := make(map[string]any, len(mu.metadata)+3)
	for k, v := range mu.metadata {
		meta[k] = v
	}
	meta["previousBalance"] = current
	meta["newBalance"] = next
	meta["timestamp"] = now.UnixMilli()

	// The balance change stands even if the log append fails.
	if _, err := m.store.LogTransaction(ctx, mu.typ, amount, mu.operation, meta); err != nil {
		m.logger.Warn("transaction log incomplete",
			zap.String("type", string(mu.typ)),
			zap.String("operation", mu.operation),
			zap.Error(err))
	}

	m.notify(domain.BalanceChange{
		Previous:  current,
		Current:   next,
		Type:      mu.typ,
		Operation: mu.operation,
		At:        now,
	})
	return next, nil
}

// reload replaces the cache with the stored record. mutMu must be held.
// A changed balance is announced to listeners.
func (m *Manager) reload(ctx context.Context) {
	rec, err := m.store.GetBalance(ctx)
	if err == nil && rec.DeviceFingerprint != m.device.Fingerprint() {
		err = domain.ErrBalanceTampered
	}

	var balance int64
	var corrupted bool
	switch {
	case err == nil:
		balance = rec.Balance
	case errors.Is(err, domain.ErrBalanceNotFound):
	case errors.Is(err, domain.ErrBalanceCorrupted):
		m.logger.Error("stored balance is corrupted", zap.Error(err))
		corrupted = true
	default:
		m.logger.Warn("balance reload failed, keeping cached value", zap.Error(err))
		return
	}

	m.mu.Lock()
	previous := m.balance
	m.balance = balance
	m.corrupted = corrupted
	m.mu.Unlock()
	observability.CreditBalance.Set(float64(balance))

	if previous != balance {
		m.logger.Info("balance changed by another process",
			zap.Int64("previous", previous),
			zap.Int64("balance", balance))
		m.notify(domain.BalanceChange{Previous: previous, Current: balance, At: domain.LedgerNow()})
	}
}

// Refresh re-reads the stored balance, picking up writes made by another
// process sharing the data directory, and returns the cached value.
func (m *Manager) Refresh(ctx context.Context) (int64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	m.mutMu.Lock()
	defer m.mutMu.Unlock()
	m.reload(context.WithoutCancel(ctx))
	return m.Balance(), nil
}

// DeductCredits spends cost credits on operation. When the balance is too
// low it returns *domain.InsufficientCreditsError and changes nothing.
func (m *Manager) DeductCredits(ctx context.Context, cost int64, operation string, metadata map[string]any) (int64, error) {
	if cost <= 0 {
		return m.Balance(), domain.ErrInvalidAmount
	}
	next, err := m.mutate(ctx, mutation{
		typ:       domain.TxDeduction,
		operation: operation,
		metadata:  metadata,
		apply: func(current int64) (int64, int64, error) {
			if current < cost {
				return current, 0, &domain.InsufficientCreditsError{Required: cost, Available: current}
			}
			return current - cost, cost, nil
		},
	})
	if errors.Is(err, domain.ErrInsufficientCredits) {
		observability.InsufficientCredits.WithLabelValues(operation).Inc()
		return next, err
	}
	if err == nil {
		observability.CreditsDeducted.WithLabelValues(operation).Add(float64(cost))
	}
	return next, err
}

// AddCredits adds amount credits from source and logs a purchase.
func (m *Manager) AddCredits(ctx context.Context, amount int64, source string, metadata map[string]any) (int64, error) {
	return m.add(ctx, domain.TxPurchase, amount, source, metadata)
}

// RefundCredits returns amount credits for operation and logs a refund.
func (m *Manager) RefundCredits(ctx context.Context, amount int64, operation string, metadata map[string]any) (int64, error) {
	return m.add(ctx, domain.TxRefund, amount, operation, metadata)
}

func (m *Manager) add(ctx context.Context, typ domain.TransactionType, amount int64, source string, metadata map[string]any) (int64, error) {
	if amount <= 0 {
		return m.Balance(), domain.ErrInvalidAmount
	}
	next, err := m.mutate(ctx, mutation{
		typ:       typ,
		operation: source,
		metadata:  metadata,
		apply: func(current int64) (int64, int64, error) {
			return current + amount, amount, nil
		},
	})
	if err == nil {
		observability.CreditsAdded.WithLabelValues(string(typ)).Add(float64(amount))
	}
	return next, err
}

// ResetCredits sets the balance to newBalance, bypassing sufficiency
// checks. It also clears a corrupted state.
func (m *Manager) ResetCredits(ctx context.Context, newBalance int64) (int64, error) {
	if newBalance < 0 {
		return m.Balance(), domain.ErrNegativeBalance
	}
	return m.mutate(ctx, mutation{
		typ:            domain.TxReset,
		operation:      string(domain.OpAdminReset),
		allowCorrupted: true,
		apply: func(current int64) (int64, int64, error) {
			return newBalance, newBalance - current, nil
		},
	})
}

// PurchaseCredits charges for the package and credits it. A failed charge
// never adds credits.
func (m *Manager) PurchaseCredits(ctx context.Context, packageKey, paymentMethod string) (*domain.Receipt, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	pkg, ok := m.Package(packageKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPackage, packageKey)
	}
	if m.Corrupted() {
		return nil, domain.ErrBalanceCorrupted
	}

	payment, err := m.payments.Charge(ctx, pkg, paymentMethod)
	if err != nil {
		observability.Purchases.WithLabelValues(pkg.Key, "payment_failed").Inc()
		return nil, fmt.Errorf("%w: %w", domain.ErrPaymentFailed, err)
	}

	receiptID := ulid.Make().String()
	newBalance, err := m.AddCredits(ctx, pkg.Credits, pkg.Key, map[string]any{
		"package":       pkg.Key,
		"price":         pkg.Price.String(),
		"paymentMethod": paymentMethod,
		"paymentId":     payment.PaymentID,
		"receiptId":     receiptID,
	})
	if err != nil {
		observability.Purchases.WithLabelValues(pkg.Key, "credit_failed").Inc()
		m.logger.Error("payment captured but credits not added",
			zap.String("package", pkg.Key),
			zap.String("payment_id", payment.PaymentID),
			zap.Error(err))
		return nil, fmt.Errorf("credit purchase %s: %w", payment.PaymentID, err)
	}
	observability.Purchases.WithLabelValues(pkg.Key, "ok").Inc()

	receipt := &domain.Receipt{
		ID:            receiptID,
		PackageKey:    pkg.Key,
		Credits:       pkg.Credits,
		Price:         pkg.Price,
		PaymentMethod: paymentMethod,
		PaymentID:     payment.PaymentID,
		NewBalance:    newBalance,
		Timestamp:     domain.LedgerNow(),
	}
	if err := m.store.SaveSetting(ctx, "lastPurchase", receipt); err != nil {
		m.logger.Warn("could not record last purchase", zap.Error(err))
	}
	return receipt, nil
}

// ClearAllData wipes the ledger and zeroes the cached balance without
// logging a transaction.
func (m *Manager) ClearAllData(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	m.mutMu.Lock()
	defer m.mutMu.Unlock()

	if err := m.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear credit data: %w", err)
	}

	m.mu.Lock()
	previous := m.balance
	m.balance = 0
	m.corrupted = false
	m.mu.Unlock()
	observability.CreditBalance.Set(0)

	m.logger.Info("credit data cleared", zap.Int64("previous_balance", previous))
	m.notify(domain.BalanceChange{Previous: previous, Current: 0, At: domain.LedgerNow()})
	return nil
}

// ─── Backup Codes & Recovery ────────────────────────────────────────────────

// GenerateBackupCodes creates and stores a fresh batch of backup codes.
// Codes are only issued while the balance is healthy: a code minted after
// corruption would let anyone with the database recover it.
func (m *Manager) GenerateBackupCodes(ctx context.Context) ([]string, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if m.Corrupted() {
		return nil, domain.ErrBalanceCorrupted
	}
	codes, err := vault.GenerateBackupCodes(m.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveBackupCodes(ctx, codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// UseBackupCode consumes code. Malformed, unknown and used codes return false.
func (m *Manager) UseBackupCode(ctx context.Context, code string) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	code = domain.NormalizeBackupCode(code)
	if !vault.IsValidBackupCode(code) {
		return false, nil
	}
	return m.store.UseBackupCode(ctx, code)
}

// recoveryScanLimit bounds how far back Recover looks for an authentic row.
const recoveryScanLimit = 1000

// Recover restores a corrupted balance with a backup code. The balance is
// rebuilt from the newest authentic transaction's recorded newBalance.
// Rows whose MAC does not verify are skipped; with none left the balance
// is restored to zero.
func (m *Manager) Recover(ctx context.Context, code string) (int64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if !m.Corrupted() {
		return m.Balance(), domain.ErrNotCorrupted
	}
	ok, err := m.UseBackupCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrInvalidBackupCode
	}

	restored, from := m.lastAuthenticBalance(ctx)
	return m.mutate(ctx, mutation{
		typ:            domain.TxReset,
		operation:      string(domain.OpBackupRecovery),
		allowCorrupted: true,
		metadata:       map[string]any{"restoredFrom": from},
		apply: func(current int64) (int64, int64, error) {
			return restored, restored - current, nil
		},
	})
}

// lastAuthenticBalance returns the newBalance of the newest transaction
// whose MAC verifies, and the id it came from ("none" when there is none).
func (m *Manager) lastAuthenticBalance(ctx context.Context) (int64, string) {
	txs, err := m.store.TransactionHistory(ctx, recoveryScanLimit)
	if err != nil {
		m.logger.Warn("recovery without transaction history", zap.Error(err))
		return 0, "none"
	}
	skipped := 0
	for _, tx := range txs {
		if !tx.Authentic {
			skipped++
			continue
		}
		if v, ok := metadataInt(tx.Metadata, "newBalance"); ok && v >= 0 {
			if skipped > 0 {
				m.logger.Warn("skipped unauthenticated transactions during recovery", zap.Int("count", skipped))
			}
			return v, "transaction:" + strconv.FormatInt(tx.ID, 10)
		}
	}
	if skipped > 0 {
		m.logger.Warn("no authentic transaction to recover from", zap.Int("skipped", skipped))
	}
	return 0, "none"
}

// metadataInt reads an integer from decoded transaction metadata.
func metadataInt(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// ─── Observers ──────────────────────────────────────────────────────────────

// OnBalanceChange registers fn and returns a function that removes it.
// Listeners run synchronously, in registration order, while the mutation
// lock is held: they must not block and must not mutate the balance.
func (m *Manager) OnBalanceChange(fn Listener) (remove func()) {
	m.lmu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) notify(change domain.BalanceChange) {
	m.lmu.Lock()
	listeners := append([]listenerEntry(nil), m.listeners...)
	m.lmu.Unlock()

	for _, l := range listeners {
		m.safeCall(l.fn, change)
	}
}

func (m *Manager) safeCall(fn Listener, change domain.BalanceChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("balance listener panicked", zap.Any("panic", r))
		}
	}()
	fn(change)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// WaitReady polls until the manager is ready or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for m.State() != StateReady {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
