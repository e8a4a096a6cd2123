// Package ledger implements domain.LedgerStore on top of SQLite.
//
// The balance record is encrypted with the device key and carries an
// integrity hash; transactions, settings and backup codes are stored in
// their own tables. Reads distinguish "absent" from "corrupted".
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/observability"
	"github.com/voxnote/voxnote/internal/infra/sqlite"
	"github.com/voxnote/voxnote/internal/infra/vault"
)

// BalanceKey is the singleton key of the balance record.
const BalanceKey = "main"

// DefaultHistoryLimit applies when a non-positive limit is requested.
const DefaultHistoryLimit = 50

// ErrNotOpen is returned by every operation before Open succeeds.
var ErrNotOpen = errors.New("ledger store not open")

var _ domain.LedgerStore = (*Store)(nil)

// Store is the SQLite-backed ledger store.
type Store struct {
	dir    string
	vault  *vault.Provider
	logger *zap.Logger

	mu sync.RWMutex
	db *sqlite.DB

	// verMu guards version, the credits row version last read or written.
	// Zero means no row was seen.
	verMu   sync.Mutex
	version int64
}

// New creates a store that will open its database in dir.
func New(dir string, v *vault.Provider, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, vault: v, logger: logger.Named("ledger")}
}

// Open opens the database. Idempotent.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sqlite.Open(s.dir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	s.db = db
	s.logger.Debug("ledger opened", zap.String("path", db.Path()))
	return nil
}

// Close closes the database if open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sqlite.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotOpen
	}
	return s.db, nil
}

// ─── Balance Record ─────────────────────────────────────────────────────────

// SaveBalance builds, hashes, encrypts and stores the balance record. The
// write is conditional on the record version this store last saw, so a
// second process sharing the database cannot be overwritten blindly.
func (s *Store) SaveBalance(ctx context.Context, balance int64, fingerprint string) (*domain.BalanceRecord, error) {
	if balance < 0 {
		return nil, domain.ErrNegativeBalance
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	now := domain.LedgerNow()
	rec := domain.BalanceRecord{
		Balance:           balance,
		DeviceFingerprint: fingerprint,
		Timestamp:         now,
		LastModified:      now,
	}
	rec.IntegrityHash = vault.IntegrityHash(rec)

	plain, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode balance: %w", err)
	}
	sealed, err := s.vault.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt balance: %w", err)
	}

	s.verMu.Lock()
	defer s.verMu.Unlock()
	version, ok, err := db.PutCreditsIf(ctx, BalanceKey, sealed.Ciphertext, sealed.IV, now.UnixMilli(), s.version)
	if err != nil {
		observability.LedgerWriteErrors.WithLabelValues("balance").Inc()
		return nil, fmt.Errorf("save balance: %w", err)
	}
	if !ok {
		observability.LedgerWriteErrors.WithLabelValues("conflict").Inc()
		return nil, domain.ErrBalanceConflict
	}
	s.version = version
	return &rec, nil
}

// GetBalance reads, decrypts and verifies the balance record.
// Errors: domain.ErrBalanceNotFound, domain.ErrBalanceUndecryptable,
// domain.ErrBalanceTampered, or a storage error.
func (s *Store) GetBalance(ctx context.Context) (*domain.BalanceRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	ct, iv, version, found, err := db.GetCredits(ctx, BalanceKey)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	// Even an unreadable record is the one the next write must replace.
	s.verMu.Lock()
	s.version = version
	s.verMu.Unlock()
	if !found {
		return nil, domain.ErrBalanceNotFound
	}

	plain, err := s.vault.Decrypt(vault.Sealed{Ciphertext: ct, IV: iv})
	if err != nil {
		observability.LedgerCorruptions.WithLabelValues("decrypt").Inc()
		return nil, domain.ErrBalanceUndecryptable
	}
	var rec domain.BalanceRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		observability.LedgerCorruptions.WithLabelValues("decode").Inc()
		return nil, domain.ErrBalanceUndecryptable
	}
	if rec.Balance < 0 || !vault.VerifyIntegrity(rec, rec.IntegrityHash) {
		observability.LedgerCorruptions.WithLabelValues("integrity").Inc()
		return nil, domain.ErrBalanceTampered
	}
	return &rec, nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

// txPayload is the row content covered by the log MAC. Metadata is the
// stored JSON text, so verification does not depend on re-encoding.
type txPayload struct {
	Type      string `json:"type"`
	Amount    int64  `json:"amount"`
	Operation string `json:"operation"`
	Metadata  string `json:"metadata"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Store) txMAC(r sqlite.TransactionRow) string {
	data, _ := json.Marshal(txPayload{r.Type, r.Amount, r.Operation, r.Metadata, r.Timestamp})
	return s.vault.MAC(data)
}

func (s *Store) txAuthentic(r sqlite.TransactionRow) bool {
	data, _ := json.Marshal(txPayload{r.Type, r.Amount, r.Operation, r.Metadata, r.Timestamp})
	return s.vault.VerifyMAC(data, r.MAC)
}

// LogTransaction appends an immutable transaction authenticated with the
// device key. Storage errors propagate.
func (s *Store) LogTransaction(ctx context.Context, typ domain.TransactionType, amount int64, operation string, metadata map[string]any) (*domain.Transaction, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("log transaction: invalid type %q", typ)
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	now := domain.LedgerNow()
	row := sqlite.TransactionRow{
		Type:      string(typ),
		Amount:    amount,
		Operation: operation,
		Metadata:  string(meta),
		Timestamp: now.UnixMilli(),
	}
	row.MAC = s.txMAC(row)
	id, err := db.InsertTransaction(ctx, row)
	if err != nil {
		observability.LedgerWriteErrors.WithLabelValues("transaction").Inc()
		return nil, fmt.Errorf("log transaction: %w", err)
	}
	return &domain.Transaction{
		ID:        id,
		Type:      typ,
		Amount:    amount,
		Operation: operation,
		Metadata:  metadata,
		Timestamp: now,
		Authentic: true,
	}, nil
}

// TransactionHistory returns up to limit transactions, newest first. Rows
// whose MAC does not verify come back with Authentic false.
func (s *Store) TransactionHistory(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.ListTransactions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("transaction history: %w", err)
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, r := range rows {
		tx := domain.Transaction{
			ID:        r.ID,
			Type:      domain.TransactionType(r.Type),
			Amount:    r.Amount,
			Operation: r.Operation,
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Authentic: s.txAuthentic(r),
		}
		if err := decodeJSON(r.Metadata, &tx.Metadata); err != nil {
			s.logger.Warn("unreadable transaction metadata", zap.Int64("id", r.ID), zap.Error(err))
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// ─── Backup Codes ───────────────────────────────────────────────────────────

// SaveBackupCodes stores new, unused backup codes.
func (s *Store) SaveBackupCodes(ctx context.Context, codes []string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	normalized := make([]string, len(codes))
	for i, c := range codes {
		normalized[i] = domain.NormalizeBackupCode(c)
	}
	if err := db.InsertBackupCodes(ctx, normalized, domain.LedgerNow().UnixMilli()); err != nil {
		return fmt.Errorf("save backup codes: %w", err)
	}
	return nil
}

// UseBackupCode consumes code. It returns false, without error, when the
// code is absent or already used.
func (s *Store) UseBackupCode(ctx context.Context, code string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	ok, err := db.MarkBackupCodeUsed(ctx, domain.NormalizeBackupCode(code), domain.LedgerNow().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("use backup code: %w", err)
	}
	return ok, nil
}

// ─── Settings ───────────────────────────────────────────────────────────────

// SaveSetting stores value as JSON under key.
func (s *Store) SaveSetting(ctx context.Context, key string, value any) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	if err := db.UpsertSetting(ctx, key, string(data), domain.LedgerNow().UnixMilli()); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the decoded value under key, or def when the key is
// missing or cannot be read.
func (s *Store) GetSetting(ctx context.Context, key string, def any) any {
	db, err := s.conn()
	if err != nil {
		return def
	}
	raw, found, err := db.GetSetting(ctx, key)
	if err != nil {
		s.logger.Debug("setting read failed", zap.String("key", key), zap.Error(err))
		return def
	}
	if !found {
		return def
	}
	var v any
	if err := decodeJSON(raw, &v); err != nil {
		s.logger.Debug("setting decode failed", zap.String("key", key), zap.Error(err))
		return def
	}
	return v
}

// ─── Export & Reset ─────────────────────────────────────────────────────────

// exportHistoryLimit bounds the transactions included in an export.
const exportHistoryLimit = 1_000_000

// ExportAll snapshots all state. A failing part degrades to null/empty.
func (s *Store) ExportAll(ctx context.Context) domain.Export {
	out := domain.Export{
		Transactions: []domain.Transaction{},
		Settings:     map[string]any{},
		ExportDate:   time.Now().UTC().Format(time.RFC3339),
		Version:      domain.ExportVersion,
	}

	if rec, err := s.GetBalance(ctx); err == nil {
		out.Balance = rec
	} else if !errors.Is(err, domain.ErrBalanceNotFound) {
		s.logger.Warn("export: balance unavailable", zap.Error(err))
	}

	if txs, err := s.TransactionHistory(ctx, exportHistoryLimit); err == nil {
		out.Transactions = txs
	} else {
		s.logger.Warn("export: transactions unavailable", zap.Error(err))
	}

	db, err := s.conn()
	if err != nil {
		return out
	}
	raw, err := db.ListSettings(ctx)
	if err != nil {
		s.logger.Warn("export: settings unavailable", zap.Error(err))
		return out
	}
	for k, v := range raw {
		var decoded any
		if err := decodeJSON(v, &decoded); err != nil {
			continue
		}
		out.Settings[k] = decoded
	}
	return out
}

// ClearAll erases every record kind.
func (s *Store) ClearAll(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	s.verMu.Lock()
	defer s.verMu.Unlock()
	if err := db.ClearCredits(ctx); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	s.version = 0
	s.logger.Info("ledger cleared")
	return nil
}

// RequestPersistence asks for durable retention. Failure is logged only.
func (s *Store) RequestPersistence(ctx context.Context) bool {
	db, err := s.conn()
	if err != nil {
		s.logger.Warn("persistence request skipped", zap.Error(err))
		return false
	}
	if err := db.RequestDurability(ctx); err != nil {
		s.logger.Warn("persistent storage not granted", zap.Error(err))
		return false
	}
	s.logger.Debug("persistent storage granted")
	return true
}

// decodeJSON decodes numbers as json.Number so int64 values survive.
func decodeJSON(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
