package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/sqlite"
	"github.com/voxnote/voxnote/internal/infra/vault"
)

func testVault() *vault.Provider {
	return vault.New(vault.Signals{
		ScreenWidth: 1280, ScreenHeight: 800, ColorDepth: 24,
		Timezone: "UTC", Language: "en-US", Platform: "test",
		UserAgent: "ledger-test", CanvasData: "canvas",
	})
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), testVault(), nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// overwrite replaces the stored record behind the store's back.
func overwrite(t *testing.T, s *Store, ct, iv []byte) {
	t.Helper()
	ctx := context.Background()
	_, _, version, _, err := s.db.GetCredits(ctx, BalanceKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.db.PutCreditsIf(ctx, BalanceKey, ct, iv, 1, version); err != nil || !ok {
		t.Fatalf("raw overwrite = %v, %v", ok, err)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestStore_NotOpen(t *testing.T) {
	s := New(t.TempDir(), testVault(), nil)
	if _, err := s.GetBalance(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("GetBalance() before Open error = %v, want ErrNotOpen", err)
	}
	if s.RequestPersistence(context.Background()) {
		t.Error("RequestPersistence() before Open = true")
	}
}

func TestStore_OpenIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Open(context.Background()); err != nil {
		t.Errorf("second Open() error: %v", err)
	}
}

// ─── Balance Record ─────────────────────────────────────────────────────────

func TestBalance_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fp := s.vault.Fingerprint()

	saved, err := s.SaveBalance(ctx, 100, fp)
	if err != nil {
		t.Fatalf("SaveBalance() error: %v", err)
	}
	got, err := s.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if got.Balance != 100 || got.DeviceFingerprint != fp {
		t.Errorf("GetBalance() = %+v, want balance 100 for %s", got, fp)
	}
	if !got.Timestamp.Equal(saved.Timestamp) || got.IntegrityHash != saved.IntegrityHash {
		t.Errorf("record changed across round trip: saved %+v, got %+v", saved, got)
	}
}

func TestSaveBalance_RejectsNegative(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SaveBalance(context.Background(), -1, "fp"); !errors.Is(err, domain.ErrNegativeBalance) {
		t.Errorf("SaveBalance(-1) error = %v, want ErrNegativeBalance", err)
	}
}

func TestGetBalance_Absent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBalance(context.Background())
	if !errors.Is(err, domain.ErrBalanceNotFound) {
		t.Errorf("GetBalance() error = %v, want ErrBalanceNotFound", err)
	}
	if errors.Is(err, domain.ErrBalanceCorrupted) {
		t.Error("absent record must not report corruption")
	}
}

func TestGetBalance_CorruptedCiphertext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SaveBalance(ctx, 50, s.vault.Fingerprint())

	ct, iv, _, _, _ := s.db.GetCredits(ctx, BalanceKey)
	ct[len(ct)/2] ^= 0x01
	overwrite(t, s, ct, iv)

	rec, err := s.GetBalance(ctx)
	if !errors.Is(err, domain.ErrBalanceUndecryptable) {
		t.Errorf("GetBalance() error = %v, want ErrBalanceUndecryptable", err)
	}
	if errors.Is(err, domain.ErrBalanceNotFound) {
		t.Error("corrupted record must not look absent")
	}
	if rec != nil {
		t.Errorf("GetBalance() returned record %+v on corruption", rec)
	}
}

func TestGetBalance_IntegrityMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saved, _ := s.SaveBalance(ctx, 50, s.vault.Fingerprint())

	// Re-encrypt a record whose balance was edited without a new hash.
	forged := *saved
	forged.Balance = 5000
	plain, _ := json.Marshal(forged)
	sealed, _ := s.vault.Encrypt(plain)
	overwrite(t, s, sealed.Ciphertext, sealed.IV)

	_, err := s.GetBalance(ctx)
	if !errors.Is(err, domain.ErrBalanceTampered) {
		t.Errorf("GetBalance() error = %v, want ErrBalanceTampered", err)
	}
	if !errors.Is(err, domain.ErrBalanceCorrupted) {
		t.Error("tampered record should match ErrBalanceCorrupted")
	}
}

func TestGetBalance_OtherDevice(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := New(dir, testVault(), nil)
	a.Open(ctx)
	a.SaveBalance(ctx, 10, a.vault.Fingerprint())
	a.Close()

	b := New(dir, vault.New(vault.Signals{Platform: "elsewhere"}), nil)
	b.Open(ctx)
	defer b.Close()
	if _, err := b.GetBalance(ctx); !errors.Is(err, domain.ErrBalanceCorrupted) {
		t.Errorf("GetBalance() on another device error = %v, want ErrBalanceCorrupted", err)
	}
}

func TestSaveBalance_SecondWriterConflicts(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	v := testVault()
	fp := v.Fingerprint()

	a := New(dir, v, nil)
	b := New(dir, v, nil)
	for _, s := range []*Store{a, b} {
		if err := s.Open(ctx); err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		t.Cleanup(func() { s.Close() })
	}

	if _, err := a.SaveBalance(ctx, 100, fp); err != nil {
		t.Fatalf("a.SaveBalance() error: %v", err)
	}
	// b never read the record a created.
	if _, err := b.SaveBalance(ctx, 7, fp); !errors.Is(err, domain.ErrBalanceConflict) {
		t.Fatalf("b.SaveBalance() error = %v, want ErrBalanceConflict", err)
	}

	if rec, err := b.GetBalance(ctx); err != nil || rec.Balance != 100 {
		t.Fatalf("b.GetBalance() = %v, %v; want 100", rec, err)
	}
	if _, err := b.SaveBalance(ctx, 90, fp); err != nil {
		t.Fatalf("b.SaveBalance() after reload error: %v", err)
	}
	if _, err := a.SaveBalance(ctx, 200, fp); !errors.Is(err, domain.ErrBalanceConflict) {
		t.Errorf("stale a.SaveBalance() error = %v, want ErrBalanceConflict", err)
	}
	if rec, _ := a.GetBalance(ctx); rec == nil || rec.Balance != 90 {
		t.Errorf("stored balance = %+v, want 90", rec)
	}
}

func TestSaveBalance_AfterClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fp := s.vault.Fingerprint()
	s.SaveBalance(ctx, 40, fp)
	s.SaveBalance(ctx, 30, fp)

	if err := s.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveBalance(ctx, 5, fp); err != nil {
		t.Fatalf("SaveBalance() after clear error: %v", err)
	}
	if rec, err := s.GetBalance(ctx); err != nil || rec.Balance != 5 {
		t.Errorf("GetBalance() = %v, %v; want 5", rec, err)
	}
}

// ─── Transactions ───────────────────────────────────────────────────────────

func TestLogTransaction_History(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.LogTransaction(ctx, domain.TxPurchase, 100, "purchase", map[string]any{
		"previousBalance": int64(0),
		"newBalance":      int64(100),
	})
	if err != nil {
		t.Fatalf("LogTransaction() error: %v", err)
	}
	second, _ := s.LogTransaction(ctx, domain.TxDeduction, 7, "translate", nil)
	if second.ID <= first.ID {
		t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
	}

	txs, err := s.TransactionHistory(ctx, 0)
	if err != nil {
		t.Fatalf("TransactionHistory() error: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if txs[0].ID != second.ID {
		t.Errorf("newest first: got id %d, want %d", txs[0].ID, second.ID)
	}
	if txs[1].Metadata["newBalance"] != json.Number("100") {
		t.Errorf("metadata newBalance = %#v, want json.Number(100)", txs[1].Metadata["newBalance"])
	}
}

func TestTransactionHistory_Authentic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if tx, err := s.LogTransaction(ctx, domain.TxPurchase, 100, "starter", map[string]any{"newBalance": int64(100)}); err != nil || !tx.Authentic {
		t.Fatalf("LogTransaction() = %+v, %v", tx, err)
	}
	// A row written straight into the database, without the device key.
	if _, err := s.db.InsertTransaction(ctx, sqlite.TransactionRow{
		Type: "purchase", Amount: 999999, Operation: "starter",
		Metadata: `{"newBalance":1000000}`, Timestamp: 1 << 50,
	}); err != nil {
		t.Fatal(err)
	}
	// A genuine row whose metadata was edited afterwards.
	rows, _ := s.db.ListTransactions(ctx, 10)
	genuine := rows[len(rows)-1]
	genuine.Metadata = `{"newBalance":5000}`
	genuine.Timestamp++
	if _, err := s.db.InsertTransaction(ctx, genuine); err != nil {
		t.Fatal(err)
	}

	txs, err := s.TransactionHistory(ctx, 10)
	if err != nil {
		t.Fatalf("TransactionHistory() error: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txs))
	}
	for _, tx := range txs {
		want := tx.Amount == 100 && tx.Metadata["newBalance"] == json.Number("100")
		if tx.Authentic != want {
			t.Errorf("tx %d (%s %d %v) Authentic = %v, want %v", tx.ID, tx.Type, tx.Amount, tx.Metadata, tx.Authentic, want)
		}
	}

	other := New(t.TempDir(), vault.New(vault.Signals{Platform: "elsewhere"}), nil)
	if other.txAuthentic(rows[len(rows)-1]) {
		t.Error("row verified under another device key")
	}
}

func TestLogTransaction_InvalidType(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LogTransaction(context.Background(), "bonus", 1, "x", nil); err == nil {
		t.Error("LogTransaction(bonus) should fail")
	}
}

func TestLogTransaction_PropagatesStorageError(t *testing.T) {
	s := newTestStore(t)
	s.db.Close()
	if _, err := s.LogTransaction(context.Background(), domain.TxDeduction, 1, "x", nil); err == nil {
		t.Error("LogTransaction() on closed db should fail")
	}
}

// ─── Backup Codes ───────────────────────────────────────────────────────────

func TestBackupCodes_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	codes, _ := vault.GenerateBackupCodes(5)
	if err := s.SaveBackupCodes(ctx, codes); err != nil {
		t.Fatalf("SaveBackupCodes() error: %v", err)
	}

	// Lookup is case-insensitive.
	lower := []byte(codes[0])
	for i, c := range lower {
		if c >= 'A' && c <= 'F' {
			lower[i] = c + ('a' - 'A')
		}
	}
	ok, err := s.UseBackupCode(ctx, string(lower))
	if err != nil || !ok {
		t.Fatalf("UseBackupCode() = %v, %v; want true", ok, err)
	}
	ok, err = s.UseBackupCode(ctx, codes[0])
	if err != nil || ok {
		t.Errorf("reuse = %v, %v; want false, nil", ok, err)
	}
	ok, _ = s.UseBackupCode(ctx, "0000000000000000")
	if ok {
		t.Error("unknown code accepted")
	}
}

// ─── Settings ───────────────────────────────────────────────────────────────

func TestSettings_DefaultOnMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if got := s.GetSetting(ctx, "lowBalanceThreshold", 50); got != 50 {
		t.Errorf("GetSetting(missing) = %v, want default 50", got)
	}
	if err := s.SaveSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SaveSetting() error: %v", err)
	}
	if got := s.GetSetting(ctx, "theme", "light"); got != "dark" {
		t.Errorf("GetSetting(theme) = %v, want dark", got)
	}

	s.db.Close()
	if got := s.GetSetting(ctx, "theme", "light"); got != "light" {
		t.Errorf("GetSetting() after failure = %v, want default", got)
	}
}

// ─── Export & Clear ─────────────────────────────────────────────────────────

func TestExportAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SaveBalance(ctx, 30, s.vault.Fingerprint())
	s.LogTransaction(ctx, domain.TxPurchase, 30, "starter", nil)
	s.SaveSetting(ctx, "theme", "dark")

	exp := s.ExportAll(ctx)
	if exp.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", exp.Version)
	}
	if exp.Balance == nil || exp.Balance.Balance != 30 {
		t.Errorf("Balance = %+v, want 30", exp.Balance)
	}
	if len(exp.Transactions) != 1 || exp.Settings["theme"] != "dark" {
		t.Errorf("export = %+v", exp)
	}

	// The export must survive a JSON round trip unchanged.
	data, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	var back domain.Export
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if back.Balance.Balance != 30 || back.Balance.IntegrityHash != exp.Balance.IntegrityHash {
		t.Errorf("balance changed across round trip: %+v", back.Balance)
	}
	if !vault.VerifyIntegrity(*back.Balance, back.Balance.IntegrityHash) {
		t.Error("exported balance no longer verifies after round trip")
	}
}

func TestExportAll_DegradesOnCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	overwrite(t, s, []byte("garbage"), []byte("123456789012"))
	s.LogTransaction(ctx, domain.TxPurchase, 1, "starter", nil)

	exp := s.ExportAll(ctx)
	if exp.Balance != nil {
		t.Errorf("Balance = %+v, want nil for corrupted record", exp.Balance)
	}
	if len(exp.Transactions) != 1 {
		t.Errorf("transactions = %d, want 1", len(exp.Transactions))
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SaveBalance(ctx, 30, s.vault.Fingerprint())
	s.LogTransaction(ctx, domain.TxPurchase, 30, "starter", nil)

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error: %v", err)
	}
	if _, err := s.GetBalance(ctx); !errors.Is(err, domain.ErrBalanceNotFound) {
		t.Errorf("GetBalance() after clear error = %v, want ErrBalanceNotFound", err)
	}
	txs, _ := s.TransactionHistory(ctx, 10)
	if len(txs) != 0 {
		t.Errorf("history after clear = %d, want 0", len(txs))
	}
}

func TestRequestPersistence(t *testing.T) {
	s := newTestStore(t)
	if !s.RequestPersistence(context.Background()) {
		t.Error("RequestPersistence() = false on a file database")
	}
}
