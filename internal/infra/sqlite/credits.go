package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ─── Credit Schema ──────────────────────────────────────────────────────────

// CreditMigrations returns the credit ledger schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
// Timestamps are unix milliseconds.
func CreditMigrations() []string {
	return []string{
		// Singleton encrypted balance record. version starts at 1 and
		// increments on every write.
		`CREATE TABLE IF NOT EXISTS credits (
			id         TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			iv         BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1
		)`,

		// Append-only transaction log
		`CREATE TABLE IF NOT EXISTS transactions (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			type      TEXT NOT NULL,
			amount    INTEGER NOT NULL,
			operation TEXT NOT NULL,
			metadata  TEXT NOT NULL DEFAULT '{}',
			timestamp INTEGER NOT NULL,
			mac       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp)`,

		// Key-value settings, values are JSON
		`CREATE TABLE IF NOT EXISTS credit_settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// One-time backup codes
		`CREATE TABLE IF NOT EXISTS backup_codes (
			code       TEXT PRIMARY KEY,
			used       INTEGER NOT NULL DEFAULT 0,
			used_at    INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_codes_used ON backup_codes(used)`,
	}
}

// CreditColumns are columns added after the first schema. Databases created
// before them are altered on open.
func CreditColumns() []Column {
	return []Column{
		{Table: "credits", Name: "version", Decl: "INTEGER NOT NULL DEFAULT 1"},
		{Table: "transactions", Name: "mac", Decl: "TEXT NOT NULL DEFAULT ''"},
	}
}

// ─── Balance Record Operations ──────────────────────────────────────────────

// PutCreditsIf stores an encrypted record under key only if the stored
// version still equals expected. expected 0 means "no record yet". ok is
// false when another writer got there first; version is the new version.
func (db *DB) PutCreditsIf(ctx context.Context, key string, ciphertext, iv []byte, updatedAt, expected int64) (version int64, ok bool, err error) {
	var res sql.Result
	if expected == 0 {
		res, err = db.db.ExecContext(ctx, `
			INSERT INTO credits (id, ciphertext, iv, updated_at, version)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(id) DO NOTHING
		`, key, ciphertext, iv, updatedAt)
	} else {
		res, err = db.db.ExecContext(ctx, `
			UPDATE credits SET
				ciphertext = ?,
				iv         = ?,
				updated_at = ?,
				version    = version + 1
			WHERE id = ? AND version = ?
		`, ciphertext, iv, updatedAt, key, expected)
	}
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n != 1 {
		return 0, false, nil
	}
	return expected + 1, true, nil
}

// GetCredits reads the encrypted record stored under key and its version.
// found is false when no record exists.
func (db *DB) GetCredits(ctx context.Context, key string) (ciphertext, iv []byte, version int64, found bool, err error) {
	err = db.db.QueryRowContext(ctx, `
		SELECT ciphertext, iv, version FROM credits WHERE id = ?
	`, key).Scan(&ciphertext, &iv, &version)
	if err == sql.ErrNoRows {
		return nil, nil, 0, false, nil
	}
	if err != nil {
		return nil, nil, 0, false, err
	}
	return ciphertext, iv, version, true, nil
}

// ─── Transaction Operations ─────────────────────────────────────────────────

// TransactionRow is a raw transaction log row.
type TransactionRow struct {
	ID        int64
	Type      string
	Amount    int64
	Operation string
	Metadata  string
	Timestamp int64
	MAC       string
}

// InsertTransaction appends a transaction and returns its id.
func (db *DB) InsertTransaction(ctx context.Context, r TransactionRow) (int64, error) {
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO transactions (type, amount, operation, metadata, timestamp, mac)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Type, r.Amount, r.Operation, r.Metadata, r.Timestamp, r.MAC)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTransactions returns up to limit transactions, newest first.
func (db *DB) ListTransactions(ctx context.Context, limit int) ([]TransactionRow, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, type, amount, operation, metadata, timestamp, mac
		FROM transactions ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TransactionRow
	for rows.Next() {
		var r TransactionRow
		if err := rows.Scan(&r.ID, &r.Type, &r.Amount, &r.Operation, &r.Metadata, &r.Timestamp, &r.MAC); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ─── Settings Operations ────────────────────────────────────────────────────

// UpsertSetting stores a JSON-encoded setting value.
func (db *DB) UpsertSetting(ctx context.Context, key, value string, updatedAt int64) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO credit_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, updatedAt)
	return err
}

// GetSetting returns a setting's raw JSON value.
func (db *DB) GetSetting(ctx context.Context, key string) (value string, found bool, err error) {
	err = db.db.QueryRowContext(ctx, `
		SELECT value FROM credit_settings WHERE key = ?
	`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ListSettings returns every setting's raw JSON value.
func (db *DB) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT key, value FROM credit_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// ─── Backup Code Operations ─────────────────────────────────────────────────

// BackupCodeRow is a raw backup code row. UsedAt is 0 when unused.
type BackupCodeRow struct {
	Code      string
	Used      bool
	UsedAt    int64
	CreatedAt int64
}

// InsertBackupCodes stores codes in one transaction. Existing codes are kept
// as they are, so a used code can never be reset to unused.
func (db *DB) InsertBackupCodes(ctx context.Context, codes []string, createdAt int64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO backup_codes (code, used, created_at) VALUES (?, 0, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range codes {
		if _, err := stmt.ExecContext(ctx, c, createdAt); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return tx.Commit()
}

// MarkBackupCodeUsed flips an unused code to used. It reports false when
// the code is absent or was already used. The conditional update makes
// the transition happen at most once.
func (db *DB) MarkBackupCodeUsed(ctx context.Context, code string, usedAt int64) (bool, error) {
	res, err := db.db.ExecContext(ctx, `
		UPDATE backup_codes SET used = 1, used_at = ? WHERE code = ? AND used = 0
	`, usedAt, code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetBackupCode reads a single backup code.
func (db *DB) GetBackupCode(ctx context.Context, code string) (*BackupCodeRow, error) {
	var r BackupCodeRow
	var used int
	var usedAt sql.NullInt64
	err := db.db.QueryRowContext(ctx, `
		SELECT code, used, used_at, created_at FROM backup_codes WHERE code = ?
	`, code).Scan(&r.Code, &used, &usedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Used = used == 1
	r.UsedAt = usedAt.Int64
	return &r, nil
}

// CountUnusedBackupCodes counts codes still available for recovery.
func (db *DB) CountUnusedBackupCodes(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backup_codes WHERE used = 0`).Scan(&n)
	return n, err
}

// ─── Reset ──────────────────────────────────────────────────────────────────

// ClearCredits deletes every row of every credit table in one transaction.
func (db *DB) ClearCredits(ctx context.Context) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"credits", "transactions", "credit_settings", "backup_codes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
