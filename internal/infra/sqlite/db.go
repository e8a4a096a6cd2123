// Package sqlite persists voxnote state in a single local SQLite file.
// It uses modernc.org/sqlite (pure Go, no CGO).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "credits.db"

// DB wraps the SQLite connection.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database in dir and applies migrations.
// Safe to call on an existing database.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite only supports one writer at a time.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Ping checks database connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Column is a column added to an existing table by migrate.
type Column struct {
	Table string
	Name  string
	Decl  string
}

func (db *DB) migrate() error {
	for _, stmt := range CreditMigrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return err
		}
	}
	for _, c := range CreditColumns() {
		if err := db.addColumn(c); err != nil {
			return fmt.Errorf("add %s.%s: %w", c.Table, c.Name, err)
		}
	}
	return nil
}

// addColumn adds c unless the table already has it.
func (db *DB) addColumn(c Column) error {
	rows, err := db.db.Query(`SELECT name FROM pragma_table_info(?)`, c.Table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == c.Name {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.db.Exec("ALTER TABLE " + c.Table + " ADD COLUMN " + c.Name + " " + c.Decl)
	return err
}

// RequestDurability asks SQLite for write-ahead logging and full fsync so
// committed ledger writes survive a crash.
func (db *DB) RequestDurability(ctx context.Context) error {
	var mode string
	if err := db.db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		return fmt.Errorf("journal_mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal_mode is %q, want wal", mode)
	}
	if _, err := db.db.ExecContext(ctx, `PRAGMA synchronous=FULL`); err != nil {
		return fmt.Errorf("synchronous: %w", err)
	}
	return nil
}
