// Package sqldb persists pending transactions, identity profiles and
// settlement outcomes through database/sql. It runs on SQLite for single
// node deployments and tests, and on Postgres through pgx.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to dsn and creates the schema. A postgres:// or
// postgresql:// dsn selects pgx; anything else is a SQLite path.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == "sqlite3" {
		if err := configureSQLite(ctx, db, dsn); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func configureSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// Every connection to :memory: is its own database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}
	return nil
}

// schema is portable between SQLite and Postgres. Times are unix
// milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pending_transactions (
		id TEXT PRIMARY KEY,
		operation_class TEXT NOT NULL,
		payload TEXT NOT NULL,
		authorizing_account TEXT NOT NULL,
		envelope TEXT NOT NULL,
		created_by TEXT NOT NULL,
		status TEXT NOT NULL,
		ledger_hash TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_transactions_status ON pending_transactions(status)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		pending_id TEXT NOT NULL REFERENCES pending_transactions(id) ON DELETE CASCADE,
		signer TEXT NOT NULL,
		signature TEXT NOT NULL,
		signed_at BIGINT NOT NULL,
		PRIMARY KEY (pending_id, signer)
	)`,
	`CREATE TABLE IF NOT EXISTS submission_attempts (
		pending_id TEXT NOT NULL REFERENCES pending_transactions(id) ON DELETE CASCADE,
		attempt_number INTEGER NOT NULL,
		started_at BIGINT NOT NULL,
		outcome TEXT NOT NULL,
		ledger_hash TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (pending_id, attempt_number)
	)`,
	`CREATE TABLE IF NOT EXISTS identity_profiles (
		identity TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		user_id BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		pending_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		ledger_hash TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL,
		recorded_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credit_balances (
		account TEXT PRIMARY KEY,
		balance BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credit_totals (
		id INTEGER PRIMARY KEY,
		total_issued BIGINT NOT NULL
	)`,
}

func createSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
