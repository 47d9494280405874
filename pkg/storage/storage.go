// Package storage opens the broker database and applies schema migrations.
// It supports sqlite for single-node deployments and postgres for shared
// ones; the relationship and axon stores use $N placeholders so the same
// queries run on both.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the database named by dsn. A dsn beginning with
// postgres:// or postgresql:// uses the postgres driver; anything else is
// treated as a sqlite path (":memory:" included).
func Open(dsn string) (*sql.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		return db, nil
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// Serialize through one connection: modernc sqlite has no shared cache
	// across pooled connections for :memory: databases.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// migration is one numbered schema step. Statements run inside a single
// transaction together with the version bookkeeping row.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS relationships (
				relationship_id    TEXT PRIMARY KEY,
				patient_agent_id   TEXT NOT NULL,
				provider_npi       TEXT NOT NULL,
				status             TEXT NOT NULL,
				consented_actions  TEXT NOT NULL,
				patient_public_key TEXT NOT NULL,
				created_at         TEXT NOT NULL,
				updated_at         TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_patient
				ON relationships (patient_agent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_provider
				ON relationships (provider_npi)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_status
				ON relationships (status)`,
			// At most one live relationship per patient/provider pair;
			// terminated rows stay behind as history.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_live_pair
				ON relationships (patient_agent_id, provider_npi)
				WHERE status != 'terminated'`,
			`CREATE TABLE IF NOT EXISTS termination_records (
				termination_id       TEXT PRIMARY KEY,
				relationship_id      TEXT NOT NULL REFERENCES relationships (relationship_id),
				provider_npi         TEXT NOT NULL,
				reason               TEXT NOT NULL,
				terminated_at        TEXT NOT NULL,
				audit_entry_sequence INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			// Single-row table holding this neuron's directory registration.
			`CREATE TABLE IF NOT EXISTS neuron_registration (
				id              INTEGER PRIMARY KEY CHECK (id = 1),
				registration_id TEXT NOT NULL,
				auth_token      TEXT NOT NULL,
				status          TEXT NOT NULL,
				registered_at   TEXT NOT NULL,
				updated_at      TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS provider_registrations (
				provider_npi     TEXT PRIMARY KEY,
				display_name     TEXT NOT NULL,
				axon_provider_id TEXT NOT NULL,
				registered_at    TEXT NOT NULL
			)`,
		},
	},
}

// Migrate applies every migration newer than the recorded schema version.
// It is safe to call on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("storage: migration %d: %w", m.version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
		m.version, nowRFC3339()); err != nil {
		return err
	}
	return tx.Commit()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Version reports the highest applied migration version.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	return v, nil
}
