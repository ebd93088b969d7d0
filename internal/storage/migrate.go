package storage

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

// schemaV1 lists the statements of version 1 in order. Names are only used in errors.
var schemaV1 = []struct {
	name string
	ddl  string
}{
	{"pets table", `
		CREATE TABLE IF NOT EXISTS pets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			preset TEXT NOT NULL,
			rise_rate REAL NOT NULL,
			fall_rate REAL NOT NULL,
			wind_points REAL NOT NULL DEFAULT 0,
			last_threshold_seconds INTEGER NOT NULL DEFAULT 0,
			current_phase INTEGER NOT NULL DEFAULT 0,
			blown_away INTEGER NOT NULL DEFAULT 0,
			blown_away_at TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`},
	{"break_records table", `
		CREATE TABLE IF NOT EXISTS break_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pet_id TEXT NOT NULL REFERENCES pets(id),
			session_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			wind_at_start REAL NOT NULL,
			wind_decreased REAL NOT NULL,
			was_violated INTEGER NOT NULL
		);`},
	{"blow_log table", `
		CREATE TABLE IF NOT EXISTS blow_log (
			pet_id TEXT NOT NULL,
			day TEXT NOT NULL,
			wind_points REAL NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY(pet_id, day)
		);`},
	{"events table", `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pet_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			at TEXT NOT NULL,
			payload TEXT NULL
		);`},
	// app_state doubles as the shared state store of both processes.
	{"app_state table", `
		CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`},
	{"idx_break_records_pet_started", `CREATE INDEX IF NOT EXISTS idx_break_records_pet_started ON break_records(pet_id, started_at);`},
	{"idx_events_pet_id_at", `CREATE INDEX IF NOT EXISTS idx_events_pet_id_at ON events(pet_id, at);`},
}

// Migrate creates the schema or upgrades it to SchemaVersion in a single transaction.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range schemaV1 {
		if _, err := tx.Exec(stmt.ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", stmt.name, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}
