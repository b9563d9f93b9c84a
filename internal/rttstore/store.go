// RTT Worker is a distributed job-execution worker for statistical randomness testing.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rttstore is the persistence layer backing the job picker,
// reaper, and completion logic: experiments, jobs, battery result
// rollups, the worker registry, and runtime settings. No row locks or
// SELECT ... FOR UPDATE are used; the lock_version compare-and-swap on
// jobs is the sole concurrency primitive, per the claim contract every
// worker in the fleet must honor identically.
//
// Grounded on internal/provisioner/store/store.go's SQLite DSN, pool,
// and migration conventions.
package rttstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second
	schemaVersionKey   = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("rttstore: not found")

// Store wraps a SQLite database connection and provides typed accessors
// for every table in the data model.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("rttstore: open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rttstore: ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rttstore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("rttstore: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rttstore: commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureMetaTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}
	_ = target
	return nil
}

func (s *Store) ensureMetaTable(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM meta WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `INSERT INTO meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  name             TEXT NOT NULL,
  author_email     TEXT NULL,
  created          TIMESTAMP NOT NULL,
  config_file      TEXT NOT NULL,
  data_file        TEXT NOT NULL,
  data_file_sha256 TEXT NOT NULL DEFAULT '',
  status           TEXT NOT NULL CHECK (status IN ('pending','running','finished')),
  run_started      TIMESTAMP NULL,
  run_finished     TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);`,

		`CREATE TABLE IF NOT EXISTS jobs (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  experiment_id  INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
  battery        TEXT NOT NULL,
  status         TEXT NOT NULL CHECK (status IN ('pending','running','finished','error')),
  run_started    TIMESTAMP NULL,
  run_heartbeat  TIMESTAMP NULL,
  run_finished   TIMESTAMP NULL,
  retries        INTEGER NOT NULL DEFAULT 0,
  worker_id      TEXT NULL,
  worker_pid     INTEGER NULL,
  lock_version   INTEGER NOT NULL DEFAULT 0,
  UNIQUE(experiment_id, battery)
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_experiment ON jobs(experiment_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_heartbeat ON jobs(status, run_heartbeat);`,

		`CREATE TABLE IF NOT EXISTS batteries (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  experiment_id  INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
  name           TEXT NOT NULL,
  passed_tests   INTEGER NOT NULL,
  total_tests    INTEGER NOT NULL,
  UNIQUE(experiment_id, name)
);`,

		`CREATE TABLE IF NOT EXISTS workers (
  id_key           INTEGER PRIMARY KEY AUTOINCREMENT,
  worker_id        TEXT NOT NULL UNIQUE,
  worker_name      TEXT NOT NULL,
  worker_type      TEXT NOT NULL CHECK (worker_type IN ('shortterm','longterm')),
  worker_added     TIMESTAMP NOT NULL,
  worker_last_seen TIMESTAMP NOT NULL,
  worker_active    INTEGER NOT NULL DEFAULT 1,
  worker_address   TEXT NOT NULL DEFAULT '',
  worker_location  TEXT NOT NULL DEFAULT '',
  worker_aux       TEXT NOT NULL DEFAULT ''
);`,

		`CREATE TABLE IF NOT EXISTS rtt_settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// IsTransient reports whether err looks like a retryable database
// contention error. SQLite's own busy/locked conditions are checked
// first; the legacy MySQL substrings from spec.md §4.2.3 are kept as a
// defensive second check so the classification stays correct if the
// driver underneath is ever swapped (see DESIGN.md decision 5).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
		"Deadlock found",
		"Lock wait timeout exceeded",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}
