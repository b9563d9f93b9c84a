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

package rttstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rttworker/pkg/rtt"
)

// InsertExperiment inserts a new experiment row (used by test fixtures
// and maintenance tooling; the frontend submitter owns this path in
// production per spec.md's Non-goals).
func (s *Store) InsertExperiment(ctx context.Context, e *rtt.Experiment) (int64, error) {
	const ins = `INSERT INTO experiments (name, author_email, created, config_file, data_file, data_file_sha256, status)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	var authorEmail any
	if e.AuthorEmail != nil {
		authorEmail = *e.AuthorEmail
	}
	res, err := s.db.ExecContext(ctx, ins, e.Name, authorEmail, e.Created.UTC(), e.ConfigFile, e.DataFile, e.DataFileSHA256, string(e.Status))
	if err != nil {
		return 0, fmt.Errorf("rttstore: insert experiment: %w", err)
	}
	return res.LastInsertId()
}

// InsertJob inserts a new pending job row for an experiment (test
// fixtures / maintenance tooling).
func (s *Store) InsertJob(ctx context.Context, j *rtt.Job) (int64, error) {
	const ins = `INSERT INTO jobs (experiment_id, battery, status, retries, lock_version) VALUES (?, ?, ?, 0, 0)`
	res, err := s.db.ExecContext(ctx, ins, j.ExperimentID, j.Battery, string(j.Status))
	if err != nil {
		return 0, fmt.Errorf("rttstore: insert job: %w", err)
	}
	return res.LastInsertId()
}

// GetExperiment fetches a single experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id int64) (*rtt.Experiment, error) {
	return s.getExperiment(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) getExperiment(ctx context.Context, q queryer, id int64) (*rtt.Experiment, error) {
	const query = `SELECT id, name, author_email, created, config_file, data_file, data_file_sha256, status, run_started, run_finished
FROM experiments WHERE id=?`
	var (
		row struct {
			id                                                      int64
			name, configFile, dataFile, dataFileSHA256, status      string
			authorEmail                                             sql.NullString
			created                                                 time.Time
			runStarted, runFinished                                 sql.NullTime
		}
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&row.id, &row.name, &row.authorEmail, &row.created, &row.configFile, &row.dataFile, &row.dataFileSHA256,
		&row.status, &row.runStarted, &row.runFinished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rttstore: get experiment: %w", err)
	}
	return &rtt.Experiment{
		ID:             row.id,
		Name:           row.name,
		AuthorEmail:    fromNullStringPtr(row.authorEmail),
		Created:        row.created.UTC(),
		ConfigFile:     row.configFile,
		DataFile:       row.dataFile,
		DataFileSHA256: row.dataFileSHA256,
		Status:         rtt.ExperimentStatus(row.status),
		RunStarted:     fromNullTimePtr(row.runStarted),
		RunFinished:    fromNullTimePtr(row.runFinished),
	}, nil
}

// MarkExperimentRunning transitions an experiment pending->running. It
// is idempotent: rows already running or finished are left untouched
// (spec.md §4.2 Tier B: "only rows still pending are updated").
func (s *Store) MarkExperimentRunning(ctx context.Context, experimentID int64) error {
	const upd = `UPDATE experiments SET status='running', run_started=? WHERE id=? AND status='pending'`
	_, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), experimentID)
	if err != nil {
		return fmt.Errorf("rttstore: mark experiment running: %w", err)
	}
	return nil
}

// JobStatusesForExperiment returns every job status belonging to an
// experiment, for the completion predicate (spec.md §4.6 step 2).
func (s *Store) JobStatusesForExperiment(ctx context.Context, experimentID int64) ([]rtt.JobStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status FROM jobs WHERE experiment_id=?`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("rttstore: job statuses: %w", err)
	}
	defer rows.Close()

	var out []rtt.JobStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("rttstore: scan job status: %w", err)
		}
		out = append(out, rtt.JobStatus(st))
	}
	return out, rows.Err()
}

// ExperimentComplete is the pure predicate from spec.md §4.6 step 2:
// true iff every job of the experiment has reached a terminal status.
func ExperimentComplete(statuses []rtt.JobStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if !st.IsTerminal() {
			return false
		}
	}
	return true
}

// FinishExperiment transitions an experiment to finished, idempotently
// (a no-op if it is already finished).
func (s *Store) FinishExperiment(ctx context.Context, experimentID int64) error {
	const upd = `UPDATE experiments SET status='finished', run_finished=? WHERE id=? AND status != 'finished'`
	_, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), experimentID)
	if err != nil {
		return fmt.Errorf("rttstore: finish experiment: %w", err)
	}
	return nil
}

// BatteryResultsForExperiment reads the result rollups for the
// notification email body.
func (s *Store) BatteryResultsForExperiment(ctx context.Context, experimentID int64) ([]rtt.BatteryResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, passed_tests, total_tests FROM batteries WHERE experiment_id=?`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("rttstore: battery results: %w", err)
	}
	defer rows.Close()

	var out []rtt.BatteryResult
	for rows.Next() {
		var r rtt.BatteryResult
		r.ExperimentID = experimentID
		if err := rows.Scan(&r.Name, &r.PassedTests, &r.TotalTests); err != nil {
			return nil, fmt.Errorf("rttstore: scan battery result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertBatteryResult records (or replaces) a battery rollup for an
// experiment, called by the test runner on successful completion.
func (s *Store) UpsertBatteryResult(ctx context.Context, r rtt.BatteryResult) error {
	const upsert = `INSERT INTO batteries (experiment_id, name, passed_tests, total_tests) VALUES (?, ?, ?, ?)
ON CONFLICT(experiment_id, name) DO UPDATE SET passed_tests=excluded.passed_tests, total_tests=excluded.total_tests`
	_, err := s.db.ExecContext(ctx, upsert, r.ExperimentID, r.Name, r.PassedTests, r.TotalTests)
	if err != nil {
		return fmt.Errorf("rttstore: upsert battery result: %w", err)
	}
	return nil
}

// DeleteBatteryResult removes a battery rollup, used by the reaper when
// resetting a stuck job so a retry does not double-count (spec.md §4.3
// step 3).
func (s *Store) DeleteBatteryResult(ctx context.Context, experimentID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM batteries WHERE experiment_id=? AND name=?`, experimentID, name)
	if err != nil {
		return fmt.Errorf("rttstore: delete battery result: %w", err)
	}
	return nil
}

// FinishedExperimentIDs returns the ids of every finished experiment,
// for the cache janitor sweep (spec.md §4.8).
func (s *Store) FinishedExperimentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM experiments WHERE status='finished'`)
	if err != nil {
		return nil, fmt.Errorf("rttstore: finished experiment ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rttstore: scan experiment id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
