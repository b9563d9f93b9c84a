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

// CandidateExperimentsWithPendingJobs lists up to limit distinct
// experiment ids that own at least one pending job, ordered by id
// (spec.md §4.2 Tier A candidate list; the picker shuffles the head
// itself per §4.2.1).
func (s *Store) CandidateExperimentsWithPendingJobs(ctx context.Context, limit int) ([]int64, error) {
	const q = `SELECT experiment_id FROM jobs WHERE status='pending' GROUP BY experiment_id ORDER BY experiment_id ASC LIMIT ?`
	return s.queryInt64List(ctx, q, limit)
}

// CandidatePendingExperiments lists up to limit experiment ids whose
// own status is still pending (spec.md §4.2 Tier B).
func (s *Store) CandidatePendingExperiments(ctx context.Context, limit int) ([]int64, error) {
	const q = `SELECT id FROM experiments WHERE status='pending' ORDER BY id ASC LIMIT ?`
	return s.queryInt64List(ctx, q, limit)
}

// PendingJobsForExperiment lists up to limit pending jobs belonging to
// a single experiment, ordered by id (spec.md §4.2 Tier A/B).
func (s *Store) PendingJobsForExperiment(ctx context.Context, experimentID int64, limit int) ([]rtt.Job, error) {
	const q = `SELECT id, experiment_id, battery, status, lock_version FROM jobs WHERE status='pending' AND experiment_id=? ORDER BY id ASC LIMIT ?`
	return s.queryJobCandidates(ctx, q, experimentID, limit)
}

// CandidatePendingJobs lists up to limit pending jobs across the whole
// table (spec.md §4.2 Tier C).
func (s *Store) CandidatePendingJobs(ctx context.Context, limit int) ([]rtt.Job, error) {
	const q = `SELECT id, experiment_id, battery, status, lock_version FROM jobs WHERE status='pending' ORDER BY id ASC LIMIT ?`
	return s.queryJobCandidates(ctx, q, limit)
}

func (s *Store) queryInt64List(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("rttstore: query int64 list: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("rttstore: scan int64: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) queryJobCandidates(ctx context.Context, q string, args ...any) ([]rtt.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("rttstore: query job candidates: %w", err)
	}
	defer rows.Close()
	var out []rtt.Job
	for rows.Next() {
		var j rtt.Job
		if err := rows.Scan(&j.ID, &j.ExperimentID, &j.Battery, &j.Status, &j.LockVersion); err != nil {
			return nil, fmt.Errorf("rttstore: scan job candidate: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob executes the compare-and-swap claim from spec.md §4.2.2: a
// job only transitions pending->running if its lock_version still
// matches observedLockVersion. Returns ok=false (no error) when another
// worker won the race — the caller moves on to the next candidate.
func (s *Store) ClaimJob(ctx context.Context, jobID, observedLockVersion int64, workerID string, workerPID int) (bool, error) {
	now := time.Now().UTC()
	const upd = `UPDATE jobs
SET status='running', run_started=?, run_heartbeat=?, worker_id=?, worker_pid=?, lock_version=lock_version+1
WHERE id=? AND lock_version=?`
	res, err := s.db.ExecContext(ctx, upd, now, now, workerID, workerPID, jobID, observedLockVersion)
	if err != nil {
		return false, fmt.Errorf("rttstore: claim job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rttstore: claim job %d rows affected: %w", jobID, err)
	}
	return n == 1, nil
}

// Heartbeat refreshes a running job's run_heartbeat and worker_pid
// (spec.md §4.5 step 4, every ~20s). The update only matches rows still
// in status='running', so a heartbeat can never accidentally revive an
// already-finished job.
func (s *Store) Heartbeat(ctx context.Context, jobID int64, workerPID int) error {
	const upd = `UPDATE jobs SET run_heartbeat=?, worker_pid=? WHERE id=? AND status='running'`
	_, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), workerPID, jobID)
	if err != nil {
		return fmt.Errorf("rttstore: heartbeat job %d: %w", jobID, err)
	}
	return nil
}

// FinishJob CASes a job running->finished (spec.md §4.6 step 1).
// Idempotent: replaying against an already-finished row affects zero
// rows and returns ok=false with no error, matching the no-op the spec
// requires under retry.
func (s *Store) FinishJob(ctx context.Context, jobID, observedLockVersion int64) (bool, error) {
	const upd = `UPDATE jobs SET status='finished', run_finished=?, lock_version=lock_version+1 WHERE id=? AND lock_version=? AND status='running'`
	res, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), jobID, observedLockVersion)
	if err != nil {
		return false, fmt.Errorf("rttstore: finish job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rttstore: finish job %d rows affected: %w", jobID, err)
	}
	return n == 1, nil
}

// ReleaseWorkerJobs resets every job this worker currently owns back to
// pending, for the `--clean-jobs` startup path: an operator restarting a
// worker that crashed mid-job doesn't need to wait out the reaper's
// fifteen-minute heartbeat window. Returns the number of jobs released.
func (s *Store) ReleaseWorkerJobs(ctx context.Context, workerID string) (int, error) {
	const upd = `UPDATE jobs SET status='pending', lock_version=lock_version+1,
worker_id=NULL, worker_pid=NULL, run_started=NULL, run_heartbeat=NULL
WHERE worker_id=? AND status='running'`
	res, err := s.db.ExecContext(ctx, upd, workerID)
	if err != nil {
		return 0, fmt.Errorf("rttstore: release worker jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rttstore: release worker jobs rows affected: %w", err)
	}
	return int(n), nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*rtt.Job, error) {
	const q = `SELECT id, experiment_id, battery, status, run_started, run_heartbeat, run_finished, retries, worker_id, worker_pid, lock_version
FROM jobs WHERE id=?`
	var (
		status                                string
		runStarted, runHeartbeat, runFinished sql.NullTime
		workerID                              sql.NullString
		workerPID                             sql.NullInt64
		j                                      rtt.Job
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&j.ID, &j.ExperimentID, &j.Battery, &status, &runStarted, &runHeartbeat, &runFinished,
		&j.Retries, &workerID, &workerPID, &j.LockVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rttstore: get job %d: %w", id, err)
	}
	j.Status = rtt.JobStatus(status)
	j.RunStarted = fromNullTimePtr(runStarted)
	j.RunHeartbeat = fromNullTimePtr(runHeartbeat)
	j.RunFinished = fromNullTimePtr(runFinished)
	j.WorkerID = fromNullStringPtr(workerID)
	j.WorkerPID = fromNullInt64Ptr(workerPID)
	return &j, nil
}
