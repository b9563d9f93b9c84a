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
	"fmt"
	"time"
)

// StuckJobRetryLimit bounds how many times the reaper will revive a job
// (spec.md §3's `retries <= 10` invariant).
const StuckJobRetryLimit = 10

// StuckJobMaxAge and StuckJobHeartbeatTimeout are the reaper's selection
// window (spec.md §4.3).
const (
	StuckJobMaxAge           = 3 * 24 * time.Hour
	StuckJobHeartbeatTimeout = 15 * time.Minute
)

// StuckJobCandidate is a running job the reaper has decided needs reset.
type StuckJobCandidate struct {
	JobID        int64
	ExperimentID int64
	Battery      string
	LockVersion  int64
}

// SelectStuckJobs lists running jobs meeting spec.md §4.3's selection:
// status='running', started within the last three days, heartbeat older
// than fifteen minutes, and under the retry limit.
func (s *Store) SelectStuckJobs(ctx context.Context) ([]StuckJobCandidate, error) {
	now := time.Now().UTC()
	const q = `SELECT id, experiment_id, battery, lock_version
FROM jobs
WHERE status='running'
  AND run_started IS NOT NULL AND run_started > ?
  AND run_heartbeat IS NOT NULL AND run_heartbeat < ?
  AND retries < ?`
	rows, err := s.db.QueryContext(ctx, q, now.Add(-StuckJobMaxAge), now.Add(-StuckJobHeartbeatTimeout), StuckJobRetryLimit)
	if err != nil {
		return nil, fmt.Errorf("rttstore: select stuck jobs: %w", err)
	}
	defer rows.Close()

	var out []StuckJobCandidate
	for rows.Next() {
		var c StuckJobCandidate
		if err := rows.Scan(&c.JobID, &c.ExperimentID, &c.Battery, &c.LockVersion); err != nil {
			return nil, fmt.Errorf("rttstore: scan stuck job: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// markJobError CASes running->error with the observed lock_version,
// returning the new lock_version on success (spec.md §4.3 step 1).
func (s *Store) markJobError(ctx context.Context, jobID, observedLockVersion int64) (int64, bool, error) {
	const upd = `UPDATE jobs SET status='error', lock_version=lock_version+1 WHERE id=? AND lock_version=? AND status='running'`
	res, err := s.db.ExecContext(ctx, upd, jobID, observedLockVersion)
	if err != nil {
		return 0, false, fmt.Errorf("rttstore: reaper mark error job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rttstore: reaper mark error job %d rows affected: %w", jobID, err)
	}
	if n != 1 {
		return 0, false, nil
	}
	return observedLockVersion + 1, true, nil
}

// requeueErroredJob CASes error->pending, bumping retries, using the
// lock_version produced by markJobError (spec.md §4.3 step 4).
func (s *Store) requeueErroredJob(ctx context.Context, jobID, observedLockVersion int64) (bool, error) {
	const upd = `UPDATE jobs SET status='pending', retries=retries+1, lock_version=lock_version+1,
worker_id=NULL, worker_pid=NULL, run_started=NULL, run_heartbeat=NULL
WHERE id=? AND lock_version=? AND status='error'`
	res, err := s.db.ExecContext(ctx, upd, jobID, observedLockVersion)
	if err != nil {
		return false, fmt.Errorf("rttstore: reaper requeue job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rttstore: reaper requeue job %d rows affected: %w", jobID, err)
	}
	return n == 1, nil
}

// ResetStuckJob runs the full double-CAS recovery path for one
// candidate (spec.md §4.3 steps 1-4): error transition, battery-result
// purge, then pending transition. Returns reset=false with no error if
// another worker's CAS won first at either step — the reaper simply
// skips that job this pass.
func (s *Store) ResetStuckJob(ctx context.Context, c StuckJobCandidate) (reset bool, err error) {
	newVersion, ok, err := s.markJobError(ctx, c.JobID, c.LockVersion)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := s.DeleteBatteryResult(ctx, c.ExperimentID, c.Battery); err != nil {
		return false, fmt.Errorf("rttstore: reaper purge battery result for job %d: %w", c.JobID, err)
	}

	ok, err = s.requeueErroredJob(ctx, c.JobID, newVersion)
	if err != nil {
		return false, err
	}
	return ok, nil
}
