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

package rttworker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"rttworker/internal/metrics"
	"rttworker/pkg/rtt"
)

// claim is the outcome of a successful picker pass: the job row as it
// stands immediately after the winning CAS (status=running,
// lock_version bumped).
type claim struct {
	Job  rtt.Job
	Tier string
}

// pickAndClaim runs the three-tier cascade from spec.md §4.2, stopping
// at the first tier that yields a claim. A nil claim with a nil error
// means every tier was exhausted without a win.
func (w *Worker) pickAndClaim(ctx context.Context) (*claim, error) {
	limit := candidateMultiplier * w.opts.NumWorkers

	if c, err := w.pickCacheAffine(ctx, limit); err != nil || c != nil {
		return c, err
	}
	if c, err := w.pickFreshExperiment(ctx, limit); err != nil || c != nil {
		return c, err
	}
	return w.pickAnyPending(ctx, limit)
}

// pickCacheAffine is tier A: experiments whose data artifact is
// already present in this host's local cache are preferred, to avoid a
// redundant download.
func (w *Worker) pickCacheAffine(ctx context.Context, limit int) (*claim, error) {
	expIDs, err := withRetry(ctx, w.logger, "candidate_experiments_pending", func() ([]int64, error) {
		return w.store.CandidateExperimentsWithPendingJobs(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	shuffleHead(expIDs, w.opts.NumWorkers)

	for _, expID := range expIDs {
		if !w.dataCached(expID) {
			continue
		}
		jobs, err := withRetry(ctx, w.logger, "pending_jobs_for_experiment", func() ([]rtt.Job, error) {
			return w.store.PendingJobsForExperiment(ctx, expID, limit)
		})
		if err != nil {
			return nil, err
		}
		shuffleHead(jobs, w.opts.NumWorkers)
		for _, j := range jobs {
			ok, err := w.tryClaim(ctx, j, metrics.TierCacheAffine)
			if err != nil {
				return nil, err
			}
			if ok {
				j.LockVersion++
				return &claim{Job: j, Tier: metrics.TierCacheAffine}, nil
			}
		}
	}
	return nil, nil
}

// pickFreshExperiment is tier B: any experiment still pending, in
// whole, is a candidate; a successful claim also promotes the
// experiment to running.
func (w *Worker) pickFreshExperiment(ctx context.Context, limit int) (*claim, error) {
	expIDs, err := withRetry(ctx, w.logger, "candidate_pending_experiments", func() ([]int64, error) {
		return w.store.CandidatePendingExperiments(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	shuffleHead(expIDs, w.opts.NumWorkers)

	for _, expID := range expIDs {
		jobs, err := withRetry(ctx, w.logger, "pending_jobs_for_experiment", func() ([]rtt.Job, error) {
			return w.store.PendingJobsForExperiment(ctx, expID, limit)
		})
		if err != nil {
			return nil, err
		}
		shuffleHead(jobs, w.opts.NumWorkers)
		for _, j := range jobs {
			ok, err := w.tryClaim(ctx, j, metrics.TierFresh)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if _, err := withRetry(ctx, w.logger, "mark_experiment_running", func() (struct{}, error) {
				return struct{}{}, w.store.MarkExperimentRunning(ctx, expID)
			}); err != nil {
				w.logger.Warn("mark experiment running failed", slog.Int64("experiment_id", expID), slog.Any("err", err))
			}
			j.LockVersion++
			return &claim{Job: j, Tier: metrics.TierFresh}, nil
		}
	}
	return nil, nil
}

// pickAnyPending is tier C: any pending job across the whole table.
func (w *Worker) pickAnyPending(ctx context.Context, limit int) (*claim, error) {
	jobs, err := withRetry(ctx, w.logger, "candidate_pending_jobs", func() ([]rtt.Job, error) {
		return w.store.CandidatePendingJobs(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	shuffleHead(jobs, w.opts.NumWorkers)
	for _, j := range jobs {
		ok, err := w.tryClaim(ctx, j, metrics.TierAny)
		if err != nil {
			return nil, err
		}
		if ok {
			j.LockVersion++
			return &claim{Job: j, Tier: metrics.TierAny}, nil
		}
	}
	return nil, nil
}

// tryClaim attempts the CAS claim from spec.md §4.2.2 against the
// observed lock_version, recording the attempt's outcome.
func (w *Worker) tryClaim(ctx context.Context, j rtt.Job, tier string) (bool, error) {
	ok, err := withRetry(ctx, w.logger, "claim_job", func() (bool, error) {
		return w.store.ClaimJob(ctx, j.ID, j.LockVersion, w.opts.WorkerID, w.pid)
	})
	if err != nil {
		return false, err
	}
	metrics.IncClaimAttempt(tier, ok)
	return ok, nil
}

// dataCached reports whether the experiment's data artifact and its
// completion sentinel are both present in the local cache (spec.md
// §4.2 tier A: "{id}.bin is already present in the local cache").
func (w *Worker) dataCached(experimentID int64) bool {
	path := filepath.Join(w.opts.DataCacheDir, fmt.Sprintf("%d.bin", experimentID))
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if _, err := os.Stat(path + ".downloaded"); err != nil {
		return false
	}
	return true
}
