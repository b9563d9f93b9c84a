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

	"rttworker/internal/mailer"
	"rttworker/internal/rttstore"
	"rttworker/pkg/rtt"
)

// completeJob runs the completion logic from spec.md §4.6 after a
// clean child exit: CAS the job to finished, then — if every job of
// the experiment has reached a terminal status — transition the
// experiment and notify its author.
func (w *Worker) completeJob(ctx context.Context, jobID, observedLockVersion, experimentID int64) error {
	logger := w.logger.With(slog.Int64("job_id", jobID), slog.Int64("experiment_id", experimentID))

	ok, err := withRetry(ctx, logger, "finish_job", func() (bool, error) {
		return w.store.FinishJob(ctx, jobID, observedLockVersion)
	})
	if err != nil {
		return fmt.Errorf("rttworker: finish job: %w", err)
	}
	if !ok {
		// Replayed against a job no longer at observedLockVersion (e.g.
		// the reaper already reset it out from under us). Idempotent
		// no-op per spec.md §4.6.
		logger.Warn("finish job CAS lost; leaving job state as observed")
		return nil
	}

	statuses, err := withRetry(ctx, logger, "job_statuses", func() ([]rtt.JobStatus, error) {
		return w.store.JobStatusesForExperiment(ctx, experimentID)
	})
	if err != nil {
		return fmt.Errorf("rttworker: job statuses: %w", err)
	}
	if !rttstore.ExperimentComplete(statuses) {
		return nil
	}

	if _, err := withRetry(ctx, logger, "finish_experiment", func() (struct{}, error) {
		return struct{}{}, w.store.FinishExperiment(ctx, experimentID)
	}); err != nil {
		return fmt.Errorf("rttworker: finish experiment: %w", err)
	}

	return w.notifyExperimentFinished(ctx, logger, experimentID)
}

// notifyExperimentFinished reads the experiment and its battery
// rollups back and emails the author, if one was given.
func (w *Worker) notifyExperimentFinished(ctx context.Context, logger *slog.Logger, experimentID int64) error {
	exp, err := withRetry(ctx, logger, "get_experiment", func() (*rtt.Experiment, error) {
		return w.store.GetExperiment(ctx, experimentID)
	})
	if err != nil {
		return fmt.Errorf("rttworker: load finished experiment: %w", err)
	}

	rollups, err := withRetry(ctx, logger, "battery_results", func() ([]rtt.BatteryResult, error) {
		return w.store.BatteryResultsForExperiment(ctx, experimentID)
	})
	if err != nil {
		return fmt.Errorf("rttworker: load battery results: %w", err)
	}

	results := make([]mailer.Results, 0, len(rollups))
	for _, r := range rollups {
		results = append(results, mailer.Results{Name: r.Name, PassedTests: r.PassedTests, TotalTests: r.TotalTests})
	}

	if w.mail == nil {
		return nil
	}
	if err := w.mail.NotifyFinished(*exp, results); err != nil {
		logger.Warn("notification email failed", slog.Any("err", err))
		return nil
	}
	logger.Info("experiment finished, notification sent", slog.Int64("experiment_id", exp.ID))
	return nil
}
