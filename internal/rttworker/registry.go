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
	"errors"
	"log/slog"
	"time"

	"rttworker/internal/metrics"
	"rttworker/internal/rttstore"
	"rttworker/pkg/rtt"
)

// touchLiveness refreshes worker_last_seen and reasserts worker_active
// (spec.md §4.1: "on every iteration ... refreshes worker_last_seen
// and reasserts worker_active = 1").
func (w *Worker) touchLiveness(ctx context.Context) error {
	return w.store.TouchWorkerLastSeen(ctx, w.workerIDKey)
}

// shouldTerminate evaluates the termination triggers checked at the
// top of every loop iteration (spec.md §4.1).
func (w *Worker) shouldTerminate(ctx context.Context, startedAt time.Time) (bool, string) {
	if ctx.Err() != nil {
		return true, "signal received"
	}

	if w.opts.RunTime > 0 {
		elapsed := w.now().Sub(startedAt)
		left := w.opts.RunTime - elapsed
		slack := w.opts.maxJobDuration()
		if slack < 10*time.Minute {
			slack = 10 * time.Minute
		}
		if left < slack {
			return true, "run-time budget nearly exhausted"
		}
	}

	if newer, ok := w.terminateOlderThanStart(ctx, startedAt); ok && newer {
		return true, "terminate-older setting supersedes this worker"
	}

	return false, ""
}

// terminateOlderThanStart reports whether the terminate-older runtime
// setting names an instant later than startedAt. ok is false when the
// setting is absent or unparseable, in which case the caller treats it
// as "no trigger".
func (w *Worker) terminateOlderThanStart(ctx context.Context, startedAt time.Time) (newer bool, ok bool) {
	raw, err := w.store.GetSetting(ctx, rtt.SettingTerminateOlder)
	if err != nil {
		if !errors.Is(err, rttstore.ErrNotFound) {
			w.logger.Warn("terminate-older lookup failed", slog.Any("err", err))
		}
		return false, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		w.logger.Warn("terminate-older value unparseable", slog.String("value", raw), slog.Any("err", err))
		return false, false
	}
	return t.After(startedAt), true
}

// isPaused checks the type-specific pause setting (spec.md §4.1): a
// future timestamp under shortterm-disable/longterm-disable means the
// worker sleeps rather than exits.
func (w *Worker) isPaused(ctx context.Context) (bool, error) {
	key := rtt.SettingShortTermDisable
	if w.opts.WorkerType == rtt.WorkerLongTerm {
		key = rtt.SettingLongTermDisable
	}
	raw, err := w.store.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, rttstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false, nil
	}
	return w.now().Before(until), nil
}

// runReaperPass executes one reaper cycle (spec.md §4.3), invoked at
// most every cleanup-interval seconds from the main loop.
func (w *Worker) runReaperPass(ctx context.Context) {
	candidates, err := w.store.SelectStuckJobs(ctx)
	if err != nil {
		w.logger.Warn("reaper select failed", slog.Any("err", err))
		return
	}
	for _, c := range candidates {
		reset, err := w.store.ResetStuckJob(ctx, c)
		if err != nil {
			w.logger.Warn("reaper reset failed", slog.Int64("job_id", c.JobID), slog.Any("err", err))
			continue
		}
		if reset {
			metrics.IncJobsReaped(c.Battery)
			w.logger.Info("reaper reset stuck job",
				slog.Int64("job_id", c.JobID),
				slog.Int64("experiment_id", c.ExperimentID),
				slog.String("battery", c.Battery))
		}
	}
}
