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

// Package rttworker implements the worker process's cooperative main
// loop: registry liveness, the three-tier job picker, the reaper
// ticker, the test-runner supervisor, and completion/notification
// logic. It wires together internal/rttstore, internal/battery,
// internal/artifact, and internal/mailer.
package rttworker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"rttworker/internal/artifact"
	"rttworker/internal/mailer"
	"rttworker/internal/rttstore"
	"rttworker/pkg/rtt"
)

// candidateMultiplier scales num-workers into the picker's candidate
// list size at every tier (spec.md §4.2: "up to 4 x num_workers").
const candidateMultiplier = 4

// Options is the immutable, fully-resolved configuration for one
// worker process: the CLI-flag layer merged over the INI file (per
// spec.md §9's "re-architect worker-scoped globals as an immutable
// configuration value").
type Options struct {
	WorkerID    string
	WorkerName  string
	IDRandomize bool
	WorkerType  rtt.WorkerType
	Address     string
	Location    string
	Aux         string

	DeactivateOnExit bool

	// NumWorkers sizes the picker's candidate lists; it reflects the
	// local fleet size sharing this database, not goroutine count
	// (spec.md §4.2).
	NumWorkers int

	MaxSecPerTest   int
	RunTime         time.Duration // 0 = no wall-clock budget
	AllTime         bool
	CleanupInterval time.Duration
	PollInterval    time.Duration

	DataCacheDir   string
	ConfigCacheDir string
	ScratchDir     string

	RTTBinaryPath   string
	BoolTestRTTPath string
	DBHost          string
	DBPort          int
	SettingsJSON    string

	CleanupOnly bool
	CleanCache  bool
	CleanLogs   bool
	CleanJobs   bool
}

func (o *Options) setDefaults() {
	if o.NumWorkers <= 0 {
		o.NumWorkers = 1
	}
	if o.MaxSecPerTest <= 0 {
		o.MaxSecPerTest = 3800
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 1 * time.Second
	}
	if o.WorkerType == "" {
		o.WorkerType = rtt.WorkerShortTerm
	}
}

// maxJobDuration is the longest any single job's deadline can reach,
// i.e. the base per-test budget scaled by the largest battery-kind
// multiplier (spec.md §9: 2.2x for the boolean-test family).
func (o Options) maxJobDuration() time.Duration {
	return time.Duration(float64(o.MaxSecPerTest) * 2.2 * float64(time.Second))
}

// Worker runs the cooperative main loop described by spec.md §4 and
// §5, grounded on the teacher's Worker/WorkerConfig/Run shape
// (internal/provisioner/jobs/worker.go).
type Worker struct {
	store   *rttstore.Store
	fetcher *artifact.Fetcher
	mail    *mailer.Mailer
	logger  *slog.Logger
	opts    Options

	pid         int
	workerIDKey int64
	now         func() time.Time
}

// NewWorker constructs a Worker with spec-default tunables filled in,
// mirroring the teacher's defaulting-constructor idiom.
func NewWorker(store *rttstore.Store, fetcher *artifact.Fetcher, mail *mailer.Mailer, logger *slog.Logger, opts Options) *Worker {
	opts.setDefaults()
	if opts.IDRandomize || opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		fetcher: fetcher,
		mail:    mail,
		logger:  logger.With(slog.String("component", "rttworker"), slog.String("worker_id", opts.WorkerID)),
		opts:    opts,
		pid:     os.Getpid(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the main loop until a termination trigger fires or ctx
// is canceled, then returns nil. The only error it returns is a failed
// registry upsert at startup, so cmd/rttworker can exit 1.
func (w *Worker) Run(ctx context.Context) error {
	startedAt := w.now()

	idKey, err := w.store.UpsertWorker(ctx, rtt.Worker{
		WorkerID: w.opts.WorkerID,
		Name:     w.opts.WorkerName,
		Type:     w.opts.WorkerType,
		Address:  w.opts.Address,
		Location: w.opts.Location,
		Aux:      w.opts.Aux,
	})
	if err != nil {
		return fmt.Errorf("rttworker: register worker: %w", err)
	}
	w.workerIDKey = idKey
	w.logger.Info("worker registered", slog.Int64("id_key", idKey), slog.Int("pid", w.pid))

	defer func() {
		if !w.opts.DeactivateOnExit {
			return
		}
		if err := w.store.DeactivateWorker(context.Background(), idKey); err != nil {
			w.logger.Warn("deactivate worker failed", slog.Any("err", err))
		}
	}()

	reaperTicker := time.NewTicker(w.opts.CleanupInterval)
	defer reaperTicker.Stop()

	for {
		if stop, reason := w.shouldTerminate(ctx, startedAt); stop {
			w.logger.Info("terminating", slog.String("reason", reason))
			return nil
		}

		paused, err := w.isPaused(ctx)
		if err != nil {
			w.logger.Warn("pause check failed", slog.Any("err", err))
		}
		if paused {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if err := w.touchLiveness(ctx); err != nil {
			w.logger.Warn("liveness refresh failed", slog.Any("err", err))
		}

		select {
		case <-reaperTicker.C:
			w.runReaperPass(ctx)
		default:
		}

		claim, err := w.pickAndClaim(ctx)
		if err != nil {
			w.logger.Warn("job picker error", slog.Any("err", err))
			if sleepOrExit(ctx, w.opts.PollInterval) {
				return nil
			}
			continue
		}

		if claim == nil {
			// No pending job anywhere in the cascade (spec.md §4.2: "If
			// all three tiers fail, the worker either exits ... or
			// sleeps briefly and retries"). Matching the original's
			// get_job_info SystemExit handling: only keep polling when
			// the operator explicitly asked to spend all allotted time.
			if w.opts.RunTime > 0 && w.opts.AllTime {
				if sleepOrExit(ctx, time.Second) {
					return nil
				}
				continue
			}
			w.logger.Info("no pending jobs, terminating")
			return nil
		}

		if err := w.runClaimedJob(ctx, claim); err != nil {
			w.logger.Error("job execution error", slog.Int64("job_id", claim.Job.ID), slog.Any("err", err))
		}
	}
}

// sleepOrExit waits for d or ctx cancellation, reporting whether the
// caller should stop.
func sleepOrExit(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}
