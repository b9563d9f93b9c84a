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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"rttworker/internal/battery"
	"rttworker/internal/metrics"
	"rttworker/pkg/rtt"
)

const heartbeatEvery = 20 * time.Second

// runClaimedJob ensures the job's artifacts are cached, runs the test
// binary under supervision, and hands a clean exit off to the
// completion logic (spec.md §4.5).
func (w *Worker) runClaimedJob(ctx context.Context, c *claim) error {
	job := c.Job
	logger := w.logger.With(slog.Int64("job_id", job.ID), slog.Int64("experiment_id", job.ExperimentID), slog.String("battery", job.Battery), slog.String("tier", c.Tier))

	variant, err := battery.Lookup(job.Battery)
	if err != nil {
		return fmt.Errorf("rttworker: %w", err)
	}

	exp, err := withRetry(ctx, logger, "get_experiment", func() (*rtt.Experiment, error) {
		return w.store.GetExperiment(ctx, job.ExperimentID)
	})
	if err != nil {
		return fmt.Errorf("rttworker: load experiment: %w", err)
	}

	dataPath := filepath.Join(w.opts.DataCacheDir, fmt.Sprintf("%d.bin", exp.ID))
	cfgPath := filepath.Join(w.opts.ConfigCacheDir, fmt.Sprintf("%d.json", exp.ID))

	if err := w.fetcher.Fetch(ctx, exp.DataFile, dataPath, false); err != nil {
		return fmt.Errorf("rttworker: fetch data artifact: %w", err)
	}
	if err := w.fetcher.Fetch(ctx, exp.ConfigFile, cfgPath, false); err != nil {
		return fmt.Errorf("rttworker: fetch config artifact: %w", err)
	}

	preHash, err := sha256File(dataPath)
	if err != nil {
		return fmt.Errorf("rttworker: pre-execution hash: %w", err)
	}

	scratchDir := filepath.Join(w.opts.ScratchDir, fmt.Sprintf("job-%d", job.ID))
	if w.opts.ScratchDir != "" {
		if err := os.MkdirAll(scratchDir, 0o755); err != nil {
			return fmt.Errorf("rttworker: create scratch dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(scratchDir) }()
	} else {
		scratchDir = ""
	}

	args := variant.BuildArgs(battery.ArgBuilder{
		ConfigPath:    cfgPath,
		DataPath:      dataPath,
		ExperimentID:  exp.ID,
		JobID:         job.ID,
		SettingsJSON:  w.opts.SettingsJSON,
		DBHost:        w.opts.DBHost,
		DBPort:        w.opts.DBPort,
		WorkerExpPath: scratchDir,
	})

	binary := w.opts.RTTBinaryPath
	if variant.Kind == battery.KindBoolTest {
		binary = w.opts.BoolTestRTTPath
	}

	deadline := time.Duration(float64(w.opts.MaxSecPerTest)*variant.DeadlineMultiplier()) * time.Second
	logger.Info("starting test runner", slog.String("binary", binary), slog.Any("args", args), slog.Duration("deadline", deadline))

	start := time.Now()
	clean, err := w.superviseChild(ctx, logger, binary, args, job.ID, deadline)
	metrics.ObserveSubprocess(job.Battery, time.Since(start))
	if err != nil {
		return fmt.Errorf("rttworker: supervise child: %w", err)
	}

	postHash, hashErr := sha256File(dataPath)
	if hashErr == nil && postHash != preHash {
		logger.Warn("data file mutated by test run", slog.String("pre_sha256", preHash), slog.String("post_sha256", postHash))
	}

	if !clean {
		// Non-zero exit or deadline kill: leave the job running; the
		// reaper will observe the stale heartbeat and revive it
		// (spec.md §4.5 step 6).
		logger.Warn("test runner did not exit cleanly; leaving job for the reaper")
		return nil
	}

	return w.completeJob(ctx, job.ID, job.LockVersion, job.ExperimentID)
}

// superviseChild starts the test binary in its own process group and
// cooperatively polls it: heartbeating the job row, draining
// stdout/stderr without blocking, and enforcing the per-job deadline
// with SIGTERM followed by SIGINT (spec.md §4.5 steps 3-4). It returns
// clean=true only when the child exited with status zero before the
// deadline.
func (w *Worker) superviseChild(ctx context.Context, logger *slog.Logger, binary string, args []string, jobID int64, deadline time.Duration) (clean bool, err error) {
	// Started outside ctx deliberately: the supervision loop below signals
	// the whole process group itself on cancellation or deadline, rather
	// than relying on exec.CommandContext's single-process kill.
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start: %w", err)
	}

	go drainToLog(logger, "stdout", stdout)
	go drainToLog(logger, "stderr", stderr)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()

	terminated := false
	for {
		select {
		case err := <-exited:
			if terminated {
				return false, nil
			}
			return err == nil, nil

		case <-heartbeat.C:
			if _, err := withRetry(ctx, logger, "job_heartbeat", func() (struct{}, error) {
				return struct{}{}, w.store.Heartbeat(ctx, jobID, w.pid)
			}); err != nil {
				metrics.IncHeartbeatMiss()
				logger.Warn("heartbeat write failed", slog.Any("err", err))
			}

		case <-deadlineTimer.C:
			terminated = true
			logger.Warn("job exceeded deadline; terminating process group")
			killProcessGroup(cmd, logger)
			// Bounded wait for the child to actually exit after the
			// signals before giving up on draining it further.
			select {
			case <-exited:
			case <-time.After(5 * time.Second):
			}
			return false, nil

		case <-ctx.Done():
			terminated = true
			killProcessGroup(cmd, logger)
			select {
			case <-exited:
			case <-time.After(5 * time.Second):
			}
			return false, nil
		}
	}
}

// killProcessGroup sends SIGTERM then, after a short grace period,
// SIGINT to the child's entire process group (spec.md §4.5 step 4).
func killProcessGroup(cmd *exec.Cmd, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && logger != nil {
		logger.Warn("SIGTERM to process group failed", slog.Any("err", err))
	}
	time.Sleep(2 * time.Second)
	if err := syscall.Kill(-pgid, syscall.SIGINT); err != nil && logger != nil {
		logger.Debug("SIGINT to process group failed (likely already exited)", slog.Any("err", err))
	}
}

// drainToLog copies a child's output stream to the structured logger
// line by line without blocking the supervision loop (spec.md §4.5
// step 4: "every iteration, drain child stdout/stderr without
// blocking"). Run as its own goroutine per stream.
func drainToLog(logger *slog.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("child output", slog.String("stream", stream), slog.String("line", scanner.Text()))
	}
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
