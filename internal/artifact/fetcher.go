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

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"rttworker/internal/metrics"
)

// Source fetches a single remote file into w, reporting cumulative bytes
// written via progress as the transfer proceeds. Implemented by
// internal/sftpclient.Client.
type Source interface {
	Get(ctx context.Context, remotePath string, w io.Writer, progress func(total int64)) error
}

// Thresholds from spec.md §5.
const (
	DefaultStallWindow      = 30 * time.Second
	DefaultThroughputWindow = 60 * time.Second
	DefaultMinThroughput    = 1024 // bytes/sec
)

// ErrStalled is returned when no bytes arrived for DefaultStallWindow.
var ErrStalled = errors.New("artifact: download stalled (no bytes received)")

// ErrTooSlow is returned when average throughput falls below
// DefaultMinThroughput after DefaultThroughputWindow of transfer.
var ErrTooSlow = errors.New("artifact: download throughput below floor")

// Fetcher downloads experiment artifacts into the local cache, mediated
// by the per-path file lock with heartbeat.
type Fetcher struct {
	Source Source
	Logger *slog.Logger
}

// NewFetcher constructs a Fetcher over the given remote Source.
func NewFetcher(src Source, logger *slog.Logger) *Fetcher {
	return &Fetcher{Source: src, Logger: logger}
}

// Fetch ensures remotePath is present at cachePath, downloading it if
// necessary. It implements spec.md §4.4 steps 1-5 exactly: acquire the
// lock, fast-path on (file + sentinel) unless force, else stream with
// heartbeat touches and stall/throughput aborts, write the sentinel on
// success, and always release the lock.
func (f *Fetcher) Fetch(ctx context.Context, remotePath, cachePath string, force bool) error {
	locker := NewLocker(cachePath)
	lock, err := locker.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("artifact: acquire lock for %s: %w", cachePath, err)
	}
	defer func() {
		if err := lock.Release(); err != nil && f.Logger != nil {
			f.Logger.Warn("artifact: lock release failed", slog.String("path", cachePath), slog.Any("err", err))
		}
	}()

	sentinel := cachePath + ".downloaded"
	if !force {
		if fileExists(cachePath) && fileExists(sentinel) {
			return nil
		}
	}

	_ = os.Remove(sentinel)

	start := time.Now()
	if err := f.stream(ctx, remotePath, cachePath, lock, start); err != nil {
		return err
	}

	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		return fmt.Errorf("artifact: write sentinel for %s: %w", cachePath, err)
	}
	metrics.ObserveDownload("artifact", time.Since(start))
	if f.Logger != nil {
		f.Logger.Info("artifact download complete",
			slog.String("remote", remotePath),
			slog.String("cache_path", cachePath),
			slog.Duration("elapsed", time.Since(start)))
	}
	return nil
}

func (f *Fetcher) stream(ctx context.Context, remotePath, cachePath string, lock *Lock, start time.Time) error {
	tmp := cachePath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", tmp, err)
	}
	defer func() {
		_ = out.Close()
		_ = os.Remove(tmp)
	}()

	var (
		lastProgressAt = start
		lastBytes      int64
	)

	ticker := time.NewTicker(DefaultHeartbeatEvery)
	defer ticker.Stop()
	done := make(chan error, 1)

	progressCh := make(chan int64, 1)
	go func() {
		done <- f.Source.Get(ctx, remotePath, out, func(total int64) {
			select {
			case progressCh <- total:
			default:
			}
		})
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("artifact: download %s: %w", remotePath, err)
			}
			if err := out.Sync(); err != nil {
				return fmt.Errorf("artifact: sync %s: %w", tmp, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("artifact: close %s: %w", tmp, err)
			}
			return os.Rename(tmp, cachePath)
		case total := <-progressCh:
			if total > lastBytes {
				lastBytes = total
				lastProgressAt = time.Now()
			}
		case <-ticker.C:
			if err := lock.Touch(); err != nil && f.Logger != nil {
				f.Logger.Warn("artifact: heartbeat touch failed", slog.String("path", cachePath), slog.Any("err", err))
			}
			now := time.Now()
			if now.Sub(lastProgressAt) > DefaultStallWindow {
				return ErrStalled
			}
			elapsed := now.Sub(start)
			if elapsed > DefaultThroughputWindow {
				avg := float64(lastBytes) / elapsed.Seconds()
				if avg < DefaultMinThroughput {
					if f.Logger != nil {
						f.Logger.Warn("artifact: throughput below floor",
							slog.String("path", cachePath),
							slog.String("avg", humanize.Bytes(uint64(avg))+"/s"))
					}
					return ErrTooSlow
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
