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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultLogMaxAge is the age past which log files are deleted by
// CleanLogs (spec.md §4.8).
const DefaultLogMaxAge = 24 * time.Hour

// FinishedExperimentIDs is satisfied by the store: it returns the ids of
// every experiment whose status is finished, for the cache janitor to
// sweep against.
type FinishedExperimentIDs interface {
	FinishedExperimentIDs(ctx context.Context) ([]int64, error)
}

// Janitor removes cache artifacts belonging to finished experiments and
// aged log files (spec.md §4.8).
type Janitor struct {
	DataDir, ConfigDir string
	Logger             *slog.Logger
}

// NewJanitor constructs a Janitor over the local cache directories.
func NewJanitor(dataDir, configDir string, logger *slog.Logger) *Janitor {
	return &Janitor{DataDir: dataDir, ConfigDir: configDir, Logger: logger}
}

// CleanCache deletes the data file, config file, and every associated
// lock/heartbeat/sentinel for each experiment id that is finished.
func (j *Janitor) CleanCache(finished []int64) error {
	var firstErr error
	for _, id := range finished {
		dataPath := filepath.Join(j.DataDir, fmt.Sprintf("%d.bin", id))
		cfgPath := filepath.Join(j.ConfigDir, fmt.Sprintf("%d.json", id))
		for _, p := range append([]string{dataPath}, AssociatedFiles(dataPath)...) {
			if err := removeIfExists(p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, p := range append([]string{cfgPath}, AssociatedFiles(cfgPath)...) {
			if err := removeIfExists(p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if j.Logger != nil {
			j.Logger.Info("cache janitor: purged experiment artifacts", slog.Int64("experiment_id", id))
		}
	}
	return firstErr
}

// CleanLogs walks root, deleting regular files older than maxAge.
func CleanLogs(root string, maxAge time.Duration, logger *slog.Logger) error {
	if root == "" {
		return nil
	}
	cutoff := time.Now().Add(-maxAge)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && logger != nil {
				logger.Warn("log janitor: remove failed", slog.String("path", path), slog.Any("err", err))
			} else if logger != nil {
				logger.Info("log janitor: removed aged log file", slog.String("path", path))
			}
		}
		return nil
	})
}

// RemoveScratchDir removes a worker's per-run scratch directory.
func RemoveScratchDir(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
