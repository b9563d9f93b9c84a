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
	"log/slog"
	"math/rand/v2"
	"time"

	"rttworker/internal/rttstore"
)

// Retry tuning for transient database errors encountered by the picker
// and the heartbeat/completion paths (spec.md §4.2.3), grounded on the
// teacher's exponential-backoff-with-jitter shape in
// internal/bmc/retry.go's doWithRetry.
const (
	retryMaxAttempts = 5
	retryBaseDelay   = 100 * time.Millisecond
	retryMaxDelay    = 2 * time.Second
	retryJitterFrac  = 0.3
)

// withRetry runs fn, retrying on rttstore.IsTransient errors with
// exponential backoff and jitter. Non-transient errors return
// immediately. The last error is returned once attempts are exhausted.
func withRetry[T any](ctx context.Context, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !rttstore.IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if attempt == retryMaxAttempts {
			break
		}

		exp := attempt - 1
		if exp > 6 {
			exp = 6
		}
		backoff := retryBaseDelay * time.Duration(1<<exp)
		if backoff > retryMaxDelay {
			backoff = retryMaxDelay
		}
		jitter := time.Duration(rand.Float64() * retryJitterFrac * float64(backoff))
		sleep := backoff - time.Duration(retryJitterFrac*float64(backoff)/2) + jitter

		if logger != nil {
			logger.Debug("retrying after transient error", slog.String("op", op), slog.Int("attempt", attempt), slog.Duration("sleep", sleep), slog.Any("err", err))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// shuffleHead permutes the first n elements of s uniformly at random,
// leaving the tail in its original (primary-key) order (spec.md
// §4.2.1).
func shuffleHead[T any](s []T, n int) {
	if n > len(s) {
		n = len(s)
	}
	for i := n - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}
