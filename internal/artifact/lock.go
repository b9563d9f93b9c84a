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

// Package artifact implements the local cache's file-lock-with-heartbeat
// protocol (spec.md §4.4) and the cache/log janitor (spec.md §4.8). The
// two-file protocol — primary lock plus heartbeat file plus expiry — is
// load-bearing: a naive OS advisory lock without a heartbeat cannot
// recover from a process killed with the lock held (spec.md §9).
package artifact

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"
)

// Default tunables from spec.md §4.4/§5.
const (
	DefaultAcquireTimeout = 8 * time.Hour
	DefaultHeartbeatEvery = 2 * time.Second
	DefaultExpire         = 120 * time.Second
	maxForceRetryDepth    = 2
)

// ErrAcquireTimeout is returned when a lock could not be acquired within
// the configured acquisition timeout.
var ErrAcquireTimeout = errors.New("artifact: lock acquisition timed out")

// AssociatedFiles returns the lock, heartbeat, and sentinel paths that
// accompany a cached artifact at cachePath.
func AssociatedFiles(cachePath string) []string {
	return []string{cachePath + ".lock", cachePath + ".lock.2", cachePath + ".downloaded"}
}

// Locker acquires and holds the primary-lock-plus-heartbeat pair for one
// cache path.
type Locker struct {
	CachePath      string
	AcquireTimeout time.Duration
	Expire         time.Duration

	lockPath string
	hbPath   string
}

// NewLocker builds a Locker with spec-default timeouts, which the caller
// may override before calling Acquire.
func NewLocker(cachePath string) *Locker {
	return &Locker{
		CachePath:      cachePath,
		AcquireTimeout: DefaultAcquireTimeout,
		Expire:         DefaultExpire,
		lockPath:       cachePath + ".lock",
		hbPath:         cachePath + ".lock.2",
	}
}

// Lock represents a held lock; callers must call Release (or
// ForceRelease) on every exit path.
type Lock struct {
	locker *Locker
}

// Acquire blocks (honoring ctx) until the lock is held or AcquireTimeout
// elapses. It reimplements the original's acquire_try_once/acquire loop:
// on contention, a stale heartbeat triggers a bounded-depth force-release
// and retry rather than waiting out the full acquire timeout.
func (l *Locker) Acquire(ctx context.Context) (*Lock, error) {
	deadline := time.Now().Add(l.AcquireTimeout)
	for {
		if lk, ok, err := l.tryOnce(0); err != nil {
			return nil, err
		} else if ok {
			return lk, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500*time.Millisecond + jitter(200*time.Millisecond)):
		}
	}
}

func (l *Locker) tryOnce(depth int) (*Lock, bool, error) {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_ = f.Close()
		if err := l.touchHeartbeat(); err != nil {
			_ = l.rawRelease()
			return nil, false, fmt.Errorf("artifact: touch heartbeat: %w", err)
		}
		return &Lock{locker: l}, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, fmt.Errorf("artifact: create lock: %w", err)
	}

	// Lock is held by someone else. If their heartbeat is stale, force
	// release and retry, bounded to avoid racing forever against a peer
	// doing the same thing.
	if depth >= maxForceRetryDepth {
		return nil, false, nil
	}
	expired, err := l.isExpired()
	if err != nil {
		// Heartbeat file missing/unreadable: treat conservatively as
		// not-yet-expired rather than force-releasing a live lock.
		return nil, false, nil
	}
	if !expired {
		return nil, false, nil
	}
	if err := l.rawRelease(); err != nil {
		return nil, false, fmt.Errorf("artifact: force release: %w", err)
	}
	return l.tryOnce(depth + 1)
}

func (l *Locker) isExpired() (bool, error) {
	info, err := os.Stat(l.hbPath)
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) > l.Expire, nil
}

func (l *Locker) touchHeartbeat() error {
	f, err := os.OpenFile(l.hbPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_ = f.Close()
	now := time.Now()
	return os.Chtimes(l.hbPath, now, now)
}

func (l *Locker) rawRelease() error {
	_ = os.Remove(l.hbPath)
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Touch refreshes the heartbeat file's modification time. Call this
// every ≈2s while progress is being made (spec.md §4.4 step 3).
func (lk *Lock) Touch() error {
	return lk.locker.touchHeartbeat()
}

// Release deletes the heartbeat file then the primary lock, in that
// order, so a peer never observes a lock file with a missing heartbeat
// as "ours but abandoned" (spec.md §4.4 step 5: release in finally
// semantics on all exit paths).
func (lk *Lock) Release() error {
	return lk.locker.rawRelease()
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
