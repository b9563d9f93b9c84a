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

// Package metrics exposes the worker's Prometheus series: claim attempts
// by cascade tier, reap counts, download/subprocess durations, and
// heartbeat misses.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Claim cascade tiers, used as the "tier" label value.
const (
	TierCacheAffine = "cache_affine"
	TierFresh       = "fresh"
	TierAny         = "any"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	claimAttempts     *prometheus.CounterVec
	jobsClaimed       prometheus.Counter
	jobsReaped        *prometheus.CounterVec
	downloadDuration  *prometheus.HistogramVec
	subprocessSeconds *prometheus.HistogramVec
	heartbeatMisses   prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncClaimAttempt records one claim attempt (successful or lost) in the
// named cascade tier.
func IncClaimAttempt(tier string, won bool) {
	mu.RLock()
	defer mu.RUnlock()
	if claimAttempts == nil {
		return
	}
	status := "lost"
	if won {
		status = "won"
	}
	claimAttempts.WithLabelValues(sanitizeLabel(tier), status).Inc()
	if won && jobsClaimed != nil {
		jobsClaimed.Inc()
	}
}

// IncJobsReaped records one job reset by the reaper.
func IncJobsReaped(battery string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsReaped != nil {
		jobsReaped.WithLabelValues(sanitizeLabel(battery)).Inc()
	}
}

// ObserveDownload records the duration of a completed artifact download.
func ObserveDownload(kind string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if downloadDuration != nil {
		downloadDuration.WithLabelValues(sanitizeLabel(kind)).Observe(seconds(d))
	}
}

// ObserveSubprocess records the duration of a completed test-runner
// invocation, labeled by battery tag.
func ObserveSubprocess(battery string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if subprocessSeconds != nil {
		subprocessSeconds.WithLabelValues(sanitizeLabel(battery)).Observe(seconds(d))
	}
}

// IncHeartbeatMiss records a failed heartbeat write attempt.
func IncHeartbeatMiss() {
	mu.RLock()
	defer mu.RUnlock()
	if heartbeatMisses != nil {
		heartbeatMisses.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtt",
		Subsystem: "worker",
		Name:      "claim_attempts_total",
		Help:      "Job claim attempts by cascade tier and outcome.",
	}, []string{"tier", "outcome"})

	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rtt",
		Subsystem: "worker",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs successfully claimed by this worker.",
	})

	reaped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtt",
		Subsystem: "worker",
		Name:      "jobs_reaped_total",
		Help:      "Jobs reset from running to pending by the reaper, by battery.",
	}, []string{"battery"})

	download := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rtt",
		Subsystem: "artifact",
		Name:      "download_duration_seconds",
		Help:      "Duration of completed artifact downloads.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"kind"})

	subprocess := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rtt",
		Subsystem: "worker",
		Name:      "subprocess_duration_seconds",
		Help:      "Duration of test-runner subprocess executions, by battery.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"battery"})

	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rtt",
		Subsystem: "worker",
		Name:      "heartbeat_misses_total",
		Help:      "Heartbeat writes that failed after retry.",
	})

	registry.MustRegister(attempts, claimed, reaped, download, subprocess, misses)

	reg = registry
	claimAttempts = attempts
	jobsClaimed = claimed
	jobsReaped = reaped
	downloadDuration = download
	subprocessSeconds = subprocess
	heartbeatMisses = misses
}

func sanitizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func seconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
