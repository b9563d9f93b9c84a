package rttworker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rttworker/internal/rttstore"
	"rttworker/pkg/rtt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *rttstore.Store {
	t.Helper()
	s, err := rttstore.Open(context.Background(), filepath.Join(t.TempDir(), "rtt.db"))
	if err != nil {
		t.Fatalf("rttstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWorker(t *testing.T, store *rttstore.Store, opts Options) *Worker {
	t.Helper()
	w := NewWorker(store, nil, nil, testLogger(), opts)
	return w
}

func TestShouldTerminateOnRunTimeBudgetExhaustion(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{MaxSecPerTest: 100, RunTime: time.Hour})

	started := time.Unix(0, 0).UTC()
	w.now = func() time.Time { return started.Add(55 * time.Minute) } // 5 min left, slack=max(220s,10m)=10m

	stop, reason := w.shouldTerminate(context.Background(), started)
	if !stop {
		t.Fatal("expected termination once remaining budget is under slack")
	}
	if reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestShouldTerminateFalseWithAmpleBudget(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{MaxSecPerTest: 100, RunTime: time.Hour})

	started := time.Unix(0, 0).UTC()
	w.now = func() time.Time { return started.Add(time.Minute) }

	stop, _ := w.shouldTerminate(context.Background(), started)
	if stop {
		t.Fatal("did not expect termination with ample budget remaining")
	}
}

func TestShouldTerminateOnSignal(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stop, reason := w.shouldTerminate(ctx, time.Now())
	if !stop || reason != "signal received" {
		t.Fatalf("stop=%v reason=%q, want true/signal received", stop, reason)
	}
}

func TestTerminateOlderSetting(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{})
	ctx := context.Background()

	started := time.Now().UTC()
	if stop, _ := w.shouldTerminate(ctx, started); stop {
		t.Fatal("expected no termination before terminate-older is set")
	}

	if err := store.SetSetting(ctx, rtt.SettingTerminateOlder, started.Add(time.Hour).Format(time.RFC3339)); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	stop, reason := w.shouldTerminate(ctx, started)
	if !stop || reason == "" {
		t.Fatalf("expected termination once terminate-older is newer than start, got stop=%v", stop)
	}
}

func TestIsPausedRespectsWorkerType(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	w := newTestWorker(t, store, Options{WorkerType: rtt.WorkerShortTerm})
	paused, err := w.isPaused(ctx)
	if err != nil || paused {
		t.Fatalf("expected unpaused with no setting, got paused=%v err=%v", paused, err)
	}

	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	if err := store.SetSetting(ctx, rtt.SettingShortTermDisable, future); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	paused, err = w.isPaused(ctx)
	if err != nil || !paused {
		t.Fatalf("expected paused with future shortterm-disable, got paused=%v err=%v", paused, err)
	}

	longterm := newTestWorker(t, store, Options{WorkerType: rtt.WorkerLongTerm})
	paused, err = longterm.isPaused(ctx)
	if err != nil || paused {
		t.Fatalf("longterm worker must not be paused by a shortterm-disable setting, got paused=%v err=%v", paused, err)
	}
}

func TestRunRegistersWorkerAndExitsWithoutPendingJobs(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{WorkerID: "w-1", NumWorkers: 2})

	// With no experiments/jobs seeded, the picker exhausts all three
	// tiers immediately and Run should return cleanly rather than spin.
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate promptly against an empty queue")
	}

	if w.workerIDKey == 0 {
		t.Fatal("expected worker registry upsert to assign a non-zero id_key")
	}
}
