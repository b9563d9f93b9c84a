package rttworker

import (
	"context"
	"testing"
	"time"

	"rttworker/pkg/rtt"
)

func TestSuperviseChildCleanExit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	exp := rtt.NewExperiment("e1", "cfg.json", "data.bin", "abc", nil)
	expID, err := store.InsertExperiment(ctx, &exp)
	if err != nil {
		t.Fatalf("InsertExperiment: %v", err)
	}
	job := rtt.NewJob(expID, "nist_sts")
	jobID, err := store.InsertJob(ctx, &job)
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if ok, err := store.ClaimJob(ctx, jobID, 0, "w-1", 1); err != nil || !ok {
		t.Fatalf("claim job: ok=%v err=%v", ok, err)
	}

	w := newTestWorker(t, store, Options{})

	clean, err := w.superviseChild(ctx, testLogger(), "/bin/sh", []string{"-c", "echo hi; exit 0"}, jobID, 5*time.Second)
	if err != nil {
		t.Fatalf("superviseChild: %v", err)
	}
	if !clean {
		t.Fatal("expected a clean exit")
	}
}

func TestSuperviseChildNonZeroExitIsNotClean(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{})

	clean, err := w.superviseChild(context.Background(), testLogger(), "/bin/sh", []string{"-c", "exit 1"}, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("superviseChild: %v", err)
	}
	if clean {
		t.Fatal("expected a non-zero exit to be reported as not clean")
	}
}

func TestSuperviseChildDeadlineKillsProcessGroup(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{})

	start := time.Now()
	clean, err := w.superviseChild(context.Background(), testLogger(), "/bin/sh", []string{"-c", "sleep 30"}, 1, 200*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("superviseChild: %v", err)
	}
	if clean {
		t.Fatal("expected the deadline kill to report a non-clean exit")
	}
	if elapsed > 10*time.Second {
		t.Fatalf("superviseChild took %s to return after a 200ms deadline; process group kill likely failed", elapsed)
	}
}

func TestSuperviseChildCancelledContextKillsChild(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(t, store, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		clean, err := w.superviseChild(ctx, testLogger(), "/bin/sh", []string{"-c", "sleep 30"}, 1, time.Minute)
		if err != nil {
			t.Errorf("superviseChild: %v", err)
		}
		if clean {
			t.Error("expected cancellation to report a non-clean exit")
		}
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("superviseChild did not return promptly after context cancellation")
	}
}
