package rttstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rttworker/pkg/rtt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtt.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedExperimentWithJobs(t *testing.T, s *Store, batteries ...string) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	exp := rtt.NewExperiment("e1", "cfg.json", "data.bin", "deadbeef", nil)
	expID, err := s.InsertExperiment(ctx, &exp)
	if err != nil {
		t.Fatalf("InsertExperiment: %v", err)
	}
	var jobIDs []int64
	for _, b := range batteries {
		job := rtt.NewJob(expID, b)
		jid, err := s.InsertJob(ctx, &job)
		if err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
		jobIDs = append(jobIDs, jid)
	}
	return expID, jobIDs
}

func TestClaimJobCASSucceedsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, jobIDs := seedExperimentWithJobs(t, s, "nist_sts")
	jobID := jobIDs[0]

	ok, err := s.ClaimJob(ctx, jobID, 0, "worker-a", 111)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to succeed")
	}

	// Second claim against the stale lock_version=0 must lose the race.
	ok, err = s.ClaimJob(ctx, jobID, 0, "worker-b", 222)
	if err != nil {
		t.Fatalf("ClaimJob (race): %v", err)
	}
	if ok {
		t.Fatal("expected second claim with stale lock_version to fail")
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != rtt.JobRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	if job.LockVersion != 1 {
		t.Fatalf("lock_version = %d, want 1", job.LockVersion)
	}
	if job.WorkerID == nil || *job.WorkerID != "worker-a" {
		t.Fatalf("worker_id = %v, want worker-a", job.WorkerID)
	}
}

func TestFinishJobIdempotentUnderRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, jobIDs := seedExperimentWithJobs(t, s, "dieharder")
	jobID := jobIDs[0]

	if ok, err := s.ClaimJob(ctx, jobID, 0, "worker-a", 1); err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}

	ok, err := s.FinishJob(ctx, jobID, 1)
	if err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	if !ok {
		t.Fatal("expected first finish to succeed")
	}

	// Replaying the same CAS (simulating a retry after a transient
	// error) must be a no-op, not an error.
	ok, err = s.FinishJob(ctx, jobID, 1)
	if err != nil {
		t.Fatalf("FinishJob (replay): %v", err)
	}
	if ok {
		t.Fatal("expected replayed finish to be a no-op")
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != rtt.JobFinished {
		t.Fatalf("status = %s, want finished", job.Status)
	}
}

func TestExperimentCompleteOnlyAfterAllJobsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	expID, jobIDs := seedExperimentWithJobs(t, s, "nist_sts", "dieharder")

	statuses, err := s.JobStatusesForExperiment(ctx, expID)
	if err != nil {
		t.Fatalf("JobStatusesForExperiment: %v", err)
	}
	if ExperimentComplete(statuses) {
		t.Fatal("expected incomplete with both jobs pending")
	}

	if ok, err := s.ClaimJob(ctx, jobIDs[0], 0, "worker-a", 1); err != nil || !ok {
		t.Fatalf("ClaimJob[0]: ok=%v err=%v", ok, err)
	}
	if _, err := s.FinishJob(ctx, jobIDs[0], 1); err != nil {
		t.Fatalf("FinishJob[0]: %v", err)
	}

	statuses, _ = s.JobStatusesForExperiment(ctx, expID)
	if ExperimentComplete(statuses) {
		t.Fatal("expected incomplete with one job still pending")
	}

	if ok, err := s.ClaimJob(ctx, jobIDs[1], 0, "worker-a", 1); err != nil || !ok {
		t.Fatalf("ClaimJob[1]: ok=%v err=%v", ok, err)
	}
	if _, err := s.FinishJob(ctx, jobIDs[1], 1); err != nil {
		t.Fatalf("FinishJob[1]: %v", err)
	}

	statuses, _ = s.JobStatusesForExperiment(ctx, expID)
	if !ExperimentComplete(statuses) {
		t.Fatal("expected complete once every job is terminal")
	}

	if err := s.FinishExperiment(ctx, expID); err != nil {
		t.Fatalf("FinishExperiment: %v", err)
	}
	exp, err := s.GetExperiment(ctx, expID)
	if err != nil {
		t.Fatalf("GetExperiment: %v", err)
	}
	if exp.Status != rtt.ExperimentFinished {
		t.Fatalf("status = %s, want finished", exp.Status)
	}
	if exp.RunFinished == nil {
		t.Fatal("expected run_finished to be set")
	}
}

func TestResetStuckJobDoubleCASRecovery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	expID, jobIDs := seedExperimentWithJobs(t, s, "nist_sts")
	jobID := jobIDs[0]

	if ok, err := s.ClaimJob(ctx, jobID, 0, "worker-a", 1); err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}
	if err := s.UpsertBatteryResult(ctx, rtt.BatteryResult{ExperimentID: expID, Name: "nist_sts", PassedTests: 10, TotalTests: 20}); err != nil {
		t.Fatalf("UpsertBatteryResult: %v", err)
	}

	// Simulate a stale heartbeat by backdating run_heartbeat directly.
	stale := time.Now().UTC().Add(-StuckJobHeartbeatTimeout - time.Minute)
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET run_heartbeat=? WHERE id=?`, stale, jobID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	candidates, err := s.SelectStuckJobs(ctx)
	if err != nil {
		t.Fatalf("SelectStuckJobs: %v", err)
	}
	if len(candidates) != 1 || candidates[0].JobID != jobID {
		t.Fatalf("candidates = %+v, want [job %d]", candidates, jobID)
	}

	reset, err := s.ResetStuckJob(ctx, candidates[0])
	if err != nil {
		t.Fatalf("ResetStuckJob: %v", err)
	}
	if !reset {
		t.Fatal("expected reset to succeed")
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != rtt.JobPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.Retries != 1 {
		t.Fatalf("retries = %d, want 1", job.Retries)
	}

	results, err := s.BatteryResultsForExperiment(ctx, expID)
	if err != nil {
		t.Fatalf("BatteryResultsForExperiment: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected battery result purged, got %+v", results)
	}
}

func TestCandidatePickerTiers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	expID, jobIDs := seedExperimentWithJobs(t, s, "nist_sts", "dieharder")

	experimentIDs, err := s.CandidateExperimentsWithPendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("CandidateExperimentsWithPendingJobs: %v", err)
	}
	if len(experimentIDs) != 1 || experimentIDs[0] != expID {
		t.Fatalf("got %v, want [%d]", experimentIDs, expID)
	}

	jobs, err := s.PendingJobsForExperiment(ctx, expID, 10)
	if err != nil {
		t.Fatalf("PendingJobsForExperiment: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d pending jobs, want 2", len(jobs))
	}

	pendingExps, err := s.CandidatePendingExperiments(ctx, 10)
	if err != nil {
		t.Fatalf("CandidatePendingExperiments: %v", err)
	}
	if len(pendingExps) != 1 || pendingExps[0] != expID {
		t.Fatalf("got %v, want [%d]", pendingExps, expID)
	}

	any, err := s.CandidatePendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("CandidatePendingJobs: %v", err)
	}
	if len(any) != 2 {
		t.Fatalf("got %d jobs, want 2", len(any))
	}
	_ = jobIDs
}

func TestWorkerRegistryUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := rtt.Worker{WorkerID: "w1", Name: "worker-1", Type: rtt.WorkerShortTerm, Address: "10.0.0.5"}
	idKey1, err := s.UpsertWorker(ctx, w)
	if err != nil {
		t.Fatalf("UpsertWorker (insert): %v", err)
	}

	w.Address = "10.0.0.6"
	idKey2, err := s.UpsertWorker(ctx, w)
	if err != nil {
		t.Fatalf("UpsertWorker (update): %v", err)
	}
	if idKey1 != idKey2 {
		t.Fatalf("expected stable id_key, got %d then %d", idKey1, idKey2)
	}

	if err := s.TouchWorkerLastSeen(ctx, idKey1); err != nil {
		t.Fatalf("TouchWorkerLastSeen: %v", err)
	}
	if err := s.DeactivateWorker(ctx, idKey1); err != nil {
		t.Fatalf("DeactivateWorker: %v", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, rtt.SettingNumWorkers); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSetting(ctx, rtt.SettingNumWorkers, "8"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := s.GetSetting(ctx, rtt.SettingNumWorkers)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "8" {
		t.Fatalf("got %q, want %q", v, "8")
	}
}

func TestIsTransient(t *testing.T) {
	cases := map[string]bool{
		"":                                    false,
		"some unrelated error":                false,
		"database is locked":                  true,
		"SQLITE_BUSY: database is locked":     true,
		"Error 1213: Deadlock found trying":   true,
		"Error 1205: Lock wait timeout exceeded": true,
	}
	for msg, want := range cases {
		var err error
		if msg != "" {
			err = errString(msg)
		}
		if got := IsTransient(err); got != want {
			t.Errorf("IsTransient(%q) = %v, want %v", msg, got, want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
