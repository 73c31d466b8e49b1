package worker

import (
	"context"
	"testing"
	"time"

	"github.com/callpipe/callpipe/internal/enrich"
	"github.com/callpipe/callpipe/internal/pbx"
	"github.com/callpipe/callpipe/internal/storage"
)

type fakeRunner struct {
	runFn func(ctx context.Context, job *storage.Job) (enrich.Result, error)
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, job *storage.Job) (enrich.Result, error) {
	f.calls++
	return f.runFn(ctx, job)
}

// resetRunAfter makes a retry_scheduled job immediately claimable again.
func resetRunAfter(t *testing.T, s *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestPool_RunOnceSuccess(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	rec, job := seedJob(t, store, tenant.ID, "call-ok", "2026-02/call-ok.wav")

	runner := &fakeRunner{runFn: func(_ context.Context, j *storage.Job) (enrich.Result, error) {
		if j.ID != job.ID {
			t.Errorf("runner got job %q, want %q", j.ID, job.ID)
		}
		if j.Attempts != 1 {
			t.Errorf("runner saw attempts=%d, want 1", j.Attempts)
		}
		return testResult(), nil
	}}

	pool := NewPool(store, runner, Options{})
	didWork, err := pool.RunOnce(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobSucceeded {
		t.Errorf("job status = %q, want succeeded", got.Status)
	}

	res, err := store.GetEnrichmentResult(rec.ID)
	if err != nil {
		t.Fatalf("GetEnrichmentResult: %v", err)
	}
	if res.Transcript != "hello, thanks for calling" {
		t.Errorf("transcript = %q", res.Transcript)
	}

	tn, err := store.GetTenant(tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if tn.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", tn.UsageCount)
	}
}

func TestPool_RunOnceNoJob(t *testing.T) {
	store := newTestStore(t)
	pool := NewPool(store, &fakeRunner{runFn: func(context.Context, *storage.Job) (enrich.Result, error) {
		t.Error("runner called with empty queue")
		return enrich.Result{}, nil
	}}, Options{})

	didWork, err := pool.RunOnce(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Fatal("RunOnce returned true on an empty queue")
	}
}

func TestPool_TransientFailureSchedulesRetry(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	_, job := seedJob(t, store, tenant.ID, "call-retry", "2026-02/call-retry.wav")

	runner := &fakeRunner{runFn: func(context.Context, *storage.Job) (enrich.Result, error) {
		return enrich.Result{}, pbx.ErrVendorUnavailable
	}}
	base := 2 * time.Second
	pool := NewPool(store, runner, Options{BackoffBase: base, BackoffCap: 10 * time.Minute})

	before := time.Now().UTC()
	didWork, err := pool.RunOnce(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobRetryScheduled {
		t.Fatalf("job status = %q, want retry_scheduled", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastErrorKind != string(KindTransient) {
		t.Errorf("last error kind = %q, want transient", got.LastErrorKind)
	}
	// After 1 failed attempt the next run is no earlier than base*2.
	earliest := before.Add(base * 2)
	if got.RunAfter.Add(time.Second).Before(earliest) {
		t.Errorf("run_after = %v, want >= %v", got.RunAfter, earliest)
	}

	// Second attempt doubles the delay again.
	resetRunAfter(t, store, job.ID)
	before = time.Now().UTC()
	if _, err := pool.RunOnce(context.Background(), "worker-1"); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	got, err = store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob 2: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	earliest = before.Add(base * 4)
	if got.RunAfter.Add(time.Second).Before(earliest) {
		t.Errorf("run_after = %v, want >= %v", got.RunAfter, earliest)
	}
	if runner.calls != 2 {
		t.Errorf("runner called %d times, want 2", runner.calls)
	}
}

func TestPool_TerminalFailureFlagsCall(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	rec, job := seedJob(t, store, tenant.ID, "call-gone", "2026-02/call-gone.wav")

	runner := &fakeRunner{runFn: func(_ context.Context, j *storage.Job) (enrich.Result, error) {
		return enrich.Result{}, errAcquisitionFailed
	}}
	pool := NewPool(store, runner, Options{})

	if _, err := pool.RunOnce(context.Background(), "worker-1"); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobFailed {
		t.Errorf("job status = %q, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for terminal errors)", got.Attempts)
	}
	if got.LastErrorKind != string(KindAcquisition) {
		t.Errorf("last error kind = %q, want acquisition", got.LastErrorKind)
	}

	call, err := store.GetCallRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if call.FlaggedReason == "" {
		t.Error("call record not flagged after terminal failure")
	}
}

func TestPool_AttemptsExhausted(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	rec, _, err := store.UpsertCallRecord(nil, tenant.ID, testEvent("call-cap"))
	if err != nil {
		t.Fatalf("UpsertCallRecord: %v", err)
	}
	jobID, _, err := store.EnqueueJobOnce(nil, rec.ID, tenant.ID, 3)
	if err != nil {
		t.Fatalf("EnqueueJobOnce: %v", err)
	}

	runner := &fakeRunner{runFn: func(context.Context, *storage.Job) (enrich.Result, error) {
		return enrich.Result{}, pbx.ErrVendorUnavailable
	}}
	pool := NewPool(store, runner, Options{})

	for i := 1; i <= 3; i++ {
		didWork, err := pool.RunOnce(context.Background(), "worker-1")
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, jobID)
		}
	}

	got, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobFailed {
		t.Errorf("job status = %q, want failed after max attempts", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}

	// A failed job stays failed: no further claims.
	didWork, err := pool.RunOnce(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("RunOnce after exhaustion: %v", err)
	}
	if didWork {
		t.Error("failed job was claimed again")
	}

	call, err := store.GetCallRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if call.FlaggedReason == "" {
		t.Error("call record not flagged after attempts exhausted")
	}
}

func TestPool_RunProcessesQueueUntilCancelled(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	const total = 8
	for i := 0; i < total; i++ {
		seedJob(t, store, tenant.ID, callID(i), "2026-02/"+callID(i)+".wav")
	}

	runner := &fakeRunner{runFn: func(context.Context, *storage.Job) (enrich.Result, error) {
		return testResult(), nil
	}}
	pool := NewPool(store, runner, Options{Workers: 3, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		counts, err := store.CountJobs()
		if err != nil {
			t.Fatalf("CountJobs: %v", err)
		}
		if counts.Succeeded == total {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("timed out with %d/%d jobs succeeded", counts.Succeeded, total)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	tn, err := store.GetTenant(tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if tn.UsageCount != total {
		t.Errorf("usage count = %d, want %d", tn.UsageCount, total)
	}
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	cap := 10 * time.Minute
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{8, 512 * time.Second},
		{9, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(base, cap, tc.attempts); got != tc.want {
			t.Errorf("Backoff(attempts=%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"missing credentials", pbx.ErrMissingCredentials, KindAuth, false},
		{"acquisition failed", errAcquisitionFailed, KindAcquisition, false},
		{"vendor unavailable", pbx.ErrVendorUnavailable, KindTransient, true},
		{"deadline", context.DeadlineExceeded, KindTransient, true},
		{"empty transcript", enrich.ErrEmptyTranscript, KindEnrichment, false},
	}
	for _, tc := range cases {
		kind, retryable := Classify(tc.err)
		if kind != tc.kind || retryable != tc.retryable {
			t.Errorf("%s: Classify = (%s, %v), want (%s, %v)", tc.name, kind, retryable, tc.kind, tc.retryable)
		}
	}
}
