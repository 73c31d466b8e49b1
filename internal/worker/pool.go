package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callpipe/callpipe/internal/enrich"
	"github.com/callpipe/callpipe/internal/storage"
)

// JobStore abstracts the queue operations the pool drives.
type JobStore interface {
	ClaimNextJob(workerID string, leaseTTL time.Duration) (*storage.Job, error)
	StartJob(id, workerID string) (int, error)
	ExtendJobLease(id, workerID string, leaseTTL time.Duration) error
	RescheduleJob(id string, delay time.Duration, errMsg, errKind string) error
	FailJob(id string, errMsg, errKind string) error
	FinalizeJob(jobID string, result storage.EnrichmentResult) error
	FlagCallRecord(id, reason string) error
	ReclaimExpiredLeases() (int, error)
}

// JobRunner processes one claimed job and produces its enrichment result.
type JobRunner interface {
	Run(ctx context.Context, job *storage.Job) (enrich.Result, error)
}

// Options tune the pool. Zero values fall back to sane defaults.
type Options struct {
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 5 * time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 10 * time.Minute
	}
}

// Pool runs a fixed set of workers that poll the job queue, plus a sweeper
// that reclaims jobs whose lease lapsed under a crashed worker.
type Pool struct {
	store  JobStore
	runner JobRunner
	opts   Options
	logger *slog.Logger
}

func NewPool(store JobStore, runner JobRunner, opts Options) *Pool {
	opts.defaults()
	return &Pool{
		store:  store,
		runner: runner,
		opts:   opts,
		logger: slog.Default().With("component", "worker"),
	}
}

// Run starts the workers and the reclaim sweeper and blocks until ctx is
// cancelled. The returned error is never ctx.Err().
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 1; i <= p.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		p.runReclaimer(ctx)
		return nil
	})

	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	log := p.logger.With("worker_id", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx, workerID)
		if err != nil {
			log.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of its outcome).
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.store.ClaimNextJob(workerID, p.opts.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	attempts, err := p.store.StartJob(job.ID, workerID)
	if err != nil {
		return true, fmt.Errorf("starting job %s: %w", job.ID, err)
	}
	job.Attempts = attempts

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, job.ID, workerID)

	result, runErr := p.runner.Run(ctx, job)
	stopHeartbeat()

	if runErr != nil {
		p.handleFailure(job, workerID, runErr)
		return true, nil
	}

	if err := p.store.FinalizeJob(job.ID, storage.EnrichmentResult{
		CallRecordID:   job.CallRecordID,
		Transcript:     result.Transcript,
		SentimentLabel: result.SentimentLabel,
		SentimentScore: result.SentimentScore,
		Summary:        result.Summary,
	}); err != nil {
		return true, fmt.Errorf("finalizing job %s: %w", job.ID, err)
	}
	p.logger.Info("job succeeded",
		"job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)
	return true, nil
}

func (p *Pool) handleFailure(job *storage.Job, workerID string, runErr error) {
	kind, retryable := Classify(runErr)
	log := p.logger.With("job_id", job.ID, "worker_id", workerID, "kind", string(kind))

	if retryable && job.Attempts < job.MaxAttempts {
		delay := Backoff(p.opts.BackoffBase, p.opts.BackoffCap, job.Attempts)
		log.Warn("job failed, retry scheduled",
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"delay", delay, "error", runErr)
		if err := p.store.RescheduleJob(job.ID, delay, runErr.Error(), string(kind)); err != nil {
			log.Error("failed to reschedule job", "error", err)
		}
		return
	}

	reason := runErr.Error()
	if retryable {
		log.Error("job failed terminally, attempts exhausted", "attempts", job.Attempts, "error", runErr)
		reason = fmt.Sprintf("attempts exhausted (%d): %s", job.Attempts, reason)
	} else {
		log.Error("job failed terminally", "error", runErr)
	}
	if err := p.store.FailJob(job.ID, runErr.Error(), string(kind)); err != nil {
		log.Error("failed to mark job failed", "error", err)
	}
	if err := p.store.FlagCallRecord(job.CallRecordID, reason); err != nil {
		log.Error("failed to flag call record", "error", err)
	}
}

// heartbeat extends the job lease while the pipeline runs so the reclaim
// sweeper does not hand the job to another worker mid-flight.
func (p *Pool) heartbeat(ctx context.Context, jobID, workerID string) {
	interval := p.opts.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.ExtendJobLease(jobID, workerID, p.opts.LeaseTTL); err != nil {
				p.logger.Warn("lease heartbeat failed", "job_id", jobID, "error", err)
				return
			}
		}
	}
}

func (p *Pool) runReclaimer(ctx context.Context) {
	// Sweep at the lease TTL cadence; a lapsed lease is picked up within
	// one interval of expiring.
	ticker := time.NewTicker(p.opts.LeaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReclaimExpiredLeases()
			if err != nil {
				p.logger.Error("lease reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("reclaimed expired job leases", "count", n)
			}
		}
	}
}

// Backoff returns the retry delay after attempts consecutive failures:
// base * 2^attempts, clamped to cap.
func Backoff(base, cap time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
