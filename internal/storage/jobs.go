package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnqueueJobOnce creates a pending job for the call record unless one already
// exists (any state). Returns the job id and whether a new job was created.
// Runs inside tx when non-nil so ingestion can roll back atomically with the
// call record upsert.
func (s *Store) EnqueueJobOnce(tx *sql.Tx, callRecordID, tenantID string, maxAttempts int) (string, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	now := time.Now().UTC()
	id := uuid.New().String()
	res, err := s.execer(tx).Exec(`
		INSERT INTO jobs (id, call_record_id, tenant_id, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)
		ON CONFLICT(call_record_id) DO NOTHING`,
		id, callRecordID, tenantID, maxAttempts, fmtTime(now), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueueing job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		var existing string
		err := s.rowQuerier(tx).QueryRow(`SELECT id FROM jobs WHERE call_record_id = ?`, callRecordID).Scan(&existing)
		if err != nil {
			return "", false, fmt.Errorf("reading existing job: %w", err)
		}
		return existing, false, nil
	}
	return id, true, nil
}

const jobColumns = `id, call_record_id, tenant_id, status, attempts, max_attempts, run_after, worker_id, claimed_at, lease_expires_at, last_error, last_error_kind, created_at, updated_at`

func scanJob(scan func(dest ...any) error) (Job, error) {
	var j Job
	var runAfter, claimedAt, leaseExpiresAt, createdAt, updatedAt string
	err := scan(&j.ID, &j.CallRecordID, &j.TenantID, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &j.WorkerID, &claimedAt, &leaseExpiresAt,
		&j.LastError, &j.LastErrorKind, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	for _, f := range []struct {
		raw  string
		dst  *time.Time
		name string
	}{
		{runAfter, &j.RunAfter, "run_after"},
		{claimedAt, &j.ClaimedAt, "claimed_at"},
		{leaseExpiresAt, &j.LeaseExpiresAt, "lease_expires_at"},
		{createdAt, &j.CreatedAt, "created_at"},
		{updatedAt, &j.UpdatedAt, "updated_at"},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return Job{}, fmt.Errorf("parsing %s: %w", f.name, err)
		}
	}
	return j, nil
}

// ClaimNextJob atomically claims the oldest eligible job for workerID.
// Returns nil when no job is eligible.
//
// Due retry_scheduled jobs are first promoted back to pending, then a single
// pending row is moved to claimed with the worker id, claim time, and lease
// recorded. The conditional UPDATE on status guarantees two concurrent
// claimants cannot both win the same job: the loser affects zero rows and
// retries the select.
func (s *Store) ClaimNextJob(workerID string, leaseTTL time.Duration) (*Job, error) {
	now := time.Now().UTC()

	if _, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'retry_scheduled' AND run_after <= ?`,
		fmtTime(now), fmtTime(now),
	); err != nil {
		return nil, fmt.Errorf("promoting scheduled retries: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, fmtTime(now))
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	lease := now.Add(leaseTTL)
	res, err := tx.Exec(`
		UPDATE jobs SET status = 'claimed', worker_id = ?, claimed_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		workerID, fmtTime(now), fmtTime(lease), fmtTime(now), j.ID,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		// Lost the race; caller polls again.
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobClaimed
	j.WorkerID = workerID
	j.ClaimedAt = now
	j.LeaseExpiresAt = lease
	j.UpdatedAt = now
	return &j, nil
}

// StartJob moves a claimed job to running and bumps its attempt count. The
// transition is conditional on the claim still being held by workerID.
func (s *Store) StartJob(id, workerID string) (int, error) {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'claimed' AND worker_id = ?`,
		now, id, workerID,
	)
	if err != nil {
		return 0, err
	}
	if err := requireRow(res); err != nil {
		return 0, err
	}
	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM jobs WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

// ExtendJobLease pushes out the lease expiry for an in-flight job
// (heartbeat during long downloads or AI calls).
func (s *Store) ExtendJobLease(id, workerID string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status IN ('claimed', 'running')`,
		fmtTime(now.Add(leaseTTL)), fmtTime(now), id, workerID,
	)
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}
	return requireRow(res)
}

// CompleteJob marks a running job succeeded. Terminal states are never
// overwritten; completing an already-succeeded job is a no-op.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'succeeded', updated_at = ? WHERE id = ? AND status IN ('claimed', 'running')`,
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if status == JobSucceeded {
			return nil
		}
		return fmt.Errorf("job %s in state %s cannot be completed", id, status)
	}
	return nil
}

// RescheduleJob records a retryable failure: the job moves to retry_scheduled
// with run_after pushed out by delay. The claim is released.
func (s *Store) RescheduleJob(id string, delay time.Duration, errMsg, errKind string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'retry_scheduled', run_after = ?, worker_id = '', claimed_at = '', lease_expires_at = '',
			last_error = ?, last_error_kind = ?, updated_at = ?
		WHERE id = ? AND status IN ('claimed', 'running')`,
		fmtTime(now.Add(delay)), errMsg, errKind, fmtTime(now), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailJob moves a job to terminal failed.
func (s *Store) FailJob(id string, errMsg, errKind string) error {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'failed', worker_id = '', claimed_at = '', lease_expires_at = '',
			last_error = ?, last_error_kind = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'claimed', 'running', 'retry_scheduled')`,
		errMsg, errKind, now, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ReclaimExpiredLeases returns claimed/running jobs whose lease has lapsed to
// pending so another worker can pick them up (crashed-worker tolerance).
// Returns the number of jobs reclaimed.
func (s *Store) ReclaimExpiredLeases() (int, error) {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', worker_id = '', claimed_at = '', lease_expires_at = '',
			last_error = 'lease expired; reclaimed', last_error_kind = 'transient', updated_at = ?
		WHERE status IN ('claimed', 'running') AND lease_expires_at != '' AND lease_expires_at < ?`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaiming expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// GetJobByCallRecord returns the job for a call record, if any.
func (s *Store) GetJobByCallRecord(callRecordID string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE call_record_id = ?`, callRecordID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RetryJob resets a terminal or scheduled job to pending, clearing its error
// and attempt count. Operator action; succeeded jobs cannot be retried.
func (s *Store) RetryJob(id string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', attempts = 0, run_after = ?, worker_id = '', claimed_at = '',
			lease_expires_at = '', last_error = '', last_error_kind = '', updated_at = ?
		WHERE id = ? AND status IN ('failed', 'retry_scheduled')`,
		fmtTime(time.Now()), fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RetryJobs resets every job in the given states to pending. Returns the
// number of jobs reset.
func (s *Store) RetryJobs(statuses []string) (int, error) {
	if len(statuses) == 0 {
		statuses = []string{JobFailed}
	}
	for _, st := range statuses {
		if st != JobFailed && st != JobRetryScheduled {
			return 0, fmt.Errorf("cannot bulk-retry jobs in state %q", st)
		}
	}
	placeholders := strings.Repeat(",?", len(statuses)-1)
	args := []any{fmtTime(time.Now()), fmtTime(time.Now())}
	for _, st := range statuses {
		args = append(args, st)
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', attempts = 0, run_after = ?, worker_id = '', claimed_at = '',
			lease_expires_at = '', last_error = '', last_error_kind = '', updated_at = ?
		WHERE status IN (?`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountJobs tallies jobs per state.
func (s *Store) CountJobs() (JobCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return JobCounts{}, err
	}
	defer rows.Close()

	var c JobCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return JobCounts{}, err
		}
		switch status {
		case JobPending:
			c.Pending = n
		case JobClaimed:
			c.Claimed = n
		case JobRunning:
			c.Running = n
		case JobSucceeded:
			c.Succeeded = n
		case JobRetryScheduled:
			c.RetryScheduled = n
		case JobFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}
