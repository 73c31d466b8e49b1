package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// FinalizeJob persists pipeline outputs in one transaction: the enrichment
// result is upserted keyed by call record, the call is marked enriched, the
// job moves running→succeeded, and the tenant usage counter is incremented.
//
// The usage increment is gated on the succeeded transition actually happening,
// so a crash-and-retry of finalization can never double-count a call: the
// second run finds the job already succeeded, re-upserts the identical result,
// and skips the counter.
func (s *Store) FinalizeJob(jobID string, result EnrichmentResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())

	var tenantID, callRecordID string
	err = tx.QueryRow(`SELECT tenant_id, call_record_id FROM jobs WHERE id = ?`, jobID).Scan(&tenantID, &callRecordID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if result.CallRecordID != "" && result.CallRecordID != callRecordID {
		return fmt.Errorf("result call record %s does not match job %s", result.CallRecordID, jobID)
	}

	if _, err := tx.Exec(`
		INSERT INTO enrichment_results (call_record_id, transcript, sentiment_label, sentiment_score, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_record_id) DO UPDATE SET
			transcript = excluded.transcript,
			sentiment_label = excluded.sentiment_label,
			sentiment_score = excluded.sentiment_score,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		callRecordID, result.Transcript, result.SentimentLabel, result.SentimentScore,
		result.Summary, now, now,
	); err != nil {
		return fmt.Errorf("upserting enrichment result: %w", err)
	}

	if _, err := tx.Exec(`UPDATE call_records SET enriched = 1, updated_at = ? WHERE id = ?`, now, callRecordID); err != nil {
		return fmt.Errorf("marking call enriched: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE jobs SET status = 'succeeded', updated_at = ? WHERE id = ? AND status IN ('claimed', 'running')`,
		now, jobID,
	)
	if err != nil {
		return fmt.Errorf("marking job succeeded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		if _, err := tx.Exec(`UPDATE tenants SET usage_count = usage_count + 1 WHERE id = ?`, tenantID); err != nil {
			return fmt.Errorf("incrementing tenant usage: %w", err)
		}
	}

	return tx.Commit()
}

// GetEnrichmentResult returns the stored result for a call record.
func (s *Store) GetEnrichmentResult(callRecordID string) (EnrichmentResult, error) {
	var r EnrichmentResult
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT call_record_id, transcript, sentiment_label, sentiment_score, summary, created_at, updated_at
		FROM enrichment_results WHERE call_record_id = ?`, callRecordID,
	).Scan(&r.CallRecordID, &r.Transcript, &r.SentimentLabel, &r.SentimentScore, &r.Summary, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return EnrichmentResult{}, ErrNotFound
	}
	if err != nil {
		return EnrichmentResult{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return EnrichmentResult{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return EnrichmentResult{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}
