package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/callpipe/callpipe/internal/cdr"
)

// UpsertCallRecord inserts a call record or, if (tenant, call_id) already
// exists, refreshes its mutable CDR fields. It returns the stored record and
// whether a new row was created. Acquisition/enrichment flags are never
// touched by re-ingestion.
//
// The write runs in the supplied transaction when tx is non-nil so the
// ingestion gateway can roll back record and job together.
func (s *Store) UpsertCallRecord(tx *sql.Tx, tenantID string, ev cdr.Event) (CallRecord, bool, error) {
	exec := s.execer(tx)
	now := time.Now().UTC()

	rec := CallRecord{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		CallID:       ev.CallID,
		Source:       ev.Source,
		Destination:  ev.Destination,
		DurationSecs: ev.DurationSecs,
		Disposition:  ev.Disposition,
		RecordingRef: ev.RecordingRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := exec.Exec(`
		INSERT INTO call_records (id, tenant_id, call_id, source, destination, duration_secs, disposition, recording_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, call_id) DO UPDATE SET
			source = excluded.source,
			destination = excluded.destination,
			duration_secs = excluded.duration_secs,
			disposition = excluded.disposition,
			recording_ref = CASE WHEN excluded.recording_ref != '' THEN excluded.recording_ref ELSE call_records.recording_ref END,
			updated_at = excluded.updated_at`,
		rec.ID, rec.TenantID, rec.CallID, rec.Source, rec.Destination,
		rec.DurationSecs, string(rec.Disposition), rec.RecordingRef,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return CallRecord{}, false, fmt.Errorf("upserting call record: %w", err)
	}

	// The conflict branch keeps the original row id; read it back.
	var id, createdAt string
	err = s.rowQuerier(tx).QueryRow(
		`SELECT id, created_at FROM call_records WHERE tenant_id = ? AND call_id = ?`,
		tenantID, ev.CallID,
	).Scan(&id, &createdAt)
	if err != nil {
		return CallRecord{}, false, fmt.Errorf("reading back call record: %w", err)
	}
	created := id == rec.ID
	rec.ID = id
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return CallRecord{}, false, fmt.Errorf("parsing created_at: %w", err)
	}
	return rec, created, nil
}

const callColumns = `id, tenant_id, call_id, source, destination, duration_secs, disposition, recording_ref, acquired, acquired_from, enriched, flagged_reason, created_at, updated_at`

func scanCallRecord(scan func(dest ...any) error) (CallRecord, error) {
	var c CallRecord
	var disposition, createdAt, updatedAt string
	var acquired, enriched int
	err := scan(&c.ID, &c.TenantID, &c.CallID, &c.Source, &c.Destination,
		&c.DurationSecs, &disposition, &c.RecordingRef, &acquired, &c.AcquiredFrom,
		&enriched, &c.FlaggedReason, &createdAt, &updatedAt)
	if err != nil {
		return CallRecord{}, err
	}
	c.Disposition = cdr.Disposition(disposition)
	c.Acquired = acquired != 0
	c.Enriched = enriched != 0
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return CallRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return CallRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// GetCallRecord returns the call record with the given row id.
func (s *Store) GetCallRecord(id string) (CallRecord, error) {
	row := s.db.QueryRow(`SELECT `+callColumns+` FROM call_records WHERE id = ?`, id)
	c, err := scanCallRecord(row.Scan)
	if err == sql.ErrNoRows {
		return CallRecord{}, ErrNotFound
	}
	return c, err
}

// GetCallRecordByCallID returns the call record for (tenant, call_id).
func (s *Store) GetCallRecordByCallID(tenantID, callID string) (CallRecord, error) {
	row := s.db.QueryRow(`SELECT `+callColumns+` FROM call_records WHERE tenant_id = ? AND call_id = ?`, tenantID, callID)
	c, err := scanCallRecord(row.Scan)
	if err == sql.ErrNoRows {
		return CallRecord{}, ErrNotFound
	}
	return c, err
}

// MarkCallAcquired records which source yielded the recording bytes.
func (s *Store) MarkCallAcquired(id, source string) error {
	res, err := s.db.Exec(`UPDATE call_records SET acquired = 1, acquired_from = ?, updated_at = ? WHERE id = ?`,
		source, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FlagCallRecord sets the operator-visible failure note on a call record.
func (s *Store) FlagCallRecord(id, reason string) error {
	res, err := s.db.Exec(`UPDATE call_records SET flagged_reason = ?, updated_at = ? WHERE id = ?`,
		reason, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveRecordingArtifact records artifact metadata for a call, first write wins.
func (s *Store) SaveRecordingArtifact(a RecordingArtifact) error {
	_, err := s.db.Exec(`
		INSERT INTO recording_artifacts (call_record_id, source, format, location, byte_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_record_id) DO UPDATE SET
			format = excluded.format,
			byte_size = excluded.byte_size`,
		a.CallRecordID, a.Source, a.Format, a.Location, a.ByteSize, fmtTime(time.Now()),
	)
	return err
}

// GetRecordingArtifact returns artifact metadata for a call record.
func (s *Store) GetRecordingArtifact(callRecordID string) (RecordingArtifact, error) {
	var a RecordingArtifact
	var createdAt string
	err := s.db.QueryRow(`
		SELECT call_record_id, source, format, location, byte_size, created_at
		FROM recording_artifacts WHERE call_record_id = ?`, callRecordID,
	).Scan(&a.CallRecordID, &a.Source, &a.Format, &a.Location, &a.ByteSize, &createdAt)
	if err == sql.ErrNoRows {
		return RecordingArtifact{}, ErrNotFound
	}
	if err != nil {
		return RecordingArtifact{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return RecordingArtifact{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// execer returns tx when non-nil, otherwise the shared connection.
func (s *Store) execer(tx *sql.Tx) interface {
	Exec(query string, args ...any) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *Store) rowQuerier(tx *sql.Tx) interface {
	QueryRow(query string, args ...any) *sql.Row
} {
	if tx != nil {
		return tx
	}
	return s.db
}

// Begin starts a transaction for multi-write ingestion.
func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}
