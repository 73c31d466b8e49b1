package storage

import (
	"errors"
	"time"

	"github.com/callpipe/callpipe/internal/cdr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job states. Transitions are monotonic: succeeded and failed are terminal
// and are only left again through an explicit operator retry.
const (
	JobPending        = "pending"
	JobClaimed        = "claimed"
	JobRunning        = "running"
	JobSucceeded      = "succeeded"
	JobRetryScheduled = "retry_scheduled"
	JobFailed         = "failed"
)

// Tenant is one isolated customer organization. Webhook credentials
// authenticate inbound CDR events; vendor credentials authenticate the
// recording-download protocol. There are no process-wide defaults for either.
type Tenant struct {
	ID             string
	Name           string
	WebhookUser    string
	WebhookSecret  string
	VendorHost     string
	VendorIdentity string
	VendorSecret   string
	UsageCount     int64
	CreatedAt      time.Time
}

// CallRecord is one completed PBX call. (TenantID, CallID) is unique;
// re-ingesting the same pair updates the existing row.
type CallRecord struct {
	ID            string
	TenantID      string
	CallID        string
	Source        string
	Destination   string
	DurationSecs  int
	Disposition   cdr.Disposition
	RecordingRef  string
	Acquired      bool
	AcquiredFrom  string // "vendor" or "cache"; empty until acquisition
	Enriched      bool
	FlaggedReason string // operator-visible note set on terminal acquisition failure
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Job is one acquisition-and-enrichment unit of work for a CallRecord with a
// recording reference. At most one job exists per call record.
type Job struct {
	ID             string
	CallRecordID   string
	TenantID       string
	Status         string
	Attempts       int
	MaxAttempts    int
	RunAfter       time.Time
	WorkerID       string
	ClaimedAt      time.Time
	LeaseExpiresAt time.Time
	LastError      string
	LastErrorKind  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Acquisition sources for recording artifacts.
const (
	SourceVendor = "vendor"
	SourceCache  = "cache"
)

// RecordingArtifact records where an acquired recording ended up and in what
// format. One row per call record, written once.
type RecordingArtifact struct {
	CallRecordID string
	Source       string // "vendor" or "cache"
	Format       string // "raw", "normalized", "compressed"
	Location     string
	ByteSize     int64
	CreatedAt    time.Time
}

// EnrichmentResult holds pipeline outputs for one call. Upserted keyed by
// call record, so re-running finalization after a crash cannot duplicate it.
type EnrichmentResult struct {
	CallRecordID   string
	Transcript     string
	SentimentLabel string
	SentimentScore float64
	Summary        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobCounts is the per-state job tally used by status surfaces.
type JobCounts struct {
	Pending        int
	Claimed        int
	Running        int
	Succeeded      int
	RetryScheduled int
	Failed         int
}
