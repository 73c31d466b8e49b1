package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/callpipe/callpipe/internal/audio"
	"github.com/callpipe/callpipe/internal/cdr"
	"github.com/callpipe/callpipe/internal/enrich"
	"github.com/callpipe/callpipe/internal/objstore"
	"github.com/callpipe/callpipe/internal/pbx"
	"github.com/callpipe/callpipe/internal/storage"
)

type fakeFetcher struct {
	fetchFn func(ctx context.Context, tenantID string, creds pbx.Credentials, ref string) ([]byte, error)
}

func (f *fakeFetcher) FetchRecording(ctx context.Context, tenantID string, creds pbx.Credentials, ref string) ([]byte, error) {
	return f.fetchFn(ctx, tenantID, creds, ref)
}

type fakeProcessor struct {
	format audio.Format
	err    error
}

func (f *fakeProcessor) Process(_ context.Context, raw []byte) (audio.Artifact, error) {
	if f.err != nil {
		return audio.Artifact{}, f.err
	}
	format := f.format
	if format == "" {
		format = audio.FormatCompressed
	}
	return audio.Artifact{Data: raw, Format: format}, nil
}

type fakeEnricher struct {
	result enrich.Result
	err    error
}

func (f *fakeEnricher) Enrich(_ context.Context, _ audio.Artifact) (enrich.Result, error) {
	if f.err != nil {
		return enrich.Result{}, f.err
	}
	return f.result, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTenant(t *testing.T, s *storage.Store) storage.Tenant {
	t.Helper()
	tn := storage.Tenant{
		ID:             "t-1",
		Name:           "Acme",
		WebhookUser:    "acme",
		WebhookSecret:  "hunter2",
		VendorHost:     "https://pbx.example.com",
		VendorIdentity: "acme-api",
		VendorSecret:   "vendor-secret",
	}
	if err := s.CreateTenant(tn); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	return tn
}

func seedJob(t *testing.T, s *storage.Store, tenantID, callID, recordingRef string) (storage.CallRecord, *storage.Job) {
	t.Helper()
	rec, _, err := s.UpsertCallRecord(nil, tenantID, cdr.Event{
		CallID:       callID,
		Source:       "100",
		Destination:  "200",
		DurationSecs: 30,
		Disposition:  cdr.DispositionAnswered,
		RecordingRef: recordingRef,
	})
	if err != nil {
		t.Fatalf("UpsertCallRecord failed: %v", err)
	}
	jobID, _, err := s.EnqueueJobOnce(nil, rec.ID, tenantID, 5)
	if err != nil {
		t.Fatalf("EnqueueJobOnce failed: %v", err)
	}
	job, err := s.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	return rec, &job
}

func testEvent(callID string) cdr.Event {
	return cdr.Event{
		CallID:       callID,
		Source:       "100",
		Destination:  "200",
		DurationSecs: 30,
		Disposition:  cdr.DispositionAnswered,
		RecordingRef: "2026-02/" + callID + ".wav",
	}
}

func callID(i int) string {
	return fmt.Sprintf("call-%03d", i)
}

func testResult() enrich.Result {
	return enrich.Result{
		Transcript:     "hello, thanks for calling",
		SentimentLabel: "positive",
		SentimentScore: 0.8,
		Summary:        "friendly greeting",
	}
}

func TestPipeline_VendorHappyPath(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	rec, job := seedJob(t, store, tenant.ID, "call123", "2026-02/call123.wav")

	fetcher := &fakeFetcher{fetchFn: func(_ context.Context, tenantID string, creds pbx.Credentials, ref string) ([]byte, error) {
		if tenantID != tenant.ID {
			t.Errorf("fetch tenant = %q, want %q", tenantID, tenant.ID)
		}
		if creds.Host != tenant.VendorHost || creds.Secret != tenant.VendorSecret {
			t.Error("fetch credentials do not match tenant vendor credentials")
		}
		if ref != "2026-02/call123.wav" {
			t.Errorf("fetch ref = %q", ref)
		}
		return []byte("audio-bytes"), nil
	}}

	p := NewPipeline(store, fetcher, &fakeProcessor{}, &fakeEnricher{result: testResult()}, nil)
	result, err := p.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Transcript == "" {
		t.Error("result transcript is empty")
	}

	got, err := store.GetCallRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if !got.Acquired || got.AcquiredFrom != storage.SourceVendor {
		t.Errorf("call acquired=%v from=%q, want acquired from vendor", got.Acquired, got.AcquiredFrom)
	}

	art, err := store.GetRecordingArtifact(rec.ID)
	if err != nil {
		t.Fatalf("GetRecordingArtifact: %v", err)
	}
	if art.Source != storage.SourceVendor {
		t.Errorf("artifact source = %q, want vendor", art.Source)
	}
	if art.Format != string(audio.FormatCompressed) {
		t.Errorf("artifact format = %q, want compressed", art.Format)
	}
	if art.ByteSize != int64(len("audio-bytes")) {
		t.Errorf("artifact byte size = %d", art.ByteSize)
	}
}

func TestPipeline_CacheFallback(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	rec, job := seedJob(t, store, tenant.ID, "call456", "2026-02/call456.wav")

	cache, err := objstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	key := objstore.CacheKey(tenant.ID, "call456", "2026-02/call456.wav")
	if err := cache.Write(context.Background(), key, []byte("cached-audio")); err != nil {
		t.Fatalf("cache write: %v", err)
	}

	fetcher := &fakeFetcher{fetchFn: func(context.Context, string, pbx.Credentials, string) ([]byte, error) {
		return nil, fmt.Errorf("login rejected: %w", pbx.ErrVendorUnavailable)
	}}

	p := NewPipeline(store, fetcher, &fakeProcessor{}, &fakeEnricher{result: testResult()}, cache)
	if _, err := p.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := store.GetCallRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if got.AcquiredFrom != storage.SourceCache {
		t.Errorf("acquired from = %q, want cache", got.AcquiredFrom)
	}
	art, err := store.GetRecordingArtifact(rec.ID)
	if err != nil {
		t.Fatalf("GetRecordingArtifact: %v", err)
	}
	if art.Source != storage.SourceCache {
		t.Errorf("artifact source = %q, want cache", art.Source)
	}
	if art.Location != key {
		t.Errorf("artifact location = %q, want %q", art.Location, key)
	}
}

func TestPipeline_MissingCredentialsSkipsCache(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	rec, job := seedJob(t, store, tenant.ID, "call-nocreds", "2026-02/call-nocreds.wav")

	// A cached copy exists, but an unconfigured tenant must still surface
	// the configuration error rather than acquire silently from the cache.
	cache, err := objstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	key := objstore.CacheKey(tenant.ID, "call-nocreds", "2026-02/call-nocreds.wav")
	if err := cache.Write(context.Background(), key, []byte("cached-audio")); err != nil {
		t.Fatalf("cache write: %v", err)
	}

	fetcher := &fakeFetcher{fetchFn: func(context.Context, string, pbx.Credentials, string) ([]byte, error) {
		return nil, fmt.Errorf("%w (tenant %s)", pbx.ErrMissingCredentials, tenant.ID)
	}}

	p := NewPipeline(store, fetcher, &fakeProcessor{}, &fakeEnricher{result: testResult()}, cache)
	_, err = p.Run(context.Background(), job)
	if !errors.Is(err, pbx.ErrMissingCredentials) {
		t.Fatalf("Run error = %v, want ErrMissingCredentials", err)
	}
	if kind, retryable := Classify(err); kind != KindAuth || retryable {
		t.Errorf("Classify = (%s, %v), want (auth, false)", kind, retryable)
	}

	got, err := store.GetCallRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if got.Acquired || got.AcquiredFrom != "" {
		t.Errorf("call acquired=%v from=%q, want unacquired", got.Acquired, got.AcquiredFrom)
	}
}

func TestPipeline_NotFoundEverywhereIsTerminal(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	_, job := seedJob(t, store, tenant.ID, "call789", "2026-02/call789.wav")

	cache, err := objstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	fetcher := &fakeFetcher{fetchFn: func(context.Context, string, pbx.Credentials, string) ([]byte, error) {
		return nil, pbx.ErrRecordingNotFound
	}}

	p := NewPipeline(store, fetcher, &fakeProcessor{}, &fakeEnricher{result: testResult()}, cache)
	_, err = p.Run(context.Background(), job)
	if !errors.Is(err, errAcquisitionFailed) {
		t.Fatalf("Run error = %v, want errAcquisitionFailed", err)
	}
	if kind, retryable := Classify(err); kind != KindAcquisition || retryable {
		t.Errorf("Classify = (%s, %v), want (acquisition, false)", kind, retryable)
	}
}

func TestPipeline_TransientVendorErrorStaysTransient(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	_, job := seedJob(t, store, tenant.ID, "call-t", "2026-02/call-t.wav")

	// No cache configured: a vendor outage must not become terminal.
	fetcher := &fakeFetcher{fetchFn: func(context.Context, string, pbx.Credentials, string) ([]byte, error) {
		return nil, pbx.ErrVendorUnavailable
	}}

	p := NewPipeline(store, fetcher, &fakeProcessor{}, &fakeEnricher{result: testResult()}, nil)
	_, err := p.Run(context.Background(), job)
	if !errors.Is(err, pbx.ErrVendorUnavailable) {
		t.Fatalf("Run error = %v, want ErrVendorUnavailable", err)
	}
	if kind, retryable := Classify(err); kind != KindTransient || !retryable {
		t.Errorf("Classify = (%s, %v), want (transient, true)", kind, retryable)
	}
}

func TestPipeline_MissingRecordingRef(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	_, job := seedJob(t, store, tenant.ID, "call-noref", "")

	fetcher := &fakeFetcher{fetchFn: func(context.Context, string, pbx.Credentials, string) ([]byte, error) {
		t.Error("fetcher called for a call with no recording reference")
		return nil, nil
	}}

	p := NewPipeline(store, fetcher, &fakeProcessor{}, &fakeEnricher{result: testResult()}, nil)
	_, err := p.Run(context.Background(), job)
	if !errors.Is(err, errAcquisitionFailed) {
		t.Fatalf("Run error = %v, want errAcquisitionFailed", err)
	}
}

func TestPipeline_UnknownFormatPropagates(t *testing.T) {
	store := newTestStore(t)
	tenant := newTestTenant(t, store)
	_, job := seedJob(t, store, tenant.ID, "call-fmt", "2026-02/call-fmt.bin")

	fetcher := &fakeFetcher{fetchFn: func(context.Context, string, pbx.Credentials, string) ([]byte, error) {
		return []byte("not audio"), nil
	}}

	p := NewPipeline(store, fetcher, &fakeProcessor{err: audio.ErrUnknownFormat}, &fakeEnricher{result: testResult()}, nil)
	_, err := p.Run(context.Background(), job)
	if !errors.Is(err, audio.ErrUnknownFormat) {
		t.Fatalf("Run error = %v, want ErrUnknownFormat", err)
	}
	if kind, retryable := Classify(err); kind != KindFormat || retryable {
		t.Errorf("Classify = (%s, %v), want (format, false)", kind, retryable)
	}
}
