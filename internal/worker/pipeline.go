package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/callpipe/callpipe/internal/audio"
	"github.com/callpipe/callpipe/internal/enrich"
	"github.com/callpipe/callpipe/internal/objstore"
	"github.com/callpipe/callpipe/internal/pbx"
	"github.com/callpipe/callpipe/internal/storage"
)

// RecordingFetcher is the vendor recording client surface used by the pipeline.
type RecordingFetcher interface {
	FetchRecording(ctx context.Context, tenantID string, creds pbx.Credentials, recordingRef string) ([]byte, error)
}

// AudioProcessor normalizes and compresses raw recording bytes.
type AudioProcessor interface {
	Process(ctx context.Context, raw []byte) (audio.Artifact, error)
}

// Enricher runs the transcription/sentiment collaborators.
type Enricher interface {
	Enrich(ctx context.Context, art audio.Artifact) (enrich.Result, error)
}

// PipelineStore is the storage surface the pipeline reads and writes.
type PipelineStore interface {
	GetCallRecord(id string) (storage.CallRecord, error)
	GetTenant(id string) (storage.Tenant, error)
	MarkCallAcquired(id, source string) error
	SaveRecordingArtifact(a storage.RecordingArtifact) error
}

// Pipeline runs one job end to end: acquire the recording (vendor first,
// object-storage cache as fallback), normalize it, and enrich it. Finalization
// is the pool's responsibility so the succeeded transition and the usage
// counter stay in one transaction.
type Pipeline struct {
	store     PipelineStore
	fetcher   RecordingFetcher
	processor AudioProcessor
	enricher  Enricher
	cache     objstore.Store // nil disables the fallback
	logger    *slog.Logger
}

func NewPipeline(store PipelineStore, fetcher RecordingFetcher, processor AudioProcessor, enricher Enricher, cache objstore.Store) *Pipeline {
	return &Pipeline{
		store:     store,
		fetcher:   fetcher,
		processor: processor,
		enricher:  enricher,
		cache:     cache,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// Run processes one claimed job and returns the enrichment result to persist.
func (p *Pipeline) Run(ctx context.Context, job *storage.Job) (enrich.Result, error) {
	call, err := p.store.GetCallRecord(job.CallRecordID)
	if err != nil {
		return enrich.Result{}, fmt.Errorf("loading call record: %w", err)
	}
	if call.RecordingRef == "" {
		return enrich.Result{}, fmt.Errorf("%w: call has no recording reference", errAcquisitionFailed)
	}

	tenant, err := p.store.GetTenant(call.TenantID)
	if err != nil {
		return enrich.Result{}, fmt.Errorf("loading tenant: %w", err)
	}

	raw, source, err := p.acquire(ctx, tenant, call)
	if err != nil {
		return enrich.Result{}, err
	}

	if err := p.store.MarkCallAcquired(call.ID, source); err != nil {
		return enrich.Result{}, fmt.Errorf("marking call acquired: %w", err)
	}

	art, err := p.processor.Process(ctx, raw)
	if err != nil {
		return enrich.Result{}, err
	}

	location := "vendor:" + call.RecordingRef
	if source == storage.SourceCache {
		location = objstore.CacheKey(tenant.ID, call.CallID, call.RecordingRef)
	}
	if err := p.store.SaveRecordingArtifact(storage.RecordingArtifact{
		CallRecordID: call.ID,
		Source:       source,
		Format:       string(art.Format),
		Location:     location,
		ByteSize:     int64(len(art.Data)),
	}); err != nil {
		return enrich.Result{}, fmt.Errorf("saving artifact: %w", err)
	}

	result, err := p.enricher.Enrich(ctx, art)
	if err != nil {
		return enrich.Result{}, err
	}
	return result, nil
}

// acquire fetches recording bytes, trying the vendor first and the cache when
// the vendor path is exhausted. The returned error mirrors the decisive
// failure: a vendor NotFound with no cached copy is terminal, a transient
// vendor error with no cached copy stays transient so the vendor is retried.
// Missing tenant credentials never fall through to the cache: a cached copy
// would mask the configuration error, which must surface and flag the call.
func (p *Pipeline) acquire(ctx context.Context, tenant storage.Tenant, call storage.CallRecord) ([]byte, string, error) {
	creds := pbx.Credentials{
		Host:     tenant.VendorHost,
		Identity: tenant.VendorIdentity,
		Secret:   tenant.VendorSecret,
	}

	raw, vendorErr := p.fetcher.FetchRecording(ctx, tenant.ID, creds, call.RecordingRef)
	if vendorErr == nil {
		return raw, storage.SourceVendor, nil
	}
	if errors.Is(vendorErr, pbx.ErrMissingCredentials) {
		return nil, "", vendorErr
	}
	p.logger.Warn("vendor fetch failed, trying cache",
		"tenant", tenant.ID, "call", call.CallID, "error", vendorErr)

	if p.cache != nil {
		key := objstore.CacheKey(tenant.ID, call.CallID, call.RecordingRef)
		cached, cacheErr := p.cache.Read(ctx, key)
		if cacheErr == nil {
			return cached, storage.SourceCache, nil
		}
		if !errors.Is(cacheErr, objstore.ErrNotFound) {
			p.logger.Warn("cache read failed", "key", key, "error", cacheErr)
		}
	}

	if errors.Is(vendorErr, pbx.ErrRecordingNotFound) {
		return nil, "", fmt.Errorf("%w: %v", errAcquisitionFailed, vendorErr)
	}
	return nil, "", vendorErr
}
