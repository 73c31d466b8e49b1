package worker

import (
	"context"
	"errors"
	"net"

	"github.com/callpipe/callpipe/internal/audio"
	"github.com/callpipe/callpipe/internal/enrich"
	"github.com/callpipe/callpipe/internal/pbx"
)

// Kind classifies a pipeline failure. Retryability is decided here, in one
// place, so the queue transitions never depend on string matching.
type Kind string

const (
	KindAuth        Kind = "auth"        // vendor credentials missing or rejected outright
	KindAcquisition Kind = "acquisition" // recording absent from vendor and cache
	KindFormat      Kind = "format"      // unrecognized audio signature
	KindEnrichment  Kind = "enrichment"  // empty/unusable transcription input or output
	KindTransient   Kind = "transient"   // timeouts, network failures, vendor/AI unavailability
)

// errAcquisitionFailed marks the recording as gone from both the vendor and
// the cache. Produced by the pipeline's fallback logic.
var errAcquisitionFailed = errors.New("recording unavailable from vendor and cache")

// Classify maps a pipeline error to its kind and whether a retry can help.
// Unknown errors are treated as transient: the failure modes we cannot name
// are overwhelmingly network-shaped, and the attempt cap bounds the damage.
func Classify(err error) (Kind, bool) {
	switch {
	case errors.Is(err, pbx.ErrMissingCredentials):
		return KindAuth, false
	case errors.Is(err, errAcquisitionFailed):
		return KindAcquisition, false
	case errors.Is(err, audio.ErrUnknownFormat):
		return KindFormat, false
	case errors.Is(err, enrich.ErrEmptyInput), errors.Is(err, enrich.ErrEmptyTranscript):
		return KindEnrichment, false
	case errors.Is(err, pbx.ErrVendorUnavailable):
		return KindTransient, true
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient, true
	}
	return KindTransient, true
}
