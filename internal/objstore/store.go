// Package objstore abstracts the private object-storage bucket holding cached
// recording copies, used as the acquisition fallback when the vendor no
// longer has a file.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("objstore: object not found")

// Store is a minimal read/write surface over a private bucket.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// CacheKey derives the tenant-scoped object key for a recording:
// "<tenant>/<call-id>_<basename of the recording path>". The recording
// reference must already be canonicalized.
func CacheKey(tenantID, callID, recordingRef string) string {
	return fmt.Sprintf("%s/%s_%s", tenantID, callID, path.Base(recordingRef))
}
