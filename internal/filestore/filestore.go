// Package filestore caches downloaded attachment payloads on disk, so a
// re-opened conversation does not refetch its media.
package filestore

import "io"

// Store is keyed by the attachment's file id.
type Store interface {
	// Save persists the payload. Saving an id that already exists is a
	// no-op; attachment content is immutable.
	Save(r io.Reader, fileID string) error

	// Get opens the cached payload. Returns an error on a cache miss.
	Get(fileID string) (io.ReadCloser, error)
}
