// Package index holds the authoritative in-memory mapping from cache key to
// entry metadata, mirrored to a single persisted JSON document.
package index

import "time"

// FormatVersion is written into every persisted document.
const FormatVersion = "1.0.0"

// Entry describes one cached image.
type Entry struct {
	// Key is the logical identity, usually the source URL.
	Key string
	// BlobPath is the backend key of the stored bytes. No two entries share one.
	BlobPath string
	// RemoteURL is set once the blob has been uploaded. Empty means cache-only.
	RemoteURL string
	// Size is the exact blob length at write time.
	Size int64
	// CreatedAt is never after LastAccessedAt.
	CreatedAt      time.Time
	LastAccessedAt time.Time
	// AccessCount starts at 1 and is incremented on every successful read.
	AccessCount int64
	// ContentHash is a blob reference ("blake3:<hex>"). Not used for dedup.
	ContentHash string
}

// CacheOnly reports whether the entry has not been uploaded yet.
func (e Entry) CacheOnly() bool {
	return e.RemoteURL == ""
}

// Metadata holds the aggregates for one cache instance.
type Metadata struct {
	TotalSize   int64
	EntryCount  int
	LastCleanup time.Time
	Version     string
}

// TruncateTime rounds t down to the millisecond precision the persisted
// document stores, so values survive a round-trip unchanged.
func TruncateTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}
