package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/telemetry"
)

// DefaultDocumentKey is the backend key the index document is stored under.
const DefaultDocumentKey = "index.json"

// Index maps cache keys to entries and keeps the size and count aggregates
// in step with every mutation. All methods are safe for concurrent use, but
// mutations are only durable once Persist returns.
type Index struct {
	backend  backend.Backend
	codec    *Codec
	docKey   string
	compress bool
	logger   *slog.Logger

	// persistMu orders snapshots with their writes so an older snapshot can
	// never overwrite a newer one.
	persistMu sync.Mutex

	mu          sync.RWMutex
	entries     map[string]*Entry
	totalSize   int64
	lastCleanup time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// WithCompression stores the document zstd compressed. Loading detects
// either form regardless of this setting.
func WithCompression(enabled bool) Option {
	return func(ix *Index) {
		ix.compress = enabled
	}
}

// New creates an empty index backed by b. Call Load to read the persisted
// document.
func New(b backend.Backend, opts ...Option) (*Index, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	ix := &Index{
		backend: b,
		codec:   codec,
		docKey:  DefaultDocumentKey,
		logger:  slog.Default(),
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With("component", "index")
	return ix, nil
}

// Close releases the codec.
func (ix *Index) Close() {
	ix.codec.Close()
}

// Load replaces the in-memory state with the persisted document.
//
// A missing document starts an empty index. An unreadable one is copied
// aside to "<key>.corrupt", logged, and also replaced by an empty index;
// only backend read failures are returned. Aggregates are recomputed from
// the loaded entries rather than trusted from the document.
func (ix *Index) Load(ctx context.Context) error {
	data, err := backend.ReadBytes(ctx, ix.backend, ix.docKey)
	if errors.Is(err, backend.ErrNotFound) {
		ix.logger.Debug("no index document, starting empty", "key", ix.docKey)
		ix.replace(nil, time.Time{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading index document: %w", err)
	}

	doc, err := ix.codec.Decode(data)
	if err != nil {
		reason := "decode"
		if errors.Is(err, ErrUnsupportedVersion) {
			reason = "version"
		}
		ix.logger.Warn("discarding unreadable index document",
			"key", ix.docKey,
			"reason", reason,
			"error", err,
		)
		telemetry.RecordIndexRecovery(ctx, reason)

		if err := backend.WriteBytes(ctx, ix.backend, ix.docKey+".corrupt", data); err != nil {
			ix.logger.Warn("failed to keep copy of unreadable index", "error", err)
		}
		ix.replace(nil, time.Time{})
		return nil
	}

	keys := make([]string, 0, len(doc.Index))
	for key := range doc.Index {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Rows sharing a blob path would remove each other's bytes; the first
	// key in sorted order keeps it.
	entries := make(map[string]*Entry, len(doc.Index))
	owners := make(map[string]string, len(doc.Index))
	for _, key := range keys {
		e := entryFromJSON(key, doc.Index[key])
		if !ix.sanitize(e) {
			continue
		}
		if owner, ok := owners[e.BlobPath]; ok {
			ix.logger.Warn("dropping index row with shared blob path", "key", key, "blob_path", e.BlobPath, "kept", owner)
			continue
		}
		owners[e.BlobPath] = key
		entries[key] = e
	}

	ix.replace(entries, fromMillis(doc.Metadata.LastCleanup))

	meta := ix.Metadata()
	if meta.TotalSize != doc.Metadata.TotalSize || meta.EntryCount != doc.Metadata.ImageCount {
		ix.logger.Info("index aggregates recomputed",
			"stored_total_size", doc.Metadata.TotalSize,
			"stored_image_count", doc.Metadata.ImageCount,
			"total_size", meta.TotalSize,
			"image_count", meta.EntryCount,
		)
	}
	ix.logger.Debug("index loaded", "image_count", meta.EntryCount, "total_size", meta.TotalSize)
	return nil
}

// sanitize drops rows that cannot be valid and repairs ones that break a
// field invariant. It reports whether e should be kept.
func (ix *Index) sanitize(e *Entry) bool {
	if e.Key == "" || e.BlobPath == "" || e.Size < 0 {
		ix.logger.Warn("dropping invalid index row", "key", e.Key, "blob_path", e.BlobPath, "size", e.Size)
		return false
	}
	if e.AccessCount < 1 {
		e.AccessCount = 1
	}
	if e.LastAccessedAt.Before(e.CreatedAt) {
		e.LastAccessedAt = e.CreatedAt
	}
	return true
}

func (ix *Index) replace(entries map[string]*Entry, lastCleanup time.Time) {
	if entries == nil {
		entries = make(map[string]*Entry)
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.totalSize = total
	ix.lastCleanup = lastCleanup
	ix.mu.Unlock()
}

// Persist writes the full index as one atomic document replace.
func (ix *Index) Persist(ctx context.Context) error {
	ix.persistMu.Lock()
	defer ix.persistMu.Unlock()

	doc := ix.snapshot()
	data, err := ix.codec.Encode(doc, ix.compress)
	if err != nil {
		return err
	}
	if err := backend.WriteBytes(ctx, ix.backend, ix.docKey, data); err != nil {
		return fmt.Errorf("writing index document: %w", err)
	}
	return nil
}

func (ix *Index) snapshot() *document {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	doc := &document{
		Metadata: documentMetadata{
			TotalSize:   ix.totalSize,
			ImageCount:  len(ix.entries),
			LastCleanup: toMillis(ix.lastCleanup),
			Version:     FormatVersion,
		},
		Index: make(map[string]entryJSON, len(ix.entries)),
	}
	for key, e := range ix.entries {
		doc.Index[key] = entryToJSON(e)
	}
	return doc
}

// Upsert inserts e, or replaces the entry with the same key. It returns the
// replaced entry, if any.
func (ix *Index) Upsert(e Entry) (Entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	stored := e
	prev, replaced := ix.entries[e.Key]
	if replaced {
		ix.totalSize -= prev.Size
	}
	ix.entries[e.Key] = &stored
	ix.totalSize += stored.Size

	if replaced {
		return *prev, true
	}
	return Entry{}, false
}

// Delete removes the entry for key and returns it.
func (ix *Index) Delete(key string) (Entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(ix.entries, key)
	ix.totalSize -= e.Size
	return *e, true
}

// Get returns a copy of the entry for key.
func (ix *Index) Get(key string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Touch records a successful read of key at now and returns the updated
// entry. LastAccessedAt never moves backwards.
func (ix *Index) Touch(key string, now time.Time) (Entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[key]
	if !ok {
		return Entry{}, false
	}
	if now.After(e.LastAccessedAt) {
		e.LastAccessedAt = now
	}
	e.AccessCount++
	return *e, true
}

// SetRemoteURL sets the remote URL of an existing entry. It never creates
// an entry.
func (ix *Index) SetRemoteURL(key, url string) (Entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[key]
	if !ok {
		return Entry{}, false
	}
	e.RemoteURL = url
	return *e, true
}

// Entries returns copies of every entry ordered by key.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, *e)
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// TotalSize returns the summed size of all entries.
func (ix *Index) TotalSize() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.totalSize
}

// Metadata returns the current aggregates.
func (ix *Index) Metadata() Metadata {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Metadata{
		TotalSize:   ix.totalSize,
		EntryCount:  len(ix.entries),
		LastCleanup: ix.lastCleanup,
		Version:     FormatVersion,
	}
}

// SetLastCleanup records the time of the latest cleanup pass.
func (ix *Index) SetLastCleanup(t time.Time) {
	ix.mu.Lock()
	ix.lastCleanup = t
	ix.mu.Unlock()
}
