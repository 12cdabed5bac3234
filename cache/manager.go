// Package cache is the image cache façade: admission, lookup, removal and
// size-triggered eviction over a blob store and a persisted index.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/eviction"
	"github.com/wolfeidau/image-cache/index"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Manager is the only component that writes to the blob store and the
// index document.
//
// Operations on the same key are serialised by a per-key lock. Eviction
// never waits for a key lock; it skips keys with a write in flight.
// Mutating operations run to completion once started, even if ctx is
// cancelled.
type Manager struct {
	backend backend.Backend
	index   *index.Index
	engine  *eviction.Engine
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	keyLocks sync.Map // map[string]*sync.Mutex

	// cleanupMu allows one eviction, prune or clear pass at a time.
	cleanupMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the clock used for timestamps and the protection window.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager over b. Call Initialize before use.
func New(b backend.Backend, config Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	m := &Manager{
		backend: b,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "cache")

	ix, err := index.New(b,
		index.WithLogger(m.logger),
		index.WithCompression(config.CompressIndex),
	)
	if err != nil {
		return nil, fmt.Errorf("creating index: %w", err)
	}
	m.index = ix

	m.engine = eviction.New(
		eviction.Config{Strategy: config.Strategy, Protection: config.Protection()},
		eviction.WithLogger(m.logger),
		eviction.WithNow(m.now),
	)
	return m, nil
}

// Close releases resources held by the index.
func (m *Manager) Close() {
	m.index.Close()
}

// Config returns the cache configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Initialize loads the index, reconciles it with the blob store and runs
// one cleanup pass, so a ceiling lowered since the last run takes effect.
func (m *Manager) Initialize(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	if err := m.index.Load(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if _, err := m.reconcile(ctx); err != nil {
		return err
	}

	if _, err := m.CheckAndCleanup(ctx, false); err != nil {
		return err
	}

	meta := m.index.Metadata()
	m.logger.Info("cache initialized",
		"image_count", meta.EntryCount,
		"total_size", meta.TotalSize,
		"max_size", m.config.MaxBytes(),
		"strategy", m.config.Strategy,
	)
	return nil
}

// Get returns the entry for key and records the access. A miss returns
// false and no error. On a hit the returned error can only be ErrPersist.
func (m *Manager) Get(ctx context.Context, key string) (index.Entry, bool, error) {
	ctx = context.WithoutCancel(ctx)

	e, ok := m.index.Touch(key, index.TruncateTime(m.now()))
	if !ok {
		telemetry.RecordLookup(ctx, telemetry.CacheMiss)
		return index.Entry{}, false, nil
	}
	telemetry.RecordLookup(ctx, telemetry.CacheHit)

	if err := m.persist(ctx); err != nil {
		return e, true, err
	}
	return e, true, nil
}

// Open returns the blob bytes for key along with its entry, recording the
// access like Get. It returns ErrNotFound on a miss. A row whose blob has
// gone missing is dropped and reported as a miss. When only persisting the
// access fails, the reader is returned alongside ErrPersist.
func (m *Manager) Open(ctx context.Context, key string) (io.ReadCloser, index.Entry, error) {
	ctx = context.WithoutCancel(ctx)

	data, e, err := m.ReadBlob(ctx, key)
	if errors.Is(err, ErrNotFound) {
		telemetry.RecordLookup(ctx, telemetry.CacheMiss)
		return nil, index.Entry{}, err
	}
	if err != nil {
		return nil, index.Entry{}, err
	}

	if touched, ok := m.index.Touch(key, index.TruncateTime(m.now())); ok {
		e = touched
	}
	telemetry.RecordLookup(ctx, telemetry.CacheHit)

	rc := io.NopCloser(bytes.NewReader(data))
	if err := m.persist(ctx); err != nil {
		return rc, e, err
	}
	return rc, e, nil
}

// ReadBlob returns the blob bytes for key without recording an access.
func (m *Manager) ReadBlob(ctx context.Context, key string) ([]byte, index.Entry, error) {
	e, ok := m.index.Get(key)
	if !ok {
		return nil, index.Entry{}, ErrNotFound
	}

	data, err := backend.ReadBytes(ctx, m.backend, e.BlobPath)
	if errors.Is(err, backend.ErrNotFound) {
		m.dropDangling(ctx, e)
		return nil, index.Entry{}, ErrNotFound
	}
	if err != nil {
		return nil, e, fmt.Errorf("%w: reading blob %s: %w", ErrStorage, e.BlobPath, err)
	}
	return data, e, nil
}

// dropDangling removes a row whose blob is missing, if it still points at
// the same blob.
func (m *Manager) dropDangling(ctx context.Context, e index.Entry) {
	unlock := m.lockKey(e.Key)
	defer unlock()

	cur, ok := m.index.Get(e.Key)
	if !ok || cur.BlobPath != e.BlobPath {
		return
	}
	if exists, err := m.backend.Exists(ctx, cur.BlobPath); err != nil || exists {
		return
	}

	m.logger.Warn("dropping entry with missing blob", "key", cur.Key, "blob_path", cur.BlobPath)
	m.index.Delete(cur.Key)
	telemetry.RecordRemoval(ctx, telemetry.ReasonReconciled, cur.Size)
	if err := m.persist(ctx); err != nil {
		m.logger.Warn("failed to persist after dropping entry", "key", cur.Key, "error", err)
	}
}

// Add stores data under key, replacing any previous entry for the key, and
// then runs a cleanup pass. remoteURL may be empty for a cache-only entry.
//
// A blob write failure returns ErrStorage and leaves the index untouched.
// A persist failure returns the entry together with ErrPersist. Failures of
// the cleanup pass that follows are logged, not returned.
func (m *Manager) Add(ctx context.Context, key string, data []byte, remoteURL string) (index.Entry, error) {
	if key == "" {
		return index.Entry{}, ErrInvalidKey
	}
	ctx = context.WithoutCancel(ctx)

	e, err := m.add(ctx, key, data, remoteURL)
	if err != nil {
		return e, err
	}

	if _, err := m.CheckAndCleanup(ctx, false); err != nil {
		m.logger.Warn("cleanup after add failed", "key", key, "error", err)
	}
	return e, nil
}

func (m *Manager) add(ctx context.Context, key string, data []byte, remoteURL string) (index.Entry, error) {
	unlock := m.lockKey(key)
	defer unlock()

	blobPath := imagecache.BlobKey(imagecache.DeriveFilename(key))
	prev, had := m.index.Get(key)

	if err := backend.WriteBytes(ctx, m.backend, blobPath, data); err != nil {
		return index.Entry{}, fmt.Errorf("%w: writing blob %s: %w", ErrStorage, blobPath, err)
	}

	contentHash := m.config.ContentRef(data).String()
	if remoteURL == "" && had && prev.ContentHash == contentHash {
		// Same bytes: the earlier upload is still valid.
		remoteURL = prev.RemoteURL
	}

	if had && prev.BlobPath != blobPath {
		if err := m.backend.Delete(ctx, prev.BlobPath); err != nil && !errors.Is(err, backend.ErrNotFound) {
			m.logger.Warn("failed to delete replaced blob", "key", key, "blob_path", prev.BlobPath, "error", err)
		}
	}

	now := index.TruncateTime(m.now())
	e := index.Entry{
		Key:            key,
		BlobPath:       blobPath,
		RemoteURL:      remoteURL,
		Size:           int64(len(data)),
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
		ContentHash:    contentHash,
	}
	m.index.Upsert(e)
	telemetry.RecordAdmission(ctx, e.Size, had)

	m.logger.Debug("image cached",
		"key", key,
		"blob_path", blobPath,
		"size", e.Size,
		"replaced", had,
		"cache_only", e.CacheOnly(),
	)

	if err := m.persist(ctx); err != nil {
		return e, err
	}
	return e, nil
}

// Remove deletes the blob and then the index row for key. A blob that is
// already gone does not stop the row from being removed. It reports
// whether an entry existed.
func (m *Manager) Remove(ctx context.Context, key string) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	unlock := m.lockKey(key)
	defer unlock()

	e, ok := m.index.Get(key)
	if !ok {
		return false, nil
	}
	if _, err := m.removeEntry(ctx, e, telemetry.ReasonExplicit); err != nil {
		return false, err
	}
	if err := m.persist(ctx); err != nil {
		return true, err
	}

	m.logger.Debug("image removed", "key", key, "size", e.Size)
	return true, nil
}

// ClearAll removes every entry, ignoring the protection window. Entries
// whose blob cannot be deleted are kept and reported in the error.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	ctx = context.WithoutCancel(ctx)

	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	var (
		removed int
		freed   int64
		errs    []error
	)
	for _, e := range m.index.Entries() {
		n, err := m.removeLocked(ctx, e.Key, telemetry.ReasonCleared, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n >= 0 {
			removed++
			freed += n
		}
	}

	if err := m.persist(ctx); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("cache cleared", "removed", removed, "bytes_freed", freed, "errors", len(errs))
	return removed, errors.Join(errs...)
}

// removeLocked removes key under its key lock. With tryLock set a busy key
// is skipped with eviction.ErrSkipped. It returns -1 when the key is gone.
func (m *Manager) removeLocked(ctx context.Context, key, reason string, tryLock bool) (int64, error) {
	mu := m.keyLock(key)
	if tryLock {
		if !mu.TryLock() {
			return 0, fmt.Errorf("%w: write in progress for %s", eviction.ErrSkipped, key)
		}
	} else {
		mu.Lock()
	}
	defer mu.Unlock()

	e, ok := m.index.Get(key)
	if !ok {
		return -1, nil
	}
	return m.removeEntry(ctx, e, reason)
}

// removeEntry deletes the blob then the row, without persisting. The key
// lock must be held.
func (m *Manager) removeEntry(ctx context.Context, e index.Entry, reason string) (int64, error) {
	if err := m.backend.Delete(ctx, e.BlobPath); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return 0, fmt.Errorf("%w: deleting blob %s: %w", ErrStorage, e.BlobPath, err)
	}
	m.index.Delete(e.Key)
	telemetry.RecordRemoval(ctx, reason, e.Size)
	return e.Size, nil
}

// CheckAndCleanup runs an eviction pass when the cache is over its ceiling.
// It is a no-op when the ceiling is unlimited, and when the cache is
// disabled unless force is set. The Result's BytesFreed may be below the
// target when protected entries remain; that is not an error.
func (m *Manager) CheckAndCleanup(ctx context.Context, force bool) (*eviction.Result, error) {
	ctx = context.WithoutCancel(ctx)
	empty := &eviction.Result{Strategy: m.config.Strategy, StartedAt: m.now()}

	if !m.config.Enabled && !force {
		return empty, nil
	}
	maxBytes := m.config.MaxBytes()
	if maxBytes <= 0 {
		return empty, nil
	}

	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	total := m.index.TotalSize()
	if total <= maxBytes {
		m.logger.Debug("cache within ceiling", "total_size", total, "max_size", maxBytes)
		return empty, nil
	}

	result, err := m.engine.Evict(ctx, m.index.Entries(), total-maxBytes, m.evictOne)

	m.index.SetLastCleanup(index.TruncateTime(m.now()))
	if perr := m.persist(ctx); perr != nil && err == nil {
		err = perr
	}
	return result, err
}

// evictOne is the eviction.RemoveFunc. The candidate is re-read under its
// key lock so an access since planning keeps it.
func (m *Manager) evictOne(ctx context.Context, c index.Entry) (int64, error) {
	mu := m.keyLock(c.Key)
	if !mu.TryLock() {
		return 0, fmt.Errorf("%w: write in progress", eviction.ErrSkipped)
	}
	defer mu.Unlock()

	cur, ok := m.index.Get(c.Key)
	if !ok {
		return 0, fmt.Errorf("%w: already removed", eviction.ErrSkipped)
	}
	if !m.engine.Eligible(cur, m.now()) {
		return 0, fmt.Errorf("%w: accessed during pass", eviction.ErrSkipped)
	}

	freed, err := m.removeEntry(ctx, cur, telemetry.ReasonEvicted)
	if errors.Is(err, ErrStorage) {
		m.logger.Warn("failed to evict entry", "key", cur.Key, "error", err)
		return 0, fmt.Errorf("%w: %w", eviction.ErrSkipped, err)
	}
	if err != nil {
		return 0, err
	}
	if err := m.persist(ctx); err != nil {
		return freed, err
	}
	return freed, nil
}

// Prune removes entries not accessed within olderThan, regardless of size
// pressure. Busy keys are skipped. It returns the number removed and the
// bytes freed.
func (m *Manager) Prune(ctx context.Context, olderThan time.Duration) (int, int64, error) {
	ctx = context.WithoutCancel(ctx)

	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	now := m.now()
	var (
		removed int
		freed   int64
		errs    []error
	)
	for _, e := range m.index.Entries() {
		if now.Sub(e.LastAccessedAt) < olderThan {
			continue
		}
		n, err := m.removeLocked(ctx, e.Key, telemetry.ReasonPruned, true)
		if errors.Is(err, eviction.ErrSkipped) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n >= 0 {
			removed++
			freed += n
		}
	}

	if removed > 0 {
		if err := m.persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("cache pruned", "older_than", olderThan, "removed", removed, "bytes_freed", freed)
	return removed, freed, errors.Join(errs...)
}

// AttachRemoteURL records the remote URL of an uploaded entry. It reports
// false, and creates nothing, when key is absent.
func (m *Manager) AttachRemoteURL(ctx context.Context, key, url string) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	unlock := m.lockKey(key)
	defer unlock()

	if _, ok := m.index.SetRemoteURL(key, url); !ok {
		return false, nil
	}
	if err := m.persist(ctx); err != nil {
		return true, err
	}
	m.logger.Debug("remote url attached", "key", key, "url", url)
	return true, nil
}

// All returns every entry ordered by key.
func (m *Manager) All() []index.Entry {
	return m.index.Entries()
}

// CacheOnly returns the entries that have no remote URL yet.
func (m *Manager) CacheOnly() []index.Entry {
	var out []index.Entry
	for _, e := range m.index.Entries() {
		if e.CacheOnly() {
			out = append(out, e)
		}
	}
	return out
}

// Peek returns the entry for key without recording an access.
func (m *Manager) Peek(key string) (index.Entry, bool) {
	return m.index.Get(key)
}

func (m *Manager) persist(ctx context.Context) error {
	if err := m.index.Persist(ctx); err != nil {
		m.logger.Error("failed to persist index", "error", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	telemetry.UpdateCacheState(ctx, m.index.TotalSize(), m.index.Len(), m.config.MaxBytes())
	return nil
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	mu, _ := m.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) lockKey(key string) func() {
	mu := m.keyLock(key)
	mu.Lock()
	return mu.Unlock
}
