// Package mirror uploads cache-only entries to the remote store and
// attaches the resulting URLs. Failed uploads are retried with a backoff
// kept in a bbolt ledger.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/index"
	"github.com/wolfeidau/image-cache/upload"
)

// DefaultConcurrency bounds concurrent uploads.
const DefaultConcurrency = 5

// Result summarises one sync run.
type Result struct {
	StartedAt time.Time         `json:"startedAt"`
	Duration  time.Duration     `json:"duration"`
	Pending   int               `json:"pending"`
	Uploaded  int               `json:"uploaded"`
	Failed    int               `json:"failed"`
	Deferred  int               `json:"deferred"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Syncer uploads cache-only entries.
type Syncer struct {
	cache       *cache.Manager
	uploader    upload.Uploader
	ledger      *Ledger
	concurrency int
	logger      *slog.Logger

	runMu sync.Mutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLedger sets the attempt ledger. Without one every entry is attempted
// on every run.
func WithLedger(l *Ledger) Option {
	return func(s *Syncer) {
		s.ledger = l
	}
}

// WithConcurrency sets the number of concurrent uploads.
func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		s.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// NewSyncer creates a Syncer.
func NewSyncer(m *cache.Manager, u upload.Uploader, opts ...Option) *Syncer {
	s := &Syncer{
		cache:       m,
		uploader:    u,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = DefaultConcurrency
	}
	s.logger = s.logger.With("component", "mirror")
	return s
}

// Sync uploads every due cache-only entry. Only one run happens at a time;
// a concurrent call waits for the running one.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	res := &Result{StartedAt: time.Now(), Errors: map[string]string{}}
	pending := s.cache.CacheOnly()
	res.Pending = len(pending)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}

		if s.ledger != nil {
			due, err := s.ledger.Due(e.Key)
			if err != nil {
				s.logger.Warn("ledger lookup failed", "key", e.Key, "error", err)
			} else if !due {
				res.Deferred++
				continue
			}
		}

		g.Go(func() error {
			err := s.syncOne(ctx, e)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Uploaded++
			case errors.Is(err, cache.ErrNotFound):
				// Removed since the snapshot.
			default:
				res.Failed++
				res.Errors[e.Key] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.ledger != nil {
		if _, err := s.ledger.Retain(s.stillPending); err != nil {
			s.logger.Warn("failed to prune ledger", "error", err)
		}
	}

	res.Duration = time.Since(res.StartedAt)
	s.logger.Info("sync finished",
		"pending", res.Pending,
		"uploaded", res.Uploaded,
		"failed", res.Failed,
		"deferred", res.Deferred,
		"duration", res.Duration,
	)
	return res, ctx.Err()
}

func (s *Syncer) syncOne(ctx context.Context, e index.Entry) error {
	data, cur, err := s.cache.ReadBlob(ctx, e.Key)
	if err != nil {
		return err
	}
	if !cur.CacheOnly() {
		return nil
	}

	name := upload.ObjectName(cur.ContentHash, cur.Key)
	remote, err := s.uploader.Upload(ctx, name, data)
	if err != nil {
		s.recordFailure(cur.Key, err)
		return err
	}

	if _, err := s.cache.AttachRemoteURL(ctx, cur.Key, remote); err != nil {
		s.recordFailure(cur.Key, err)
		return fmt.Errorf("attaching remote url: %w", err)
	}
	if s.ledger != nil {
		if err := s.ledger.RecordSuccess(cur.Key); err != nil {
			s.logger.Warn("failed to clear ledger row", "key", cur.Key, "error", err)
		}
	}
	s.logger.Debug("entry synced", "key", cur.Key, "url", remote)
	return nil
}

func (s *Syncer) recordFailure(key string, cause error) {
	if s.ledger == nil {
		return
	}
	a, err := s.ledger.RecordFailure(key, cause)
	if err != nil {
		s.logger.Warn("failed to record upload failure", "key", key, "error", err)
		return
	}
	s.logger.Warn("upload failed",
		"key", key,
		"failures", a.Failures,
		"retry_in", s.ledger.Delay(a.Failures),
		"error", cause,
	)
}

func (s *Syncer) stillPending(key string) bool {
	e, ok := s.cache.Peek(key)
	return ok && e.CacheOnly()
}
