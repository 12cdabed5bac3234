// Package process fetches, caches and optionally uploads batches of
// external images. URLs are handled in fixed-size groups; each group
// finishes before the next starts.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/index"
	"github.com/wolfeidau/image-cache/scan"
	"github.com/wolfeidau/image-cache/upload"
)

// DefaultConcurrency is the number of URLs processed at once.
const DefaultConcurrency = 5

// Status is the outcome for one URL.
type Status string

const (
	StatusCached     Status = "cached"
	StatusDownloaded Status = "downloaded"
	StatusUploaded   Status = "uploaded"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// ErrCacheDisabled marks URLs skipped because caching is off and there is
// no uploader to send them to.
var ErrCacheDisabled = errors.New("cache disabled")

// Fetcher downloads an image. *download.Downloader implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*download.Result, error)
}

// Item is the result for one URL.
type Item struct {
	URL       string      `json:"url"`
	Status    Status      `json:"status"`
	RemoteURL string      `json:"remoteUrl,omitempty"`
	Size      int64       `json:"size,omitempty"`
	Entry     index.Entry `json:"-"`
	// Err is set for failed and skipped items, and for items whose upload
	// failed after they were cached.
	Err error `json:"-"`
}

// Report summarises one batch.
type Report struct {
	BatchID    string        `json:"batchId"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Items      []Item        `json:"items"`
	Cached     int           `json:"cached"`
	Downloaded int           `json:"downloaded"`
	Uploaded   int           `json:"uploaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
}

// Processor runs batches against a cache Manager.
type Processor struct {
	cache       *cache.Manager
	fetcher     Fetcher
	uploader    upload.Uploader
	concurrency int
	autoUpload  bool
	logger      *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithUploader sets the uploader used when auto upload is on.
func WithUploader(u upload.Uploader) Option {
	return func(p *Processor) {
		p.uploader = u
	}
}

// WithAutoUpload uploads cache-only images after admission.
func WithAutoUpload(enabled bool) Option {
	return func(p *Processor) {
		p.autoUpload = enabled
	}
}

// WithConcurrency sets the group size. Values below one use the default.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		p.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// New creates a Processor.
func New(m *cache.Manager, f Fetcher, opts ...Option) *Processor {
	p := &Processor{
		cache:       m,
		fetcher:     f,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = DefaultConcurrency
	}
	p.logger = p.logger.With("component", "process")
	return p
}

// Process handles urls and returns one Item per URL, in input order.
// Per-URL failures are reported in the items. A cancelled ctx stops the
// batch between groups; the remaining items are marked failed and ctx's
// error is returned alongside the partial report.
func (p *Processor) Process(ctx context.Context, urls []string) (*Report, error) {
	report := &Report{
		BatchID:   uuid.NewString(),
		StartedAt: time.Now(),
		Items:     make([]Item, len(urls)),
	}
	logger := p.logger.With("batch_id", report.BatchID)
	logger.Info("batch started", "urls", len(urls), "concurrency", p.concurrency)

	var ctxErr error
	for start := 0; start < len(urls); start += p.concurrency {
		end := min(start+p.concurrency, len(urls))

		if err := ctx.Err(); err != nil {
			ctxErr = err
			for i := start; i < len(urls); i++ {
				report.Items[i] = Item{URL: urls[i], Status: StatusFailed, Err: err}
			}
			break
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				report.Items[i] = p.processOne(ctx, urls[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, it := range report.Items {
		switch it.Status {
		case StatusCached:
			report.Cached++
		case StatusDownloaded:
			report.Downloaded++
		case StatusUploaded:
			report.Uploaded++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
			logger.Warn("image failed", "url", it.URL, "error", it.Err)
		}
	}
	report.Duration = time.Since(report.StartedAt)

	logger.Info("batch finished",
		"cached", report.Cached,
		"downloaded", report.Downloaded,
		"uploaded", report.Uploaded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, ctxErr
}

func (p *Processor) uploading() bool {
	return p.autoUpload && p.uploader != nil
}

func (p *Processor) processOne(ctx context.Context, url string) Item {
	item := Item{URL: url}
	if !scan.IsExternal(url) {
		item.Status = StatusSkipped
		item.Err = fmt.Errorf("%w: %q", download.ErrInvalidURL, url)
		return item
	}

	if !p.cache.Config().Enabled {
		return p.passThrough(ctx, item)
	}

	e, hit, err := p.cache.Get(ctx, url)
	if err != nil && !errors.Is(err, cache.ErrPersist) {
		item.Status, item.Err = StatusFailed, err
		return item
	}
	if hit {
		item.Status, item.Entry, item.Size, item.RemoteURL = StatusCached, e, e.Size, e.RemoteURL
		if e.CacheOnly() && p.uploading() {
			data, _, err := p.cache.ReadBlob(ctx, url)
			if err != nil {
				item.Err = err
				return item
			}
			p.uploadEntry(ctx, &item, data)
		}
		return item
	}

	res, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		item.Status, item.Err = StatusFailed, err
		return item
	}

	e, err = p.cache.Add(ctx, url, res.Data, "")
	if err != nil && !errors.Is(err, cache.ErrPersist) {
		item.Status, item.Err = StatusFailed, err
		return item
	}
	item.Status, item.Entry, item.Size = StatusDownloaded, e, e.Size
	if err != nil {
		item.Err = err
	}

	if p.uploading() {
		p.uploadEntry(ctx, &item, res.Data)
	}
	return item
}

// uploadEntry uploads a cached image and attaches its remote URL. An upload
// failure leaves the entry cache-only; the error is kept on the item.
func (p *Processor) uploadEntry(ctx context.Context, item *Item, data []byte) {
	name := upload.ObjectName(item.Entry.ContentHash, item.URL)
	remote, err := p.uploader.Upload(ctx, name, data)
	if err != nil {
		item.Err = err
		return
	}
	if _, err := p.cache.AttachRemoteURL(ctx, item.URL, remote); err != nil {
		item.Err = err
	}
	item.Status, item.RemoteURL = StatusUploaded, remote
	item.Entry.RemoteURL = remote
}

// passThrough handles a URL when caching is disabled: it is uploaded
// directly if an uploader is configured, and skipped otherwise.
func (p *Processor) passThrough(ctx context.Context, item Item) Item {
	if !p.uploading() {
		item.Status, item.Err = StatusSkipped, ErrCacheDisabled
		return item
	}

	res, err := p.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		item.Status, item.Err = StatusFailed, err
		return item
	}
	item.Size = res.Size

	name := upload.ObjectName(res.Hash.String(), item.URL)
	remote, err := p.uploader.Upload(ctx, name, res.Data)
	if err != nil {
		item.Status, item.Err = StatusFailed, err
		return item
	}
	item.Status, item.RemoteURL = StatusUploaded, remote
	return item
}
