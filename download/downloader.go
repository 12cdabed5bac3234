// Package download fetches external images. Concurrent fetches of the same
// URL are collapsed into one upstream request with singleflight.
package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

const (
	// DefaultMaxSize caps the body of a single image.
	DefaultMaxSize = 20 << 20
	// DefaultTimeout bounds one upstream fetch.
	DefaultTimeout = 30 * time.Second

	defaultUserAgent = "image-cache/1.0"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid image url")
	// ErrNotFound is returned when the upstream answers 404 or 410.
	ErrNotFound = errors.New("image not found upstream")
	// ErrNotImage is returned when the response is not an image.
	ErrNotImage = errors.New("response is not an image")
	// ErrTooLarge is returned when the body exceeds the size cap.
	ErrTooLarge = errors.New("image exceeds size limit")
	// ErrUpstream is returned for other non-success upstream responses.
	ErrUpstream = errors.New("upstream error")
)

// Result holds a fetched image.
type Result struct {
	URL         string
	Data        []byte
	ContentType string
	Hash        imagecache.Hash
	Size        int64
}

// DownloadFunc performs one fetch. The context passed to it is detached
// from any single caller so that one caller timing out does not cancel the
// fetch for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader fetches images and deduplicates concurrent fetches for the same
// URL. It uses DoChan so each caller can respect its own context deadline
// without cancelling the in-flight fetch for others.
type Downloader struct {
	group     singleflight.Group
	client    *http.Client
	maxSize   int64
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithHTTPClient sets the HTTP client. Its transport is used as given.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithMaxSize sets the body size cap in bytes.
func WithMaxSize(n int64) Option {
	return func(d *Downloader) {
		d.maxSize = n
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		d.timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		d.userAgent = ua
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		maxSize:   DefaultMaxSize,
		timeout:   DefaultTimeout,
		userAgent: defaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "download"),
		}
	}
	d.logger = d.logger.With("component", "download")
	return d
}

// Do deduplicates concurrent calls for the same key.
// The fn receives a background context (not tied to any single request).
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before fn completes, Do returns the
// context error but the in-flight call continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a download error.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// forgetOnDownloadError forgets key unless err is the caller's own context
// error, in which case the fetch is still running for other waiters.
func forgetOnDownloadError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
