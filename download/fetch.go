package download

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
)

// genericContentTypes are accepted when the URL carries an image extension,
// since many static hosts serve images without a specific type.
var genericContentTypes = map[string]struct{}{
	"":                         {},
	"application/octet-stream": {},
	"binary/octet-stream":      {},
	"application/binary":       {},
}

// Fetch downloads the image at rawURL. Concurrent calls for the same URL
// share one upstream request; the returned Result must not be modified.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	res, shared, err := d.Do(ctx, rawURL, func(ctx context.Context) (*Result, error) {
		return d.fetch(ctx, rawURL)
	})
	if err != nil {
		forgetOnDownloadError(d, rawURL, err)
		return nil, err
	}
	if shared {
		d.logger.Debug("joined in-flight fetch", "url", rawURL)
	}
	return res, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUpstream, rawURL, resp.StatusCode)
	}

	contentType, err := imageContentType(resp.Header.Get("Content-Type"), rawURL)
	if err != nil {
		return nil, err
	}

	if resp.ContentLength > d.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, resp.ContentLength, d.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if int64(len(data)) > d.maxSize {
		return nil, fmt.Errorf("%w: limit %d", ErrTooLarge, d.maxSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrNotImage)
	}

	d.logger.Debug("image fetched", "url", rawURL, "size", len(data), "content_type", contentType)

	return &Result{
		URL:         rawURL,
		Data:        data,
		ContentType: contentType,
		Hash:        imagecache.HashBytes(data),
		Size:        int64(len(data)),
	}, nil
}

// imageContentType validates the response media type. Generic types are
// replaced by the type implied by the URL's extension.
func imageContentType(header, rawURL string) (string, error) {
	mediaType := ""
	if header != "" {
		mt, _, err := mime.ParseMediaType(header)
		if err != nil {
			return "", fmt.Errorf("%w: bad content type %q", ErrNotImage, header)
		}
		mediaType = strings.ToLower(mt)
	}

	if strings.HasPrefix(mediaType, "image/") {
		return mediaType, nil
	}
	if _, ok := genericContentTypes[mediaType]; ok && imagecache.HasImageExtension(rawURL) {
		return imagecache.ContentType(rawURL), nil
	}
	return "", fmt.Errorf("%w: content type %q", ErrNotImage, header)
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return nil
}
