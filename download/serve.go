package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// ServeOptions configures how ServeImage writes the HTTP response.
type ServeOptions struct {
	ContentType  string
	ETag         string
	CacheControl string
	ExtraHeaders map[string]string
}

// StatusForError maps a fetch error to the HTTP status reported to clients.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadGateway
	}
}

// HandleDownloadError writes the HTTP error response for a fetch error.
func HandleDownloadError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusForError(err)
	if status == http.StatusBadGateway {
		logger.Error("download failed", "error", err)
	} else {
		logger.Debug("download rejected", "status", status, "error", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// ServeImage writes data as the response body. A matching If-None-Match
// yields 304, and HEAD requests get headers only.
func ServeImage(w http.ResponseWriter, r *http.Request, data []byte, opts ServeOptions) {
	h := w.Header()
	h.Set("Content-Type", opts.ContentType)
	if opts.ETag != "" {
		h.Set("ETag", opts.ETag)
	}
	if opts.CacheControl != "" {
		h.Set("Cache-Control", opts.CacheControl)
	}
	for k, v := range opts.ExtraHeaders {
		h.Set(k, v)
	}

	if opts.ETag != "" && r.Header.Get("If-None-Match") == opts.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}
