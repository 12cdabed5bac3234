package download

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	imagecache "github.com/wolfeidau/image-cache"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n fake png body")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDownloader(opts ...Option) *Downloader {
	return New(append([]Option{WithLogger(testLogger())}, opts...)...)
}

func TestFetch_Success(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	d := newTestDownloader()
	res, err := d.Fetch(context.Background(), srv.URL+"/cat.png")
	require.NoError(t, err)
	require.Equal(t, pngBytes, res.Data)
	require.Equal(t, "image/png", res.ContentType)
	require.Equal(t, imagecache.HashBytes(pngBytes), res.Hash)
	require.EqualValues(t, len(pngBytes), res.Size)
	require.Equal(t, defaultUserAgent, gotUA)
	require.Equal(t, "image/*", gotAccept)
}

func TestFetch_GenericContentTypeWithImageExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	d := newTestDownloader()

	res, err := d.Fetch(context.Background(), srv.URL+"/photo.JPG?v=2")
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", res.ContentType)

	_, err = d.Fetch(context.Background(), srv.URL+"/download")
	require.ErrorIs(t, err, ErrNotImage)
}

func TestFetch_RejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	_, err := newTestDownloader().Fetch(context.Background(), srv.URL+"/page.png")
	require.ErrorIs(t, err, ErrNotImage)
}

func TestFetch_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
	}))
	defer srv.Close()

	_, err := newTestDownloader().Fetch(context.Background(), srv.URL+"/a.gif")
	require.ErrorIs(t, err, ErrNotImage)
}

func TestFetch_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusGone, ErrNotFound},
		{http.StatusForbidden, ErrUpstream},
		{http.StatusInternalServerError, ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestDownloader().Fetch(context.Background(), srv.URL+"/a.png")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetch_TooLarge(t *testing.T) {
	body := bytes.Repeat([]byte{1}, 64)

	t.Run("declared length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(body)
		}))
		defer srv.Close()

		_, err := newTestDownloader(WithMaxSize(32)).Fetch(context.Background(), srv.URL+"/a.png")
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("chunked", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			for range 4 {
				_, _ = w.Write(body[:16])
				w.(http.Flusher).Flush()
			}
			_, _ = w.Write(body[:1])
		}))
		defer srv.Close()

		_, err := newTestDownloader(WithMaxSize(64)).Fetch(context.Background(), srv.URL+"/a.png")
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("exactly at limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(body)
		}))
		defer srv.Close()

		res, err := newTestDownloader(WithMaxSize(64)).Fetch(context.Background(), srv.URL+"/a.png")
		require.NoError(t, err)
		require.EqualValues(t, 64, res.Size)
	})
}

func TestFetch_InvalidURL(t *testing.T) {
	d := newTestDownloader()
	for _, u := range []string{"", "/relative.png", "ftp://host/a.png", "data:image/png;base64,AAAA", "https://"} {
		_, err := d.Fetch(context.Background(), u)
		require.ErrorIs(t, err, ErrInvalidURL, u)
	}
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestDownloader(WithTimeout(20*time.Millisecond)).Fetch(context.Background(), srv.URL+"/slow.png")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_DeduplicatesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	d := newTestDownloader()
	url := srv.URL + "/shared.png"

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = d.Fetch(context.Background(), url)
		}()
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), hits.Load())
	for i := range 8 {
		require.NoError(t, errs[i])
		require.Equal(t, pngBytes, results[i].Data)
	}
}

func TestFetch_RetriesAfterFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	d := newTestDownloader()
	_, err := d.Fetch(context.Background(), srv.URL+"/flaky.png")
	require.ErrorIs(t, err, ErrUpstream)

	res, err := d.Fetch(context.Background(), srv.URL+"/flaky.png")
	require.NoError(t, err)
	require.Equal(t, pngBytes, res.Data)
}

func TestImageContentType(t *testing.T) {
	tests := []struct {
		header, url, want string
		wantErr           bool
	}{
		{"image/webp", "https://h/a", "image/webp", false},
		{"IMAGE/PNG", "https://h/a", "image/png", false},
		{"", "https://h/a.svg", "image/svg+xml", false},
		{"binary/octet-stream", "https://h/a.gif", "image/gif", false},
		{"", "https://h/a", "", true},
		{"text/plain", "https://h/a.png", "", true},
		{";;;", "https://h/a.png", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.header+" "+tt.url, func(t *testing.T) {
			got, err := imageContentType(tt.header, tt.url)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNotImage)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
