package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/eviction"
	"github.com/wolfeidau/image-cache/mirror"
)

var gifBytes = []byte("GIF89a fake gif body")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	s        *Server
	m        *cache.Manager
	upstream *httptest.Server
	hits     *atomic.Int32
}

func newTestServer(t *testing.T, cfg cache.Config, opts ...Option) *testServer {
	t.Helper()

	hits := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasSuffix(r.URL.Path, "/missing.gif") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write(gifBytes)
	}))
	t.Cleanup(upstream.Close)

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	m, err := cache.New(fs, cfg, cache.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	require.NoError(t, m.Initialize(context.Background()))

	d := download.New(download.WithLogger(quietLogger()))
	opts = append([]Option{WithDownloader(d)}, opts...)
	s, err := New(Config{Logger: quietLogger()}, m, opts...)
	require.NoError(t, err)

	return &testServer{s: s, m: m, upstream: upstream, hits: hits}
}

func (ts *testServer) do(t *testing.T, method, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	ts.s.Handler().ServeHTTP(rec, req)
	return rec
}

func imagesPath(u string) string {
	return "/images?url=" + url.QueryEscape(u)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	rec := ts.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	rec := ts.do(t, http.MethodGet, "/health", "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestImageMissThenHit(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	imgURL := ts.upstream.URL + "/cat.gif"

	rec := ts.do(t, http.MethodGet, imagesPath(imgURL))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, gifBytes, rec.Body.Bytes())
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	e, ok := ts.m.Peek(imgURL)
	require.True(t, ok)
	require.EqualValues(t, len(gifBytes), e.Size)

	rec = ts.do(t, http.MethodGet, imagesPath(imgURL))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	require.Equal(t, gifBytes, rec.Body.Bytes())
	require.Equal(t, etag, rec.Header().Get("ETag"))
	require.Equal(t, int32(1), ts.hits.Load())

	e, _ = ts.m.Peek(imgURL)
	require.EqualValues(t, 2, e.AccessCount)

	rec = ts.do(t, http.MethodGet, imagesPath(imgURL), "If-None-Match", etag)
	require.Equal(t, http.StatusNotModified, rec.Code)
}

func TestImageHitReadsBlobWhenHotCacheCold(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	ctx := context.Background()
	_, err := ts.m.Add(ctx, "https://elsewhere.test/a.png", []byte("png"), "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, imagesPath("https://elsewhere.test/a.png"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "png", rec.Body.String())
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, 1, ts.s.hot.len())
}

func TestImageHead(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	rec := ts.do(t, http.MethodHead, imagesPath(ts.upstream.URL+"/cat.gif"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.Bytes())
}

func TestImageRedirectToRemote(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	_, err := ts.m.Add(context.Background(), "https://x.test/a.png", []byte("a"), "https://cdn.test/a.png")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, imagesPath("https://x.test/a.png")+"&redirect=1")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://cdn.test/a.png", rec.Header().Get("Location"))
}

func TestImageErrors(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())

	rec := ts.do(t, http.MethodGet, "/images")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, imagesPath(ts.upstream.URL+"/missing.gif"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, imagesPath("ftp://x.test/a.png"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Empty(t, ts.m.All())
}

func TestImageWithoutDownloader(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	m, err := cache.New(fs, cache.DefaultConfig(), cache.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	require.NoError(t, m.Initialize(context.Background()))

	s, err := New(Config{Logger: quietLogger(), HotEntries: -1}, m)
	require.NoError(t, err)
	require.Nil(t, s.hot)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, imagesPath("https://x.test/a.png"), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImageCacheDisabledBypasses(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.Enabled = false
	ts := newTestServer(t, cfg)

	rec := ts.do(t, http.MethodGet, imagesPath(ts.upstream.URL+"/cat.gif"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, ts.m.All())
}

func TestEntriesAndDelete(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	ctx := context.Background()
	_, err := ts.m.Add(ctx, "https://x.test/b.png", []byte("b"), "https://cdn.test/b.png")
	require.NoError(t, err)
	_, err = ts.m.Add(ctx, "https://x.test/a.png", []byte("a"), "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/entries")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []entryView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 2)
	require.Equal(t, "https://x.test/a.png", entries[0].URL)

	rec = ts.do(t, http.MethodGet, "/entries?cacheOnly=true")
	entries = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)

	rec = ts.do(t, http.MethodDelete, "/entries?url="+url.QueryEscape("https://x.test/a.png"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/entries?url="+url.QueryEscape("https://x.test/a.png"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/entries")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	_, err := ts.m.Add(context.Background(), "https://x.test/a.png", []byte("abcd"), "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.EqualValues(t, 4, body["totalSize"])
	require.EqualValues(t, 1, body["imageCount"])
	require.Equal(t, "smart", body["strategy"])
	require.Equal(t, true, body["enabled"])
}

func TestCleanupPruneClear(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.Enabled = false
	cfg.MaxSizeBytes = 3
	cfg.ProtectionDays = 0
	cfg.Strategy = eviction.FIFO
	ts := newTestServer(t, cfg)
	ctx := context.Background()

	for _, k := range []string{"https://x.test/1.png", "https://x.test/2.png"} {
		_, err := ts.m.Add(ctx, k, []byte("xx"), "")
		require.NoError(t, err)
	}

	rec := ts.do(t, http.MethodPost, "/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.m.All(), 2, "disabled cache skips unforced cleanup")

	rec = ts.do(t, http.MethodPost, "/cleanup?force=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var res eviction.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.EqualValues(t, 2, res.BytesFreed)
	require.Len(t, ts.m.All(), 1)

	for _, target := range []string{"/prune?days=-1", "/prune?days=0", "/prune?days=x", "/prune"} {
		rec = ts.do(t, http.MethodPost, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	require.Len(t, ts.m.All(), 1, "rejected prune removes nothing")

	rec = ts.do(t, http.MethodPost, "/prune?days=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"removed":0,"bytesFreed":0}`, rec.Body.String())
	require.Len(t, ts.m.All(), 1, "recently used entry survives prune")

	_, err := ts.m.Add(ctx, "https://x.test/3.png", []byte("x"), "")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/clear")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPost, "/clear?confirm=true")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"removed":2}`, rec.Body.String())
	require.Empty(t, ts.m.All())
}

type stubUploader struct{}

func (stubUploader) Name() string { return "stub" }

func (stubUploader) Upload(_ context.Context, name string, _ []byte) (string, error) {
	return "https://cdn.test/" + name, nil
}

func TestSync(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	rec := ts.do(t, http.MethodPost, "/sync")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	syncer := mirror.NewSyncer(ts.m, stubUploader{}, mirror.WithLogger(quietLogger()))
	ts.s.syncer = syncer
	_, err := ts.m.Add(context.Background(), "https://x.test/a.png", []byte("a"), "")
	require.NoError(t, err)

	rec = ts.do(t, http.MethodPost, "/sync")
	require.Equal(t, http.StatusOK, rec.Code)
	var res mirror.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Equal(t, 1, res.Uploaded)
	require.Empty(t, ts.m.CacheOnly())
}

func TestMetricsNotEnabled(t *testing.T) {
	ts := newTestServer(t, cache.DefaultConfig())
	rec := ts.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEtag(t *testing.T) {
	require.Equal(t, `"abc"`, etag("blake3:abc"))
	require.Equal(t, `"abc"`, etag("abc"))
	require.Empty(t, etag(""))
}
