package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/eviction"
	"github.com/wolfeidau/image-cache/index"
)

var (
	t0      = time.UnixMilli(1_700_000_000_000)
	day     = 24 * time.Hour
	errBoom = errors.New("boom")
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: t0}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// faultyBackend fails selected operations.
type faultyBackend struct {
	backend.Backend

	mu         sync.Mutex
	failWrite  func(key string) bool
	failDelete func(key string) bool
}

func (f *faultyBackend) setFailWrite(fn func(string) bool) {
	f.mu.Lock()
	f.failWrite = fn
	f.mu.Unlock()
}

func (f *faultyBackend) setFailDelete(fn func(string) bool) {
	f.mu.Lock()
	f.failDelete = fn
	f.mu.Unlock()
}

func (f *faultyBackend) Write(ctx context.Context, key string, r io.Reader) error {
	f.mu.Lock()
	fail := f.failWrite != nil && f.failWrite(key)
	f.mu.Unlock()
	if fail {
		return errBoom
	}
	return f.Backend.Write(ctx, key, r)
}

func (f *faultyBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	fail := f.failDelete != nil && f.failDelete(key)
	f.mu.Unlock()
	if fail {
		return errBoom
	}
	return f.Backend.Delete(ctx, key)
}

type testEnv struct {
	m     *Manager
	fs    *backend.Filesystem
	fb    *faultyBackend
	clock *testClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return openTestEnv(t, fs, cfg, newTestClock())
}

// openTestEnv opens a Manager over an existing filesystem, as a restart would.
func openTestEnv(t *testing.T, fs *backend.Filesystem, cfg Config, clock *testClock) *testEnv {
	t.Helper()
	fb := &faultyBackend{Backend: fs}
	m, err := New(fb, cfg, WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	require.NoError(t, m.Initialize(context.Background()))
	return &testEnv{m: m, fs: fs, fb: fb, clock: clock}
}

func bytesConfig(maxBytes int64, protectionDays int, s eviction.Strategy) Config {
	cfg := DefaultConfig()
	cfg.MaxSizeBytes = maxBytes
	cfg.ProtectionDays = protectionDays
	cfg.Strategy = s
	return cfg
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func entryKeys(entries []index.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

// requireConsistent checks aggregates against a scan and that every row's
// blob exists with the recorded size.
func requireConsistent(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()

	var sum int64
	entries := env.m.All()
	for _, e := range entries {
		sum += e.Size
		size, err := env.fs.Size(ctx, e.BlobPath)
		require.NoError(t, err, "blob for %s", e.Key)
		require.Equal(t, e.Size, size, "blob size for %s", e.Key)
		require.False(t, e.LastAccessedAt.Before(e.CreatedAt))
		require.GreaterOrEqual(t, e.AccessCount, int64(1))
	}
	stats := env.m.Stats()
	require.Equal(t, sum, stats.TotalSize)
	require.Equal(t, len(entries), stats.ImageCount)
}
