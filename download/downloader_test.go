package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	imagecache "github.com/wolfeidau/image-cache"
)

func imageResult(url string, data []byte) *Result {
	return &Result{
		URL:         url,
		Data:        data,
		ContentType: "image/png",
		Hash:        imagecache.HashBytes(data),
		Size:        int64(len(data)),
	}
}

func TestDo_SingleCall(t *testing.T) {
	d := newTestDownloader()
	want := imageResult("https://h/a.png", []byte("a"))

	got, shared, err := d.Do(context.Background(), want.URL, func(ctx context.Context) (*Result, error) {
		return want, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Same(t, want, got)
}

func TestDo_SharesInFlightCall(t *testing.T) {
	d := newTestDownloader()
	want := imageResult("https://h/shared.png", []byte("shared"))

	var calls atomic.Int32
	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = d.Do(context.Background(), want.URL, func(ctx context.Context) (*Result, error) {
				calls.Add(1)
				time.Sleep(50 * time.Millisecond)
				return want, nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, want.Hash, results[i].Hash)
	}
}

func TestDo_CallerTimeoutDoesNotCancelOthers(t *testing.T) {
	d := newTestDownloader()
	want := imageResult("https://h/slow.png", []byte("slow"))

	var completed atomic.Bool
	started := make(chan struct{})

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := d.Do(shortCtx, want.URL, func(ctx context.Context) (*Result, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			if ctx.Err() != nil {
				t.Error("fetch context should be detached from the caller")
			}
			completed.Store(true)
			return want, nil
		})
		done <- err
	}()
	<-started

	got, shared, err := d.Do(context.Background(), want.URL, func(ctx context.Context) (*Result, error) {
		t.Error("a fetch is already in flight")
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, want.Hash, got.Hash)
	require.True(t, completed.Load())
	require.ErrorIs(t, <-done, context.DeadlineExceeded)
}

func TestDo_ErrorReachesEveryWaiter(t *testing.T) {
	d := newTestDownloader()
	boom := errors.New("upstream unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = d.Do(context.Background(), "https://h/err.png", func(ctx context.Context) (*Result, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, boom
			})
		}()
	}
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], boom)
	}
}

func TestDo_DistinctKeys(t *testing.T) {
	d := newTestDownloader()

	var calls atomic.Int32
	var wg sync.WaitGroup
	for _, u := range []string{"https://h/1.png", "https://h/2.png", "https://h/3.png"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := d.Do(context.Background(), u, func(ctx context.Context) (*Result, error) {
				calls.Add(1)
				return imageResult(u, []byte(u)), nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(3), calls.Load())
}

func TestForgetOnDownloadError_KeepsFlightOnContextError(t *testing.T) {
	d := newTestDownloader()
	want := imageResult("https://h/keep.png", []byte("keep"))

	var calls atomic.Int32
	started := make(chan struct{})
	go func() {
		_, _, _ = d.Do(context.Background(), want.URL, func(ctx context.Context) (*Result, error) {
			calls.Add(1)
			close(started)
			time.Sleep(200 * time.Millisecond)
			return want, nil
		})
	}()
	<-started

	forgetOnDownloadError(d, want.URL, context.DeadlineExceeded)

	got, shared, err := d.Do(context.Background(), want.URL, func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		return want, nil
	})
	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, want.Hash, got.Hash)
	require.Equal(t, int32(1), calls.Load())
}

func TestForgetOnDownloadError_ForgetsRealErrors(t *testing.T) {
	d := newTestDownloader()
	boom := errors.New("upstream error")
	url := "https://h/retry.png"

	var calls atomic.Int32
	_, _, err := d.Do(context.Background(), url, func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	forgetOnDownloadError(d, url, err)

	want := imageResult(url, []byte("retry"))
	got, shared, err := d.Do(context.Background(), url, func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		return want, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Same(t, want, got)
	require.Equal(t, int32(2), calls.Load())
}
