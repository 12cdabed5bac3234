package mirror

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
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

func newTestLedger(t *testing.T, clock *testClock, opts ...LedgerOption) *Ledger {
	t.Helper()
	opts = append([]LedgerOption{WithLedgerNow(clock.Now), WithNoSync(true)}, opts...)
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedgerDelay(t *testing.T) {
	l := newTestLedger(t, &testClock{t: time.Unix(0, 0)})

	require.Zero(t, l.Delay(0))
	require.Equal(t, 15*time.Minute, l.Delay(1))
	require.Equal(t, 30*time.Minute, l.Delay(2))
	require.Equal(t, time.Hour, l.Delay(3))
	require.Equal(t, 16*time.Hour, l.Delay(7))
	require.Equal(t, 24*time.Hour, l.Delay(8))
	require.Equal(t, 24*time.Hour, l.Delay(1000))
}

func TestLedgerFailureBacksOff(t *testing.T) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(t, clock)

	due, err := l.Due("k")
	require.NoError(t, err)
	require.True(t, due, "unknown keys are due")

	a, err := l.RecordFailure("k", errors.New("rate limited"))
	require.NoError(t, err)
	require.Equal(t, 1, a.Failures)
	require.Equal(t, "rate limited", a.LastError)

	due, err = l.Due("k")
	require.NoError(t, err)
	require.False(t, due)

	clock.Advance(15 * time.Minute)
	due, err = l.Due("k")
	require.NoError(t, err)
	require.True(t, due)

	a, err = l.RecordFailure("k", nil)
	require.NoError(t, err)
	require.Equal(t, 2, a.Failures)
	require.Equal(t, "rate limited", a.LastError)

	next, err := l.NextAttempt("k")
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(30*time.Minute), next)

	require.NoError(t, l.RecordSuccess("k"))
	_, ok, err := l.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := OpenLedger(path, WithLedgerNow(clock.Now))
	require.NoError(t, err)
	_, err = l.RecordFailure("k", errors.New("x"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = OpenLedger(path, WithLedgerNow(clock.Now))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	a, ok, err := l.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, a.Failures)
}

func TestLedgerCustomBackoff(t *testing.T) {
	l := newTestLedger(t, &testClock{}, WithBackoff(time.Second, 5*time.Second))
	require.Equal(t, time.Second, l.Delay(1))
	require.Equal(t, 4*time.Second, l.Delay(3))
	require.Equal(t, 5*time.Second, l.Delay(4))
}

func TestLedgerListAndRetain(t *testing.T) {
	l := newTestLedger(t, &testClock{t: time.Unix(0, 0)})
	for _, k := range []string{"c", "a", "b"} {
		_, err := l.RecordFailure(k, nil)
		require.NoError(t, err)
	}

	all, err := l.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].Key)

	n, err := l.Retain(func(key string) bool { return key == "b" })
	require.NoError(t, err)
	require.Equal(t, 2, n)

	all, err = l.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "b", all[0].Key)
}
