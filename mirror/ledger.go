package mirror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketAttempts = []byte("upload_attempts") // cache key -> Attempt JSON

// Backoff defaults for failed uploads.
const (
	DefaultBaseBackoff = 15 * time.Minute
	DefaultMaxBackoff  = 24 * time.Hour
)

// Attempt records the failed uploads of one cache key.
type Attempt struct {
	Key         string    `json:"key"`
	Failures    int       `json:"failures"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastError   string    `json:"lastError,omitempty"`
}

// Ledger persists upload failures in bbolt so that retries back off across
// process restarts. A key with no row is always due.
type Ledger struct {
	db          *bbolt.DB
	logger      *slog.Logger
	now         func() time.Time
	baseBackoff time.Duration
	maxBackoff  time.Duration
	noSync      bool
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithLedgerNow sets the time function for testing.
func WithLedgerNow(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithBackoff sets the first retry delay and its cap. The delay doubles
// after each consecutive failure.
func WithBackoff(base, maxDelay time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.baseBackoff = base
		l.maxBackoff = maxDelay
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) LedgerOption {
	return func(l *Ledger) {
		l.noSync = noSync
	}
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		logger:      slog.Default(),
		now:         time.Now,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "mirror_ledger")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  l.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttempts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketAttempts, err)
	}
	l.db = db

	l.logger.Debug("opened ledger", "path", path)
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Get returns the attempt row for key.
func (l *Ledger) Get(key string) (Attempt, bool, error) {
	var (
		a     Attempt
		found bool
	)
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAttempts).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return Attempt{}, false, fmt.Errorf("reading attempt for %s: %w", key, err)
	}
	return a, found, nil
}

// Delay returns the wait before retrying after the given number of
// consecutive failures.
func (l *Ledger) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := l.baseBackoff
	for i := 1; i < failures && d < l.maxBackoff; i++ {
		d *= 2
	}
	return min(d, l.maxBackoff)
}

// NextAttempt returns the earliest time key may be retried. The zero time
// means it is due now.
func (l *Ledger) NextAttempt(key string) (time.Time, error) {
	a, ok, err := l.Get(key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return a.LastAttempt.Add(l.Delay(a.Failures)), nil
}

// Due reports whether key may be attempted now.
func (l *Ledger) Due(key string) (bool, error) {
	next, err := l.NextAttempt(key)
	if err != nil {
		return false, err
	}
	return !l.now().Before(next), nil
}

// RecordFailure increments the failure count for key.
func (l *Ledger) RecordFailure(key string, cause error) (Attempt, error) {
	var a Attempt
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		if data := b.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &a); err != nil {
				l.logger.Warn("discarding unreadable attempt row", "key", key, "error", err)
				a = Attempt{}
			}
		}
		a.Key = key
		a.Failures++
		a.LastAttempt = l.now()
		if cause != nil {
			a.LastError = cause.Error()
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return Attempt{}, fmt.Errorf("recording failure for %s: %w", key, err)
	}
	return a, nil
}

// RecordSuccess clears the row for key.
func (l *Ledger) RecordSuccess(key string) error {
	return l.Forget(key)
}

// Forget deletes the row for key.
func (l *Ledger) Forget(key string) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttempts).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting attempt for %s: %w", key, err)
	}
	return nil
}

// List returns every row in key order.
func (l *Ledger) List() ([]Attempt, error) {
	var out []Attempt
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttempts).ForEach(func(k, v []byte) error {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				l.logger.Warn("skipping unreadable attempt row", "key", string(k), "error", err)
				return nil
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	return out, nil
}

// Retain deletes rows whose key fails keep and returns how many were
// deleted.
func (l *Ledger) Retain(keep func(key string) bool) (int, error) {
	var n int
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if !keep(string(k)) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning attempts: %w", err)
	}
	return n, nil
}
