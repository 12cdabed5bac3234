package eviction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wolfeidau/image-cache/index"
	"github.com/wolfeidau/image-cache/telemetry"
)

// ErrSkipped is returned by a RemoveFunc that declined to remove a
// candidate, for example because a write to the key is in flight. The pass
// moves on to the next candidate.
var ErrSkipped = errors.New("eviction candidate skipped")

// RemoveFunc deletes one candidate's blob and index row and returns the
// bytes freed. Any error other than ErrSkipped ends the pass.
type RemoveFunc func(ctx context.Context, e index.Entry) (int64, error)

// Config configures an Engine.
type Config struct {
	Strategy Strategy
	// Protection is the window after the last access during which an entry
	// is never evicted.
	Protection time.Duration
}

// Result describes one eviction pass.
type Result struct {
	Strategy   Strategy      `json:"strategy"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Target     int64         `json:"target_bytes"`
	BytesFreed int64         `json:"bytes_freed"`
	Candidates int           `json:"candidates"`
	Protected  int           `json:"protected"`
	Skipped    int           `json:"skipped"`
	Evicted    []string      `json:"evicted,omitempty"`
}

// TargetMet reports whether the pass freed at least the requested bytes.
func (r *Result) TargetMet() bool {
	return r.BytesFreed >= r.Target
}

// Engine runs eviction passes.
type Engine struct {
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the clock used for the protection window and scoring.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(config Config, opts ...Option) *Engine {
	e := &Engine{
		config: config,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "eviction")
	return e
}

// Eligible reports whether entry is outside the protection window at now.
func (e *Engine) Eligible(entry index.Entry, now time.Time) bool {
	return now.Sub(entry.LastAccessedAt) >= e.config.Protection
}

// Plan filters out protected entries and ranks the rest into eviction
// order. It returns the ranked candidates and the number protected.
func (e *Engine) Plan(entries []index.Entry, now time.Time) ([]index.Entry, int) {
	candidates := make([]index.Entry, 0, len(entries))
	for _, entry := range entries {
		if e.Eligible(entry, now) {
			candidates = append(candidates, entry)
		}
	}
	Rank(candidates, e.config.Strategy, now)
	return candidates, len(entries) - len(candidates)
}

// Evict removes candidates from entries in ranked order until target bytes
// are freed or the candidates run out. Falling short of target is not an
// error; the Result reports what was actually freed.
//
// Candidates are ranked once up front. A pass is not interrupted by ctx;
// it is only handed on to remove.
func (e *Engine) Evict(ctx context.Context, entries []index.Entry, target int64, remove RemoveFunc) (*Result, error) {
	start := time.Now()
	now := e.now()
	result := &Result{
		Strategy:  e.config.Strategy,
		StartedAt: now,
		Target:    target,
	}
	if target <= 0 {
		return result, nil
	}

	candidates, protected := e.Plan(entries, now)
	result.Candidates = len(candidates)
	result.Protected = protected

	e.logger.Info("starting eviction",
		"strategy", e.config.Strategy,
		"bytes_to_free", target,
		"candidates", len(candidates),
		"protected", protected,
	)

	var err error
	for _, c := range candidates {
		if result.BytesFreed >= target {
			break
		}

		freed, rerr := remove(ctx, c)
		if errors.Is(rerr, ErrSkipped) {
			result.Skipped++
			e.logger.Debug("eviction candidate skipped", "key", c.Key, "error", rerr)
			continue
		}
		if freed > 0 {
			// Bytes can be gone even when remove reports an error.
			result.BytesFreed += freed
			result.Evicted = append(result.Evicted, c.Key)
		}
		if rerr != nil {
			err = rerr
			break
		}

		e.logger.Debug("evicted entry",
			"key", c.Key,
			"size", freed,
			"last_access", c.LastAccessedAt,
			"access_count", c.AccessCount,
		)
	}

	result.Duration = time.Since(start)
	telemetry.RecordEvictionRun(ctx, e.config.Strategy.String(), result.Duration)
	telemetry.RecordEvictionSkip(ctx, "protected", result.Protected)
	telemetry.RecordEvictionSkip(ctx, "skipped", result.Skipped)

	logAttrs := []any{
		"strategy", e.config.Strategy,
		"bytes_freed", result.BytesFreed,
		"bytes_to_free", target,
		"evicted", len(result.Evicted),
		"skipped", result.Skipped,
	}
	switch {
	case err != nil:
		e.logger.Error("eviction aborted", append(logAttrs, "error", err)...)
	case !result.TargetMet():
		e.logger.Warn("eviction could not reach target", logAttrs...)
	default:
		e.logger.Info("eviction complete", logAttrs...)
	}

	return result, err
}
