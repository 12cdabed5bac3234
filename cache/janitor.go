package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/image-cache/eviction"
)

// JanitorConfig configures periodic maintenance.
type JanitorConfig struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 1m)
	PruneAfter   time.Duration // Prune entries idle this long; 0 disables
}

// DefaultJanitorConfig returns the default maintenance configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:     1 * time.Hour,
		StartupDelay: 1 * time.Minute,
	}
}

// JanitorRun contains the results of one maintenance run.
type JanitorRun struct {
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Eviction    *eviction.Result `json:"eviction,omitempty"`
	Pruned      int              `json:"pruned"`
	PrunedBytes int64            `json:"pruned_bytes"`
	Errors      []string         `json:"errors,omitempty"`
}

// Janitor runs CheckAndCleanup, and optionally Prune, on an interval for
// long-running processes.
type Janitor struct {
	manager *Manager
	config  JanitorConfig
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *JanitorRun
}

// NewJanitor creates a Janitor for m.
func NewJanitor(m *Manager, config JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultJanitorConfig().Interval
	}
	return &Janitor{
		manager: m,
		config:  config,
		logger:  logger.With("component", "janitor"),
	}
}

// Start starts the background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop stops the background goroutine and waits for it to exit.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last run result, or nil before the first run.
func (j *Janitor) Status() *JanitorRun {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)
	defer j.setRunning(false)

	j.logger.Info("janitor starting",
		"interval", j.config.Interval,
		"startup_delay", j.config.StartupDelay,
		"prune_after", j.config.PruneAfter,
	)

	select {
	case <-time.After(j.config.StartupDelay):
	case <-j.stopCh:
		return
	case <-ctx.Done():
		return
	}

	j.RunNow(ctx)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunNow(ctx)
		case <-j.stopCh:
			j.logger.Info("janitor stopped")
			return
		case <-ctx.Done():
			j.logger.Info("janitor context cancelled")
			return
		}
	}
}

func (j *Janitor) setRunning(running bool) {
	j.mu.Lock()
	j.running = running
	j.mu.Unlock()
}

// RunNow performs one maintenance run immediately.
func (j *Janitor) RunNow(ctx context.Context) *JanitorRun {
	run := &JanitorRun{StartedAt: time.Now()}

	if j.config.PruneAfter > 0 {
		n, freed, err := j.manager.Prune(ctx, j.config.PruneAfter)
		run.Pruned, run.PrunedBytes = n, freed
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("prune: %v", err))
		}
	}

	res, err := j.manager.CheckAndCleanup(ctx, false)
	run.Eviction = res
	if err != nil {
		run.Errors = append(run.Errors, fmt.Sprintf("cleanup: %v", err))
	}

	run.Duration = time.Since(run.StartedAt)

	j.mu.Lock()
	j.lastRun = run
	j.mu.Unlock()

	if len(run.Errors) > 0 {
		j.logger.Error("janitor run finished with errors", "errors", run.Errors, "duration", run.Duration)
	} else {
		j.logger.Debug("janitor run finished",
			"pruned", run.Pruned,
			"bytes_freed", res.BytesFreed+run.PrunedBytes,
			"duration", run.Duration,
		)
	}
	return run
}
