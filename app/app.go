// Package app wires the image cache components together. Every component is
// constructed once in Open and handed to the ones that depend on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/mirror"
	"github.com/wolfeidau/image-cache/process"
	"github.com/wolfeidau/image-cache/upload"
)

// LedgerFile is the name of the upload attempt ledger inside the storage
// directory.
const LedgerFile = "sync.db"

// Config holds everything needed to build an App.
type Config struct {
	// StoragePath is the cache root directory.
	StoragePath string

	Cache cache.Config

	// MaxImageSize caps a single download. Zero uses the downloader default.
	MaxImageSize int64
	// FetchTimeout bounds a single download. Zero uses the downloader default.
	FetchTimeout time.Duration
	UserAgent    string

	// GitHub configures the remote store. Nil disables uploads and sync.
	GitHub *upload.GitHubConfig

	// AutoUpload uploads newly admitted images during batch processing.
	AutoUpload bool
	// Concurrency is the group size for batch processing and sync.
	Concurrency int
}

// App is the application context.
type App struct {
	Cache      *cache.Manager
	Downloader *download.Downloader
	Uploader   upload.Uploader
	Ledger     *mirror.Ledger
	Syncer     *mirror.Syncer

	config Config
	logger *slog.Logger
}

// Open builds and initialises every component. The caller must Close the
// returned App.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./image-cache"
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	m, err := cache.New(backend.NewInstrumentedBackend(fsBackend, "filesystem"), cfg.Cache,
		cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating cache manager: %w", err)
	}
	if err := m.Initialize(ctx); err != nil {
		m.Close()
		return nil, fmt.Errorf("initializing cache: %w", err)
	}

	a := &App{
		Cache:  m,
		config: cfg,
		logger: logger,
	}

	dlOpts := []download.Option{download.WithLogger(logger)}
	if cfg.MaxImageSize > 0 {
		dlOpts = append(dlOpts, download.WithMaxSize(cfg.MaxImageSize))
	}
	if cfg.FetchTimeout > 0 {
		dlOpts = append(dlOpts, download.WithTimeout(cfg.FetchTimeout))
	}
	if cfg.UserAgent != "" {
		dlOpts = append(dlOpts, download.WithUserAgent(cfg.UserAgent))
	}
	a.Downloader = download.New(dlOpts...)

	if cfg.GitHub != nil {
		gh, err := upload.NewGitHub(*cfg.GitHub, upload.WithLogger(logger))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("creating github uploader: %w", err)
		}
		a.Uploader = gh

		ledger, err := mirror.OpenLedger(filepath.Join(cfg.StoragePath, LedgerFile),
			mirror.WithLedgerLogger(logger))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("opening upload ledger: %w", err)
		}
		a.Ledger = ledger

		a.Syncer = mirror.NewSyncer(m, gh,
			mirror.WithLedger(ledger),
			mirror.WithConcurrency(cfg.Concurrency),
			mirror.WithLogger(logger),
		)
	}

	return a, nil
}

// Processor returns a batch processor over the shared components.
func (a *App) Processor() *process.Processor {
	opts := []process.Option{
		process.WithConcurrency(a.config.Concurrency),
		process.WithLogger(a.logger),
	}
	if a.Uploader != nil {
		opts = append(opts,
			process.WithUploader(a.Uploader),
			process.WithAutoUpload(a.config.AutoUpload),
		)
	}
	return process.New(a.Cache, a.Downloader, opts...)
}

// Close releases the ledger and the index handle.
func (a *App) Close() error {
	var errs []error
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ledger: %w", err))
		}
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	return errors.Join(errs...)
}
