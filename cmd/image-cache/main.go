// Command image-cache manages a local cache of external images: it serves
// cached images over HTTP, admits new ones from documents or URLs, and
// mirrors cached images to a GitHub repository.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/image-cache/app"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/credentials"
	"github.com/wolfeidau/image-cache/eviction"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/upload"
)

var version = "dev"

// Globals are the flags shared by every command. Each flag can also be set
// through an IMAGE_CACHE_* environment variable or a JSON config file.
type Globals struct {
	Config    kong.ConfigFlag `help:"Load configuration from a JSON file." short:"c"`
	Storage   string          `help:"Cache storage directory." default:"./image-cache" type:"path"`
	LogLevel  string          `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string          `help:"Log format." enum:"text,json" default:"text"`

	CacheEnabled   bool   `help:"Run automatic cleanup after admissions." default:"true" negatable:""`
	MaxSizeMB      int64  `help:"Cache size ceiling in MiB (0 for unlimited)." default:"100" name:"max-size-mb"`
	ProtectionDays int    `help:"Days after last access during which an image is never evicted." default:"7"`
	Strategy       string `help:"Eviction strategy." enum:"smart,lru,lfu,fifo" default:"smart"`
	CompressIndex  bool   `help:"Store the index document zstd compressed."`
	ContentHash    string `help:"Content hash algorithm recorded on each entry." enum:"blake3,xxh64x2" default:"blake3"`

	MaxImageSize int64         `help:"Largest image to download, in bytes (0 for the default)."`
	FetchTimeout time.Duration `help:"Timeout for a single download (0 for the default)."`
	Concurrency  int           `help:"Concurrent downloads and uploads per group." default:"5"`

	GitHubOwner  string `help:"GitHub owner of the image repository." name:"github-owner"`
	GitHubRepo   string `help:"GitHub image repository." name:"github-repo"`
	GitHubBranch string `help:"Branch to commit images to." name:"github-branch" default:"main"`
	GitHubDir    string `help:"Directory for images inside the repository." name:"github-dir" default:"images"`
	GitHubToken  string `help:"GitHub token with contents write access." name:"github-token" env:"GITHUB_TOKEN,IMAGE_CACHE_GITHUB_TOKEN"`
	GitHubCDN    string `help:"URL form for uploaded images." name:"github-cdn" enum:"jsdelivr,raw" default:"jsdelivr"`
	AutoUpload   bool   `help:"Upload newly cached images while processing documents."`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics (e.g. localhost:4317)." name:"otlp-endpoint"`
	Credentials  string `help:"Templated JSON file providing auth_token and github_token." type:"existingfile"`

	logger    *slog.Logger
	authToken string
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Serve cached images over HTTP."`
	Add     AddCmd     `cmd:"" help:"Download an image and add it to the cache."`
	Get     GetCmd     `cmd:"" help:"Look up a cached image."`
	Remove  RemoveCmd  `cmd:"" help:"Remove an image from the cache."`
	Clear   ClearCmd   `cmd:"" help:"Remove every image from the cache."`
	Cleanup CleanupCmd `cmd:"" help:"Evict images until the cache is under its ceiling."`
	Prune   PruneCmd   `cmd:"" help:"Remove images not accessed for a number of days."`
	Stats   StatsCmd   `cmd:"" help:"Show cache statistics."`
	List    ListCmd    `cmd:"" help:"List cached images."`
	Sync    SyncCmd    `cmd:"" help:"Upload cached images that have no remote URL."`
	Process ProcessCmd `cmd:"" help:"Cache the external images referenced by HTML or Markdown files."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("image-cache"),
		kong.Description("A size-bounded local cache for external images."),
		kong.UsageOnError(),
		kong.DefaultEnvars("IMAGE_CACHE"),
		kong.Configuration(kong.JSON, "~/.config/image-cache/config.json", ".image-cache.json"),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger
	kctx.FatalIfErrorf(cli.loadCredentials())

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// loadCredentials fills tokens not given on the command line from the
// credentials file.
func (g *Globals) loadCredentials() error {
	if g.Credentials == "" {
		return nil
	}
	creds, err := credentials.NewResolver(credentials.WithLogger(g.logger)).ResolveFile(g.Credentials)
	if err != nil {
		return err
	}
	if g.GitHubToken == "" {
		g.GitHubToken = creds.GitHubToken
	}
	g.authToken = creds.AuthToken
	return nil
}

// cacheConfig builds and validates the cache configuration.
func (g *Globals) cacheConfig() (cache.Config, error) {
	strategy, err := eviction.ParseStrategy(g.Strategy)
	if err != nil {
		return cache.Config{}, err
	}
	cfg := cache.Config{
		Enabled:        g.CacheEnabled,
		MaxSizeMB:      g.MaxSizeMB,
		ProtectionDays: g.ProtectionDays,
		Strategy:       strategy,
		CompressIndex:  g.CompressIndex,
		ContentHash:    g.ContentHash,
	}
	return cfg, cfg.Validate()
}

// appConfig maps the flags onto an app.Config. The remote store is only
// configured when an owner and repository are given.
func (g *Globals) appConfig() (app.Config, error) {
	cc, err := g.cacheConfig()
	if err != nil {
		return app.Config{}, err
	}
	cfg := app.Config{
		StoragePath:  g.Storage,
		Cache:        cc,
		MaxImageSize: g.MaxImageSize,
		FetchTimeout: g.FetchTimeout,
		UserAgent:    "image-cache/" + version,
		AutoUpload:   g.AutoUpload,
		Concurrency:  g.Concurrency,
	}
	if g.GitHubOwner != "" || g.GitHubRepo != "" {
		cfg.GitHub = &upload.GitHubConfig{
			Owner:  g.GitHubOwner,
			Repo:   g.GitHubRepo,
			Branch: g.GitHubBranch,
			Dir:    g.GitHubDir,
			Token:  g.GitHubToken,
			CDN:    g.GitHubCDN,
		}
	}
	return cfg, nil
}

// open builds the application context.
func (g *Globals) open(ctx context.Context) (*app.App, error) {
	cfg, err := g.appConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, g.logger)
}

// initMetrics starts the metrics pipeline. Short-lived commands only export
// when an OTLP endpoint is configured.
func (g *Globals) initMetrics(ctx context.Context, prometheus bool) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !prometheus && g.OTLPEndpoint == "" {
		return noop, nil
	}
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "image-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: prometheus,
	})
	if err != nil {
		return noop, fmt.Errorf("initializing metrics: %w", err)
	}
	return shutdown, nil
}
