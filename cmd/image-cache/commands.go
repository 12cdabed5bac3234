package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/index"
	"github.com/wolfeidau/image-cache/scan"
	"github.com/wolfeidau/image-cache/server"
)

var errNotCached = errors.New("image not cached")

// ServeCmd runs the HTTP server until interrupted.
type ServeCmd struct {
	Address         string        `help:"Address to listen on." default:":8080"`
	AuthToken       string        `help:"Bearer token required on every route except /health and /metrics."`
	HotEntries      int           `help:"Recently served images kept in memory (negative disables)." default:"256"`
	JanitorInterval time.Duration `help:"How often to run maintenance." default:"1h"`
	PruneAfter      time.Duration `help:"Prune images idle this long during maintenance (0 disables)."`
}

func (c *ServeCmd) Run(g *Globals, ctx context.Context) error {
	shutdownMetrics, err := g.initMetrics(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	janitorCfg := cache.DefaultJanitorConfig()
	janitorCfg.Interval = c.JanitorInterval
	janitorCfg.PruneAfter = c.PruneAfter

	opts := []server.Option{
		server.WithDownloader(a.Downloader),
		server.WithJanitor(cache.NewJanitor(a.Cache, janitorCfg, g.logger)),
	}
	if a.Syncer != nil {
		opts = append(opts, server.WithSyncer(a.Syncer))
	}

	authToken := c.AuthToken
	if authToken == "" {
		authToken = g.authToken
	}

	srv, err := server.New(server.Config{
		Address:    c.Address,
		AuthToken:  authToken,
		HotEntries: c.HotEntries,
		Logger:     g.logger,
	}, a.Cache, opts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	g.logger.Info("server started",
		"address", srv.Address(),
		"images_url", fmt.Sprintf("http://localhost%s/images?url=", srv.Address()),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// AddCmd downloads and admits one image.
type AddCmd struct {
	URL       string `arg:"" help:"Image URL."`
	RemoteURL string `help:"Remote URL already serving this image."`
}

func (c *AddCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Downloader.Fetch(ctx, c.URL)
	if err != nil {
		return err
	}
	e, err := a.Cache.Add(ctx, c.URL, res.Data, c.RemoteURL)
	if err != nil && !errors.Is(err, cache.ErrPersist) {
		return err
	}
	printEntry(os.Stdout, e)
	return err
}

// GetCmd looks up an image and optionally writes its bytes to a file.
type GetCmd struct {
	URL    string `arg:"" help:"Image URL."`
	Output string `help:"Write the cached bytes to this file ('-' for stdout)." short:"o"`
}

func (c *GetCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Output == "" {
		e, hit, err := a.Cache.Get(ctx, c.URL)
		if !hit {
			return errNotCached
		}
		printEntry(os.Stdout, e)
		return err
	}

	rc, e, err := a.Cache.Open(ctx, c.URL)
	if errors.Is(err, cache.ErrNotFound) {
		return errNotCached
	}
	if err != nil && !errors.Is(err, cache.ErrPersist) {
		return err
	}
	defer rc.Close()

	var w io.Writer = os.Stdout
	if c.Output != "-" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	if c.Output != "-" {
		printEntry(os.Stdout, e)
	}
	return nil
}

// RemoveCmd removes one image.
type RemoveCmd struct {
	URL string `arg:"" help:"Image URL."`
}

func (c *RemoveCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.Cache.Remove(ctx, c.URL)
	if err != nil {
		return err
	}
	if !removed {
		return errNotCached
	}
	fmt.Printf("removed %s\n", c.URL)
	return nil
}

// ClearCmd removes every image after confirmation.
type ClearCmd struct {
	Force bool `help:"Skip the confirmation prompt." short:"f"`
}

func (c *ClearCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !c.Force {
		stats := a.Cache.Stats()
		confirmed := false
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Remove all %d cached images (%s)?",
						stats.ImageCount, humanize.IBytes(uint64(stats.TotalSize)))).
					Affirmative("Remove").
					Negative("Cancel").
					Value(&confirmed),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("cancelled")
			return nil
		}
	}

	n, err := a.Cache.ClearAll(ctx)
	fmt.Printf("removed %d images\n", n)
	return err
}

// CleanupCmd runs an eviction pass.
type CleanupCmd struct {
	Force bool `help:"Run even when automatic cleanup is disabled." short:"f"`
}

func (c *CleanupCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Cache.CheckAndCleanup(ctx, c.Force)
	if res != nil {
		fmt.Printf("evicted %d images, freed %s (%d protected, %d skipped)\n",
			len(res.Evicted), humanize.IBytes(uint64(res.BytesFreed)), res.Protected, res.Skipped)
	}
	return err
}

// PruneCmd removes idle images regardless of size pressure.
type PruneCmd struct {
	Days int `help:"Remove images not accessed for this many days." required:""`
}

func (c *PruneCmd) Run(g *Globals, ctx context.Context) error {
	if c.Days < 1 {
		return fmt.Errorf("days must be positive, got %d; use clear to remove everything", c.Days)
	}
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, freed, err := a.Cache.Prune(ctx, time.Duration(c.Days)*24*time.Hour)
	fmt.Printf("pruned %d images, freed %s\n", n, humanize.IBytes(uint64(freed)))
	return err
}

// StatsCmd prints cache statistics.
type StatsCmd struct {
	JSON bool `help:"Print JSON." name:"json"`
}

func (c *StatsCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats := a.Cache.Stats()
	if c.JSON {
		return printJSON(os.Stdout, stats)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "images\t%d\n", stats.ImageCount)
	fmt.Fprintf(tw, "synced\t%d\n", stats.RemoteCount)
	fmt.Fprintf(tw, "total size\t%s\n", humanize.IBytes(uint64(stats.TotalSize)))
	fmt.Fprintf(tw, "average size\t%s\n", humanize.IBytes(uint64(stats.AverageSize)))
	if stats.MaxSize > 0 {
		fmt.Fprintf(tw, "ceiling\t%s\n", humanize.IBytes(uint64(stats.MaxSize)))
	} else {
		fmt.Fprintf(tw, "ceiling\tunlimited\n")
	}
	fmt.Fprintf(tw, "strategy\t%s\n", stats.Strategy)
	if !stats.OldestImage.IsZero() {
		fmt.Fprintf(tw, "oldest\t%s\n", humanize.Time(stats.OldestImage))
		fmt.Fprintf(tw, "newest\t%s\n", humanize.Time(stats.NewestImage))
	}
	if !stats.LastCleanup.IsZero() {
		fmt.Fprintf(tw, "last cleanup\t%s\n", humanize.Time(stats.LastCleanup))
	}
	return tw.Flush()
}

// ListCmd lists cached images ordered by URL.
type ListCmd struct {
	JSON      bool `help:"Print JSON." name:"json"`
	CacheOnly bool `help:"Only list images without a remote URL."`
}

func (c *ListCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entries := a.Cache.All()
	if c.CacheOnly {
		entries = a.Cache.CacheOnly()
	}
	if c.JSON {
		return printJSON(os.Stdout, entries)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tSIZE\tACCESSES\tLAST ACCESS\tREMOTE")
	for _, e := range entries {
		remote := e.RemoteURL
		if remote == "" {
			remote = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.Key, humanize.IBytes(uint64(e.Size)), e.AccessCount, humanize.Time(e.LastAccessedAt), remote)
	}
	return tw.Flush()
}

// SyncCmd uploads cache-only images to the remote store.
type SyncCmd struct {
	JSON bool `help:"Print JSON." name:"json"`
}

func (c *SyncCmd) Run(g *Globals, ctx context.Context) error {
	shutdownMetrics, err := g.initMetrics(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Syncer == nil {
		return errors.New("no remote store configured: set --github-owner and --github-repo")
	}

	res, err := a.Syncer.Sync(ctx)
	if res != nil {
		if c.JSON {
			if jerr := printJSON(os.Stdout, res); jerr != nil {
				return jerr
			}
		} else {
			fmt.Printf("uploaded %d of %d pending, %d failed, %d deferred\n",
				res.Uploaded, res.Pending, res.Failed, res.Deferred)
			for key, msg := range res.Errors {
				fmt.Printf("  %s: %s\n", key, msg)
			}
		}
	}
	return err
}

// ProcessCmd caches the external images referenced by documents.
type ProcessCmd struct {
	Files []string `arg:"" help:"HTML or Markdown files to scan." type:"existingfile"`
	JSON  bool     `help:"Print JSON." name:"json"`
}

func (c *ProcessCmd) Run(g *Globals, ctx context.Context) error {
	shutdownMetrics, err := g.initMetrics(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	var urls []string
	seen := make(map[string]struct{})
	for _, path := range c.Files {
		found, err := scan.File(path)
		if err != nil {
			return err
		}
		for _, u := range found {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		fmt.Println("no external images found")
		return nil
	}

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Processor().Process(ctx, urls)
	if report != nil {
		if c.JSON {
			if jerr := printJSON(os.Stdout, report); jerr != nil {
				return jerr
			}
		} else {
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, item := range report.Items {
				detail := item.RemoteURL
				if item.Err != nil {
					detail = item.Err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", item.Status, item.URL, detail)
			}
			_ = tw.Flush()
			fmt.Printf("%d cached, %d downloaded, %d uploaded, %d skipped, %d failed in %s\n",
				report.Cached, report.Downloaded, report.Uploaded, report.Skipped, report.Failed,
				report.Duration.Round(time.Millisecond))
		}
	}
	return err
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func printEntry(w io.Writer, e index.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "url\t%s\n", e.Key)
	fmt.Fprintf(tw, "blob\t%s\n", e.BlobPath)
	fmt.Fprintf(tw, "size\t%s\n", humanize.IBytes(uint64(e.Size)))
	fmt.Fprintf(tw, "hash\t%s\n", e.ContentHash)
	fmt.Fprintf(tw, "accesses\t%d\n", e.AccessCount)
	if e.RemoteURL != "" {
		fmt.Fprintf(tw, "remote\t%s\n", e.RemoteURL)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
