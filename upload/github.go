package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v67/github"

	"github.com/wolfeidau/image-cache/telemetry"
)

// CDN selects the URL form returned for uploaded files.
const (
	CDNJSDelivr = "jsdelivr"
	CDNRaw      = "raw"
)

// GitHubConfig configures the GitHub contents API uploader.
type GitHubConfig struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Dir    string `json:"dir"`
	Token  string `json:"-"`
	CDN    string `json:"cdn"`
}

// Validate checks the configuration and fills defaults.
func (c *GitHubConfig) Validate() error {
	var errs []error
	if c.Owner == "" {
		errs = append(errs, fmt.Errorf("%w: owner is required", ErrConfig))
	}
	if c.Repo == "" {
		errs = append(errs, fmt.Errorf("%w: repo is required", ErrConfig))
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.Dir == "" {
		c.Dir = "images"
	}
	switch c.CDN {
	case "":
		c.CDN = CDNJSDelivr
	case CDNJSDelivr, CDNRaw:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown cdn %q", ErrConfig, c.CDN))
	}
	return errors.Join(errs...)
}

// GitHub uploads files into a repository through the contents API.
type GitHub struct {
	client *github.Client
	config GitHubConfig
	logger *slog.Logger
}

// GitHubOption configures a GitHub uploader.
type GitHubOption func(*GitHub)

// WithClient sets the go-github client, for example one pointed at a test
// server or GitHub Enterprise.
func WithClient(client *github.Client) GitHubOption {
	return func(g *GitHub) {
		g.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GitHubOption {
	return func(g *GitHub) {
		g.logger = logger
	}
}

// NewGitHub creates a GitHub uploader. Without WithClient a client
// authenticated with cfg.Token is created.
func NewGitHub(cfg GitHubConfig, opts ...GitHubOption) (*GitHub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &GitHub{
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "upload", "store", g.Name())

	if g.client == nil {
		if cfg.Token == "" {
			return nil, fmt.Errorf("%w: token is required", ErrConfig)
		}
		httpClient := &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "github"),
			Timeout:   60 * time.Second,
		}
		g.client = github.NewClient(httpClient).WithAuthToken(cfg.Token)
	}
	return g, nil
}

// Name returns the store label used in logs and metrics.
func (g *GitHub) Name() string {
	return "github"
}

// Upload creates dir/name in the repository. A 422 response means the file
// already exists; since names are content addressed that counts as success.
func (g *GitHub) Upload(ctx context.Context, name string, data []byte) (string, error) {
	start := time.Now()
	filePath := path.Join(g.config.Dir, name)

	opts := &github.RepositoryContentFileOptions{
		Message: github.String("Add image " + name),
		Content: data,
		Branch:  github.String(g.config.Branch),
	}

	outcome := "created"
	_, _, err := g.client.Repositories.CreateFile(ctx, g.config.Owner, g.config.Repo, filePath, opts)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
			outcome = "exists"
		} else {
			telemetry.RecordUpload(ctx, g.Name(), "error", time.Since(start), int64(len(data)))
			return "", fmt.Errorf("%w: creating %s: %w", ErrTransport, filePath, err)
		}
	}

	telemetry.RecordUpload(ctx, g.Name(), outcome, time.Since(start), int64(len(data)))
	url := g.URL(filePath)
	g.logger.Debug("image uploaded", "path", filePath, "outcome", outcome, "size", len(data), "url", url)
	return url, nil
}

// URL returns the public URL for a repository path.
func (g *GitHub) URL(filePath string) string {
	filePath = strings.TrimPrefix(filePath, "/")
	if g.config.CDN == CDNRaw {
		return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s",
			g.config.Owner, g.config.Repo, g.config.Branch, filePath)
	}
	return fmt.Sprintf("https://cdn.jsdelivr.net/gh/%s/%s@%s/%s",
		g.config.Owner, g.config.Repo, g.config.Branch, filePath)
}

var _ Uploader = (*GitHub)(nil)
