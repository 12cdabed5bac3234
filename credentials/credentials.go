// Package credentials resolves secrets for the image cache from a templated
// JSON file, so tokens can come from the environment or from files without
// being written into the main configuration.
//
// A credentials file looks like:
//
//	{
//	  "auth_token": {{ env "IMAGE_CACHE_AUTH_TOKEN" | json }},
//	  "github_token": {{ file "/run/secrets/github-token" | json }}
//	}
package credentials

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxSize caps both the template file and its rendered output.
const maxSize = 1 << 20

// Credentials holds the resolved secret values.
type Credentials struct {
	// AuthToken is the Bearer token required by the HTTP server.
	AuthToken string `json:"auth_token,omitempty"`
	// GitHubToken authenticates uploads to the remote image repository.
	GitHubToken string `json:"github_token,omitempty"`
}

// Resolver executes a credentials template and parses the result.
type Resolver struct {
	logger *slog.Logger
	lookup func(string) (string, bool)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithLookupEnv replaces os.LookupEnv for the env functions.
func WithLookupEnv(lookup func(string) (string, bool)) ResolverOption {
	return func(r *Resolver) {
		r.lookup = lookup
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials file.
func (r *Resolver) ResolveFile(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.Resolve(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("credentials resolved",
		"path", path,
		"auth_token", creds.AuthToken != "",
		"github_token", creds.GitHubToken != "",
	)
	return creds, nil
}

// Resolve executes the template read from src.
func (r *Resolver) Resolve(src io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs()).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxSize)
	}

	var creds Credentials
	dec := json.NewDecoder(&buf)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) funcs() template.FuncMap {
	return template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := r.lookup(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := r.lookup(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}
}
