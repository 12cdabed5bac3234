package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/index"
	"github.com/wolfeidau/image-cache/telemetry"
)

// entryView is the JSON form of an index entry.
type entryView struct {
	URL            string    `json:"url"`
	RemoteURL      string    `json:"remoteUrl,omitempty"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
	ContentHash    string    `json:"hash,omitempty"`
}

func newEntryView(e index.Entry) entryView {
	return entryView{
		URL:            e.Key,
		RemoteURL:      e.RemoteURL,
		Size:           e.Size,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		ContentHash:    e.ContentHash,
	}
}

type statsResponse struct {
	cache.Stats
	Enabled    bool              `json:"enabled"`
	HotEntries int               `json:"hotEntries"`
	Janitor    *cache.JanitorRun `json:"janitor,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Stats:      s.cache.Stats(),
		Enabled:    s.cache.Config().Enabled,
		HotEntries: s.hot.len(),
	}
	if s.janitor != nil {
		resp.Janitor = s.janitor.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleImage serves GET and HEAD /images?url=. A hit is served from the
// cache and counted as an access. A miss is fetched and admitted when a
// downloader is configured. With redirect=1 a synced entry redirects to its
// remote URL.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	ctx := r.Context()

	e, hit, err := s.cache.Get(ctx, rawURL)
	if err != nil {
		s.logger.Warn("access not persisted", "url", rawURL, "error", err)
	}

	if hit {
		if e.RemoteURL != "" && r.URL.Query().Get("redirect") == "1" {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			http.Redirect(w, r, e.RemoteURL, http.StatusFound)
			return
		}

		data, ok := s.hot.get(e.ContentHash)
		if !ok {
			data, _, err = s.cache.ReadBlob(ctx, rawURL)
			switch {
			case errors.Is(err, cache.ErrNotFound):
				hit = false
			case err != nil:
				s.logger.Error("failed to read cached image", "url", rawURL, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to read cached image")
				return
			default:
				s.hot.add(e.ContentHash, data)
			}
		}

		if hit {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			download.ServeImage(w, r, data, download.ServeOptions{
				ContentType:  imagecache.ContentType(e.BlobPath),
				ETag:         etag(e.ContentHash),
				CacheControl: s.config.CacheControl,
				ExtraHeaders: map[string]string{"X-Cache": "HIT"},
			})
			return
		}
	}

	if s.downloader == nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, http.StatusNotFound, "image not cached")
		return
	}

	res, err := s.downloader.Fetch(ctx, rawURL)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		download.HandleDownloadError(w, s.logger, err)
		return
	}

	cfg := s.cache.Config()
	contentHash := cfg.ContentRef(res.Data).String()
	if cfg.Enabled {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		if _, err := s.cache.Add(ctx, rawURL, res.Data, ""); err != nil {
			s.logger.Warn("failed to admit image", "url", rawURL, "error", err)
		}
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
	}
	s.hot.add(contentHash, res.Data)

	download.ServeImage(w, r, res.Data, download.ServeOptions{
		ContentType:  res.ContentType,
		ETag:         etag(contentHash),
		CacheControl: s.config.CacheControl,
		ExtraHeaders: map[string]string{"X-Cache": "MISS"},
	})
}

// handleListEntries lists entries ordered by URL. cacheOnly=true restricts
// the list to entries without a remote URL.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.cache.All()
	if b, _ := strconv.ParseBool(r.URL.Query().Get("cacheOnly")); b {
		entries = s.cache.CacheOnly()
	}

	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteEntry removes the entry named by ?url=.
func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	removed, err := s.cache.Remove(r.Context(), rawURL)
	if err != nil && !errors.Is(err, cache.ErrPersist) {
		s.logger.Error("failed to remove entry", "url", rawURL, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove entry")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCleanup runs an eviction pass. force=true runs it even when the
// cache is disabled.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	res, err := s.cache.CheckAndCleanup(r.Context(), force)
	if err != nil {
		s.logger.Error("cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePrune removes entries idle for at least ?days=N days.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days < 1 {
		// days=0 would remove every entry; that is what /clear is for.
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	n, freed, err := s.cache.Prune(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		s.logger.Error("prune failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": int64(n), "bytesFreed": freed})
}

// handleClear removes every entry. It requires confirm=true.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); !ok {
		writeError(w, http.StatusBadRequest, "clear requires confirm=true")
		return
	}

	n, err := s.cache.ClearAll(r.Context())
	if err != nil {
		s.logger.Error("clear failed", "removed", n, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// handleSync uploads cache-only entries.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "no remote store configured")
		return
	}

	res, err := s.syncer.Sync(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func etag(contentHash string) string {
	if contentHash == "" {
		return ""
	}
	_, digest, ok := strings.Cut(contentHash, ":")
	if !ok {
		digest = contentHash
	}
	return `"` + digest + `"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
