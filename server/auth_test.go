package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoTokenIsNoOp(t *testing.T) {
	s := &Server{config: Config{}}
	rec := httptest.NewRecorder()
	s.authMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entries", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s := &Server{config: Config{AuthToken: "secret-123"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid token", "/entries", "Bearer secret-123", http.StatusOK},
		{"wrong token", "/entries", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "/stats", "", http.StatusUnauthorized},
		{"wrong scheme", "/images", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"health is public", "/health", "", http.StatusOK},
		{"metrics is public", "/metrics", "", http.StatusOK},
		{"cleanup is protected", "/cleanup", "", http.StatusUnauthorized},
		{"health prefix is protected", "/health/extra", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				require.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}
