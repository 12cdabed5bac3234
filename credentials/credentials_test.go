package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) ResolverOption {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	})
}

func TestResolve_Env(t *testing.T) {
	r := NewResolver(fakeEnv(map[string]string{"GH": "ghp_123", "TOKEN": "s3cret"}))
	creds, err := r.Resolve(strings.NewReader(`{
		"auth_token": {{ env "TOKEN" | json }},
		"github_token": {{ env "GH" | json }}
	}`))
	require.NoError(t, err)
	require.Equal(t, "s3cret", creds.AuthToken)
	require.Equal(t, "ghp_123", creds.GitHubToken)
}

func TestResolve_EnvMissing(t *testing.T) {
	r := NewResolver(fakeEnv(nil))
	_, err := r.Resolve(strings.NewReader(`{"auth_token": {{ env "NOPE_XYZ" | json }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NOPE_XYZ")
}

func TestResolve_EnvDefault(t *testing.T) {
	r := NewResolver(fakeEnv(map[string]string{"SET": "actual"}))

	creds, err := r.Resolve(strings.NewReader(`{"auth_token": {{ envDefault "UNSET" "fallback" | json }}}`))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.AuthToken)

	creds, err = r.Resolve(strings.NewReader(`{"auth_token": {{ envDefault "SET" "fallback" | json }}}`))
	require.NoError(t, err)
	require.Equal(t, "actual", creds.AuthToken)
}

func TestResolve_FileTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("file-secret\n"), 0o600))

	creds, err := NewResolver().Resolve(strings.NewReader(`{"github_token": {{ file "` + path + `" | json }}}`))
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.GitHubToken)
	require.Empty(t, creds.AuthToken)
}

func TestResolve_JSONEscaping(t *testing.T) {
	r := NewResolver(fakeEnv(map[string]string{"V": `with "quotes" and \slash`}))
	creds, err := r.Resolve(strings.NewReader(`{"auth_token": {{ env "V" | json }}}`))
	require.NoError(t, err)
	require.Equal(t, `with "quotes" and \slash`, creds.AuthToken)
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown function", `{"auth_token": {{ vault "x" }}}`},
		{"invalid json", `{"auth_token": }`},
		{"unknown field", `{"npm_token": "x"}`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().Resolve(strings.NewReader(tt.input))
			require.Error(t, err)
		})
	}
}

func TestResolve_Oversized(t *testing.T) {
	input := `{"auth_token": "` + strings.Repeat("a", maxSize) + `"}`
	_, err := NewResolver().Resolve(strings.NewReader(input))
	require.ErrorContains(t, err, "exceeds")
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth_token": "plain"}`), 0o600))

	creds, err := NewResolver().ResolveFile(path)
	require.NoError(t, err)
	require.Equal(t, "plain", creds.AuthToken)

	_, err = NewResolver().ResolveFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
