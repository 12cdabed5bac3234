package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/image-cache/eviction"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, cfg.Enabled)
	require.EqualValues(t, 100, cfg.MaxSizeMB)
	require.Equal(t, 7, cfg.ProtectionDays)
	require.Equal(t, eviction.Smart, cfg.Strategy)
	require.NoError(t, cfg.Validate())
	require.EqualValues(t, 100*1024*1024, cfg.MaxBytes())
	require.Equal(t, 7*24*time.Hour, cfg.Protection())
}

func TestConfigMaxBytesOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSizeBytes = 1000
	require.EqualValues(t, 1000, cfg.MaxBytes())

	cfg = DefaultConfig()
	cfg.MaxSizeMB = 0
	require.Zero(t, cfg.MaxBytes())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative size", func(c *Config) { c.MaxSizeMB = -1 }},
		{"negative bytes", func(c *Config) { c.MaxSizeBytes = -1 }},
		{"negative protection", func(c *Config) { c.ProtectionDays = -3 }},
		{"unknown strategy", func(c *Config) { c.Strategy = eviction.Strategy(99) }},
		{"unknown content hash", func(c *Config) { c.ContentHash = "md5" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestConfigJSON(t *testing.T) {
	var cfg Config
	doc := `{"enableCache": true, "maxCacheSizeMB": 50, "cacheProtectionDays": 3, "cacheStrategy": "lru"}`
	require.NoError(t, json.Unmarshal([]byte(doc), &cfg))
	require.Equal(t, Config{Enabled: true, MaxSizeMB: 50, ProtectionDays: 3, Strategy: eviction.LRU}, cfg)

	require.NoError(t, json.Unmarshal([]byte(`{"contentHashAlgorithm": "xxh64x2"}`), &cfg))
	require.Equal(t, "xxh64x2", cfg.ContentHash)
	require.NoError(t, cfg.Validate())

	err := json.Unmarshal([]byte(`{"cacheStrategy": "newest"}`), &cfg)
	require.ErrorIs(t, err, eviction.ErrUnknownStrategy)
}
