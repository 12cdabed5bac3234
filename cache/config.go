package cache

import (
	"errors"
	"fmt"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/eviction"
)

const megabyte = 1024 * 1024

// Config is the cache configuration. Field names in JSON match the settings
// document the CLI reads.
type Config struct {
	// Enabled gates automatic cleanup. Forced cleanups run regardless.
	Enabled bool `json:"enableCache"`
	// MaxSizeMB is the size ceiling in MiB. Zero means unlimited.
	MaxSizeMB int64 `json:"maxCacheSizeMB"`
	// MaxSizeBytes, when non-zero, is an exact ceiling that takes precedence
	// over MaxSizeMB.
	MaxSizeBytes int64 `json:"maxCacheSizeBytes,omitempty"`
	// ProtectionDays is the number of days after its last access during
	// which an entry is never evicted.
	ProtectionDays int `json:"cacheProtectionDays"`
	// Strategy selects the eviction order.
	Strategy eviction.Strategy `json:"cacheStrategy"`
	// CompressIndex stores the index document zstd compressed.
	CompressIndex bool `json:"compressIndex,omitempty"`
	// ContentHash is the algorithm behind each entry's content hash. Empty
	// selects blake3; xxh64x2 trades collision resistance for speed.
	ContentHash string `json:"contentHashAlgorithm,omitempty"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxSizeMB:      100,
		ProtectionDays: 7,
		Strategy:       eviction.Smart,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("maxCacheSizeMB must not be negative, got %d", c.MaxSizeMB))
	}
	if c.MaxSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("maxCacheSizeBytes must not be negative, got %d", c.MaxSizeBytes))
	}
	if c.ProtectionDays < 0 {
		errs = append(errs, fmt.Errorf("cacheProtectionDays must not be negative, got %d", c.ProtectionDays))
	}
	if _, err := c.Strategy.MarshalText(); err != nil {
		errs = append(errs, err)
	}
	if _, err := imagecache.ParseAlgorithm(c.ContentHash); err != nil {
		errs = append(errs, fmt.Errorf("contentHashAlgorithm: %w", err))
	}
	return errors.Join(errs...)
}

// MaxBytes returns the size ceiling in bytes. Zero means unlimited.
func (c Config) MaxBytes() int64 {
	if c.MaxSizeBytes > 0 {
		return c.MaxSizeBytes
	}
	return c.MaxSizeMB * megabyte
}

// Protection returns the protection window.
func (c Config) Protection() time.Duration {
	return time.Duration(c.ProtectionDays) * 24 * time.Hour
}

// ContentRef computes the content reference of data under the configured
// algorithm.
func (c Config) ContentRef(data []byte) imagecache.BlobRef {
	alg, err := imagecache.ParseAlgorithm(c.ContentHash)
	if err != nil {
		alg = imagecache.AlgXXHash
	}
	return imagecache.NewBlobRef(alg, data)
}
