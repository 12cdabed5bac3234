// Package upload pushes cached images to a remote store and returns the
// public URL they can be served from.
package upload

import (
	"context"
	"errors"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
)

var (
	// ErrTransport wraps failures talking to the remote store. The caller
	// decides whether to retry.
	ErrTransport = errors.New("remote store transport failure")
	// ErrConfig is returned for an incomplete remote store configuration.
	ErrConfig = errors.New("invalid remote store configuration")
)

// Uploader stores image bytes under name and returns their public URL.
// Uploading the same name twice is not an error.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
	Name() string
}

// ObjectName returns the remote object name for an entry: the hex part of
// its content hash plus the key's image extension. Identical bytes map to
// the same object.
func ObjectName(contentHash, key string) string {
	digest := contentHash
	if ref, err := imagecache.ParseBlobRef(contentHash); err == nil {
		digest = ref.Digest
	} else if _, hex, ok := strings.Cut(contentHash, ":"); ok {
		digest = hex
	}
	if digest == "" {
		digest = imagecache.HashString(key).String()
	}
	return digest + imagecache.Extension(key)
}
