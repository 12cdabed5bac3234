package imagecache

import (
	"net/url"
	"path"
	"strings"
)

// DefaultExtension is used when a key carries no recognised image extension.
const DefaultExtension = ".png"

// Blob storage key layout.
const blobKeyPrefix = "images"

// imageExtensions maps the trailing path extensions kept verbatim in derived
// filenames to their media type. Anything else is replaced by
// DefaultExtension.
var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
	".ico":  "image/x-icon",
	".avif": "image/avif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// DeriveFilename maps a cache key (usually an image URL) to a
// filesystem-safe filename of the form "<blake3 hex>.<ext>".
//
// The result depends only on the key, so two processes caching the same URL
// agree on the name without coordinating. Malformed URLs never fail; they get
// the default extension.
func DeriveFilename(key string) string {
	return HashString(key).String() + Extension(key)
}

// Extension returns the lowercase image extension of the key's path,
// including the leading dot, or DefaultExtension when there is none.
func Extension(key string) string {
	if ext, ok := imageExtension(key); ok {
		return ext
	}
	return DefaultExtension
}

// HasImageExtension reports whether the key's path ends in a recognised
// image extension.
func HasImageExtension(key string) bool {
	_, ok := imageExtension(key)
	return ok
}

// ContentType returns the media type for a derived filename or key, falling
// back to the type of DefaultExtension.
func ContentType(key string) string {
	return imageExtensions[Extension(key)]
}

func imageExtension(key string) (string, bool) {
	p := key
	if u, err := url.Parse(key); err == nil {
		p = u.Path
	} else {
		// Best effort on unparseable input: drop query and fragment by hand.
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
	}

	ext := strings.ToLower(path.Ext(p))
	_, ok := imageExtensions[ext]
	return ext, ok
}

// BlobKey returns the backend storage key for a derived filename.
// Format: images/{filename}
func BlobKey(filename string) string {
	return blobKeyPrefix + "/" + filename
}

// BlobKeyPrefix returns the prefix shared by every blob key.
func BlobKeyPrefix() string {
	return blobKeyPrefix + "/"
}

// IsBlobKey reports whether key lives under the blob prefix and names a file
// directly inside it.
func IsBlobKey(key string) bool {
	name, ok := strings.CutPrefix(key, blobKeyPrefix+"/")
	return ok && name != "" && !strings.Contains(name, "/")
}
