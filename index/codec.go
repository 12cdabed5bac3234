package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// MaxDocumentSize caps the decoded index document to guard against
// compression bombs.
const MaxDocumentSize = 64 * 1024 * 1024

var (
	// ErrDocumentTooLarge is returned when a decoded document exceeds MaxDocumentSize.
	ErrDocumentTooLarge = errors.New("index document exceeds maximum size")

	// ErrUnsupportedVersion is returned for documents written by a newer major version.
	ErrUnsupportedVersion = errors.New("unsupported index document version")
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// document is the persisted layout. Times are epoch milliseconds.
type document struct {
	Metadata documentMetadata     `json:"metadata"`
	Index    map[string]entryJSON `json:"index"`
}

type documentMetadata struct {
	TotalSize   int64  `json:"totalSize"`
	ImageCount  int    `json:"imageCount"`
	LastCleanup int64  `json:"lastCleanup"`
	Version     string `json:"version"`
}

type entryJSON struct {
	URL            string `json:"url"`
	LocalPath      string `json:"localPath"`
	GithubURL      string `json:"githubUrl,omitempty"`
	Size           int64  `json:"size"`
	CreatedAt      int64  `json:"createdAt"`
	LastAccessedAt int64  `json:"lastAccessedAt"`
	AccessCount    int64  `json:"accessCount"`
	Hash           string `json:"hash,omitempty"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func entryToJSON(e *Entry) entryJSON {
	return entryJSON{
		URL:            e.Key,
		LocalPath:      e.BlobPath,
		GithubURL:      e.RemoteURL,
		Size:           e.Size,
		CreatedAt:      toMillis(e.CreatedAt),
		LastAccessedAt: toMillis(e.LastAccessedAt),
		AccessCount:    e.AccessCount,
		Hash:           e.ContentHash,
	}
}

func entryFromJSON(key string, j entryJSON) *Entry {
	// The map key wins if a hand-edited document disagrees with "url".
	return &Entry{
		Key:            key,
		BlobPath:       j.LocalPath,
		RemoteURL:      j.GithubURL,
		Size:           j.Size,
		CreatedAt:      fromMillis(j.CreatedAt),
		LastAccessedAt: fromMillis(j.LastAccessedAt),
		AccessCount:    j.AccessCount,
		ContentHash:    j.Hash,
	}
}

// Codec turns the index into document bytes and back, optionally zstd
// compressed. Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with reusable zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDocumentSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode marshals doc as indented JSON, compressing it when compress is set.
func (c *Codec) Encode(doc *document, compress bool) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling index: %w", err)
	}
	if !compress {
		return data, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, nil
	}
	return enc.EncodeAll(data, nil), nil
}

// Decode parses document bytes. Compressed input is detected by the zstd
// frame magic, so a cache can switch compression on or off between runs.
func (c *Codec) Decode(data []byte) (*document, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		plain, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing index: %w", err)
		}
		if len(plain) > MaxDocumentSize {
			return nil, ErrDocumentTooLarge
		}
		data = plain
	} else if len(data) > MaxDocumentSize {
		return nil, ErrDocumentTooLarge
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	if err := checkVersion(doc.Metadata.Version); err != nil {
		return nil, err
	}
	return &doc, nil
}

// checkVersion accepts documents with the same major version. A missing
// version is treated as current.
func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	major, _, _ := strings.Cut(v, ".")
	current, _, _ := strings.Cut(FormatVersion, ".")
	if major != current {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	}
	return nil
}
