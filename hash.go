// Package imagecache holds the identifiers shared by every image-cache
// component: content digests, blob references and the deterministic
// filenames blobs are stored under.
package imagecache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashString computes the BLAKE3 hash of a string, typically a cache key.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}

// Digest returns the hex digest of data under the given algorithm.
//
// AlgBLAKE3 yields 64 hex chars. AlgXXHash is the non-cryptographic
// fallback: two seeded 64-bit xxhash sums concatenated into 32 hex chars,
// which keeps collisions negligible at cache sizes of a few thousand
// entries. Unknown algorithms fall back to AlgXXHash so a name is always
// produced.
func Digest(alg Algorithm, data []byte) string {
	if alg == AlgBLAKE3 {
		return HashBytes(data).String()
	}
	return xxDigest(data)
}

func xxDigest(data []byte) string {
	var out [16]byte

	d := xxhash.New()
	_, _ = d.Write(data)
	binary.BigEndian.PutUint64(out[:8], d.Sum64())

	// Second lane: length-prefixed so the two halves are independent.
	d.Reset()
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(data)))
	_, _ = d.Write(lenPrefix[:])
	_, _ = d.Write(data)
	binary.BigEndian.PutUint64(out[8:], d.Sum64())

	return hex.EncodeToString(out[:])
}
