package imagecache

import (
	"fmt"
	"strings"
)

// Algorithm identifies the hash algorithm used in a blob reference.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgXXHash Algorithm = "xxh64x2"
)

// BlobRef is a content reference to the bytes of a cached image, combining an
// algorithm identifier with a hex digest. It is recorded on every cache entry
// but is not used to merge entries.
type BlobRef struct {
	Alg    Algorithm
	Digest string
}

// ContentRef computes the BLAKE3 reference of data.
func ContentRef(data []byte) BlobRef {
	return NewBlobRef(AlgBLAKE3, data)
}

// NewBlobRef computes the reference of data under alg. Unknown algorithms
// fall back to AlgXXHash, matching Digest.
func NewBlobRef(alg Algorithm, data []byte) BlobRef {
	if alg != AlgBLAKE3 {
		alg = AlgXXHash
	}
	return BlobRef{Alg: alg, Digest: Digest(alg, data)}
}

// ParseAlgorithm parses a case-insensitive algorithm name. The empty string
// selects AlgBLAKE3.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToLower(s)); alg {
	case "":
		return AlgBLAKE3, nil
	case AlgBLAKE3, AlgXXHash:
		return alg, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", s)
	}
}

// ParseBlobRef parses a blob reference string in the form "algorithm:hex".
// The algorithm is case-insensitive and normalised to lowercase.
// Plain hex strings (without an algorithm prefix) are assumed to be BLAKE3.
func ParseBlobRef(s string) (BlobRef, error) {
	if s == "" {
		return BlobRef{}, fmt.Errorf("empty blob ref")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algoStr
		algoStr = string(AlgBLAKE3)
	}

	hexStr = strings.ToLower(hexStr)

	switch Algorithm(strings.ToLower(algoStr)) {
	case AlgBLAKE3:
		if _, err := ParseHash(hexStr); err != nil {
			return BlobRef{}, fmt.Errorf("invalid hash in blob ref %q: %w", s, err)
		}
		return BlobRef{Alg: AlgBLAKE3, Digest: hexStr}, nil
	case AlgXXHash:
		if len(hexStr) != 32 || !isHex(hexStr) {
			return BlobRef{}, fmt.Errorf("invalid hash in blob ref %q", s)
		}
		return BlobRef{Alg: AlgXXHash, Digest: hexStr}, nil
	default:
		return BlobRef{}, fmt.Errorf("unsupported algorithm %q in blob ref %q", algoStr, s)
	}
}

// String returns the canonical string form "algorithm:hex".
func (r BlobRef) String() string {
	return string(r.Alg) + ":" + r.Digest
}

// IsZero reports whether the reference is unset.
func (r BlobRef) IsZero() bool {
	return r.Digest == ""
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
