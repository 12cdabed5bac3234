package cache

import "errors"

var (
	// ErrNotFound is returned when a key has no entry.
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidKey is returned for an empty cache key.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrStorage wraps blob store failures. Add writes no index row when it
	// returns ErrStorage.
	ErrStorage = errors.New("blob storage failure")

	// ErrPersist wraps index document write failures. The in-memory change
	// has been applied but is not durable; retrying the operation is safe.
	ErrPersist = errors.New("index persist failure")
)
