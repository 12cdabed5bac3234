// Package eviction chooses which cache entries to remove when the cache is
// over its size ceiling.
package eviction

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/wolfeidau/image-cache/index"
)

// ErrUnknownStrategy is returned when parsing an unrecognised strategy name.
var ErrUnknownStrategy = errors.New("unknown eviction strategy")

// Strategy selects the order in which candidates are evicted.
type Strategy uint8

const (
	// Smart evicts the lowest composite score first. It is the default.
	Smart Strategy = iota
	// LRU evicts the least recently accessed first.
	LRU
	// LFU evicts the least frequently accessed first.
	LFU
	// FIFO evicts the oldest created first.
	FIFO
)

var strategyNames = [...]string{
	Smart: "smart",
	LRU:   "lru",
	LFU:   "lfu",
	FIFO:  "fifo",
}

// Strategies lists every strategy in declaration order.
func Strategies() []Strategy {
	return []Strategy{Smart, LRU, LFU, FIFO}
}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("Strategy(%d)", s)
}

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range strategyNames {
		if s == n {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want one of lru, lfu, fifo, smart)", ErrUnknownStrategy, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if int(s) >= len(strategyNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names are
// rejected so bad configuration fails at load time.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

const (
	day      = 24 * time.Hour
	megabyte = 1024 * 1024
)

// days returns the fractional number of days from t to now, never negative.
func days(now, t time.Time) float64 {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return float64(d) / float64(day)
}

// SmartScore is the composite score used by the Smart strategy. Lower
// scores are evicted first.
//
//	1000/(daysSinceAccess+1) + 100*ln(accessCount+1) - size/1MiB - 2*daysSinceCreation
func SmartScore(e index.Entry, now time.Time) float64 {
	recency := 1000 / (days(now, e.LastAccessedAt) + 1)
	frequency := 100 * math.Log(float64(e.AccessCount)+1)
	sizePenalty := float64(e.Size) / megabyte
	agePenalty := 2 * days(now, e.CreatedAt)
	return recency + frequency - sizePenalty - agePenalty
}

// Rank sorts entries in place into eviction order for s, evaluated once at
// now. Ties fall back to the key so the order is deterministic.
func Rank(entries []index.Entry, s Strategy, now time.Time) {
	var order func(a, b index.Entry) int

	switch s {
	case LRU:
		order = func(a, b index.Entry) int {
			return a.LastAccessedAt.Compare(b.LastAccessedAt)
		}
	case LFU:
		order = func(a, b index.Entry) int {
			return cmp.Or(
				cmp.Compare(a.AccessCount, b.AccessCount),
				a.LastAccessedAt.Compare(b.LastAccessedAt),
			)
		}
	case FIFO:
		order = func(a, b index.Entry) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	default:
		scores := make(map[string]float64, len(entries))
		for _, e := range entries {
			scores[e.Key] = SmartScore(e, now)
		}
		order = func(a, b index.Entry) int {
			return cmp.Compare(scores[a.Key], scores[b.Key])
		}
	}

	slices.SortFunc(entries, func(a, b index.Entry) int {
		return cmp.Or(order(a, b), strings.Compare(a.Key, b.Key))
	})
}
