package cache

import (
	"time"

	"github.com/wolfeidau/image-cache/eviction"
)

// Stats is a snapshot of the cache.
type Stats struct {
	TotalSize   int64             `json:"totalSize"`
	TotalSizeMB float64           `json:"totalSizeMB"`
	ImageCount  int               `json:"imageCount"`
	OldestImage time.Time         `json:"oldestImage,omitzero"`
	NewestImage time.Time         `json:"newestImage,omitzero"`
	AverageSize int64             `json:"averageSize"`
	RemoteCount int               `json:"remoteCount"`
	LastCleanup time.Time         `json:"lastCleanup,omitzero"`
	MaxSize     int64             `json:"maxSize"`
	Strategy    eviction.Strategy `json:"strategy"`
}

// Stats returns a snapshot. Size and count come from the maintained
// aggregates; oldest and newest are by creation time.
func (m *Manager) Stats() Stats {
	meta := m.index.Metadata()
	s := Stats{
		TotalSize:   meta.TotalSize,
		TotalSizeMB: float64(meta.TotalSize) / megabyte,
		ImageCount:  meta.EntryCount,
		LastCleanup: meta.LastCleanup,
		MaxSize:     m.config.MaxBytes(),
		Strategy:    m.config.Strategy,
	}
	if meta.EntryCount > 0 {
		s.AverageSize = meta.TotalSize / int64(meta.EntryCount)
	}

	for _, e := range m.index.Entries() {
		if s.OldestImage.IsZero() || e.CreatedAt.Before(s.OldestImage) {
			s.OldestImage = e.CreatedAt
		}
		if e.CreatedAt.After(s.NewestImage) {
			s.NewestImage = e.CreatedAt
		}
		if !e.CacheOnly() {
			s.RemoteCount++
		}
	}
	return s
}
