package cache

import (
	"context"
	"fmt"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

// ReconcileResult reports what reconcile repaired.
type ReconcileResult struct {
	MissingBlobs int `json:"missing_blobs"`
	OrphanBlobs  int `json:"orphan_blobs"`
}

// reconcile brings the index and the blob store back in step after a crash:
// rows whose blob is gone are dropped, and blobs no row references are
// deleted. It runs before the Manager serves requests.
func (m *Manager) reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	keys, err := m.backend.List(ctx, imagecache.BlobKeyPrefix())
	if err != nil {
		return result, fmt.Errorf("%w: listing blobs: %w", ErrStorage, err)
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}

	referenced := make(map[string]struct{})
	for _, e := range m.index.Entries() {
		if _, ok := present[e.BlobPath]; ok {
			referenced[e.BlobPath] = struct{}{}
			continue
		}
		m.index.Delete(e.Key)
		telemetry.RecordRemoval(ctx, telemetry.ReasonReconciled, e.Size)
		result.MissingBlobs++
		m.logger.Warn("dropped index row with missing blob", "key", e.Key, "blob_path", e.BlobPath)
	}

	for _, k := range keys {
		if _, ok := referenced[k]; ok || !imagecache.IsBlobKey(k) {
			continue
		}
		if err := m.backend.Delete(ctx, k); err != nil {
			m.logger.Warn("failed to delete orphan blob", "blob_path", k, "error", err)
			continue
		}
		result.OrphanBlobs++
		m.logger.Info("deleted orphan blob", "blob_path", k)
	}

	if result.MissingBlobs > 0 {
		if err := m.persist(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}
