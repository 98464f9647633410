package snapshot

import (
	"context"
	"sync"
)

// History is a read-only time-travel convenience wrapper, supplemented
// from snapshots.py's DocumentHistory: it is not part of the distilled
// spec's §4.2 contract but the ergonomic wrapper it provides around
// RollbackToVersion/GetSnapshot was dropped during distillation.
type History struct {
	mgr        *Manager
	documentID string

	mu    sync.Mutex
	cache map[int64][]byte
}

// NewHistory builds a History helper scoped to a single document.
func NewHistory(mgr *Manager, documentID string) *History {
	return &History{mgr: mgr, documentID: documentID, cache: make(map[int64][]byte)}
}

// GetVersionAt returns the document's content as of version, using the
// nearest snapshot at or before that version.
func (h *History) GetVersionAt(ctx context.Context, version int64) ([]byte, error) {
	h.mu.Lock()
	if cached, ok := h.cache[version]; ok {
		h.mu.Unlock()
		return cached, nil
	}
	h.mu.Unlock()

	content, err := h.mgr.RollbackToVersion(ctx, h.documentID, version)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cache[version] = content
	h.mu.Unlock()
	return content, nil
}
