package imagestore

import (
	"sync"

	"github.com/google/uuid"
)

type previewEntry struct {
	mimeType string
	data     []byte
}

// PreviewRegistry hands out preview references for selected images. A
// reference stays resolvable until it is released.
type PreviewRegistry struct {
	mu      sync.RWMutex
	entries map[string]previewEntry
}

func NewPreviewRegistry() *PreviewRegistry {
	return &PreviewRegistry{entries: make(map[string]previewEntry)}
}

// Acquire registers image data and returns its preview reference.
func (r *PreviewRegistry) Acquire(mimeType string, data []byte) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.entries[id] = previewEntry{mimeType: mimeType, data: data}
	r.mu.Unlock()
	return id
}

// Lookup resolves a live preview reference.
func (r *PreviewRegistry) Lookup(id string) (mimeType string, data []byte, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.mimeType, e.data, ok
}

// Release invalidates a preview reference. Releasing an unknown id is a no-op.
func (r *PreviewRegistry) Release(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len returns the number of live previews.
func (r *PreviewRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
