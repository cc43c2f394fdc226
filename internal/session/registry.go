package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cjeanneret/RigSync/internal/hw/camera"
)

// Registry is the set of cameras sessions can be started on.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]camera.Handle
}

func NewRegistry(handles ...camera.Handle) *Registry {
	r := &Registry{handles: make(map[string]camera.Handle, len(handles))}
	for _, h := range handles {
		r.handles[h.ID()] = h
	}
	return r
}

// Handle looks a camera up by serial number.
func (r *Registry) Handle(id string) (camera.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return h, nil
}

// IDs returns the known serial numbers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
