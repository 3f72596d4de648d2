package livebuffer

import (
	"sync"

	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// ThingBuffers holds one Buffer per known thing, following the same
// mutex-guarded-map idiom the teacher uses for its websocket client set.
type ThingBuffers struct {
	mu      sync.RWMutex
	buffers map[types.ThingID]*Buffer
}

// NewThingBuffers creates an empty set.
func NewThingBuffers() *ThingBuffers {
	return &ThingBuffers{buffers: make(map[types.ThingID]*Buffer)}
}

// For returns the buffer for id, creating it if this is the first time
// the thing is seen (so a thing is sampled even if it goes quiet, per
// spec.md §4.5's "for each known thing").
func (t *ThingBuffers) For(id types.ThingID) *Buffer {
	t.mu.RLock()
	b, ok := t.buffers[id]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buffers[id]; ok {
		return b
	}
	b = New()
	t.buffers[id] = b
	return b
}

// Things returns every thing id currently tracked.
func (t *ThingBuffers) Things() []types.ThingID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.ThingID, 0, len(t.buffers))
	for id := range t.buffers {
		out = append(out, id)
	}
	return out
}

// Remove drops the buffer for id, e.g. when a thing is removed from the
// registry.
func (t *ThingBuffers) Remove(id types.ThingID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buffers, id)
}
