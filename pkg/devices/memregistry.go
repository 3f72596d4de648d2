package devices

import (
	"sync"

	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// MemRegistry is a minimal in-memory Registry, useful for the demo
// binary and for tests. It follows the same mutex-guarded-map idiom the
// teacher uses for its websocket client set (main.go's wsClients).
type MemRegistry struct {
	mu      sync.RWMutex
	devices map[types.ThingID]Device

	stateCbs   []func(StateChange)
	addedCbs   []func(Device)
	removedCbs []func(types.ThingID)
}

// NewMemRegistry creates an empty in-memory registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{devices: make(map[types.ThingID]Device)}
}

func (r *MemRegistry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

func (r *MemRegistry) Device(id types.ThingID) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

func (r *MemRegistry) OnStateChange(cb func(StateChange)) {
	r.mu.Lock()
	r.stateCbs = append(r.stateCbs, cb)
	r.mu.Unlock()
}

func (r *MemRegistry) OnDeviceAdded(cb func(Device)) {
	r.mu.Lock()
	r.addedCbs = append(r.addedCbs, cb)
	r.mu.Unlock()
}

func (r *MemRegistry) OnDeviceRemoved(cb func(types.ThingID)) {
	r.mu.Lock()
	r.removedCbs = append(r.removedCbs, cb)
	r.mu.Unlock()
}

// AddDevice registers a new device and notifies added-callbacks.
func (r *MemRegistry) AddDevice(d Device) {
	r.mu.Lock()
	r.devices[d.ID] = d
	cbs := append([]func(Device){}, r.addedCbs...)
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(d)
	}
}

// RemoveDevice deregisters a device and notifies removed-callbacks.
func (r *MemRegistry) RemoveDevice(id types.ThingID) {
	r.mu.Lock()
	delete(r.devices, id)
	cbs := append([]func(types.ThingID){}, r.removedCbs...)
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(id)
	}
}

// Publish pushes a state change to every registered callback, the way a
// real registry would fan a device's state update out to subscribers.
func (r *MemRegistry) Publish(change StateChange) {
	r.mu.RLock()
	cbs := append([]func(StateChange){}, r.stateCbs...)
	r.mu.RUnlock()

	for _, cb := range cbs {
		cb(change)
	}
}
