// Package devices defines the device registry the energy core consumes.
// The registry itself (discovery, pairing, persistence of devices) lives
// outside the core, per spec.md §1; this package only holds the shapes
// the core needs to read and the callbacks it needs to be notified on.
package devices

import "github.com/NotCoffee418/nymea-energycore/pkg/types"

// StateChange carries the three numeric states the core reads from a
// device, per spec.md §6. Fields the device does not support are left
// at their zero value; HasX flags which ones actually changed.
type StateChange struct {
	ThingID              types.ThingID
	CurrentPower         float64
	TotalEnergyConsumed  float64
	TotalEnergyProduced  float64
	HasCurrentPower      bool
	HasTotalConsumed     bool
	HasTotalProduced     bool
}

// Device is the read-only view of a device the core cares about: its
// identity and the capability tags from spec.md §6.
type Device struct {
	ID         types.ThingID
	Name       string
	Interfaces []types.Interface
}

// HasInterface reports whether the device carries the given tag.
func (d Device) HasInterface(iface types.Interface) bool {
	for _, i := range d.Interfaces {
		if i == iface {
			return true
		}
	}
	return false
}

// Registry is the external collaborator the core observes. It supplies
// the set of known devices and a way to subscribe to their state
// changes and lifecycle; the core never owns or mutates a Device.
type Registry interface {
	// Devices returns every currently configured device.
	Devices() []Device

	// Device looks up a single device, or ok=false if unknown.
	Device(id types.ThingID) (Device, bool)

	// OnStateChange registers a callback invoked on every state-change
	// event emitted by any device. Registration is permanent for the
	// lifetime of the core; there is no unsubscribe because the core
	// itself is the only subscriber.
	OnStateChange(func(StateChange))

	// OnDeviceAdded/OnDeviceRemoved register lifecycle callbacks so the
	// core can pick up new devices and clean up logs for removed ones.
	OnDeviceAdded(func(Device))
	OnDeviceRemoved(func(types.ThingID))
}
