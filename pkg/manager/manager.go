// Package manager wires the Archive, Live Buffer, Counter Tracker,
// Balance Aggregator and Sampler into the single EnergyManager facade
// the RPC surface and notification hub talk to, per spec.md §4.6/§6.
//
// Grounded on original_source's EnergyManagerImpl: its constructor
// sequence (load persisted root meter, seed totals from the latest log
// entry, watch every configured thing, then prune orphaned thing logs)
// is replicated verbatim in Go idiom in New/Start.
package manager

import (
	"log"

	"github.com/google/uuid"

	"github.com/NotCoffee418/nymea-energycore/pkg/archive"
	"github.com/NotCoffee418/nymea-energycore/pkg/balance"
	"github.com/NotCoffee418/nymea-energycore/pkg/config"
	"github.com/NotCoffee418/nymea-energycore/pkg/devices"
	"github.com/NotCoffee418/nymea-energycore/pkg/livebuffer"
	"github.com/NotCoffee418/nymea-energycore/pkg/sampler"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// Manager is the EnergyManager of spec.md §4.6: the single object that
// owns the core's components and exposes the query/notification surface
// consumed by rpc.Server.
type Manager struct {
	arc        *archive.Store
	registry   devices.Registry
	balanceBuf *livebuffer.Buffer
	aggregator *balance.Aggregator
	sampler    *sampler.Sampler

	onRootMeterChanged     func(types.ThingID, bool)
	onPowerBalanceChanged  func(types.BalanceSample)
	onBalanceLogEntryAdded func(types.SampleRate, types.BalanceSample)
	onThingLogEntryAdded   func(types.SampleRate, types.ThingSample)
}

// New constructs a Manager around an already-open Archive and a device
// Registry. It does not start sampling; call Start for that.
func New(arc *archive.Store, registry devices.Registry) *Manager {
	buf := livebuffer.New()
	agg := balance.New(registry, buf)
	smp := sampler.New(arc, registry, agg, buf)

	m := &Manager{
		arc:        arc,
		registry:   registry,
		balanceBuf: buf,
		aggregator: agg,
		sampler:    smp,
	}

	agg.OnChanged(func(s types.BalanceSample) {
		if m.onPowerBalanceChanged != nil {
			m.onPowerBalanceChanged(s)
		}
	})
	arc.SetNotifier(
		func(rate types.SampleRate, s types.BalanceSample) {
			if m.onBalanceLogEntryAdded != nil {
				m.onBalanceLogEntryAdded(rate, s)
			}
		},
		func(rate types.SampleRate, s types.ThingSample) {
			if m.onThingLogEntryAdded != nil {
				m.onThingLogEntryAdded(rate, s)
			}
		},
	)
	registry.OnDeviceRemoved(m.handleDeviceRemoved)
	registry.OnDeviceAdded(m.handleDeviceAdded)

	return m
}

// OnRootMeterChanged, OnPowerBalanceChanged, OnBalanceLogEntryAdded and
// OnThingLogEntryAdded register the four async notifications of spec.md
// §4.6. Each accepts a single subscriber, matching the single-websocket
// fan-out hub the rpc package builds on top.
func (m *Manager) OnRootMeterChanged(fn func(id types.ThingID, ok bool))                { m.onRootMeterChanged = fn }
func (m *Manager) OnPowerBalanceChanged(fn func(types.BalanceSample))                    { m.onPowerBalanceChanged = fn }
func (m *Manager) OnBalanceLogEntryAdded(fn func(types.SampleRate, types.BalanceSample)) { m.onBalanceLogEntryAdded = fn }
func (m *Manager) OnThingLogEntryAdded(fn func(types.SampleRate, types.ThingSample))     { m.onThingLogEntryAdded = fn }

// Start loads the persisted root meter, watches every currently
// registered device, prunes orphaned thing logs, and launches the
// Sampler's tick loop. Mirrors EnergyManagerImpl's constructor body.
func (m *Manager) Start() {
	if config.Active != nil {
		if rootID, ok := parseThingID(config.Active.RootMeterThingId); ok {
			m.aggregator.SetRootMeter(rootID)
			log.Printf("manager: loaded persisted root meter %s", rootID)
		}
	}

	for _, d := range m.registry.Devices() {
		m.watchThing(d)
	}

	m.pruneOrphanedThingLogs()

	m.sampler.Start()
}

// Stop halts the Sampler's tick loop and closes the Archive.
func (m *Manager) Stop() {
	m.sampler.Stop()
	_ = m.arc.Close()
}

func (m *Manager) watchThing(d devices.Device) {
	if d.HasInterface(types.InterfaceEnergyMeter) {
		if _, ok := m.RootMeter(); !ok {
			m.SetRootMeter(d.ID)
		}
	}
}

func (m *Manager) handleDeviceAdded(d devices.Device) {
	m.watchThing(d)
}

func (m *Manager) handleDeviceRemoved(id types.ThingID) {
	// The aggregator drops the root meter in its own removal handler,
	// which may already have run, so the persisted id is what tells
	// whether the removed device was the root meter.
	if config.Active == nil || config.Active.RootMeterThingId != id.String() {
		return
	}
	m.aggregator.ClearRootMeter()
	if err := config.SaveRootMeterThingId(""); err != nil {
		log.Printf("manager: failed to persist cleared root meter: %v", err)
	}
	if m.onRootMeterChanged != nil {
		m.onRootMeterChanged(types.NilThingID, false)
	}
}

// pruneOrphanedThingLogs deletes Archive rows for any thing id the
// registry no longer knows about, mirroring the original's
// "Housekeeping on the logger" pass.
func (m *Manager) pruneOrphanedThingLogs() {
	known, err := m.arc.DistinctThings()
	if err != nil {
		return
	}
	for _, id := range known {
		if _, ok := m.registry.Device(id); !ok {
			log.Printf("manager: clearing thing logs for unknown thing id %s", id)
			_ = m.arc.DeleteThing(id)
		}
	}
}

// RootMeter returns the currently configured root meter, if any.
func (m *Manager) RootMeter() (types.ThingID, bool) {
	return m.aggregator.RootMeterID()
}

// SetRootMeter validates and applies a new root meter, persisting the
// choice and firing RootMeterChanged, per spec.md §6/§7's error policy.
func (m *Manager) SetRootMeter(id types.ThingID) types.EnergyError {
	if id == types.NilThingID {
		return types.EnergyErrorMissingParameter
	}
	dev, ok := m.registry.Device(id)
	if !ok || !dev.HasInterface(types.InterfaceEnergyMeter) {
		return types.EnergyErrorInvalidParameter
	}

	m.aggregator.SetRootMeter(id)
	if err := config.SaveRootMeterThingId(id.String()); err != nil {
		log.Printf("manager: failed to persist root meter: %v", err)
	}
	if m.onRootMeterChanged != nil {
		m.onRootMeterChanged(id, true)
	}
	return types.EnergyErrorNoError
}

// CurrentPowerBalance returns the most recently computed balance.
func (m *Manager) CurrentPowerBalance() (types.BalanceSample, bool) {
	return m.aggregator.Current()
}

// PowerBalanceLogs implements spec.md §4.6's powerBalanceLogs query.
func (m *Manager) PowerBalanceLogs(rate types.SampleRate, from, to *int64) ([]types.BalanceSample, error) {
	return m.arc.SelectBalance(rate, from, to)
}

// ThingPowerLogs implements spec.md §4.6's thingPowerLogs query.
func (m *Manager) ThingPowerLogs(rate types.SampleRate, thingIDs []types.ThingID, from, to *int64) ([]types.ThingSample, error) {
	return m.arc.SelectThing(rate, thingIDs, from, to)
}

func parseThingID(s string) (types.ThingID, bool) {
	if s == "" {
		return types.NilThingID, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return types.NilThingID, false
	}
	return id, true
}
