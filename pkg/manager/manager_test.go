package manager

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/nymea-energycore/pkg/archive"
	"github.com/NotCoffee418/nymea-energycore/pkg/config"
	"github.com/NotCoffee418/nymea-energycore/pkg/devices"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *devices.MemRegistry) {
	t.Helper()
	config.Active = &config.EnergyConfig{}

	arc := archive.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.False(t, arc.Degraded())

	reg := devices.NewMemRegistry()
	m := New(arc, reg)
	return m, reg
}

func TestSetRootMeter_RejectsUnknownThing(t *testing.T) {
	m, _ := newTestManager(t)
	got := m.SetRootMeter(uuid.New())
	assert.Equal(t, types.EnergyErrorInvalidParameter, got)
}

func TestSetRootMeter_RejectsNonMeterDevice(t *testing.T) {
	m, reg := newTestManager(t)
	id := uuid.New()
	reg.AddDevice(devices.Device{ID: id, Interfaces: []types.Interface{types.InterfaceEnergyStorage}})

	got := m.SetRootMeter(id)
	assert.Equal(t, types.EnergyErrorInvalidParameter, got)
}

func TestSetRootMeter_RejectsMissingId(t *testing.T) {
	m, _ := newTestManager(t)
	got := m.SetRootMeter(types.NilThingID)
	assert.Equal(t, types.EnergyErrorMissingParameter, got)
}

func TestSetRootMeter_AcceptsMeterAndFiresNotification(t *testing.T) {
	m, reg := newTestManager(t)
	id := uuid.New()
	reg.AddDevice(devices.Device{ID: id, Interfaces: []types.Interface{types.InterfaceEnergyMeter}})

	var notified types.ThingID
	var notifiedOK bool
	m.OnRootMeterChanged(func(gotID types.ThingID, ok bool) {
		notified, notifiedOK = gotID, ok
	})

	got := m.SetRootMeter(id)
	assert.Equal(t, types.EnergyErrorNoError, got)
	assert.True(t, notifiedOK)
	assert.Equal(t, id, notified)

	current, ok := m.RootMeter()
	require.True(t, ok)
	assert.Equal(t, id, current)
}

func TestWatchThing_AutoSelectsFirstEnergyMeterAsRoot(t *testing.T) {
	m, reg := newTestManager(t)
	id := uuid.New()
	reg.AddDevice(devices.Device{ID: id, Interfaces: []types.Interface{types.InterfaceEnergyMeter}})

	m.Start()
	t.Cleanup(m.Stop)

	got, ok := m.RootMeter()
	require.True(t, ok)
	assert.Equal(t, id, got)
}
