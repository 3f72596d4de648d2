package balance

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/nymea-energycore/pkg/devices"
	"github.com/NotCoffee418/nymea-energycore/pkg/livebuffer"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

func waitForChange(t *testing.T, ch <-chan types.BalanceSample) types.BalanceSample {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PowerBalanceChanged")
		return types.BalanceSample{}
	}
}

func newTestAggregator() (*Aggregator, *devices.MemRegistry, chan types.BalanceSample) {
	reg := devices.NewMemRegistry()
	buf := livebuffer.New()
	a := New(reg, buf)

	ch := make(chan types.BalanceSample, 16)
	a.OnChanged(func(s types.BalanceSample) { ch <- s })
	return a, reg, ch
}

func TestAggregator_AutoSelectsFirstRootMeter(t *testing.T) {
	a, reg, ch := newTestAggregator()
	_ = a

	meterID := uuid.New()
	reg.AddDevice(devices.Device{ID: meterID, Name: "grid meter", Interfaces: []types.Interface{types.InterfaceEnergyMeter}})

	reg.Publish(devices.StateChange{
		ThingID: meterID, CurrentPower: 1500, HasCurrentPower: true,
		TotalEnergyConsumed: 10, HasTotalConsumed: true,
		TotalEnergyProduced: 0, HasTotalProduced: true,
	})

	s := waitForChange(t, ch)
	assert.Equal(t, 1500.0, s.Acquisition)
	assert.Equal(t, 1500.0, s.Consumption)
	assert.Equal(t, 0.0, s.TotalAcquisition, "first observation seeds the counter without accounting a delta")
}

func TestAggregator_ClampedConsumptionFormula(t *testing.T) {
	a, reg, ch := newTestAggregator()
	_ = a

	meterID, prodID := uuid.New(), uuid.New()
	reg.AddDevice(devices.Device{ID: meterID, Interfaces: []types.Interface{types.InterfaceEnergyMeter}})
	reg.AddDevice(devices.Device{ID: prodID, Interfaces: []types.Interface{types.InterfaceSmartMeterProducer}})

	// Prime both devices with a first reading (adopted without delta).
	reg.Publish(devices.StateChange{ThingID: meterID, CurrentPower: 0, HasCurrentPower: true, TotalEnergyConsumed: 0, HasTotalConsumed: true, TotalEnergyProduced: 0, HasTotalProduced: true})
	waitForChange(t, ch)
	reg.Publish(devices.StateChange{ThingID: prodID, CurrentPower: 0, HasCurrentPower: true, TotalEnergyConsumed: 0, HasTotalConsumed: true, TotalEnergyProduced: 0, HasTotalProduced: true})
	// The producer's priming reading leaves every instantaneous value at
	// 0, so the recompute it triggers emits no PowerBalanceChanged.
	select {
	case extra := <-ch:
		t.Fatalf("expected no PowerBalanceChanged for an unchanged balance, got %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}

	// Production (2000W, reported negative by a producer) exceeds
	// acquisition (500W): max(0,-production) adds the produced power back,
	// so consumption is never negative.
	reg.Publish(devices.StateChange{ThingID: meterID, CurrentPower: 500, HasCurrentPower: true})
	waitForChange(t, ch)
	reg.Publish(devices.StateChange{ThingID: prodID, CurrentPower: -2000, HasCurrentPower: true})
	s := waitForChange(t, ch)

	assert.Equal(t, 500.0, s.Acquisition)
	assert.Equal(t, -2000.0, s.Production)
	assert.Equal(t, 2500.0, s.Consumption, "acquisition + max(0,-production) - storage = 500 + 2000 - 0")
}

func TestAggregator_CoalescesNearSimultaneousEvents(t *testing.T) {
	a, reg, ch := newTestAggregator()
	_ = a

	meterID, prodID := uuid.New(), uuid.New()
	reg.AddDevice(devices.Device{ID: meterID, Interfaces: []types.Interface{types.InterfaceEnergyMeter}})
	reg.AddDevice(devices.Device{ID: prodID, Interfaces: []types.Interface{types.InterfaceSmartMeterProducer}})

	reg.Publish(devices.StateChange{ThingID: meterID, CurrentPower: 100, HasCurrentPower: true})
	reg.Publish(devices.StateChange{ThingID: prodID, CurrentPower: 50, HasCurrentPower: true})

	s := waitForChange(t, ch)
	assert.Equal(t, 100.0, s.Acquisition)
	assert.Equal(t, 50.0, s.Production)

	select {
	case extra := <-ch:
		t.Fatalf("expected exactly one coalesced recompute, got a second: %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestAggregator_RemovingRootMeterClearsItWithoutReassigning(t *testing.T) {
	a, reg, ch := newTestAggregator()

	meterID := uuid.New()
	reg.AddDevice(devices.Device{ID: meterID, Interfaces: []types.Interface{types.InterfaceEnergyMeter}})
	reg.Publish(devices.StateChange{ThingID: meterID, CurrentPower: 100, HasCurrentPower: true})
	waitForChange(t, ch)

	reg.RemoveDevice(meterID)

	a.mu.Lock()
	hasRoot := a.hasRoot
	a.mu.Unlock()
	require.False(t, hasRoot)
}
