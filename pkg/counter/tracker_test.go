package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_FirstObservationAdoptsWithoutAccounting(t *testing.T) {
	tr := New()
	consumed, _ := tr.Update("thing-1", 10.0, 0)
	assert.Equal(t, 0.0, consumed, "first observation must not be counted as a delta")
}

func TestTracker_SteadyStateAccumulates(t *testing.T) {
	tr := New()
	tr.Update("thing-1", 10.0, 0)
	consumed, _ := tr.Update("thing-1", 10.008, 0)
	assert.InDelta(t, 0.008, consumed, 1e-9)
}

// S3 from spec.md §8: totals 5.000 -> 5.100 -> 0.050 -> 0.200 (reset
// between the 2nd and 3rd readings) must yield internal deltas
// 0, 0.100, 0, 0.150 and a running total of 0, 0.100, 0.100, 0.250.
func TestTracker_DeviceResetToleranceScenarioS3(t *testing.T) {
	tr := New()

	_, p := tr.Update("thing-1", 0, 5.000)
	assert.Equal(t, 0.0, p)

	_, p = tr.Update("thing-1", 0, 5.100)
	assert.InDelta(t, 0.100, p, 1e-9)

	_, p = tr.Update("thing-1", 0, 0.050) // reset
	assert.InDelta(t, 0.100, p, 1e-9)

	_, p = tr.Update("thing-1", 0, 0.200)
	assert.InDelta(t, 0.250, p, 1e-9)
}

// Testable property 5: v1, v2, v3 with v2 < v1 <= v3 yields a delta of
// exactly (v3 - v2), never negative.
func TestTracker_ResetDeltaNeverNegative(t *testing.T) {
	tr := New()
	tr.Update("thing-1", 0, 0)          // prime lastRaw=0 sentinel path avoided
	_, p1 := tr.Update("thing-1", 0, 10) // v1: steady-state delta 10-0=10
	assert.InDelta(t, 10.0, p1, 1e-9)

	_, p2 := tr.Update("thing-1", 0, 3) // v2 < v1: reset, resync silently, no delta added
	assert.InDelta(t, p1, p2, 1e-9, "a reset must not itself contribute a delta")

	_, p3 := tr.Update("thing-1", 0, 7) // v3 >= v2: delta is v3-v2, not v3-v1
	assert.InDelta(t, p2+4.0, p3, 1e-9)
	assert.GreaterOrEqual(t, p3, p2, "a reset-then-rise must never yield a negative delta")
}

func TestTracker_SeparateKeysDoNotInterfere(t *testing.T) {
	tr := New()
	tr.Update("a", 5, 5)
	tr.Update("b", 100, 100)

	ca, pa := tr.Update("a", 6, 5)
	cb, pb := tr.Update("b", 100, 101)

	assert.InDelta(t, 1.0, ca, 1e-9)
	assert.InDelta(t, 0.0, pa, 1e-9)
	assert.InDelta(t, 0.0, cb, 1e-9)
	assert.InDelta(t, 1.0, pb, 1e-9)
}

func TestTracker_SeedPrimesWithoutDoubleCounting(t *testing.T) {
	tr := New()
	tr.Seed("thing-1", 100.0, 5.0, 0, 0)

	consumed, _ := tr.Update("thing-1", 100.5, 0)
	assert.InDelta(t, 5.5, consumed, 1e-9)
}
