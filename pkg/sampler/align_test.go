package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

func TestAlign_1Minute(t *testing.T) {
	t.Setenv("TZ", "UTC")
	got := Align(types.SampleRate1Min, time.Date(2026, 8, 3, 10, 30, 15, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 8, 3, 10, 31, 0, 0, time.UTC), got)
}

func TestAlign_1MinuteAlreadyOnBoundary(t *testing.T) {
	on := time.Date(2026, 8, 3, 10, 31, 0, 0, time.UTC)
	assert.Equal(t, on, Align(types.SampleRate1Min, on))
}

func TestAlign_15Minute(t *testing.T) {
	got := Align(types.SampleRate15Min, time.Date(2026, 8, 3, 10, 16, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 8, 3, 10, 30, 0, 0, time.UTC), got)
}

func TestAlign_1Day(t *testing.T) {
	got := Align(types.SampleRate1Day, time.Date(2026, 8, 3, 0, 0, 1, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC), got)
}

func TestAlign_1Week_fromWednesday(t *testing.T) {
	wed := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC) // Wednesday
	got := Align(types.SampleRate1Week, wed)
	assert.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), got) // next Monday
	assert.Equal(t, time.Monday, got.Weekday())
}

func TestAlign_1Week_exactlyOnMonday(t *testing.T) {
	mon := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, mon, Align(types.SampleRate1Week, mon))
}

func TestAlign_1Month(t *testing.T) {
	got := Align(types.SampleRate1Mon, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestAlign_1Year(t *testing.T) {
	got := Align(types.SampleRate1Year, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestAlign_3Hour_onBoundary(t *testing.T) {
	on := time.Date(2026, 8, 3, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, on, Align(types.SampleRate3Hour, on))
}

func TestAlign_3Hour_midBlock(t *testing.T) {
	got := Align(types.SampleRate3Hour, time.Date(2026, 8, 3, 7, 15, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC), got)
}

func TestAlign_3Hour_dstSpringForwardException(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Brussels")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2026-03-29 is Belgium's spring-forward date (02:00 is skipped); the
	// 00:00-03:00 block still ends at local 03:00.
	got := Align(types.SampleRate3Hour, time.Date(2026, 3, 29, 0, 30, 0, 0, loc))
	assert.Equal(t, 3, got.Hour())
}

func TestSampleStart_fixedMinuteRate(t *testing.T) {
	end := time.Date(2026, 8, 3, 11, 0, 0, 0, time.UTC)
	got := SampleStart(end, types.SampleRate1Hour, 1)
	assert.Equal(t, time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), got)
}

func TestSampleStart_calendarMonth(t *testing.T) {
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	got := SampleStart(end, types.SampleRate1Mon, 1)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestNextSampleTimestamp_advancesPastExactBoundary(t *testing.T) {
	on := time.Date(2026, 8, 3, 10, 31, 0, 0, time.UTC)
	got := NextSampleTimestamp(types.SampleRate1Min, on)
	assert.Equal(t, time.Date(2026, 8, 3, 10, 32, 0, 0, time.UTC), got)
}
