package types

import "github.com/google/uuid"

// ThingID is the 128-bit unique identifier of a device, per spec.md §6.
type ThingID = uuid.UUID

// NilThingID is the zero-value sentinel for "no thing id set".
var NilThingID = uuid.Nil

// Interface tags a device may carry, per spec.md §6. A device can carry
// more than one (e.g. a storage battery is also often a consumer).
type Interface string

const (
	InterfaceEnergyMeter        Interface = "energymeter"
	InterfaceSmartMeterProducer Interface = "smartmeterproducer"
	InterfaceSmartMeterConsumer Interface = "smartmeterconsumer"
	InterfaceEnergyStorage      Interface = "energystorage"
)

// ThingSample is one row of the thingPower table (spec.md §3).
type ThingSample struct {
	Timestamp        int64 // unix milliseconds
	SampleRate       SampleRate
	ThingID          ThingID
	CurrentPower     float64 // watts, signed
	TotalConsumption float64 // kWh, monotonic
	TotalProduction  float64 // kWh, monotonic
}

// Absent reports whether this is the "absent" sentinel value returned by
// latest()/newest()/oldest() for an empty series.
func (s ThingSample) Absent() bool {
	return s.Timestamp == 0 && s.SampleRate == SampleRateAny && s.ThingID == NilThingID
}

// AbsentThingSample is the sentinel value for an empty series.
var AbsentThingSample = ThingSample{}
