package types

import "fmt"

// SampleRate is one of the enumerated logging periodicities. The integer
// value is the rate expressed in minutes where that is meaningful;
// SampleRateAny is a query-side wildcard and carries no duration.
type SampleRate int

const (
	SampleRateAny   SampleRate = 0
	SampleRate1Min  SampleRate = 1
	SampleRate15Min SampleRate = 15
	SampleRate1Hour SampleRate = 60
	SampleRate3Hour SampleRate = 180
	SampleRate1Day  SampleRate = 1440
	SampleRate1Week SampleRate = 10080
	SampleRate1Mon  SampleRate = 43200
	SampleRate1Year SampleRate = 525600
)

func (r SampleRate) String() string {
	switch r {
	case SampleRateAny:
		return "any"
	case SampleRate1Min:
		return "1m"
	case SampleRate15Min:
		return "15m"
	case SampleRate1Hour:
		return "1h"
	case SampleRate3Hour:
		return "3h"
	case SampleRate1Day:
		return "1d"
	case SampleRate1Week:
		return "1w"
	case SampleRate1Mon:
		return "1mo"
	case SampleRate1Year:
		return "1y"
	default:
		return fmt.Sprintf("SampleRate(%d)", int(r))
	}
}

// Minutes returns the rate's period in minutes. Only valid for rates
// that have a fixed number of minutes per period; 1mo and 1y vary and
// must be handled with calendar arithmetic by callers (see sampler.Align).
func (r SampleRate) Minutes() int {
	return int(r)
}

// SampleRateConfig describes one row of the fixed retention table in
// spec.md §3: a target rate, the base rate it is cascaded from, and how
// many rows of the target rate are retained.
type SampleRateConfig struct {
	Rate       SampleRate
	BaseRate   SampleRate
	MaxSamples int
}

// CascadeOrder is the compile-time retention table of spec.md §3, in the
// deterministic order the Sampler must process cascades: each target's
// base must already have been sampled earlier in the same tick.
var CascadeOrder = []SampleRateConfig{
	{Rate: SampleRate15Min, BaseRate: SampleRate1Min, MaxSamples: 16128},
	{Rate: SampleRate1Hour, BaseRate: SampleRate15Min, MaxSamples: 8760},
	{Rate: SampleRate3Hour, BaseRate: SampleRate15Min, MaxSamples: 2920},
	{Rate: SampleRate1Day, BaseRate: SampleRate1Hour, MaxSamples: 1095},
	{Rate: SampleRate1Week, BaseRate: SampleRate1Day, MaxSamples: 168},
	{Rate: SampleRate1Mon, BaseRate: SampleRate1Day, MaxSamples: 240},
	{Rate: SampleRate1Year, BaseRate: SampleRate1Mon, MaxSamples: 20},
}

// MaxMinuteSamples is the 1m series' own retention (it has no base rate).
const MaxMinuteSamples = 10080

// BaseRateOf returns the base rate configured for r, or SampleRateAny
// with ok=false for SampleRate1Min (which has no base) or an unknown rate.
func BaseRateOf(r SampleRate) (SampleRate, bool) {
	for _, c := range CascadeOrder {
		if c.Rate == r {
			return c.BaseRate, true
		}
	}
	return SampleRateAny, false
}

// MaxSamplesOf returns the configured retention for r.
func MaxSamplesOf(r SampleRate) int {
	if r == SampleRate1Min {
		return MaxMinuteSamples
	}
	for _, c := range CascadeOrder {
		if c.Rate == r {
			return c.MaxSamples
		}
	}
	return 0
}
