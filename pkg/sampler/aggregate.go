package sampler

import (
	"github.com/NotCoffee418/nymea-energycore/pkg/livebuffer"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// timeWeightedAverage implements spec.md §4.5 step 1c: entries are
// newest-first; the i-th entry contributes value·(frameEnd−frameStart)
// to each channel, where frameEnd is the previous (newer) entry's
// timestamp (or the window end for the newest entry) and frameStart is
// clamped to the window start. The loop stops after processing the
// first entry older than the window start, since its clamped
// contribution already accounts for the remainder of the window.
func timeWeightedAverage(entries []livebuffer.Entry, startMs, endMs int64) [4]float64 {
	var sums [4]float64
	total := endMs - startMs
	if total <= 0 {
		return sums
	}

	for i, e := range entries {
		var frameEnd int64
		if i == 0 {
			frameEnd = endMs
		} else {
			frameEnd = entries[i-1].Timestamp
		}
		frameStart := e.Timestamp
		if frameStart < startMs {
			frameStart = startMs
		}
		if dur := frameEnd - frameStart; dur > 0 {
			for c := 0; c < 4; c++ {
				sums[c] += e.Values[c] * float64(dur)
			}
		}
		if e.Timestamp < startMs {
			break
		}
	}

	for c := range sums {
		sums[c] /= float64(total)
	}
	return sums
}

func filterBalanceStrictlyAfter(rows []types.BalanceSample, startMs int64) []types.BalanceSample {
	out := make([]types.BalanceSample, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp > startMs {
			out = append(out, r)
		}
	}
	return out
}

func filterThingStrictlyAfter(rows []types.ThingSample, startMs int64) []types.ThingSample {
	out := make([]types.ThingSample, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp > startMs {
			out = append(out, r)
		}
	}
	return out
}

// aggregateBalance implements spec.md §4.5 step 2c/2d for a window of
// base rows already filtered to (start, end]: sum each instantaneous
// channel and scale by the base/target minute ratio, and take the
// cumulative totals from the window's last (most recent) row.
func aggregateBalance(rows []types.BalanceSample, rate types.SampleRate, endMs int64, ratio float64) types.BalanceSample {
	var sums [4]float64
	var last types.BalanceSample
	for _, r := range rows {
		sums[0] += r.Consumption
		sums[1] += r.Production
		sums[2] += r.Acquisition
		sums[3] += r.Storage
		last = r
	}
	return types.BalanceSample{
		Timestamp:  endMs,
		SampleRate: rate,
		Consumption: sums[0] * ratio,
		Production:  sums[1] * ratio,
		Acquisition: sums[2] * ratio,
		Storage:     sums[3] * ratio,

		TotalConsumption: last.TotalConsumption,
		TotalProduction:  last.TotalProduction,
		TotalAcquisition: last.TotalAcquisition,
		TotalReturn:      last.TotalReturn,
	}
}

func aggregateThing(rows []types.ThingSample, id types.ThingID, rate types.SampleRate, endMs int64, ratio float64) types.ThingSample {
	var sum float64
	var last types.ThingSample
	for _, r := range rows {
		sum += r.CurrentPower
		last = r
	}
	return types.ThingSample{
		Timestamp:        endMs,
		SampleRate:       rate,
		ThingID:          id,
		CurrentPower:     sum * ratio,
		TotalConsumption: last.TotalConsumption,
		TotalProduction:  last.TotalProduction,
	}
}
