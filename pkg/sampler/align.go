package sampler

import (
	"time"

	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// Align returns the smallest rate boundary greater than or equal to t,
// per spec.md §4.5's alignment table. All calendar rates align against
// t's own location so DST transitions are handled the way a wall clock
// would show them.
func Align(rate types.SampleRate, t time.Time) time.Time {
	switch rate {
	case types.SampleRate1Min:
		return ceilAbsolute(t, time.Minute)
	case types.SampleRate15Min:
		return ceilAbsolute(t, 15*time.Minute)
	case types.SampleRate1Hour:
		return ceilAbsolute(t, time.Hour)
	case types.SampleRate3Hour:
		return align3Hour(t)
	case types.SampleRate1Day:
		return align1Day(t)
	case types.SampleRate1Week:
		return align1Week(t)
	case types.SampleRate1Mon:
		return align1Month(t)
	case types.SampleRate1Year:
		return align1Year(t)
	default:
		return t
	}
}

// NextSampleTimestamp returns the boundary strictly after t, used by
// rectification to advance past a row that already sits on a boundary.
func NextSampleTimestamp(rate types.SampleRate, t time.Time) time.Time {
	return Align(rate, t.Add(time.Nanosecond))
}

// SampleStart returns the start of the n-th window ending at end, per
// spec.md §4.5's sampleStart. Calendar rates (1mo, 1y) use calendar
// arithmetic; every other rate is a fixed number of minutes.
func SampleStart(end time.Time, rate types.SampleRate, n int) time.Time {
	switch rate {
	case types.SampleRate1Mon:
		return end.AddDate(0, -n, 0)
	case types.SampleRate1Year:
		return end.AddDate(-n, 0, 0)
	default:
		return end.Add(-time.Duration(rate.Minutes()) * time.Minute * time.Duration(n))
	}
}

func ceilAbsolute(t time.Time, d time.Duration) time.Time {
	r := t.Truncate(d)
	if r.Equal(t) {
		return r
	}
	return r.Add(d)
}

func align3Hour(t time.Time) time.Time {
	loc := t.Location()
	y, mo, d := t.Date()

	if t.Hour()%3 == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t
	}

	block := (t.Hour()/3 + 1) * 3
	var next time.Time
	if block >= 24 {
		next = time.Date(y, mo, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	} else {
		next = time.Date(y, mo, d, block, 0, 0, 0, loc)
	}

	// DST spring-forward exception, per spec.md §4.5: a 3-hour block that
	// would otherwise land on local 02:00 is pushed to 03:00.
	if next.Hour() == 2 {
		next = next.Add(time.Hour)
	}
	return next
}

func align1Day(t time.Time) time.Time {
	y, mo, d := t.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
	if midnight.Equal(t) {
		return midnight
	}
	return midnight.AddDate(0, 0, 1)
}

func align1Week(t time.Time) time.Time {
	y, mo, d := t.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, t.Location())

	wd := int(midnight.Weekday()) // Sunday=0 .. Saturday=6
	daysToMonday := (8 - wd) % 7  // Monday=1 -> 0 (today)

	candidate := midnight.AddDate(0, 0, daysToMonday)
	if candidate.Equal(t) {
		return candidate
	}
	if daysToMonday == 0 {
		// today is Monday but t is past midnight: the boundary already
		// elapsed, so the next one is a week out.
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func align1Month(t time.Time) time.Time {
	y, mo, _ := t.Date()
	first := time.Date(y, mo, 1, 0, 0, 0, 0, t.Location())
	if first.Equal(t) {
		return first
	}
	return first.AddDate(0, 1, 0)
}

func align1Year(t time.Time) time.Time {
	y, _, _ := t.Date()
	first := time.Date(y, 1, 1, 0, 0, 0, 0, t.Location())
	if first.Equal(t) {
		return first
	}
	return time.Date(y+1, 1, 1, 0, 0, 0, 0, t.Location())
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
