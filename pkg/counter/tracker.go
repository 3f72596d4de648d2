// Package counter implements the Counter Tracker of spec.md §4.3: it
// turns raw, possibly-resetting device counters into monotonic internal
// totals. Grounded on original_source's EnergyManagerImpl::updatePowerBalance
// diffing (m_totalEnergyConsumedCache/m_totalEnergyProducedCache) and on
// the teacher's pkg/esmutils unit-handling style.
//
// Per spec.md's design notes, the Balance Aggregator and per-thing
// logging each need their own Tracker instance even though the formula
// is identical: sharing one would corrupt the other's diff.
package counter

import "sync"

// pair tracks one (lastRaw, internal) counter.
type pair struct {
	lastRaw  float64
	internal float64
	seen     bool
}

// update applies the reset-tolerant diff rule of spec.md §4.3 and
// returns the new internal total.
func (p *pair) update(newRaw float64) float64 {
	if !p.seen {
		// First observation since boot: adopt without accounting.
		p.lastRaw = newRaw
		p.seen = true
		return p.internal
	}
	if newRaw < p.lastRaw {
		// Device counter reset: resync without accounting.
		p.lastRaw = newRaw
		return p.internal
	}
	diff := newRaw - p.lastRaw
	p.internal += diff
	p.lastRaw = newRaw
	return p.internal
}

// Tracker holds one consumed/produced pair per thing. A Tracker must
// not be shared between the Balance Aggregator and per-thing logging.
type Tracker struct {
	mu    sync.Mutex
	pairs map[any]*counterPair
}

type counterPair struct {
	consumed pair
	produced pair
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{pairs: make(map[any]*counterPair)}
}

// Seed primes the tracker for key with the last-known (lastRaw,
// internal) state, e.g. loaded from the Archive on startup so a
// restart doesn't double-count or drop a reset that happened offline.
func (t *Tracker) Seed(key any, lastRawConsumed, internalConsumed, lastRawProduced, internalProduced float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := t.pairOf(key)
	cp.consumed = pair{lastRaw: lastRawConsumed, internal: internalConsumed, seen: true}
	cp.produced = pair{lastRaw: lastRawProduced, internal: internalProduced, seen: true}
}

func (t *Tracker) pairOf(key any) *counterPair {
	cp, ok := t.pairs[key]
	if !ok {
		cp = &counterPair{}
		t.pairs[key] = cp
	}
	return cp
}

// Update feeds the newly observed raw consumed/produced counters for
// key and returns the updated monotonic internal totals.
func (t *Tracker) Update(key any, rawConsumed, rawProduced float64) (internalConsumed, internalProduced float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := t.pairOf(key)
	internalConsumed = cp.consumed.update(rawConsumed)
	internalProduced = cp.produced.update(rawProduced)
	return
}

// LastRaw returns the last raw counters observed for key, for
// persisting into thingCache.
func (t *Tracker) LastRaw(key any) (consumed, produced float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp, ok := t.pairs[key]
	if !ok {
		return 0, 0
	}
	return cp.consumed.lastRaw, cp.produced.lastRaw
}

// Totals returns the current internal monotonic totals for key without
// feeding a new raw observation, e.g. for a sampler tick that needs the
// latest accumulated value between device events.
func (t *Tracker) Totals(key any) (consumed, produced float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp, ok := t.pairs[key]
	if !ok {
		return 0, 0
	}
	return cp.consumed.internal, cp.produced.internal
}

// Forget removes all state for key, e.g. when a thing is removed.
func (t *Tracker) Forget(key any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pairs, key)
}
