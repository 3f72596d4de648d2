// Package sampler implements the Sampler of spec.md §4.5: a 1 Hz tick
// that turns raw Live Buffer readings into downsampled Archive rows,
// cascades coarser rates from finer ones, trims retention, and rectifies
// gaps left by downtime or clock skew. Grounded on original_source's
// energylogger.cpp (sample/rectifySamples/nextSampleTimestamp) and on
// the teacher's pkg/aggregator/service.go for the rounding-and-cascade
// shape of a downsampling loop.
package sampler

import (
	"log"
	"sync"
	"time"

	"github.com/NotCoffee418/nymea-energycore/pkg/archive"
	"github.com/NotCoffee418/nymea-energycore/pkg/balance"
	"github.com/NotCoffee418/nymea-energycore/pkg/counter"
	"github.com/NotCoffee418/nymea-energycore/pkg/devices"
	"github.com/NotCoffee418/nymea-energycore/pkg/livebuffer"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// Sampler owns the per-thing Live Buffers and Counter Tracker used for
// thing-power logging; these are intentionally separate instances from
// the ones the Balance Aggregator keeps, per spec.md §9's "two
// cumulative caches" note.
type Sampler struct {
	mu sync.Mutex

	arc        *archive.Store
	registry   devices.Registry
	aggregator *balance.Aggregator
	balanceBuf *livebuffer.Buffer

	thingBufs    *livebuffer.ThingBuffers
	thingTracker *counter.Tracker

	nextSample map[types.SampleRate]time.Time
	disabled   bool

	started bool
	stopCh  chan struct{}

	// Clock supplies the current time; overridable in tests so the tick
	// algorithm can be driven deterministically without a real clock.
	Clock func() time.Time
}

// New creates a Sampler. balanceBuf is the raw entry buffer the Balance
// Aggregator pushes into; the Sampler reads it but does not own it.
func New(arc *archive.Store, registry devices.Registry, aggregator *balance.Aggregator, balanceBuf *livebuffer.Buffer) *Sampler {
	s := &Sampler{
		arc:          arc,
		registry:     registry,
		aggregator:   aggregator,
		balanceBuf:   balanceBuf,
		thingBufs:    livebuffer.NewThingBuffers(),
		thingTracker: counter.New(),
		nextSample:   make(map[types.SampleRate]time.Time),
		stopCh:       make(chan struct{}),
		Clock:        time.Now,
	}
	registry.OnStateChange(s.handleStateChange)
	registry.OnDeviceRemoved(s.handleDeviceRemoved)
	return s
}

func isKnownThingInterface(d devices.Device) bool {
	return d.HasInterface(types.InterfaceEnergyMeter) ||
		d.HasInterface(types.InterfaceSmartMeterProducer) ||
		d.HasInterface(types.InterfaceSmartMeterConsumer) ||
		d.HasInterface(types.InterfaceEnergyStorage)
}

func (s *Sampler) knownThings() []types.ThingID {
	var out []types.ThingID
	for _, d := range s.registry.Devices() {
		if isKnownThingInterface(d) {
			out = append(out, d.ID)
		}
	}
	return out
}

func (s *Sampler) handleDeviceRemoved(id types.ThingID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thingTracker.Forget(id)
	s.thingBufs.Remove(id)
}

// handleStateChange is the per-thing half of spec.md §3's "device state
// change → Counter Tracker → Live Buffer" data flow; the Archive row
// itself is only ever produced later, by a tick.
func (s *Sampler) handleStateChange(sc devices.StateChange) {
	dev, ok := s.registry.Device(sc.ThingID)
	if !ok || !isKnownThingInterface(dev) {
		return
	}

	now := s.Clock()

	if sc.HasTotalConsumed || sc.HasTotalProduced {
		lastConsumed, lastProduced := s.thingTracker.LastRaw(sc.ThingID)
		rawConsumed, rawProduced := lastConsumed, lastProduced
		if sc.HasTotalConsumed {
			rawConsumed = sc.TotalEnergyConsumed
		}
		if sc.HasTotalProduced {
			rawProduced = sc.TotalEnergyProduced
		}
		s.thingTracker.Update(sc.ThingID, rawConsumed, rawProduced)
		_ = s.arc.UpsertThingCache(sc.ThingID, rawConsumed, rawProduced)
	}

	if sc.HasCurrentPower {
		s.thingBufs.For(sc.ThingID).Prepend(livebuffer.Entry{
			Timestamp: now.UnixMilli(),
			Values:    [4]float64{sc.CurrentPower},
		}, now)
	}
}

// Start seeds scheduling and live-buffer state from the Archive, runs
// startup rectification for every cascaded rate, then launches the 1 Hz
// tick loop. If the Archive is degraded, sampling is disabled entirely
// per spec.md §7 and Start returns without starting the loop.
func (s *Sampler) Start() {
	s.mu.Lock()
	if s.arc.Degraded() {
		s.disabled = true
		log.Printf("sampler: archive is degraded, sampling disabled")
		s.mu.Unlock()
		return
	}

	now := s.Clock()
	s.seedFromArchive(now)

	for _, cfg := range types.CascadeOrder {
		s.nextSample[cfg.Rate] = Align(cfg.Rate, now)
		s.rectify(cfg, s.nextSample[cfg.Rate])
	}
	s.nextSample[types.SampleRate1Min] = Align(types.SampleRate1Min, now)
	s.mu.Unlock()

	s.started = true
	go s.loop()
}

// Stop halts the tick loop. Safe to call even if Start was never
// called or sampling is disabled.
func (s *Sampler) Stop() {
	if !s.started {
		return
	}
	close(s.stopCh)
}

func (s *Sampler) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(s.Clock())
		}
	}
}

func (s *Sampler) seedFromArchive(now time.Time) {
	for _, id := range s.knownThings() {
		latest, ok := s.arc.LatestThing(id, types.SampleRate1Min)
		if !ok {
			continue
		}
		s.thingBufs.For(id).Prepend(livebuffer.Entry{
			Timestamp: latest.Timestamp,
			Values:    [4]float64{latest.CurrentPower},
		}, now)

		if cache, ok := s.arc.GetThingCache(id); ok {
			s.thingTracker.Seed(id, cache.LastObservedDeviceConsumed, latest.TotalConsumption,
				cache.LastObservedDeviceProduced, latest.TotalProduction)
		}
	}
}

// Tick runs one pass of the tick algorithm in spec.md §4.5 for the
// given wall-clock instant. Exposed so tests can drive the Sampler
// deterministically instead of through the real 1 Hz ticker.
func (s *Sampler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}

	if _, ok := s.nextSample[types.SampleRate1Min]; !ok {
		s.nextSample[types.SampleRate1Min] = Align(types.SampleRate1Min, now)
	}
	for _, cfg := range types.CascadeOrder {
		if _, ok := s.nextSample[cfg.Rate]; !ok {
			s.nextSample[cfg.Rate] = Align(cfg.Rate, now)
		}
	}

	for !now.Before(s.nextSample[types.SampleRate1Min]) {
		s.sample1Min(now)
	}

	for _, cfg := range types.CascadeOrder {
		for !now.Before(s.nextSample[cfg.Rate]) {
			s.sampleCascade(cfg, now)
		}
	}
}

func (s *Sampler) sample1Min(now time.Time) {
	end := s.nextSample[types.SampleRate1Min]
	start := end.Add(-time.Minute)
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	things := s.knownThings()

	balCur, haveBal := s.aggregator.Current()

	s.arc.Transaction(func(tx *archive.Tx) error {
		s.patchGapBalance(tx, startMs)
		for _, id := range things {
			s.patchGapThing(tx, id, startMs)
		}

		avg := timeWeightedAverage(s.balanceBuf.Snapshot(), startMs, endMs)
		bal := types.BalanceSample{
			Timestamp: endMs, SampleRate: types.SampleRate1Min,
			Consumption: avg[0], Production: avg[1], Acquisition: avg[2], Storage: avg[3],
		}
		if haveBal {
			bal.TotalConsumption = balCur.TotalConsumption
			bal.TotalProduction = balCur.TotalProduction
			bal.TotalAcquisition = balCur.TotalAcquisition
			bal.TotalReturn = balCur.TotalReturn
		}
		if err := tx.InsertBalance(bal); err != nil {
			return err
		}

		for _, id := range things {
			p := timeWeightedAverage(s.thingBufs.For(id).Snapshot(), startMs, endMs)
			consumed, produced := s.thingTracker.Totals(id)
			row := types.ThingSample{
				Timestamp: endMs, SampleRate: types.SampleRate1Min, ThingID: id,
				CurrentPower: p[0], TotalConsumption: consumed, TotalProduction: produced,
			}
			if err := tx.InsertThing(row); err != nil {
				return err
			}
		}
		return nil
	})

	s.nextSample[types.SampleRate1Min] = NextSampleTimestamp(types.SampleRate1Min, end)
	s.trimRate(types.SampleRate1Min, end)
}

// patchGapBalance implements the gap-patch rule of spec.md §4.5 step 1b
// for the balance series: zero-power rows at a 1-minute stride carrying
// forward the latest cumulative totals, bounded by the 1-minute
// series' own retention horizon so a very long outage doesn't produce
// rows that are immediately trimmed away anyway.
func (s *Sampler) patchGapBalance(tx *archive.Tx, startMs int64) {
	newest, ok := s.arc.NewestBalance(types.SampleRate1Min)
	if !ok || newest.Timestamp >= startMs {
		return
	}

	floor := startMs - int64(types.MaxMinuteSamples)*60_000
	from := newest.Timestamp
	if from < floor {
		from = floor
	}

	// The stride runs up to and including start: the row timestamped
	// exactly at start is the one the prior tick would have produced had
	// it run, and leaving it out would strand a one-minute gap that
	// nothing else ever fills (the current tick's own row lands at end,
	// one minute later).
	for ts := from + 60_000; ts <= startMs; ts += 60_000 {
		tx.InsertBalance(types.BalanceSample{
			Timestamp: ts, SampleRate: types.SampleRate1Min,
			TotalConsumption: newest.TotalConsumption, TotalProduction: newest.TotalProduction,
			TotalAcquisition: newest.TotalAcquisition, TotalReturn: newest.TotalReturn,
		})
	}
}

func (s *Sampler) patchGapThing(tx *archive.Tx, id types.ThingID, startMs int64) {
	newest, ok := s.arc.NewestThing(id, types.SampleRate1Min)
	if !ok || newest.Timestamp >= startMs {
		return
	}

	floor := startMs - int64(types.MaxMinuteSamples)*60_000
	from := newest.Timestamp
	if from < floor {
		from = floor
	}

	for ts := from + 60_000; ts <= startMs; ts += 60_000 {
		tx.InsertThing(types.ThingSample{
			Timestamp: ts, SampleRate: types.SampleRate1Min, ThingID: id,
			TotalConsumption: newest.TotalConsumption, TotalProduction: newest.TotalProduction,
		})
	}
}

func (s *Sampler) sampleCascade(cfg types.SampleRateConfig, now time.Time) {
	end := s.nextSample[cfg.Rate]
	expectedStart := SampleStart(end, cfg.Rate, 1)

	newest, ok := s.arc.NewestBalance(cfg.Rate)
	if !ok || newest.Timestamp < expectedStart.UnixMilli() {
		s.rectify(cfg, end)
	}

	s.aggregateOnce(cfg, end)

	s.nextSample[cfg.Rate] = NextSampleTimestamp(cfg.Rate, end)
	s.trimRate(cfg.Rate, end)
}

// aggregateOnce runs the average rule of spec.md §4.5 step 2c/2d for
// one boundary and inserts the resulting balance row and its per-thing
// counterparts, without touching scheduling or retention — both the
// regular cascade step and rectification share this.
func (s *Sampler) aggregateOnce(cfg types.SampleRateConfig, end time.Time) {
	start := SampleStart(end, cfg.Rate, 1)
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	ratio := float64(cfg.BaseRate.Minutes()) / float64(cfg.Rate.Minutes())

	baseRows, _ := s.arc.SelectBalance(cfg.BaseRate, &startMs, &endMs)
	window := filterBalanceStrictlyAfter(baseRows, startMs)
	bal := aggregateBalance(window, cfg.Rate, endMs, ratio)
	if len(window) == 0 {
		if last, ok := s.arc.NewestBalance(cfg.BaseRate); ok {
			bal.TotalConsumption, bal.TotalProduction = last.TotalConsumption, last.TotalProduction
			bal.TotalAcquisition, bal.TotalReturn = last.TotalAcquisition, last.TotalReturn
		}
	}

	things := s.knownThings()
	thingRows := make([]types.ThingSample, 0, len(things))
	for _, id := range things {
		baseThingRows, _ := s.arc.SelectThing(cfg.BaseRate, []types.ThingID{id}, &startMs, &endMs)
		win := filterThingStrictlyAfter(baseThingRows, startMs)
		row := aggregateThing(win, id, cfg.Rate, endMs, ratio)
		if len(win) == 0 {
			if last, ok := s.arc.NewestThing(id, cfg.BaseRate); ok {
				row.TotalConsumption, row.TotalProduction = last.TotalConsumption, last.TotalProduction
			}
		}
		thingRows = append(thingRows, row)
	}

	s.arc.Transaction(func(tx *archive.Tx) error {
		if err := tx.InsertBalance(bal); err != nil {
			return err
		}
		for _, r := range thingRows {
			if err := tx.InsertThing(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// rectify implements spec.md §4.5's Rectification procedure for one
// cascaded rate: after one aggregation at the boundary following the
// last known row, backfill zero-power rows with carried totals from that
// row (or from the rate's retention horizon, if the row is older) up to,
// but not including, nextSample.
func (s *Sampler) rectify(cfg types.SampleRateConfig, nextSample time.Time) {
	newest, ok := s.arc.NewestBalance(cfg.Rate)
	if !ok {
		oldest, ok2 := s.arc.OldestBalance(cfg.BaseRate)
		if !ok2 {
			return
		}
		newest, ok = oldest, true
	}
	if !ok {
		return
	}

	newestTime := msToTime(newest.Timestamp)
	if boundary := NextSampleTimestamp(cfg.Rate, newestTime); boundary.Before(nextSample) {
		s.aggregateOnce(cfg, boundary)
		if n, ok := s.arc.NewestBalance(cfg.Rate); ok {
			newest = n
			newestTime = msToTime(newest.Timestamp)
		}
	}

	maxN := types.MaxSamplesOf(cfg.Rate)
	if floor := SampleStart(nextSample, cfg.Rate, maxN); newestTime.Before(floor) {
		newestTime = floor
	}

	things := s.knownThings()

	s.arc.Transaction(func(tx *archive.Tx) error {
		cur := newestTime
		for {
			next := NextSampleTimestamp(cfg.Rate, cur)
			if !next.Before(nextSample) {
				break
			}
			tx.InsertBalance(types.BalanceSample{
				Timestamp: next.UnixMilli(), SampleRate: cfg.Rate,
				TotalConsumption: newest.TotalConsumption, TotalProduction: newest.TotalProduction,
				TotalAcquisition: newest.TotalAcquisition, TotalReturn: newest.TotalReturn,
			})
			for _, id := range things {
				last, _ := s.arc.NewestThing(id, cfg.Rate)
				tx.InsertThing(types.ThingSample{
					Timestamp: next.UnixMilli(), SampleRate: cfg.Rate, ThingID: id,
					TotalConsumption: last.TotalConsumption, TotalProduction: last.TotalProduction,
				})
			}
			cur = next
		}
		return nil
	})
}

func (s *Sampler) trimRate(rate types.SampleRate, end time.Time) {
	maxN := types.MaxSamplesOf(rate)
	cutoff := SampleStart(end, rate, maxN).UnixMilli()
	s.arc.TrimBalance(rate, cutoff)
	for _, id := range s.knownThings() {
		s.arc.TrimThing(id, rate, cutoff)
	}
}
