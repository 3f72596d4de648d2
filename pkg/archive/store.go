// Package archive is the durable multi-table time-series store of
// spec.md §4.1: a single embedded SQLite database with indexed queries,
// bulk inserts and transactions, grounded on the teacher's pkg/meterdb
// (modernc.org/sqlite + dbmigrator) and on original_source's
// energylogger.cpp for exact query semantics.
package archive

import (
	"database/sql"
	"embed"
	"fmt"
	"log"
	"strings"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the Archive of spec.md §4.1. When the storage path is not
// writable, Open still returns a usable Store in degraded mode: every
// operation succeeds trivially and persists nothing, and Degraded()
// reports true so the Sampler can disable itself (spec.md §7).
type Store struct {
	db       *sql.DB
	degraded bool

	onBalanceAdded func(types.SampleRate, types.BalanceSample)
	onThingAdded   func(types.SampleRate, types.ThingSample)
}

// Open creates or opens the database file at path and applies pending
// migrations. It never returns an error: initialisation failure puts
// the Store into degraded mode instead, per spec.md §7.
func Open(path string) *Store {
	s := &Store{}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		log.Printf("archive: cannot open database at %s: %v. Running in degraded mode.", path, err)
		s.degraded = true
		return s
	}
	if err := db.Ping(); err != nil {
		log.Printf("archive: cannot reach database at %s: %v. Running in degraded mode.", path, err)
		s.degraded = true
		return s
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(db, migrationFS, "migrations")

	s.db = db
	return s
}

// Degraded reports whether the archive is running without real storage.
func (s *Store) Degraded() bool {
	return s.degraded
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetNotifier registers the callbacks invoked after a row is durably
// committed, per spec.md §4.1's EntryAdded contract.
func (s *Store) SetNotifier(onBalanceAdded func(types.SampleRate, types.BalanceSample), onThingAdded func(types.SampleRate, types.ThingSample)) {
	s.onBalanceAdded = onBalanceAdded
	s.onThingAdded = onThingAdded
}

// InsertBalance inserts a single BalanceSample as its own transaction.
func (s *Store) InsertBalance(row types.BalanceSample) error {
	return s.Transaction(func(tx *Tx) error {
		return tx.InsertBalance(row)
	})
}

// InsertThing inserts a single ThingSample as its own transaction.
func (s *Store) InsertThing(row types.ThingSample) error {
	return s.Transaction(func(tx *Tx) error {
		return tx.InsertThing(row)
	})
}

// SelectBalance returns rows for rate within [from, to] (either bound
// nil meaning unbounded), per spec.md §4.1/§4.6.
func (s *Store) SelectBalance(rate types.SampleRate, from, to *int64) ([]types.BalanceSample, error) {
	if s.degraded {
		return nil, nil
	}

	q := "SELECT timestamp, sampleRate, consumption, production, acquisition, storage, totalConsumption, totalProduction, totalAcquisition, totalReturn FROM powerBalance WHERE sampleRate = ?"
	args := []any{int(rate)}
	if from != nil {
		q += " AND timestamp >= ?"
		args = append(args, *from)
	}
	if to != nil {
		q += " AND timestamp <= ?"
		args = append(args, *to)
	}
	q += " ORDER BY timestamp ASC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		log.Printf("archive: selectBalance query failed: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var out []types.BalanceSample
	for rows.Next() {
		var b types.BalanceSample
		var r int
		if err := rows.Scan(&b.Timestamp, &r, &b.Consumption, &b.Production, &b.Acquisition, &b.Storage,
			&b.TotalConsumption, &b.TotalProduction, &b.TotalAcquisition, &b.TotalReturn); err != nil {
			log.Printf("archive: selectBalance scan failed: %v", err)
			return out, nil
		}
		b.SampleRate = types.SampleRate(r)
		out = append(out, b)
	}
	return out, nil
}

// SelectThing returns rows for rate within [from, to], optionally
// restricted to thingIDs (empty means all known things), per spec §4.6.
func (s *Store) SelectThing(rate types.SampleRate, thingIDs []types.ThingID, from, to *int64) ([]types.ThingSample, error) {
	if s.degraded {
		return nil, nil
	}

	q := "SELECT timestamp, sampleRate, thingId, currentPower, totalConsumption, totalProduction FROM thingPower WHERE sampleRate = ?"
	args := []any{int(rate)}
	if len(thingIDs) > 0 {
		placeholders := make([]string, len(thingIDs))
		for i, id := range thingIDs {
			placeholders[i] = "?"
			args = append(args, id.String())
		}
		q += " AND thingId IN (" + strings.Join(placeholders, ",") + ")"
	}
	if from != nil {
		q += " AND timestamp >= ?"
		args = append(args, *from)
	}
	if to != nil {
		q += " AND timestamp <= ?"
		args = append(args, *to)
	}
	q += " ORDER BY timestamp ASC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		log.Printf("archive: selectThing query failed: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var out []types.ThingSample
	for rows.Next() {
		var t types.ThingSample
		var r int
		var idStr string
		if err := rows.Scan(&t.Timestamp, &r, &idStr, &t.CurrentPower, &t.TotalConsumption, &t.TotalProduction); err != nil {
			log.Printf("archive: selectThing scan failed: %v", err)
			return out, nil
		}
		t.SampleRate = types.SampleRate(r)
		t.ThingID, _ = uuid.Parse(idStr)
		out = append(out, t)
	}
	return out, nil
}

// OldestBalance returns the row with the smallest timestamp in the
// series, or AbsentBalanceSample with ok=false if the series is empty.
func (s *Store) OldestBalance(rate types.SampleRate) (types.BalanceSample, bool) {
	return s.balanceExtreme(rate, "MIN")
}

// NewestBalance returns the row with the largest timestamp in the
// series. Used internally by the Sampler for gap detection.
func (s *Store) NewestBalance(rate types.SampleRate) (types.BalanceSample, bool) {
	return s.balanceExtreme(rate, "MAX")
}

// LatestBalance is the query-side alias for NewestBalance (spec.md
// §4.1: "latest is the row with the largest timestamp in the series").
func (s *Store) LatestBalance(rate types.SampleRate) (types.BalanceSample, bool) {
	return s.NewestBalance(rate)
}

func (s *Store) balanceExtreme(rate types.SampleRate, aggregate string) (types.BalanceSample, bool) {
	if s.degraded {
		return types.AbsentBalanceSample, false
	}

	q := fmt.Sprintf("SELECT timestamp, sampleRate, consumption, production, acquisition, storage, totalConsumption, totalProduction, totalAcquisition, totalReturn "+
		"FROM powerBalance WHERE sampleRate = ? AND timestamp = (SELECT %s(timestamp) FROM powerBalance WHERE sampleRate = ?)", aggregate)

	var b types.BalanceSample
	var r int
	err := s.db.QueryRow(q, int(rate), int(rate)).Scan(&b.Timestamp, &r, &b.Consumption, &b.Production, &b.Acquisition, &b.Storage,
		&b.TotalConsumption, &b.TotalProduction, &b.TotalAcquisition, &b.TotalReturn)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("archive: balance extreme query failed: %v", err)
		}
		return types.AbsentBalanceSample, false
	}
	b.SampleRate = types.SampleRate(r)
	return b, true
}

// OldestThing returns the row with the smallest timestamp for thingID.
func (s *Store) OldestThing(thingID types.ThingID, rate types.SampleRate) (types.ThingSample, bool) {
	return s.thingExtreme(thingID, rate, "MIN")
}

// NewestThing returns the row with the largest timestamp for thingID.
func (s *Store) NewestThing(thingID types.ThingID, rate types.SampleRate) (types.ThingSample, bool) {
	return s.thingExtreme(thingID, rate, "MAX")
}

// LatestThing is the query-side alias for NewestThing.
func (s *Store) LatestThing(thingID types.ThingID, rate types.SampleRate) (types.ThingSample, bool) {
	return s.NewestThing(thingID, rate)
}

func (s *Store) thingExtreme(thingID types.ThingID, rate types.SampleRate, aggregate string) (types.ThingSample, bool) {
	if s.degraded {
		return types.AbsentThingSample, false
	}

	q := fmt.Sprintf("SELECT timestamp, sampleRate, thingId, currentPower, totalConsumption, totalProduction "+
		"FROM thingPower WHERE thingId = ? AND sampleRate = ? AND timestamp = "+
		"(SELECT %s(timestamp) FROM thingPower WHERE thingId = ? AND sampleRate = ?)", aggregate)

	var t types.ThingSample
	var r int
	var idStr string
	err := s.db.QueryRow(q, thingID.String(), int(rate), thingID.String(), int(rate)).
		Scan(&t.Timestamp, &r, &idStr, &t.CurrentPower, &t.TotalConsumption, &t.TotalProduction)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("archive: thing extreme query failed: %v", err)
		}
		return types.AbsentThingSample, false
	}
	t.SampleRate = types.SampleRate(r)
	t.ThingID, _ = uuid.Parse(idStr)
	return t, true
}

// TrimBalance deletes rows for rate older than olderThan (exclusive of
// olderThan itself, matching the original's `timestamp < beforeTime`).
func (s *Store) TrimBalance(rate types.SampleRate, olderThan int64) error {
	if s.degraded {
		return nil
	}
	res, err := s.db.Exec("DELETE FROM powerBalance WHERE sampleRate = ? AND timestamp < ?", int(rate), olderThan)
	if err != nil {
		log.Printf("archive: trimBalance failed: %v", err)
		return nil
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("archive: trimmed %d rows from powerBalance rate=%s older than %d", n, rate, olderThan)
	}
	return nil
}

// TrimThing deletes rows for (thingID, rate) older than olderThan.
func (s *Store) TrimThing(thingID types.ThingID, rate types.SampleRate, olderThan int64) error {
	if s.degraded {
		return nil
	}
	res, err := s.db.Exec("DELETE FROM thingPower WHERE thingId = ? AND sampleRate = ? AND timestamp < ?", thingID.String(), int(rate), olderThan)
	if err != nil {
		log.Printf("archive: trimThing failed: %v", err)
		return nil
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("archive: trimmed %d rows from thingPower thing=%s rate=%s older than %d", n, thingID, rate, olderThan)
	}
	return nil
}

// UpsertThingCache writes the last-observed raw device counters for a
// thing, per spec.md §4.3.
func (s *Store) UpsertThingCache(thingID types.ThingID, consumed, produced float64) error {
	if s.degraded {
		return nil
	}
	_, err := s.db.Exec(
		"INSERT INTO thingCache (thingId, totalEnergyConsumed, totalEnergyProduced) VALUES (?, ?, ?) "+
			"ON CONFLICT(thingId) DO UPDATE SET totalEnergyConsumed = excluded.totalEnergyConsumed, totalEnergyProduced = excluded.totalEnergyProduced",
		thingID.String(), consumed, produced)
	if err != nil {
		log.Printf("archive: upsertThingCache failed: %v", err)
	}
	return nil
}

// GetThingCache reads back the last-observed raw device counters.
func (s *Store) GetThingCache(thingID types.ThingID) (types.ThingCounterCache, bool) {
	if s.degraded {
		return types.ThingCounterCache{}, false
	}
	var c types.ThingCounterCache
	err := s.db.QueryRow("SELECT totalEnergyConsumed, totalEnergyProduced FROM thingCache WHERE thingId = ?", thingID.String()).
		Scan(&c.LastObservedDeviceConsumed, &c.LastObservedDeviceProduced)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("archive: getThingCache failed: %v", err)
		}
		return types.ThingCounterCache{}, false
	}
	c.ThingID = thingID
	return c, true
}

// DistinctThings returns every thing id that currently has rows in
// thingPower; the manager uses it at startup to find orphaned logs.
func (s *Store) DistinctThings() ([]types.ThingID, error) {
	if s.degraded {
		return nil, nil
	}
	rows, err := s.db.Query("SELECT DISTINCT thingId FROM thingPower")
	if err != nil {
		log.Printf("archive: distinctThings failed: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var out []types.ThingID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			continue
		}
		if id, err := uuid.Parse(idStr); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// DeleteThing removes every logged row and cache entry for thingID,
// mirroring EnergyLogger::removeThingLogs plus thingCache cleanup.
func (s *Store) DeleteThing(thingID types.ThingID) error {
	if s.degraded {
		return nil
	}
	if _, err := s.db.Exec("DELETE FROM thingPower WHERE thingId = ?", thingID.String()); err != nil {
		log.Printf("archive: deleteThing (thingPower) failed: %v", err)
	}
	if _, err := s.db.Exec("DELETE FROM thingCache WHERE thingId = ?", thingID.String()); err != nil {
		log.Printf("archive: deleteThing (thingCache) failed: %v", err)
	}
	return nil
}
