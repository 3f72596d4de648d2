package archive

import (
	"database/sql"
	"log"

	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// Tx batches writes into a single atomic transaction, per spec.md
// §4.1/§5: the Sampler's gap-patch and rectification fills, and
// cascaded sampling, each run inside one Transaction call. Entries
// inserted through a Tx are only handed to the Store's notifiers after
// the surrounding transaction has committed.
type Tx struct {
	store    *Store
	sqlTx    *sql.Tx
	degraded bool

	pendingBalance []pendingBalance
	pendingThing   []pendingThing
}

type pendingBalance struct {
	rate types.SampleRate
	row  types.BalanceSample
}

type pendingThing struct {
	rate types.SampleRate
	row  types.ThingSample
}

// Transaction runs fn inside one atomic transaction. If fn (or the
// commit) fails, the transaction is rolled back and no notifications
// fire; per spec.md §7 a write failure is logged and the tick moves on.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	if s.degraded {
		tx := &Tx{store: s, degraded: true}
		return fn(tx)
	}

	sqlTx, err := s.db.Begin()
	if err != nil {
		log.Printf("archive: failed to begin transaction: %v", err)
		return nil
	}

	tx := &Tx{store: s, sqlTx: sqlTx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		log.Printf("archive: transaction rolled back: %v", err)
		return nil
	}

	if err := sqlTx.Commit(); err != nil {
		log.Printf("archive: failed to commit transaction: %v", err)
		return nil
	}

	for _, p := range tx.pendingBalance {
		if s.onBalanceAdded != nil {
			s.onBalanceAdded(p.rate, p.row)
		}
	}
	for _, p := range tx.pendingThing {
		if s.onThingAdded != nil {
			s.onThingAdded(p.rate, p.row)
		}
	}
	return nil
}

// InsertBalance inserts one row within the transaction.
func (tx *Tx) InsertBalance(row types.BalanceSample) error {
	if tx.degraded {
		tx.pendingBalance = append(tx.pendingBalance, pendingBalance{rate: row.SampleRate, row: row})
		return nil
	}
	_, err := tx.sqlTx.Exec(
		"INSERT INTO powerBalance (timestamp, sampleRate, consumption, production, acquisition, storage, totalConsumption, totalProduction, totalAcquisition, totalReturn) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		row.Timestamp, int(row.SampleRate), row.Consumption, row.Production, row.Acquisition, row.Storage,
		row.TotalConsumption, row.TotalProduction, row.TotalAcquisition, row.TotalReturn)
	if err != nil {
		return err
	}
	tx.pendingBalance = append(tx.pendingBalance, pendingBalance{rate: row.SampleRate, row: row})
	return nil
}

// InsertThing inserts one row within the transaction.
func (tx *Tx) InsertThing(row types.ThingSample) error {
	if tx.degraded {
		tx.pendingThing = append(tx.pendingThing, pendingThing{rate: row.SampleRate, row: row})
		return nil
	}
	_, err := tx.sqlTx.Exec(
		"INSERT INTO thingPower (timestamp, sampleRate, thingId, currentPower, totalConsumption, totalProduction) VALUES (?, ?, ?, ?, ?, ?)",
		row.Timestamp, int(row.SampleRate), row.ThingID.String(), row.CurrentPower, row.TotalConsumption, row.TotalProduction)
	if err != nil {
		return err
	}
	tx.pendingThing = append(tx.pendingThing, pendingThing{rate: row.SampleRate, row: row})
	return nil
}
