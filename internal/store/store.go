// Package store is the station's local record store: the SQLite database the
// UI reads from, the append-only change log the sync engine exchanges, and
// the per-peer checkpoints that remember how far each exchange has gotten.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"scalesync/internal/clock"
	"scalesync/internal/models"
)

type Store struct {
	db    *sql.DB
	self  models.DeviceIdentity
	clock *clock.LogicalClock

	// All mutations funnel through writeMu: UI writes, change tracking and
	// concurrent sync sessions' apply phases interleave but never write
	// concurrently.
	writeMu sync.Mutex
}

// Open opens (or creates) the record store at path and seeds the logical
// clock from the highest timestamp already recorded, so restarts never issue
// timestamps behind rows already synced out.
func Open(path string, self models.DeviceIdentity) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, self: self, clock: clock.New()}

	var maxTS sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(updated_at) FROM change_log`).Scan(&maxTS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed clock: %w", err)
	}
	if maxTS.Valid {
		s.clock.Observe(maxTS.Int64)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Identity() models.DeviceIdentity { return s.self }

func (s *Store) Clock() *clock.LogicalClock { return s.clock }

// WithTx runs fn inside a single transaction, serialized against every other
// writer on this store.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// nextLocalID allocates the next locally-unique id for an entity type.
// Allocated ids are never reused, including across deletes.
func (s *Store) nextLocalID(tx *sql.Tx, et models.EntityType) (int64, error) {
	if _, err := tx.Exec(`
		INSERT INTO local_sequences (entity_type, next_id) VALUES (?, 1)
		ON CONFLICT(entity_type) DO UPDATE SET next_id = next_id + 1
	`, string(et)); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRow(`SELECT next_id FROM local_sequences WHERE entity_type = ?`, string(et)).Scan(&id)
	return id, err
}
