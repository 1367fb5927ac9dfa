package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"scalesync/internal/models"
	"scalesync/internal/resolver"
)

// ApplyResult summarizes one applied page of remote changes.
type ApplyResult struct {
	// Applied counts entries that actually changed local state; stale or
	// replayed entries are skipped and not counted.
	Applied int
	// Skipped counts malformed entries dropped from the page. The cursor
	// advances past them, so one bad entry never blocks the exchange.
	Skipped int
	// MaxTimestamp is the highest updated_at in the page, applied or not,
	// fed to the logical clock.
	MaxTimestamp int64
	// ArtifactRefs lists artifact references carried by applied rows, for
	// the lazy transfer stage.
	ArtifactRefs []string
}

// errBadEntry marks an entry that cannot be decoded. ApplyPage skips these
// instead of failing the page.
var errBadEntry = errors.New("malformed change entry")

// ApplyPage applies one page of remote change-log entries inside a single
// transaction: each entry is resolved against the current local version,
// winners are written, losers skipped, and the pull cursor for peerID
// advances to cursor in the same commit. A crash mid-page rolls everything
// back together, so the cursor can never run ahead of the data.
//
// cursor is the position in the peer's log this page was read up to; a
// malformed entry is counted in Skipped and left behind by the advancing
// cursor rather than wedging every retry on the same page.
//
// Applied entries are re-recorded at the tail of the local change log with
// their original origin and timestamp, which is what lets changes travel
// transitively (station → cloud → station).
func (s *Store) ApplyPage(peerID string, entries []models.ChangeLogEntry, cursor int64) (ApplyResult, error) {
	var res ApplyResult
	if len(entries) == 0 && cursor <= 0 {
		return res, nil
	}
	err := s.WithTx(func(tx *sql.Tx) error {
		for _, e := range entries {
			if e.UpdatedAt > res.MaxTimestamp {
				res.MaxTimestamp = e.UpdatedAt
			}
			if tableFor(e.EntityType) == "" {
				res.Skipped++
				continue
			}
			localMeta, err := rowMeta(tx, e.EntityType, e.EntityID)
			if err != nil {
				return err
			}
			remoteMeta := models.SyncMeta{ID: e.EntityID, UpdatedAt: e.UpdatedAt, Deleted: e.Op == models.OpDelete}
			if resolver.Resolve(localMeta, remoteMeta) != resolver.TakeRemote {
				continue
			}
			refs, err := applySnapshot(tx, e)
			if errors.Is(err, errBadEntry) {
				res.Skipped++
				continue
			}
			if err != nil {
				return fmt.Errorf("apply %s %s:%d: %w", e.EntityType, e.EntityID.Origin, e.EntityID.Local, err)
			}
			if err := appendChangeTx(tx, e, peerID); err != nil {
				return err
			}
			s.clock.Observe(e.UpdatedAt)
			res.Applied++
			res.ArtifactRefs = append(res.ArtifactRefs, refs...)
		}
		if peerID != "" && cursor > 0 {
			return advancePulledTx(tx, peerID, cursor)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// rowMeta reads the sync columns of the current local version of an entity,
// or nil if the entity has never been seen.
func rowMeta(tx *sql.Tx, et models.EntityType, id models.EntityID) (*models.SyncMeta, error) {
	table := tableFor(et)
	if table == "" {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}
	meta := models.SyncMeta{ID: id}
	err := tx.QueryRow(fmt.Sprintf(
		`SELECT updated_at, deleted FROM %s WHERE origin_id = ? AND local_id = ?`, table),
		id.Origin, id.Local).Scan(&meta.UpdatedAt, &meta.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// applySnapshot writes a winning remote snapshot as-is, preserving its
// origin, timestamp and tombstone flag. Returns any artifact references the
// row carries. An undecodable snapshot reports errBadEntry.
func applySnapshot(tx *sql.Tx, e models.ChangeLogEntry) ([]string, error) {
	switch e.EntityType {
	case models.EntityCustomer:
		var c models.Customer
		if err := json.Unmarshal(e.Snapshot, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadEntry, err)
		}
		normalize(&c.SyncMeta, e)
		return nil, upsertCustomerTx(tx, &c)
	case models.EntityVehicle:
		var v models.Vehicle
		if err := json.Unmarshal(e.Snapshot, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadEntry, err)
		}
		normalize(&v.SyncMeta, e)
		return nil, upsertVehicleTx(tx, &v)
	case models.EntityWeighingSession:
		var ws models.WeighingSession
		if err := json.Unmarshal(e.Snapshot, &ws); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadEntry, err)
		}
		normalize(&ws.SyncMeta, e)
		return nil, upsertWeighingSessionTx(tx, &ws)
	case models.EntityWeighing:
		var w models.Weighing
		if err := json.Unmarshal(e.Snapshot, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadEntry, err)
		}
		normalize(&w.SyncMeta, e)
		return nil, upsertWeighingTx(tx, &w)
	case models.EntityBiometricRecord:
		var b models.BiometricRecord
		if err := json.Unmarshal(e.Snapshot, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadEntry, err)
		}
		normalize(&b.SyncMeta, e)
		return b.ArtifactRefs(), upsertBiometricRecordTx(tx, &b)
	case models.EntityMetalType:
		var m models.MetalType
		if err := json.Unmarshal(e.Snapshot, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadEntry, err)
		}
		normalize(&m.SyncMeta, e)
		return nil, upsertMetalTypeTx(tx, &m)
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", errBadEntry, e.EntityType)
	}
}

// normalize trusts the entry header over the snapshot body for the sync
// columns, so a malformed snapshot cannot smuggle a different identity or
// timestamp past the resolver.
func normalize(meta *models.SyncMeta, e models.ChangeLogEntry) {
	meta.ID = e.EntityID
	meta.UpdatedAt = e.UpdatedAt
	if e.Op == models.OpDelete {
		meta.Deleted = true
	}
}
