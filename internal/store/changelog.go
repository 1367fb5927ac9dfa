package store

import (
	"database/sql"
	"fmt"

	"scalesync/internal/models"
)

// appendChangeTx records an entry at the tail of the local log. source is
// the peer the entry arrived from, empty for local writes; it keeps a peer's
// own changes from being served back to it.
func appendChangeTx(tx *sql.Tx, e models.ChangeLogEntry, source string) error {
	_, err := tx.Exec(`
		INSERT INTO change_log (entity_type, origin_id, local_id, op, updated_at, snapshot, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(e.EntityType), e.EntityID.Origin, e.EntityID.Local, string(e.Op), e.UpdatedAt, string(e.Snapshot), source)
	return err
}

// ChangesSince returns up to limit change-log entries past the cursor in
// local arrival (seq) order, plus the cursor to resume from. The seq cursor,
// not the logical timestamp, is what makes propagation complete: a relayed
// entry lands at the tail of this log regardless of how old its timestamp
// is, so a peer that paged past that timestamp long ago still receives it.
//
// Entries recorded from excludeSource are filtered out but still advance the
// returned cursor, so a peer is never served its own changes back and never
// stalls behind them.
func (s *Store) ChangesSince(cursor int64, limit int, excludeSource string) ([]models.ChangeLogEntry, int64, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT seq, entity_type, origin_id, local_id, op, updated_at, snapshot, source
		FROM change_log
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, cursor, err
	}
	defer rows.Close()

	next := cursor
	entries := make([]models.ChangeLogEntry, 0, limit)
	for rows.Next() {
		var (
			e          models.ChangeLogEntry
			et, op     string
			snapshot   string
			source     string
		)
		if err := rows.Scan(&e.Seq, &et, &e.EntityID.Origin, &e.EntityID.Local, &op, &e.UpdatedAt, &snapshot, &source); err != nil {
			return nil, cursor, err
		}
		next = e.Seq
		if excludeSource != "" && source == excludeSource {
			continue
		}
		e.EntityType = models.EntityType(et)
		e.Op = models.Op(op)
		e.Snapshot = []byte(snapshot)
		entries = append(entries, e)
	}
	return entries, next, rows.Err()
}

// PendingChanges counts entries past the cursor that would be served to a
// peer, used for progress reporting.
func (s *Store) PendingChanges(cursor int64, excludeSource string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM change_log WHERE seq > ? AND (? = '' OR source <> ?)
	`, cursor, excludeSource, excludeSource).Scan(&n)
	return n, err
}

// Checkpoint returns the stored checkpoint for a peer, zero-valued if the
// peer has never been synced.
func (s *Store) Checkpoint(peerID string) (models.SyncCheckpoint, error) {
	cp := models.SyncCheckpoint{PeerID: peerID}
	err := s.db.QueryRow(`
		SELECT last_pushed_seq, last_pulled_seq FROM sync_checkpoints WHERE peer_id = ?
	`, peerID).Scan(&cp.LastPushedSeq, &cp.LastPulledSeq)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	return cp, err
}

// AdvancePushed records that the peer has durably applied our log up to seq.
// Checkpoints only move forward; a stale ack is ignored.
func (s *Store) AdvancePushed(peerID string, seq int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return advanceCheckpointTx(tx, peerID, "last_pushed_seq", seq)
	})
}

func advancePulledTx(tx *sql.Tx, peerID string, seq int64) error {
	return advanceCheckpointTx(tx, peerID, "last_pulled_seq", seq)
}

func advanceCheckpointTx(tx *sql.Tx, peerID, column string, seq int64) error {
	query := fmt.Sprintf(`
		INSERT INTO sync_checkpoints (peer_id, %s) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET %s = MAX(%s, excluded.%s)
	`, column, column, column, column)
	_, err := tx.Exec(query, peerID, seq)
	return err
}

// ResetCheckpoint forgets a peer's checkpoint, forcing the next session with
// it to be a full resync.
func (s *Store) ResetCheckpoint(peerID string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM sync_checkpoints WHERE peer_id = ?`, peerID)
		return err
	})
}

// UpsertKnownPeer refreshes the persisted peer cache that backs the "known
// devices" list.
func (s *Store) UpsertKnownPeer(p models.PeerDescriptor, seenAt int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO known_peers (peer_id, name, ip, port, activation_id, last_seen_at, last_sync_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(peer_id) DO UPDATE SET
				name          = excluded.name,
				ip            = excluded.ip,
				port          = excluded.port,
				activation_id = excluded.activation_id,
				last_seen_at  = excluded.last_seen_at,
				last_sync_at  = MAX(last_sync_at, excluded.last_sync_at)
		`, p.ID, p.Name, p.IP, p.Port, p.ActivationID, seenAt, p.LastSyncAt)
		return err
	})
}

// TouchPeer records that a peer just talked to us, creating its cache row on
// first contact. Used by the server side, which only knows the caller's id
// and name.
func (s *Store) TouchPeer(peerID, name string, seenAt int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO known_peers (peer_id, name, ip, port, activation_id, last_seen_at, last_sync_at)
			VALUES (?, ?, '', 0, '', ?, 0)
			ON CONFLICT(peer_id) DO UPDATE SET
				name         = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
				last_seen_at = excluded.last_seen_at
		`, peerID, name, seenAt)
		return err
	})
}

// MarkPeerSynced stamps a successful sync session on the peer cache.
func (s *Store) MarkPeerSynced(peerID string, at int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE known_peers SET last_sync_at = ? WHERE peer_id = ?`, at, peerID)
		return err
	})
}

func (s *Store) KnownPeers() ([]models.PeerDescriptor, error) {
	rows, err := s.db.Query(`
		SELECT peer_id, name, ip, port, activation_id, last_sync_at
		FROM known_peers ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PeerDescriptor
	for rows.Next() {
		var p models.PeerDescriptor
		if err := rows.Scan(&p.ID, &p.Name, &p.IP, &p.Port, &p.ActivationID, &p.LastSyncAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// acknowledgedBound returns the highest log position every known peer has
// acknowledged, and whether such a bound exists. With no remembered peers
// nothing is safe to compact.
func acknowledgedBound(tx *sql.Tx) (int64, bool, error) {
	var peers int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM known_peers`).Scan(&peers); err != nil {
		return 0, false, err
	}
	if peers == 0 {
		return 0, false, nil
	}
	// A peer we know about but have never pushed to has acknowledged nothing.
	var acked int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM known_peers kp
		JOIN sync_checkpoints cp ON cp.peer_id = kp.peer_id
	`).Scan(&acked); err != nil {
		return 0, false, err
	}
	if acked < peers {
		return 0, false, nil
	}
	var bound sql.NullInt64
	err := tx.QueryRow(`
		SELECT MIN(cp.last_pushed_seq) FROM known_peers kp
		JOIN sync_checkpoints cp ON cp.peer_id = kp.peer_id
	`).Scan(&bound)
	if err != nil || !bound.Valid {
		return 0, false, err
	}
	return bound.Int64, true, nil
}

// Compact collapses superseded change-log entries and purges fully
// acknowledged tombstones. Only entries at or below the log position every
// known peer has already acknowledged are touched; unacknowledged history is
// never compacted. The newest entry per entity always survives collapsing,
// so a brand-new peer walking the log from zero still reconstructs every
// live row.
func (s *Store) Compact() (removed int64, err error) {
	err = s.WithTx(func(tx *sql.Tx) error {
		bound, ok, err := acknowledgedBound(tx)
		if err != nil || !ok {
			return err
		}

		// Collapse: a delivered entry that a newer entry for the same entity
		// supersedes is dead weight.
		res, err := tx.Exec(`
			DELETE FROM change_log WHERE seq <= ? AND seq NOT IN (
				SELECT MAX(seq) FROM change_log
				GROUP BY entity_type, origin_id, local_id
			)
		`, bound)
		if err != nil {
			return err
		}
		collapsed, _ := res.RowsAffected()
		removed += collapsed

		// Purge: entities whose final word is a delivered delete leave the
		// store entirely, log entry included.
		rows, err := tx.Query(`
			SELECT cl.entity_type, cl.origin_id, cl.local_id
			FROM change_log cl
			JOIN (
				SELECT entity_type, origin_id, local_id, MAX(seq) AS top
				FROM change_log GROUP BY entity_type, origin_id, local_id
			) latest ON cl.seq = latest.top
			WHERE cl.op = 'delete' AND cl.seq <= ?
		`, bound)
		if err != nil {
			return err
		}
		type key struct {
			et     models.EntityType
			origin string
			local  int64
		}
		var dead []key
		for rows.Next() {
			var k key
			var et string
			if err := rows.Scan(&et, &k.origin, &k.local); err != nil {
				rows.Close()
				return err
			}
			k.et = models.EntityType(et)
			dead = append(dead, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, k := range dead {
			table := tableFor(k.et)
			if table == "" {
				continue
			}
			res, err := tx.Exec(fmt.Sprintf(
				`DELETE FROM %s WHERE origin_id = ? AND local_id = ? AND deleted = 1`,
				table), k.origin, k.local)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if n > 0 {
				if _, err := tx.Exec(`
					DELETE FROM change_log WHERE entity_type = ? AND origin_id = ? AND local_id = ?
				`, string(k.et), k.origin, k.local); err != nil {
					return err
				}
				removed += n
			}
		}
		return nil
	})
	return removed, err
}
