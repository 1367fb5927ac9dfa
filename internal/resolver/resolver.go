// Package resolver decides, without side effects, which of two colliding
// versions of a row wins. Resolution is last-write-wins on the logical
// timestamp with a deterministic tie-break, so every device reaches the same
// answer in any order — applying a winner twice is a no-op.
package resolver

import "scalesync/internal/models"

type Winner int

const (
	// KeepLocal means the incoming version is stale or identical; nothing
	// is written.
	KeepLocal Winner = iota
	// TakeRemote means the incoming version replaces the local row.
	TakeRemote
)

// Resolve compares the local version of an entity (nil if the entity has
// never been seen locally) with an incoming remote version of the same
// entity. A delete is an ordinary version: a later update un-deletes, an
// earlier one loses to the tombstone.
func Resolve(local *models.SyncMeta, remote models.SyncMeta) Winner {
	if local == nil {
		return TakeRemote
	}
	if remote.UpdatedAt > local.UpdatedAt {
		return TakeRemote
	}
	if remote.UpdatedAt < local.UpdatedAt {
		return KeepLocal
	}
	// Equal timestamps: order by origin id. Same origin means the same
	// version replayed, which must be a no-op.
	if remote.ID.Origin > local.ID.Origin {
		return TakeRemote
	}
	return KeepLocal
}

// MergeWeighings unions two sets of session line items keyed by entity id,
// resolving duplicates per item. Two stations adding different weighings to
// what they consider the same session both keep their rows; whole-session
// replacement never drops a line item.
func MergeWeighings(local, remote []models.Weighing) []models.Weighing {
	byID := make(map[models.EntityID]models.Weighing, len(local)+len(remote))
	order := make([]models.EntityID, 0, len(local)+len(remote))
	for _, w := range local {
		byID[w.ID] = w
		order = append(order, w.ID)
	}
	for _, w := range remote {
		existing, ok := byID[w.ID]
		if !ok {
			byID[w.ID] = w
			order = append(order, w.ID)
			continue
		}
		meta := existing.SyncMeta
		if Resolve(&meta, w.SyncMeta) == TakeRemote {
			byID[w.ID] = w
		}
	}
	out := make([]models.Weighing, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
