package models

import "encoding/json"

// Op is the kind of mutation a change-log entry records.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeLogEntry is one recorded local mutation. Entries are append-only and
// never rewritten; the snapshot is the full row as of the mutation, so for a
// given entity the newest entry alone reproduces its state.
//
// Seq is the entry's position in the recording store's own log. It is local
// arrival order, not a global ordering: a relayed entry gets a fresh seq on
// every store it lands in, while UpdatedAt travels unchanged for conflict
// resolution.
type ChangeLogEntry struct {
	Seq        int64           `json:"seq,omitempty"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   EntityID        `json:"entity_id"`
	Op         Op              `json:"op"`
	UpdatedAt  int64           `json:"updated_at"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

// SyncCheckpoint remembers, per peer, how far each direction of the exchange
// has gotten. Both cursors are log sequence numbers and only ever move
// forward: LastPushedSeq is the position in our own log the peer has durably
// applied, LastPulledSeq is the position in the peer's log we have consumed.
type SyncCheckpoint struct {
	PeerID        string `json:"peer_id"`
	LastPushedSeq int64  `json:"last_pushed_seq"`
	LastPulledSeq int64  `json:"last_pulled_seq"`
}

// CloudDeviceID is the fixed device id of the cloud hub.
const CloudDeviceID = "cloud"

// PeerDescriptor is what discovery learns about a sibling installation.
type PeerDescriptor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	ActivationID string `json:"activation_id"`
	LastSyncAt   int64  `json:"last_sync_at"`
}
