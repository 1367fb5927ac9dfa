package store

// Schema for the station record store. Every syncable table carries the same
// key and sync columns: (origin_id, local_id) is the global entity identity,
// updated_at is the logical timestamp of the last accepted version, deleted
// is the soft-delete tombstone. Rows are never physically removed until the
// tombstone has been acknowledged by every known peer (see Compact).
const schema = `
CREATE TABLE IF NOT EXISTS customers (
	origin_id  TEXT    NOT NULL,
	local_id   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	name       TEXT    NOT NULL DEFAULT '',
	phone      TEXT    NOT NULL DEFAULT '',
	id_number  TEXT    NOT NULL DEFAULT '',
	address    TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (origin_id, local_id)
);

CREATE TABLE IF NOT EXISTS vehicles (
	origin_id       TEXT    NOT NULL,
	local_id        INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	customer_origin TEXT    NOT NULL DEFAULT '',
	customer_local  INTEGER NOT NULL DEFAULT 0,
	plate           TEXT    NOT NULL DEFAULT '',
	description     TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (origin_id, local_id)
);

CREATE TABLE IF NOT EXISTS weighing_sessions (
	origin_id       TEXT    NOT NULL,
	local_id        INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	customer_origin TEXT    NOT NULL DEFAULT '',
	customer_local  INTEGER NOT NULL DEFAULT 0,
	opened_at       INTEGER NOT NULL DEFAULT 0,
	closed_at       INTEGER NOT NULL DEFAULT 0,
	status          TEXT    NOT NULL DEFAULT '',
	notes           TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (origin_id, local_id)
);

CREATE TABLE IF NOT EXISTS weighings (
	origin_id      TEXT    NOT NULL,
	local_id       INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	deleted        INTEGER NOT NULL DEFAULT 0,
	session_origin TEXT    NOT NULL DEFAULT '',
	session_local  INTEGER NOT NULL DEFAULT 0,
	metal_origin   TEXT    NOT NULL DEFAULT '',
	metal_local    INTEGER NOT NULL DEFAULT 0,
	gross_kg       REAL    NOT NULL DEFAULT 0,
	tare_kg        REAL    NOT NULL DEFAULT 0,
	net_kg         REAL    NOT NULL DEFAULT 0,
	unit_price     REAL    NOT NULL DEFAULT 0,
	recorded_at    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (origin_id, local_id)
);

CREATE INDEX IF NOT EXISTS idx_weighings_session
	ON weighings (session_origin, session_local);

CREATE TABLE IF NOT EXISTS biometric_records (
	origin_id       TEXT    NOT NULL,
	local_id        INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	customer_origin TEXT    NOT NULL DEFAULT '',
	customer_local  INTEGER NOT NULL DEFAULT 0,
	face_ref        TEXT    NOT NULL DEFAULT '',
	fingerprint_ref TEXT    NOT NULL DEFAULT '',
	signature_ref   TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (origin_id, local_id)
);

CREATE TABLE IF NOT EXISTS metal_types (
	origin_id    TEXT    NOT NULL,
	local_id     INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0,
	name         TEXT    NOT NULL DEFAULT '',
	code         TEXT    NOT NULL DEFAULT '',
	price_per_kg REAL    NOT NULL DEFAULT 0,
	PRIMARY KEY (origin_id, local_id)
);

CREATE TABLE IF NOT EXISTS change_log (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT    NOT NULL,
	origin_id   TEXT    NOT NULL,
	local_id    INTEGER NOT NULL,
	op          TEXT    NOT NULL,
	updated_at  INTEGER NOT NULL,
	snapshot    TEXT    NOT NULL,
	source      TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_change_log_entity
	ON change_log (entity_type, origin_id, local_id);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
	peer_id         TEXT PRIMARY KEY,
	last_pushed_seq INTEGER NOT NULL DEFAULT 0,
	last_pulled_seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS known_peers (
	peer_id       TEXT PRIMARY KEY,
	name          TEXT    NOT NULL DEFAULT '',
	ip            TEXT    NOT NULL DEFAULT '',
	port          INTEGER NOT NULL DEFAULT 0,
	activation_id TEXT    NOT NULL DEFAULT '',
	last_seen_at  INTEGER NOT NULL DEFAULT 0,
	last_sync_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS local_sequences (
	entity_type TEXT PRIMARY KEY,
	next_id     INTEGER NOT NULL
);
`
