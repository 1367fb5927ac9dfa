// Package transport moves change pages and artifacts between this station
// and a peer. The same wire contract serves both LAN siblings and the cloud
// hub; the hub is just a peer that never goes home at night.
package transport

import (
	"context"
	"errors"

	"scalesync/internal/models"
)

var (
	// ErrUnreachable reports a connect-level failure. The engine does one
	// attempt per invocation; retry is the caller's policy.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrUnauthorized reports a rejected auth token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound reports a missing artifact.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable reports a peer whose health check failed.
	ErrStorageUnavailable = errors.New("peer storage unavailable")
)

// Health is the peer liveness probe consumed before a sync session.
type Health struct {
	Status            string `json:"status"`
	StorageConfigured bool   `json:"storageConfigured"`
}

// PushRequest is one bounded page of changes sent to a peer.
type PushRequest struct {
	PeerID  string                  `json:"peerId"`
	Changes []models.ChangeLogEntry `json:"changes"`
}

// PushResponse acknowledges the highest log sequence of the pushed page the
// peer durably applied.
type PushResponse struct {
	AckedUpTo int64 `json:"ackedUpTo"`
}

// PullResponse carries one page of the peer's changes past a cursor.
// NextCursor resumes the walk; it can advance past an empty page when the
// peer filtered out entries the caller already has.
type PullResponse struct {
	Changes    []models.ChangeLogEntry `json:"changes"`
	NextCursor int64                   `json:"nextCursor"`
}

// BackupResult is the hub's receipt for an uploaded backup archive.
type BackupResult struct {
	Success   bool   `json:"success"`
	BackupID  string `json:"backupId"`
	Timestamp int64  `json:"timestamp"`
}

// Transport is the abstract exchange surface the sync engine drives. Both
// the LAN peer-to-peer path and the cloud hub path implement it.
type Transport interface {
	// PeerID identifies the remote end for checkpoint bookkeeping.
	PeerID() string

	// Health probes the peer before any changes are exchanged.
	Health(ctx context.Context) (Health, error)

	// PushChanges sends one page; the returned sequence is the highest seq
	// of the page the peer has durably applied, used to advance
	// last_pushed_seq. Already-acked pages keep their progress even if a
	// later page fails.
	PushChanges(ctx context.Context, changes []models.ChangeLogEntry) (int64, error)

	// PullChanges requests one page of the peer's changes past cursor, in
	// the peer's local arrival order. The returned cursor resumes the walk
	// and can move even when no entries come back.
	PullChanges(ctx context.Context, cursor int64, limit int) ([]models.ChangeLogEntry, int64, error)

	// UploadArtifact stores binary content under ref on the peer.
	// Re-uploading the same ref overwrites harmlessly.
	UploadArtifact(ctx context.Context, ref string, data []byte) error

	// DownloadArtifact fetches binary content by ref; ErrNotFound if the
	// peer does not have it either.
	DownloadArtifact(ctx context.Context, ref string) ([]byte, error)
}

// BackupUploader is the additional surface only the cloud path offers.
type BackupUploader interface {
	UploadBackup(ctx context.Context, snapshot, manifest []byte, files map[string][]byte) (BackupResult, error)
}
