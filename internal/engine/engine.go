// Package engine drives sync sessions: it walks the checkpointed push/pull
// exchange with one peer at a time, moves artifacts lazily, and schedules
// the periodic auto-sync round across discovered LAN peers and the cloud hub.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"scalesync/internal/artifact"
	"scalesync/internal/logging"
	"scalesync/internal/models"
	"scalesync/internal/store"
	"scalesync/internal/transport"
)

// ErrAlreadySyncing reports a second concurrent session with the same peer.
// Whole-round overlap is harmless (checkpoints are monotonic); per-peer
// overlap would just waste the peer's bandwidth.
var ErrAlreadySyncing = errors.New("sync already in progress for peer")

// State names the stage a sync session is in, surfaced to the UI through
// progress events.
type State string

const (
	StateIdle                  State = "idle"
	StateConnecting            State = "connecting"
	StateExchangingChanges     State = "exchanging_changes"
	StateApplyingRemote        State = "applying_remote"
	StateTransferringArtifacts State = "transferring_artifacts"
	StateUpdatingCheckpoint    State = "updating_checkpoint"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
	StateClosingSyncStarted    State = "closing_sync_started"
	StateClosingSyncCompleted  State = "closing_sync_completed"
)

// Stage floors for the progress bar. The push loop interpolates between its
// bounds because the pending count is known up front; the pull loop holds at
// its floor because only the peer knows how much is left.
const (
	progressConnecting = 5
	progressPushStart  = 10
	progressPushEnd    = 50
	progressArtifacts  = 90
	progressCheckpoint = 95
	progressDone       = 100
)

// ProgressEvent is one step of a session, delivered to the configured sink.
// Progress is 0-100 across the whole session.
type ProgressEvent struct {
	PeerID   string `json:"peerId"`
	State    State  `json:"state"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Records  int    `json:"records,omitempty"`
}

// Sink receives progress events. It must not block; the engine calls it
// inline.
type Sink func(ProgressEvent)

// Result summarizes one finished session with one peer.
type Result struct {
	PeerID        string `json:"peerId"`
	Success       bool   `json:"success"`
	SyncedRecords int    `json:"syncedRecords"`
	Message       string `json:"message,omitempty"`
}

// Status is a point-in-time snapshot of the engine for the UI.
type Status struct {
	State       State    `json:"state"`
	CurrentPeer string   `json:"currentPeer,omitempty"`
	LastRunAt   int64    `json:"lastRunAt,omitempty"`
	LastResults []Result `json:"lastResults,omitempty"`
}

// Discoverer finds LAN peers. Satisfied by discovery.Discovery.
type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) ([]models.PeerDescriptor, error)
}

// Options wires an Engine. Cloud and Discoverer are both optional: an
// offline station runs LAN-only, a hub-less deployment runs cloud-only.
type Options struct {
	Store     *store.Store
	Self      models.DeviceIdentity
	Artifacts artifact.Store
	Log       *logging.Logger
	Sink      Sink

	PageSize int

	Cloud      transport.Transport
	Discoverer Discoverer
	// DialPeer builds a transport for a discovered LAN peer.
	DialPeer         func(models.PeerDescriptor) transport.Transport
	DiscoveryTimeout time.Duration
}

type Engine struct {
	store     *store.Store
	self      models.DeviceIdentity
	artifacts artifact.Store
	log       *logging.Logger
	sink      Sink

	pageSize         int
	cloud            transport.Transport
	discoverer       Discoverer
	dialPeer         func(models.PeerDescriptor) transport.Transport
	discoveryTimeout time.Duration

	// inFlight guards one session per peer.
	mu       sync.Mutex
	inFlight map[string]bool

	statusMu sync.Mutex
	status   Status
}

func New(opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 3 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.NewNop()
	}
	return &Engine{
		store:            opts.Store,
		self:             opts.Self,
		artifacts:        opts.Artifacts,
		log:              opts.Log,
		sink:             opts.Sink,
		pageSize:         opts.PageSize,
		cloud:            opts.Cloud,
		discoverer:       opts.Discoverer,
		dialPeer:         opts.DialPeer,
		discoveryTimeout: opts.DiscoveryTimeout,
		inFlight:         make(map[string]bool),
		status:           Status{State: StateIdle},
	}
}

// Status returns the engine snapshot for the UI.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	st := e.status
	st.LastResults = append([]Result(nil), e.status.LastResults...)
	return st
}

func (e *Engine) emit(peerID string, state State, msg string, records, progress int) {
	e.statusMu.Lock()
	e.status.State = state
	e.status.CurrentPeer = peerID
	switch state {
	case StateCompleted, StateFailed, StateIdle, StateClosingSyncStarted, StateClosingSyncCompleted:
		e.status.CurrentPeer = ""
	}
	e.statusMu.Unlock()

	if e.sink != nil {
		e.sink(ProgressEvent{PeerID: peerID, State: state, Progress: progress, Message: msg, Records: records})
	}
}

// recordResult keeps a short tail of session results for Status().
func (e *Engine) recordResult(res Result) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status.LastResults = append(e.status.LastResults, res)
	if n := len(e.status.LastResults); n > 16 {
		e.status.LastResults = e.status.LastResults[n-16:]
	}
}

func (e *Engine) acquire(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[peerID] {
		return false
	}
	e.inFlight[peerID] = true
	return true
}

func (e *Engine) release(peerID string) {
	e.mu.Lock()
	delete(e.inFlight, peerID)
	e.mu.Unlock()
}

// SyncWithPeer runs one full session against the peer behind t: health
// probe, push everything past the peer's push checkpoint, pull and apply
// everything past the pull checkpoint, then fetch referenced artifacts.
// One attempt per invocation; a failure returns with whatever progress the
// per-page checkpoints already made durable.
func (e *Engine) SyncWithPeer(ctx context.Context, t transport.Transport) (Result, error) {
	peerID := t.PeerID()
	if !e.acquire(peerID) {
		return Result{PeerID: peerID, Message: "sync already in progress"}, ErrAlreadySyncing
	}
	defer e.release(peerID)

	res, err := e.syncLocked(ctx, t)
	e.recordResult(res)
	return res, err
}

func (e *Engine) syncLocked(ctx context.Context, t transport.Transport) (Result, error) {
	peerID := t.PeerID()
	res := Result{PeerID: peerID}

	e.emit(peerID, StateConnecting, "", 0, progressConnecting)
	health, err := t.Health(ctx)
	if err != nil {
		return e.fail(res, fmt.Errorf("health check: %w", err))
	}
	if health.Status != "ok" {
		return e.fail(res, fmt.Errorf("health check: peer status %q", health.Status))
	}
	// Only the hub promises durable artifact storage; a LAN sibling without
	// S3 is normal.
	if e.isHub(peerID) && !health.StorageConfigured {
		return e.fail(res, fmt.Errorf("health check: %w", transport.ErrStorageUnavailable))
	}

	cp, err := e.store.Checkpoint(peerID)
	if err != nil {
		return e.fail(res, err)
	}

	e.emit(peerID, StateExchangingChanges, "", 0, progressPushStart)
	pushed, pushRefs, err := e.pushAll(ctx, t, cp.LastPushedSeq)
	res.SyncedRecords += pushed
	if err != nil {
		return e.fail(res, fmt.Errorf("push: %w", err))
	}

	e.emit(peerID, StateApplyingRemote, "", res.SyncedRecords, progressPushEnd)
	applied, pullRefs, err := e.pullAll(ctx, t, peerID, cp.LastPulledSeq)
	res.SyncedRecords += applied
	if err != nil {
		return e.fail(res, fmt.Errorf("pull: %w", err))
	}

	// Artifact transfer is best effort: a missing blob never fails the
	// session, the reference stays and a later session retries.
	e.emit(peerID, StateTransferringArtifacts, "", res.SyncedRecords, progressArtifacts)
	missing := e.sendArtifacts(ctx, t, pushRefs)
	missing += e.fetchArtifacts(ctx, t, pullRefs)
	if missing > 0 {
		res.Message = fmt.Sprintf("%d artifacts pending", missing)
	}

	e.emit(peerID, StateUpdatingCheckpoint, "", res.SyncedRecords, progressCheckpoint)
	if err := e.store.MarkPeerSynced(peerID, time.Now().Unix()); err != nil {
		e.log.Warnf("mark peer %s synced failed: %v", peerID, err)
	}

	res.Success = true
	e.emit(peerID, StateCompleted, res.Message, res.SyncedRecords, progressDone)
	e.log.Infof("sync with %s completed: %d records", peerID, res.SyncedRecords)
	return res, nil
}

// isHub reports whether the peer is the cloud hub, the one peer whose
// storage backing gates the session.
func (e *Engine) isHub(peerID string) bool {
	if e.cloud != nil && peerID == e.cloud.PeerID() {
		return true
	}
	return peerID == models.CloudDeviceID
}

func (e *Engine) fail(res Result, err error) (Result, error) {
	res.Message = err.Error()
	e.emit(res.PeerID, StateFailed, res.Message, res.SyncedRecords, 0)
	e.log.Warnf("sync with %s failed: %v", res.PeerID, err)
	return res, err
}

// pushAll sends local changes page by page, advancing the push checkpoint
// after each acknowledged page so an interrupted session resumes where it
// stopped instead of resending. Entries this station received from the peer
// itself are skipped over, never echoed back. Returns the artifact refs
// carried by the pushed entries; their blobs follow in the artifact stage.
func (e *Engine) pushAll(ctx context.Context, t transport.Transport, since int64) (int, []string, error) {
	peerID := t.PeerID()
	total := 0
	var refs []string
	pending, err := e.store.PendingChanges(since, peerID)
	if err != nil {
		return 0, nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return total, refs, err
		}
		page, next, err := e.store.ChangesSince(since, e.pageSize, peerID)
		if err != nil {
			return total, refs, err
		}
		if next == since {
			return total, refs, nil
		}
		if len(page) > 0 {
			acked, err := t.PushChanges(ctx, page)
			if err != nil {
				return total, refs, err
			}
			if last := page[len(page)-1].Seq; acked < last {
				// A peer acking short of the page would resend forever;
				// treat as a protocol error.
				return total, refs, fmt.Errorf("peer acked %d of a page ending at %d", acked, last)
			}
			refs = append(refs, artifactRefsOf(page)...)
			total += len(page)
		}
		if err := e.store.AdvancePushed(peerID, next); err != nil {
			return total, refs, err
		}
		since = next
		pct := progressPushEnd
		if total < pending && pending > 0 {
			pct = progressPushStart + (progressPushEnd-progressPushStart)*total/pending
		}
		e.emit(peerID, StateExchangingChanges, fmt.Sprintf("pushed %d changes", total), total, pct)
	}
}

// artifactRefsOf extracts artifact references from the biometric entries in
// a page.
func artifactRefsOf(page []models.ChangeLogEntry) []string {
	var refs []string
	for _, entry := range page {
		if entry.EntityType != models.EntityBiometricRecord || entry.Op == models.OpDelete {
			continue
		}
		var b models.BiometricRecord
		if json.Unmarshal(entry.Snapshot, &b) != nil {
			continue
		}
		refs = append(refs, b.ArtifactRefs()...)
	}
	return refs
}

// pullAll fetches and applies the peer's changes page by page, walking the
// peer's log by its cursor. ApplyPage commits each page and its cursor
// atomically, so a failure here costs at most the current page.
func (e *Engine) pullAll(ctx context.Context, t transport.Transport, peerID string, cursor int64) (int, []string, error) {
	applied := 0
	var refs []string
	for {
		if err := ctx.Err(); err != nil {
			return applied, refs, err
		}
		page, next, err := t.PullChanges(ctx, cursor, e.pageSize)
		if err != nil {
			return applied, refs, err
		}
		if next <= cursor {
			if len(page) > 0 {
				// A stuck cursor with entries would refetch the same page
				// forever; treat as a protocol error.
				return applied, refs, fmt.Errorf("pull cursor did not advance past %d", cursor)
			}
			return applied, refs, nil
		}
		res, err := e.store.ApplyPage(peerID, page, next)
		if err != nil {
			return applied, refs, err
		}
		if res.Skipped > 0 {
			e.log.Warnf("skipped %d malformed entries pulled from %s", res.Skipped, peerID)
		}
		applied += res.Applied
		refs = append(refs, res.ArtifactRefs...)
		cursor = next
		e.emit(peerID, StateApplyingRemote, fmt.Sprintf("applied %d changes", applied), applied, progressPushEnd)
	}
}

// sendArtifacts uploads the blobs behind refs the peer was just told about.
// Returns how many could not be sent; a re-upload of a blob the peer already
// holds overwrites the same content harmlessly.
func (e *Engine) sendArtifacts(ctx context.Context, t transport.Transport, refs []string) int {
	missing := 0
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		data, err := e.artifacts.Get(ctx, ref)
		if err != nil {
			e.log.Debugf("artifact %s not readable locally: %v", ref, err)
			missing++
			continue
		}
		if err := t.UploadArtifact(ctx, ref, data); err != nil {
			e.log.Debugf("artifact %s not uploaded to %s: %v", ref, t.PeerID(), err)
			missing++
		}
	}
	return missing
}

// fetchArtifacts downloads referenced blobs this station does not have yet.
// Returns how many could not be fetched.
func (e *Engine) fetchArtifacts(ctx context.Context, t transport.Transport, refs []string) int {
	missing := 0
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		if ok, err := e.artifacts.Has(ctx, ref); err == nil && ok {
			continue
		}
		data, err := t.DownloadArtifact(ctx, ref)
		if err != nil {
			e.log.Debugf("artifact %s not fetched from %s: %v", ref, t.PeerID(), err)
			missing++
			continue
		}
		if err := e.artifacts.Put(ctx, ref, data); err != nil {
			e.log.Warnf("store artifact %s failed: %v", ref, err)
			missing++
		}
	}
	return missing
}

// SyncFromCloud runs one session against the configured cloud hub.
func (e *Engine) SyncFromCloud(ctx context.Context) (Result, error) {
	if e.cloud == nil {
		return Result{}, errors.New("cloud sync not configured")
	}
	return e.SyncWithPeer(ctx, e.cloud)
}

// PerformAutoSync runs one full round: discover LAN peers, sync with each in
// turn, then sync with the cloud hub regardless of how the LAN legs went.
// Peers that fail do not stop the round.
func (e *Engine) PerformAutoSync(ctx context.Context) []Result {
	var results []Result

	if e.discoverer != nil && e.dialPeer != nil {
		peers, err := e.discoverer.Discover(ctx, e.discoveryTimeout)
		if err != nil {
			e.log.Warnf("discovery failed: %v", err)
		}
		for _, p := range peers {
			if p.ID == e.self.ID {
				continue
			}
			res, err := e.SyncWithPeer(ctx, e.dialPeer(p))
			if errors.Is(err, ErrAlreadySyncing) {
				continue
			}
			results = append(results, res)
		}
	}

	if e.cloud != nil {
		res, err := e.SyncFromCloud(ctx)
		if !errors.Is(err, ErrAlreadySyncing) {
			results = append(results, res)
		}
	}

	if removed, err := e.store.Compact(); err != nil {
		e.log.Warnf("compaction failed: %v", err)
	} else if removed > 0 {
		e.log.Debugf("compacted %d change-log entries", removed)
	}

	e.statusMu.Lock()
	e.status.State = StateIdle
	e.status.LastRunAt = time.Now().Unix()
	e.status.LastResults = results
	e.statusMu.Unlock()
	return results
}

// ClosingSync runs a final round under a hard deadline, for the end-of-day
// shutdown path. It reports how the round went but never blocks shutdown
// past the budget.
func (e *Engine) ClosingSync(ctx context.Context, budget time.Duration) []Result {
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	e.emit("", StateClosingSyncStarted, "closing sync started", 0, 0)
	results := e.PerformAutoSync(cctx)
	e.emit("", StateClosingSyncCompleted, "closing sync complete", 0, progressDone)
	return results
}

// Run performs auto-sync rounds on a fixed interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PerformAutoSync(ctx)
		}
	}
}
