package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scalesync/internal/artifact"
	"scalesync/internal/logging"
	"scalesync/internal/models"
	"scalesync/internal/store"
	"scalesync/internal/transport"
)

func openTestStore(t *testing.T, deviceID string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), models.DeviceIdentity{ID: deviceID, Name: deviceID})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// memArtifacts is an in-memory artifact.Store for tests.
type memArtifacts struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{blobs: make(map[string][]byte)} }

func (m *memArtifacts) Put(_ context.Context, ref string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref] = append([]byte(nil), data...)
	return nil
}

func (m *memArtifacts) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return data, nil
}

func (m *memArtifacts) Has(_ context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[ref]
	return ok, nil
}

// storeTransport short-circuits the wire: pushes apply directly to the
// remote store, pulls read its change log. callerID is the local device as
// the remote sees it.
type storeTransport struct {
	remote    *store.Store
	artifacts artifact.Store
	callerID  string

	failPushAfter int // fail the Nth push page when > 0
	pushes        int
}

func (st *storeTransport) PeerID() string { return st.remote.Identity().ID }

func (st *storeTransport) Health(context.Context) (transport.Health, error) {
	return transport.Health{Status: "ok", StorageConfigured: true}, nil
}

func (st *storeTransport) PushChanges(_ context.Context, changes []models.ChangeLogEntry) (int64, error) {
	st.pushes++
	if st.failPushAfter > 0 && st.pushes > st.failPushAfter {
		return 0, transport.ErrUnreachable
	}
	acked := maxPushedSeq(changes)
	if _, err := st.remote.ApplyPage(st.callerID, changes, acked); err != nil {
		return 0, err
	}
	return acked, nil
}

func (st *storeTransport) PullChanges(_ context.Context, cursor int64, limit int) ([]models.ChangeLogEntry, int64, error) {
	return st.remote.ChangesSince(cursor, limit, st.callerID)
}

func maxPushedSeq(entries []models.ChangeLogEntry) int64 {
	var m int64
	for _, e := range entries {
		if e.Seq > m {
			m = e.Seq
		}
	}
	return m
}

func (st *storeTransport) UploadArtifact(ctx context.Context, ref string, data []byte) error {
	return st.artifacts.Put(ctx, ref, data)
}

func (st *storeTransport) DownloadArtifact(ctx context.Context, ref string) ([]byte, error) {
	data, err := st.artifacts.Get(ctx, ref)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, transport.ErrNotFound
	}
	return data, err
}

func newTestEngine(t *testing.T, st *store.Store, art artifact.Store) *Engine {
	t.Helper()
	return New(Options{
		Store:     st,
		Self:      st.Identity(),
		Artifacts: art,
		Log:       logging.NewNop(),
		PageSize:  2,
	})
}

func TestSyncConvergesThroughHub(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")
	b := openTestStore(t, "station-b")
	hubArt := newMemArtifacts()
	aArt := newMemArtifacts()
	bArt := newMemArtifacts()

	// A captures a customer with a biometric artifact.
	c := &models.Customer{Name: "Ada"}
	if err := a.SaveCustomer(c); err != nil {
		t.Fatalf("save customer: %v", err)
	}
	photo := []byte("face-bytes")
	ref := artifact.ContentRef(photo)
	if err := aArt.Put(context.Background(), ref, photo); err != nil {
		t.Fatalf("store artifact: %v", err)
	}
	bio := &models.BiometricRecord{CustomerID: c.ID, FaceRef: ref}
	if err := a.SaveBiometricRecord(bio); err != nil {
		t.Fatalf("save biometric: %v", err)
	}

	engA := newTestEngine(t, a, aArt)
	engB := newTestEngine(t, b, bArt)

	resA, err := engA.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-a"})
	if err != nil {
		t.Fatalf("a -> hub: %v", err)
	}
	if !resA.Success || resA.SyncedRecords != 2 {
		t.Fatalf("a -> hub result %+v", resA)
	}

	resB, err := engB.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-b"})
	if err != nil {
		t.Fatalf("b <- hub: %v", err)
	}
	if !resB.Success {
		t.Fatalf("b <- hub result %+v", resB)
	}

	got, err := b.GetCustomer(c.ID)
	if err != nil {
		t.Fatalf("customer did not reach b: %v", err)
	}
	if got.Name != "Ada" {
		t.Fatalf("customer mangled in transit: %+v", got)
	}

	// The blob travelled station-a -> hub -> station-b.
	data, err := bArt.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("artifact did not reach b: %v", err)
	}
	if string(data) != string(photo) {
		t.Fatal("artifact content corrupted")
	}
}

func TestSyncIsIdempotentAcrossSessions(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")

	if err := a.SaveCustomer(&models.Customer{Name: "Ada"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	eng := newTestEngine(t, a, newMemArtifacts())
	tr := &storeTransport{remote: hub, artifacts: newMemArtifacts(), callerID: "station-a"}

	if _, err := eng.SyncWithPeer(context.Background(), tr); err != nil {
		t.Fatalf("first session: %v", err)
	}
	res, err := eng.SyncWithPeer(context.Background(), tr)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if res.SyncedRecords != 0 {
		t.Fatalf("second session resent %d records", res.SyncedRecords)
	}
}

func TestPushResumesAfterMidSessionFailure(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")

	// Five records at page size 2 means three push pages.
	for _, name := range []string{"Ada", "Grace", "Edsger", "Barbara", "Donald"} {
		if err := a.SaveCustomer(&models.Customer{Name: name}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	eng := newTestEngine(t, a, newMemArtifacts())
	failing := &storeTransport{remote: hub, artifacts: newMemArtifacts(), callerID: "station-a", failPushAfter: 1}
	if _, err := eng.SyncWithPeer(context.Background(), failing); err == nil {
		t.Fatal("expected mid-session failure")
	}

	// The first page's progress survived the failure.
	cp, _ := a.Checkpoint("cloud")
	if cp.LastPushedSeq == 0 {
		t.Fatal("checkpoint lost acknowledged progress")
	}

	// The retry picks up after the checkpoint; the hub ends complete and
	// duplicate-free.
	healthy := &storeTransport{remote: hub, artifacts: newMemArtifacts(), callerID: "station-a"}
	res, err := eng.SyncWithPeer(context.Background(), healthy)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.SyncedRecords >= 5 {
		t.Fatalf("retry resent already-acked records: %d", res.SyncedRecords)
	}
	customers, _ := hub.ListCustomers()
	if len(customers) != 5 {
		t.Fatalf("hub has %d customers, want 5", len(customers))
	}
}

func TestConcurrentSessionsSamePeerRejected(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")
	eng := newTestEngine(t, a, newMemArtifacts())

	// Hold the peer's slot as a running session would.
	if !eng.acquire("cloud") {
		t.Fatal("acquire failed on idle engine")
	}
	defer eng.release("cloud")

	_, err := eng.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: newMemArtifacts(), callerID: "station-a"})
	if !errors.Is(err, ErrAlreadySyncing) {
		t.Fatalf("got %v, want ErrAlreadySyncing", err)
	}
}

func TestMissingArtifactDoesNotFailSession(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")
	b := openTestStore(t, "station-b")

	c := &models.Customer{Name: "Ada"}
	if err := a.SaveCustomer(c); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Record references a blob station A never stored.
	bio := &models.BiometricRecord{CustomerID: c.ID, FaceRef: "sha256/deadbeef"}
	if err := a.SaveBiometricRecord(bio); err != nil {
		t.Fatalf("save biometric: %v", err)
	}

	hubArt := newMemArtifacts()
	engA := newTestEngine(t, a, newMemArtifacts())
	if _, err := engA.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-a"}); err != nil {
		t.Fatalf("a -> hub: %v", err)
	}

	engB := newTestEngine(t, b, newMemArtifacts())
	res, err := engB.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-b"})
	if err != nil {
		t.Fatalf("session failed on missing artifact: %v", err)
	}
	if !res.Success {
		t.Fatalf("result %+v", res)
	}
	if res.Message == "" {
		t.Fatal("pending artifacts not reported")
	}

	// The record itself still synced; only the blob is pending.
	if _, err := b.GetBiometricRecord(bio.ID); err != nil {
		t.Fatalf("biometric record did not sync: %v", err)
	}
}

func TestHubWithoutStorageRefused(t *testing.T) {
	a := openTestStore(t, "station-a")
	eng := newTestEngine(t, a, newMemArtifacts())

	_, err := eng.SyncWithPeer(context.Background(), &unhealthyTransport{})
	if !errors.Is(err, transport.ErrStorageUnavailable) {
		t.Fatalf("got %v, want ErrStorageUnavailable", err)
	}
	st := eng.Status()
	if st.State != StateFailed {
		t.Fatalf("status state %s, want failed", st.State)
	}
}

type unhealthyTransport struct{ storeTransport }

func (u *unhealthyTransport) PeerID() string { return "cloud" }

func (u *unhealthyTransport) Health(context.Context) (transport.Health, error) {
	return transport.Health{Status: "ok", StorageConfigured: false}, nil
}

func TestPerformAutoSyncSyncsDiscoveredPeersAndCloud(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")
	b := openTestStore(t, "station-b")
	hubArt := newMemArtifacts()
	bArt := newMemArtifacts()

	if err := a.SaveCustomer(&models.Customer{Name: "Ada"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	eng := New(Options{
		Store:     a,
		Self:      a.Identity(),
		Artifacts: newMemArtifacts(),
		Log:       logging.NewNop(),
		Cloud:     &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-a"},
		Discoverer: staticDiscoverer{peers: []models.PeerDescriptor{
			{ID: "station-b", Name: "b", IP: "127.0.0.1", Port: 1},
		}},
		DialPeer: func(models.PeerDescriptor) transport.Transport {
			return &storeTransport{remote: b, artifacts: bArt, callerID: "station-a"}
		},
		DiscoveryTimeout: 10 * time.Millisecond,
	})

	results := eng.PerformAutoSync(context.Background())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (lan peer + cloud)", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("leg %s failed: %s", r.PeerID, r.Message)
		}
	}
	bCustomers, _ := b.ListCustomers()
	hubCustomers, _ := hub.ListCustomers()
	if len(bCustomers) != 1 || len(hubCustomers) != 1 {
		t.Fatalf("record did not reach both: b=%d hub=%d", len(bCustomers), len(hubCustomers))
	}
}

type staticDiscoverer struct{ peers []models.PeerDescriptor }

func (d staticDiscoverer) Discover(context.Context, time.Duration) ([]models.PeerDescriptor, error) {
	return d.peers, nil
}

// A change that reaches the hub after another station already caught up must
// still arrive on that station's next session: the pull cursor walks the
// hub's log, not the change's timestamp.
func TestLateArrivalReachesPeerThroughHub(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")
	b := openTestStore(t, "station-b")
	hubArt := newMemArtifacts()

	// A records first (older timestamp) but stays offline.
	ca := &models.Customer{Name: "From A"}
	if err := a.SaveCustomer(ca); err != nil {
		t.Fatalf("save on a: %v", err)
	}
	cb := &models.Customer{Name: "From B"}
	if err := b.SaveCustomer(cb); err != nil {
		t.Fatalf("save on b: %v", err)
	}

	engA := newTestEngine(t, a, newMemArtifacts())
	engB := newTestEngine(t, b, newMemArtifacts())

	// B syncs first; its cursor now points past everything on the hub.
	if _, err := engB.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-b"}); err != nil {
		t.Fatalf("b first session: %v", err)
	}

	// A comes online; its older change lands at the tail of the hub's log.
	if _, err := engA.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-a"}); err != nil {
		t.Fatalf("a session: %v", err)
	}
	if _, err := hub.GetCustomer(ca.ID); err != nil {
		t.Fatalf("a's record did not reach the hub: %v", err)
	}

	if _, err := engB.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: hubArt, callerID: "station-b"}); err != nil {
		t.Fatalf("b second session: %v", err)
	}
	got, err := b.GetCustomer(ca.ID)
	if err != nil {
		t.Fatalf("a's record never reached b: %v", err)
	}
	if got.Name != "From A" {
		t.Fatalf("record mangled in transit: %+v", got)
	}
}

// A LAN sibling without durable artifact storage is a normal peer; only the
// hub's storage backing gates a session.
func TestLanPeerWithoutStorageAccepted(t *testing.T) {
	a := openTestStore(t, "station-a")
	b := openTestStore(t, "station-b")

	if err := a.SaveCustomer(&models.Customer{Name: "Ada"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	eng := newTestEngine(t, a, newMemArtifacts())
	peer := &lanPeerNoStorage{storeTransport{remote: b, artifacts: newMemArtifacts(), callerID: "station-a"}}
	res, err := eng.SyncWithPeer(context.Background(), peer)
	if err != nil {
		t.Fatalf("lan session refused: %v", err)
	}
	if !res.Success || res.SyncedRecords != 1 {
		t.Fatalf("result %+v", res)
	}
	customers, _ := b.ListCustomers()
	if len(customers) != 1 {
		t.Fatalf("record did not reach the lan peer: %d customers", len(customers))
	}
}

type lanPeerNoStorage struct{ storeTransport }

func (l *lanPeerNoStorage) Health(context.Context) (transport.Health, error) {
	return transport.Health{Status: "ok", StorageConfigured: false}, nil
}

// Progress events carry a 0-100 value that never moves backwards within a
// session and lands on 100 at completion.
func TestProgressReportedAcrossSession(t *testing.T) {
	hub := openTestStore(t, "cloud")
	a := openTestStore(t, "station-a")

	for _, name := range []string{"Ada", "Grace", "Edsger"} {
		if err := a.SaveCustomer(&models.Customer{Name: name}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	var events []ProgressEvent
	eng := New(Options{
		Store:     a,
		Self:      a.Identity(),
		Artifacts: newMemArtifacts(),
		Log:       logging.NewNop(),
		PageSize:  2,
		Sink:      func(ev ProgressEvent) { events = append(events, ev) },
	})

	if _, err := eng.SyncWithPeer(context.Background(), &storeTransport{remote: hub, artifacts: newMemArtifacts(), callerID: "station-a"}); err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no progress events emitted")
	}
	prev := -1
	for i, ev := range events {
		if ev.Progress < 0 || ev.Progress > 100 {
			t.Fatalf("event %d progress %d out of range", i, ev.Progress)
		}
		if ev.Progress < prev {
			t.Fatalf("progress moved backwards at event %d: %d -> %d", i, prev, ev.Progress)
		}
		prev = ev.Progress
	}
	last := events[len(events)-1]
	if last.State != StateCompleted || last.Progress != 100 {
		t.Fatalf("final event %+v", last)
	}
}

func TestClosingSyncEmitsDistinctEvents(t *testing.T) {
	a := openTestStore(t, "station-a")

	var events []ProgressEvent
	eng := New(Options{
		Store:     a,
		Self:      a.Identity(),
		Artifacts: newMemArtifacts(),
		Log:       logging.NewNop(),
		Sink:      func(ev ProgressEvent) { events = append(events, ev) },
	})

	eng.ClosingSync(context.Background(), time.Second)
	if len(events) < 2 {
		t.Fatalf("got %d events, want the start/complete pair", len(events))
	}
	if events[0].State != StateClosingSyncStarted {
		t.Fatalf("first event %+v, want closing sync started", events[0])
	}
	last := events[len(events)-1]
	if last.State != StateClosingSyncCompleted || last.Progress != 100 {
		t.Fatalf("last event %+v, want closing sync completed at 100", last)
	}
}
