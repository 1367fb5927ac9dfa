package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"scalesync/internal/logging"
	"scalesync/internal/models"
)

type recordingCache struct {
	mu    sync.Mutex
	peers []models.PeerDescriptor
}

func (c *recordingCache) UpsertKnownPeer(p models.PeerDescriptor, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append(c.peers, p)
	return nil
}

func TestDiscoverFindsAdvertisingPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder := New(models.PeerDescriptor{ID: "station-b", Name: "scale-2", Port: 8830}, 0, nil, logging.NewNop())
	if err := responder.Advertise(ctx); err != nil {
		t.Fatalf("advertise: %v", err)
	}

	cache := &recordingCache{}
	seeker := New(models.PeerDescriptor{ID: "station-a", Name: "scale-1", Port: 8830}, 0, cache, logging.NewNop())
	seeker.SetBroadcastAddr(fmt.Sprintf("127.0.0.1:%d", responder.Addr().Port))

	peers, err := seeker.Discover(ctx, time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("found %d peers, want 1", len(peers))
	}
	p := peers[0]
	if p.ID != "station-b" || p.Name != "scale-2" || p.Port != 8830 {
		t.Fatalf("descriptor %+v", p)
	}
	if p.IP == "" {
		t.Fatal("peer address not filled from the socket")
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.peers) != 1 || cache.peers[0].ID != "station-b" {
		t.Fatalf("cache %+v", cache.peers)
	}
}

func TestDiscoverTimesOutQuietly(t *testing.T) {
	// Nobody is advertising; discovery must return empty, not error.
	seeker := New(models.PeerDescriptor{ID: "station-a"}, 0, nil, logging.NewNop())
	seeker.SetBroadcastAddr("127.0.0.1:1") // nothing listens there

	start := time.Now()
	peers, err := seeker.Discover(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("found %d peers on a silent network", len(peers))
	}
	if time.Since(start) > time.Second {
		t.Fatal("discovery overshot its timeout")
	}
}

func TestAdvertiseIgnoresOwnProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := New(models.PeerDescriptor{ID: "station-a", Name: "scale-1", Port: 8830}, 0, nil, logging.NewNop())
	if err := node.Advertise(ctx); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	node.SetBroadcastAddr(fmt.Sprintf("127.0.0.1:%d", node.Addr().Port))

	peers, err := node.Discover(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("node discovered itself: %+v", peers)
	}
}
