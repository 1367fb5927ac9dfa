// Package discovery finds sibling installations on the local network with a
// UDP broadcast probe. Stations that are up answer with their descriptor;
// stations that are down simply do not appear. Discovery always returns
// within its timeout and never fails just because nobody answered.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"scalesync/internal/logging"
	"scalesync/internal/models"
)

const probeType = "scalesync-probe"

type probeMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// peerCache persists responders so the UI can list known devices with their
// last sync time even while they are offline.
type peerCache interface {
	UpsertKnownPeer(p models.PeerDescriptor, seenAt int64) error
}

type Discovery struct {
	self  models.PeerDescriptor
	port  int
	cache peerCache
	log   *logging.Logger

	// broadcastAddr is overridable for tests; defaults to the limited
	// broadcast address on the discovery port.
	broadcastAddr string

	addr *net.UDPAddr
}

func New(self models.PeerDescriptor, port int, cache peerCache, log *logging.Logger) *Discovery {
	return &Discovery{
		self:          self,
		port:          port,
		cache:         cache,
		log:           log,
		broadcastAddr: fmt.Sprintf("255.255.255.255:%d", port),
	}
}

// SetBroadcastAddr points probes at a specific address instead of the
// limited broadcast, for tests and constrained networks.
func (d *Discovery) SetBroadcastAddr(addr string) { d.broadcastAddr = addr }

// Addr reports where Advertise is listening; nil before Advertise.
func (d *Discovery) Addr() *net.UDPAddr { return d.addr }

// Advertise answers discovery probes until ctx is cancelled. It returns once
// the listener is up; probe handling continues in the background.
func (d *Discovery) Advertise(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.port})
	if err != nil {
		return fmt.Errorf("listen discovery port %d: %w", d.port, err)
	}

	d.addr = conn.LocalAddr().(*net.UDPAddr)

	reply, err := json.Marshal(d.self)
	if err != nil {
		_ = conn.Close()
		return err
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var p probeMessage
			if json.Unmarshal(buf[:n], &p) != nil || p.Type != probeType {
				continue
			}
			if p.DeviceID == d.self.ID {
				continue
			}
			if _, err := conn.WriteToUDP(reply, addr); err != nil {
				d.log.Debugf("discovery reply to %s failed: %v", addr, err)
			}
		}
	}()
	return nil
}

// Discover broadcasts a probe and collects responders until the timeout.
// The result is a snapshot at a point in time; the caller decides which
// peers to act on.
func (d *Discovery) Discover(ctx context.Context, timeout time.Duration) ([]models.PeerDescriptor, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	target, err := net.ResolveUDPAddr("udp4", d.broadcastAddr)
	if err != nil {
		return nil, err
	}
	probe, err := json.Marshal(probeMessage{Type: probeType, DeviceID: d.self.ID})
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(probe, target); err != nil {
		return nil, fmt.Errorf("send discovery probe: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	seen := make(map[string]bool)
	var peers []models.PeerDescriptor
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline reached: return whatever answered.
			break
		}
		var p models.PeerDescriptor
		if json.Unmarshal(buf[:n], &p) != nil || p.ID == "" {
			continue
		}
		if p.ID == d.self.ID || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		// Trust the socket over the advertisement for the peer's address.
		p.IP = addr.IP.String()
		peers = append(peers, p)
		if d.cache != nil {
			if err := d.cache.UpsertKnownPeer(p, time.Now().Unix()); err != nil {
				d.log.Warnf("persist discovered peer %s failed: %v", p.ID, err)
			}
		}
	}
	return peers, nil
}
