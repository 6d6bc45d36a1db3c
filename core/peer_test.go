package core

import (
	"testing"
	"time"
)

func TestPeerMetadataAndStaleness(t *testing.T) {
	p := NewPeer("peer-1", []string{"/ip4/127.0.0.1/tcp/4001"})
	if p.IsStale(time.Second) {
		t.Fatal("a peer with no metadata yet should not be considered stale")
	}
	p.UpdateMetadata(PeerMetadata{CPUUsage: 0.5, AgentCount: 3})
	if p.Snapshot().CPUUsage != 0.5 {
		t.Fatalf("expected CPUUsage 0.5, got %f", p.Snapshot().CPUUsage)
	}
	p.Touch()
	if p.IsStale(time.Minute) {
		t.Fatal("freshly touched peer should not be stale")
	}
}

func TestPeerStaleAfterThreshold(t *testing.T) {
	p := NewPeer("peer-2", nil)
	p.UpdateMetadata(PeerMetadata{LastSeen: time.Now().Add(-time.Hour)})
	if !p.IsStale(time.Minute) {
		t.Fatal("expected peer to be stale")
	}
}

func TestPeerCapabilities(t *testing.T) {
	p := NewPeer("peer-3", nil)
	p.SetCapabilities([]string{"gpu", "consensus"})
	if !p.HasCapability("gpu") {
		t.Fatal("expected gpu capability")
	}
	if p.HasCapability("tpu") {
		t.Fatal("did not expect tpu capability")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	c := NewConnection("peer-4")
	if c.Snapshot().State != ConnConnecting {
		t.Fatalf("expected initial state Connecting, got %v", c.Snapshot().State)
	}
	c.setState(ConnConnected)
	c.recordSent(100)
	c.recordReceived(50)
	c.recordLatency(12.5)
	snap := c.Snapshot()
	if snap.State != ConnConnected {
		t.Fatalf("expected Connected, got %v", snap.State)
	}
	if snap.Sent != 1 || snap.Received != 1 {
		t.Fatalf("expected 1 sent and 1 received, got %d/%d", snap.Sent, snap.Received)
	}
	if snap.Bytes != 150 {
		t.Fatalf("expected 150 bytes tracked, got %d", snap.Bytes)
	}
	if snap.LatencyMS != 12.5 {
		t.Fatalf("expected latency 12.5, got %f", snap.LatencyMS)
	}
}
