package core

import (
	"sync"
	"time"
)

// PeerID identifies a peer, matching the libp2p peer id string form.
type PeerID string

// PeerMetadata is the self-reported load/health snapshot a peer advertises
// in its heartbeat.
type PeerMetadata struct {
	CPUUsage        float64
	MemoryUsage     float64
	NetworkLatencyMS float64
	AgentCount      int
	LastSeen        time.Time
}

// Peer is a known member of the mesh. Topology holds read-only references to
// Peer records; only Transport mutates them.
type Peer struct {
	mu           sync.RWMutex
	ID           PeerID
	Addrs        []string
	Capabilities map[string]struct{}
	Metadata     PeerMetadata
}

// NewPeer constructs a Peer with an empty capability set.
func NewPeer(id PeerID, addrs []string) *Peer {
	return &Peer{ID: id, Addrs: addrs, Capabilities: make(map[string]struct{})}
}

// Touch updates last_seen to now, called on any received message from this peer.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.Metadata.LastSeen = time.Now()
	p.mu.Unlock()
}

// UpdateMetadata replaces the peer's self-reported metadata, preserving
// LastSeen if the incoming value is zero.
func (p *Peer) UpdateMetadata(md PeerMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if md.LastSeen.IsZero() {
		md.LastSeen = p.Metadata.LastSeen
	}
	p.Metadata = md
}

// Snapshot returns a copy of the peer's metadata, safe for concurrent readers.
func (p *Peer) Snapshot() PeerMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Metadata
}

// IsStale reports whether this peer's last_seen age exceeds threshold —
// the partition-candidate predicate from §3/§4.5.
func (p *Peer) IsStale(threshold time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Metadata.LastSeen.IsZero() {
		return false
	}
	return time.Since(p.Metadata.LastSeen) > threshold
}

// HasCapability reports whether tag is in the peer's capability set.
func (p *Peer) HasCapability(tag string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.Capabilities[tag]
	return ok
}

// SetCapabilities replaces the peer's capability set.
func (p *Peer) SetCapabilities(tags []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Capabilities = make(map[string]struct{}, len(tags))
	for _, t := range tags {
		p.Capabilities[t] = struct{}{}
	}
}

// ConnectionState is the lifecycle state of a Transport-owned Connection.
type ConnectionState int

const (
	ConnConnecting ConnectionState = iota
	ConnConnected
	ConnClosing
	ConnFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnClosing:
		return "closing"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is Transport's exclusive record of a session with one peer.
// Topology may read it via Snapshot but never mutates it.
type Connection struct {
	mu           sync.RWMutex
	PeerID       PeerID
	State        ConnectionState
	LatencyMS    float64
	BandwidthBPS float64
	Sent         uint64
	Received     uint64
	Bytes        uint64
	LastActivity time.Time
}

// NewConnection constructs a Connecting-state Connection for peerID.
func NewConnection(peerID PeerID) *Connection {
	return &Connection{PeerID: peerID, State: ConnConnecting, LastActivity: time.Now()}
}

// ConnectionSnapshot is an immutable point-in-time view of a Connection.
type ConnectionSnapshot struct {
	PeerID       PeerID
	State        ConnectionState
	LatencyMS    float64
	BandwidthBPS float64
	Sent         uint64
	Received     uint64
	Bytes        uint64
	LastActivity time.Time
}

// Snapshot returns a value copy of the connection's fields.
func (c *Connection) Snapshot() ConnectionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionSnapshot{
		PeerID: c.PeerID, State: c.State, LatencyMS: c.LatencyMS, BandwidthBPS: c.BandwidthBPS,
		Sent: c.Sent, Received: c.Received, Bytes: c.Bytes, LastActivity: c.LastActivity,
	}
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.State = s
	c.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) recordSent(n uint64) {
	c.mu.Lock()
	c.Sent++
	c.Bytes += n
	c.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) recordReceived(n uint64) {
	c.mu.Lock()
	c.Received++
	c.Bytes += n
	c.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) recordLatency(ms float64) {
	c.mu.Lock()
	c.LatencyMS = ms
	c.mu.Unlock()
}
