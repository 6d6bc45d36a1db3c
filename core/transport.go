package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"
)

// meshProtocol is the libp2p stream protocol ID for direct (non-gossip)
// sends, mirroring how the teacher's network.go pinned a protocol.ID for its
// point-to-point RPC stream.
const meshProtocol = protocol.ID("/synapticmesh/direct/1.0.0")

const gossipTopicName = "synapticmesh/broadcast/v1"

// Dispatcher routes a decoded Message to whichever component owns its Type.
// Transport never interprets payloads itself; it only decodes framing,
// dedups, and forwards.
type Dispatcher interface {
	Dispatch(from PeerID, msg Message)
}

// TransportConfig configures the libp2p host and heartbeat cadence.
type TransportConfig struct {
	ListenAddrs       []string
	BootstrapPeers    []string
	HeartbeatInterval time.Duration
	SendQueueSize     int
	DedupTTL          time.Duration
}

// Transport owns the libp2p host, gossip topic, and every Connection/Peer
// record. Mesh Topology reads Connection/Peer state through accessor
// methods but never mutates it, preserving the lock order from the
// Concurrency & Resource Model (Agent < Connection < Topology < Consensus).
type Transport struct {
	cfg  TransportConfig
	log  *logrus.Entry
	self PeerID

	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu    sync.RWMutex
	peers map[PeerID]*Peer
	conns map[PeerID]*Connection
	queue map[PeerID]chan Message

	dedup      *dedupCache
	dispatcher Dispatcher

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTransport builds a libp2p host, joins the broadcast gossip topic, and
// registers mDNS discovery, grounded on the standard libp2p bring-up
// sequence (host.New -> pubsub.NewGossipSub -> topic.Subscribe -> mdns.NewMdnsService).
func NewTransport(ctx context.Context, cfg TransportConfig, self PeerID, dispatcher Dispatcher) (*Transport, error) {
	opts := []libp2p.Option{}
	for _, a := range cfg.ListenAddrs {
		opts = append(opts, libp2p.ListenAddrStrings(a))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("transport: gossipsub: %w", err)
	}
	topic, err := ps.Join(gossipTopicName)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Minute
	}

	t := &Transport{
		cfg:        cfg,
		log:        logrus.WithField("component", "transport"),
		self:       self,
		host:       h,
		topic:      topic,
		sub:        sub,
		peers:      make(map[PeerID]*Peer),
		conns:      make(map[PeerID]*Connection),
		queue:      make(map[PeerID]chan Message),
		dedup:      newDedupCache(8192, cfg.DedupTTL),
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
	}

	h.SetStreamHandler(meshProtocol, t.handleStream)

	disc := mdns.NewMdnsService(h, "synapticmesh", t)
	if err := disc.Start(); err != nil {
		t.log.WithError(err).Warn("mdns discovery unavailable")
	}

	return t, nil
}

// SetDispatcher binds (or rebinds) the component that receives decoded
// messages. Used when Transport must be constructed before its Coordinator.
func (t *Transport) SetDispatcher(d Dispatcher) {
	t.mu.Lock()
	t.dispatcher = d
	t.mu.Unlock()
}

// HandlePeerFound implements mdns.Notifee: called by the discovery service
// whenever a new peer advertises itself on the local network.
func (t *Transport) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.host.Connect(ctx, pi); err != nil {
		t.log.WithError(err).WithField("peer", pi.ID.String()).Debug("mdns connect failed")
		return
	}
	t.Connect(PeerID(pi.ID.String()))
}

// Connect registers (or reactivates) a Connection record for id and spins up
// its outbound send queue. No stream is opened here; the queue's send loop
// opens a new stream for each queued message.
func (t *Transport) Connect(id PeerID) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[id]; ok {
		return c
	}
	c := NewConnection(id)
	c.setState(ConnConnected)
	t.conns[id] = c
	if _, ok := t.peers[id]; !ok {
		t.peers[id] = NewPeer(id, nil)
	}
	q := make(chan Message, t.cfg.SendQueueSize)
	t.queue[id] = q
	t.wg.Add(1)
	go t.drainQueue(id, q)
	return c
}

// Close tears down the Connection and outbound queue for id.
func (t *Transport) Close(id PeerID) error {
	t.mu.Lock()
	c, ok := t.conns[id]
	if !ok {
		t.mu.Unlock()
		return NewError(KindNotFound, "transport: unknown peer connection", nil)
	}
	c.setState(ConnClosing)
	if q, ok := t.queue[id]; ok {
		close(q)
		delete(t.queue, id)
	}
	delete(t.conns, id)
	t.mu.Unlock()
	return nil
}

// Send enqueues msg for delivery to dest over a direct stream. Send never
// opens a connection implicitly: Connect must be called first, so a send
// after Close fails KindPeerDisconnected instead of silently reconnecting.
// Backpressure: if the destination's queue is full, Send fails WouldBlock
// rather than blocking the caller, matching the spec's bounded-queue
// requirement.
func (t *Transport) Send(dest PeerID, msg Message) error {
	t.mu.RLock()
	q, ok := t.queue[dest]
	t.mu.RUnlock()
	if !ok {
		return NewError(KindPeerDisconnected, "transport: no open connection to peer", nil)
	}
	select {
	case q <- msg:
		return nil
	default:
		return NewError(KindWouldBlock, "transport: send queue full", nil)
	}
}

// Broadcast publishes msg to the gossip topic for mesh-wide delivery.
func (t *Transport) Broadcast(ctx context.Context, msg Message) error {
	t.dedup.seen(msg.Source, msg.ID) // mark our own broadcast so we don't re-relay it to ourselves
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal broadcast: %w", err)
	}
	return t.topic.Publish(ctx, data)
}

func (t *Transport) drainQueue(id PeerID, q chan Message) {
	defer t.wg.Done()
	for msg := range q {
		if err := t.sendDirect(id, msg); err != nil {
			t.log.WithError(err).WithField("peer", string(id)).Debug("direct send failed")
			t.mu.RLock()
			c := t.conns[id]
			t.mu.RUnlock()
			if c != nil {
				c.setState(ConnFailed)
			}
		}
	}
}

func (t *Transport) sendDirect(id PeerID, msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := t.host.NewStream(ctx, peer.ID(id), meshProtocol)
	if err != nil {
		return err
	}
	defer s.Close()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := s.Write(append(data, '\n')); err != nil {
		return err
	}
	t.mu.RLock()
	c := t.conns[id]
	t.mu.RUnlock()
	if c != nil {
		c.recordSent(uint64(len(data)))
	}
	return nil
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	remote := PeerID(s.Conn().RemotePeer().String())
	reader := bufio.NewReader(s)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		t.log.WithError(err).Debug("malformed direct message")
		return
	}
	t.mu.RLock()
	c := t.conns[remote]
	p := t.peers[remote]
	t.mu.RUnlock()
	if c != nil {
		c.recordReceived(uint64(len(line)))
	}
	if p != nil {
		p.Touch()
	}
	t.deliver(remote, msg)
}

// runGossipLoop pumps the subscription and feeds every first-seen broadcast
// to the dispatcher, rebroadcasting it one hop further while Forwardable.
func (t *Transport) runGossipLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			continue
		}
		if t.dedup.seen(msg.Source, msg.ID) {
			continue
		}
		t.deliver(PeerID(m.ReceivedFrom.String()), msg)
		if msg.Forwardable() {
			fwd := msg.Forwarded()
			if data, err := json.Marshal(fwd); err == nil {
				_ = t.topic.Publish(ctx, data)
			}
		}
	}
}

func (t *Transport) deliver(from PeerID, msg Message) {
	if t.dispatcher != nil {
		t.dispatcher.Dispatch(from, msg)
	}
}

// runHeartbeat periodically broadcasts a heartbeat carrying this node's
// PeerMetadata, the background-task-supervision pattern used by every
// ticking component in this module.
func (t *Transport) runHeartbeat(ctx context.Context, metadata func() PeerMetadata) {
	defer t.wg.Done()
	interval := t.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			md := metadata()
			payload, _ := json.Marshal(md)
			msg := Message{
				ID:      fmt.Sprintf("hb-%d", time.Now().UnixNano()),
				Source:  t.self,
				Type:    MsgHeartbeat,
				Payload: payload,
				TTL:     1,
			}
			if err := t.Broadcast(ctx, msg); err != nil {
				t.log.WithError(err).Debug("heartbeat broadcast failed")
			}
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Run starts the gossip-receive loop and heartbeat ticker. Call Stop to join both.
func (t *Transport) Run(ctx context.Context, metadataSource func() PeerMetadata) {
	t.wg.Add(2)
	go t.runGossipLoop(ctx)
	go t.runHeartbeat(ctx, metadataSource)
}

// Stop closes every outbound queue and joins all background goroutines.
func (t *Transport) Stop() {
	close(t.stop)
	t.mu.Lock()
	for id, q := range t.queue {
		close(q)
		delete(t.queue, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	_ = t.sub
	_ = t.host.Close()
}

// Connections returns a snapshot of every known connection, for Topology's
// Floyd-Warshall edge set and metrics reporting.
func (t *Transport) Connections() map[PeerID]ConnectionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[PeerID]ConnectionSnapshot, len(t.conns))
	for id, c := range t.conns {
		out[id] = c.Snapshot()
	}
	return out
}

// Peers returns a snapshot of every known peer's metadata.
func (t *Transport) Peers() map[PeerID]PeerMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[PeerID]PeerMetadata, len(t.peers))
	for id, p := range t.peers {
		out[id] = p.Snapshot()
	}
	return out
}

// LocalPeerID returns the libp2p-assigned peer id for this host.
func (t *Transport) LocalPeerID() PeerID {
	return PeerID(t.host.ID().String())
}
