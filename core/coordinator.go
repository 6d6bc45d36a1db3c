package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CoordinatorConfig selects which directives require mesh-wide agreement
// versus purely local execution.
type CoordinatorConfig struct {
	DistributedSpawn     bool // if true, spawn first submits an agent_spawn transaction to the mempool
	DistributedTerminate bool
	NeuralSyncTTL        uint8
	HealthReportInterval time.Duration
}

// Coordinator is the top-level wiring point binding Agent Manager, Topology,
// Consensus, and Transport into one running node, grounded on the teacher's
// swarm-supervisor idiom of a single struct owning every subsystem and a
// stop-chan+WaitGroup-supervised background loop per concern.
type Coordinator struct {
	cfg CoordinatorConfig
	log *logrus.Entry

	agents    *AgentManager
	topology  *Topology
	consensus *ConsensusEngine
	transport *Transport
	self      PeerID

	events    <-chan AgentEvent
	unsub     func()
	stop      chan struct{}
	group     *errgroup.Group
	groupCtx  context.Context
}

// NewCoordinator wires the four subsystems together. transport may be nil in
// single-node / test configurations, in which case coordination directives
// execute purely locally.
func NewCoordinator(cfg CoordinatorConfig, self PeerID, agents *AgentManager, topology *Topology, consensus *ConsensusEngine, transport *Transport) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		log:       logrus.WithField("component", "coordinator"),
		agents:    agents,
		topology:  topology,
		consensus: consensus,
		transport: transport,
		self:      self,
		stop:      make(chan struct{}),
	}
	if agents != nil {
		c.events, c.unsub = agents.events.Subscribe()
	}
	return c
}

// Dispatch implements Transport's Dispatcher: it routes a decoded Message to
// whichever subsystem owns its Type.
func (c *Coordinator) Dispatch(from PeerID, msg Message) {
	switch msg.Type {
	case MsgHeartbeat:
		c.handleHeartbeat(from, msg)
	case MsgAgentCoordination:
		c.handleCoordination(from, msg)
	case MsgConsensus:
		c.handleConsensus(from, msg)
	case MsgNeuralSync:
		c.handleNeuralSync(from, msg)
	case MsgDirect, MsgBroadcast:
		c.log.WithField("from", string(from)).Debug("received application message, no local handler")
	default:
		c.log.WithField("type", msg.Type.String()).Warn("unrecognized message type")
	}
}

func (c *Coordinator) handleHeartbeat(from PeerID, msg Message) {
	if c.topology == nil {
		return
	}
	var md PeerMetadata
	if err := json.Unmarshal(msg.Payload, &md); err != nil {
		return
	}
	md.LastSeen = time.Now()
	p := NewPeer(from, nil)
	p.UpdateMetadata(md)
	c.topology.AddPeer(p, nil)
}

// ctx returns the context backing Run's supervision group once Run has
// started it, or a fresh Background before Run / in tests that call
// Dispatch directly.
func (c *Coordinator) ctx() context.Context {
	if c.groupCtx != nil {
		return c.groupCtx
	}
	return context.Background()
}

func (c *Coordinator) handleCoordination(from PeerID, msg Message) {
	var coord AgentCoordinationMessage
	if err := json.Unmarshal(msg.Payload, &coord); err != nil {
		c.log.WithError(err).Debug("malformed coordination message")
		return
	}
	ctx := c.ctx()
	switch coord.Kind {
	case CoordSpawn:
		var cfg AgentConfig
		if err := json.Unmarshal(coord.Payload, &cfg); err == nil {
			if _, err := c.agents.Spawn(ctx, cfg); err != nil {
				c.log.WithError(err).Warn("remote-triggered spawn failed")
			}
		}
	case CoordTerminate:
		if err := c.agents.Terminate(coord.AgentID); err != nil {
			c.log.WithError(err).Warn("remote-triggered terminate failed")
		}
	case CoordStatusUpdate, CoordTaskAssign, CoordResourceRequest, CoordResourceResponse:
		c.log.WithFields(logrus.Fields{"kind": coord.Kind, "from": string(from)}).Debug("coordination directive received")
	}
}

func (c *Coordinator) handleConsensus(_ PeerID, msg Message) {
	if c.consensus == nil {
		return
	}
	var vote Vote
	if err := json.Unmarshal(msg.Payload, &vote); err != nil {
		return
	}
	if _, _, err := c.consensus.RecordVote(vote); err != nil {
		c.log.WithError(err).Debug("vote rejected")
	}
}

func (c *Coordinator) handleNeuralSync(_ PeerID, msg Message) {
	var req struct {
		SourceID AgentID   `json:"source_id"`
		TargetID AgentID   `json:"target_id"`
		Blend    float64   `json:"blend"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if err := c.agents.ShareKnowledge(c.ctx(), req.SourceID, []AgentID{req.TargetID}, req.Blend); err != nil {
		c.log.WithError(err).Debug("remote neural sync share failed")
	}
}

// SpawnAgent executes a spawn. When DistributedSpawn is enabled and a
// consensus engine is wired, it first submits an agent_spawn transaction to
// the local mempool; it then spawns locally at once, without waiting for that
// transaction to be committed.
func (c *Coordinator) SpawnAgent(ctx context.Context, cfg AgentConfig) (AgentID, error) {
	if c.cfg.DistributedSpawn && c.consensus != nil {
		payload, _ := json.Marshal(cfg)
		if err := c.consensus.SubmitTransaction(ConsensusTransaction{Proposer: c.self, Kind: "agent_spawn", Payload: payload}); err != nil {
			return "", err
		}
	}
	return c.agents.Spawn(ctx, cfg)
}

// TerminateAgent executes a termination. When DistributedTerminate is enabled
// and a consensus engine is wired, it first submits an agent_terminate
// transaction; it then terminates locally at once, without waiting for commit.
func (c *Coordinator) TerminateAgent(id AgentID) error {
	if c.cfg.DistributedTerminate && c.consensus != nil {
		payload, _ := json.Marshal(id)
		if err := c.consensus.SubmitTransaction(ConsensusTransaction{Proposer: c.self, Kind: "agent_terminate", Payload: payload}); err != nil {
			return err
		}
	}
	return c.agents.Terminate(id)
}

// BroadcastNeuralSync fire-and-forgets a knowledge-share directive across
// the mesh with a short TTL, per the coordination policy's low-priority,
// best-effort propagation for cross-node learning.
func (c *Coordinator) BroadcastNeuralSync(ctx context.Context, sourceID, targetID AgentID, blend float64) error {
	if c.transport == nil {
		return c.agents.ShareKnowledge(ctx, sourceID, []AgentID{targetID}, blend)
	}
	payload, err := json.Marshal(struct {
		SourceID AgentID `json:"source_id"`
		TargetID AgentID `json:"target_id"`
		Blend    float64 `json:"blend"`
	}{sourceID, targetID, blend})
	if err != nil {
		return err
	}
	ttl := c.cfg.NeuralSyncTTL
	if ttl == 0 {
		ttl = 2
	}
	msg := Message{
		ID:      fmt.Sprintf("sync-%s-%s-%d", sourceID, targetID, time.Now().UnixNano()),
		Source:  c.self,
		Type:    MsgNeuralSync,
		Payload: payload,
		TTL:     ttl,
	}
	return c.transport.Broadcast(ctx, msg)
}

// forwardEvents relays Agent Manager events onto the transport as
// best-effort coordination broadcasts, so remote dashboards/peers observe
// local lifecycle changes without polling.
func (c *Coordinator) forwardEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.relayEvent(ctx, ev)
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) relayEvent(ctx context.Context, ev AgentEvent) {
	if c.transport == nil {
		return
	}
	coord := AgentCoordinationMessage{
		Kind:       CoordStatusUpdate,
		AgentID:    ev.AgentID,
		SourceNode: c.self,
		Priority:   PriorityLow,
	}
	payload, err := json.Marshal(coord)
	if err != nil {
		return
	}
	msg := Message{
		ID:      fmt.Sprintf("evt-%s-%d", ev.Kind.String(), ev.At.UnixNano()),
		Source:  c.self,
		Type:    MsgAgentCoordination,
		Payload: payload,
		TTL:     1,
	}
	_ = c.transport.Broadcast(ctx, msg)
}

// runRebalance periodically asks Topology for its add/remove recommendation
// and drives Transport accordingly.
func (c *Coordinator) runRebalance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.topology == nil || c.transport == nil {
				continue
			}
			conns := c.transport.Connections()
			toAdd, toRemove := c.topology.Rebalance(c.self, len(conns))
			for _, id := range toAdd {
				c.transport.Connect(id)
			}
			for _, id := range toRemove {
				_ = c.transport.Close(id)
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Run starts every background supervision loop: event relay, rebalancing,
// and (if present) Transport's and Topology's own loops. forwardEvents and
// runRebalance run under an errgroup.Group so Stop can join them and a
// future failure path in either loop can be surfaced through group.Wait.
func (c *Coordinator) Run(ctx context.Context) {
	if c.transport != nil {
		c.transport.Run(ctx, func() PeerMetadata {
			return PeerMetadata{LastSeen: time.Now(), AgentCount: c.agents.activeCount()}
		})
	}
	if c.topology != nil {
		c.topology.Run()
	}
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	c.groupCtx = gctx
	g.Go(func() error {
		c.forwardEvents(gctx)
		return nil
	})
	g.Go(func() error {
		c.runRebalance(gctx, c.cfg.HealthReportInterval)
		return nil
	})
}

// Stop joins every background loop this Coordinator started.
func (c *Coordinator) Stop() {
	close(c.stop)
	if c.unsub != nil {
		c.unsub()
	}
	if c.topology != nil {
		c.topology.Stop()
	}
	if c.transport != nil {
		c.transport.Stop()
	}
	if c.group != nil {
		if err := c.group.Wait(); err != nil {
			c.log.WithError(err).Warn("background supervision loop exited with error")
		}
	}
}
