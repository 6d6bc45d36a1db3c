package core

import (
	"fmt"
	"testing"
	"time"
)

func TestIdealDegreeCaps(t *testing.T) {
	if d := idealDegree(0); d != 0 {
		t.Fatalf("expected 0 for empty mesh, got %d", d)
	}
	if d := idealDegree(4); d != 2 {
		t.Fatalf("expected sqrt(4)=2, got %d", d)
	}
	if d := idealDegree(1000); d != 5 {
		t.Fatalf("expected degree capped at 5, got %d", d)
	}
}

func TestNearestLatencyStrategyOrdersByLatency(t *testing.T) {
	s := nearestLatencyStrategy{}
	candidates := []candidateInfo{
		{id: "slow", latencyMS: 200},
		{id: "fast", latencyMS: 10},
		{id: "mid", latencyMS: 80},
	}
	out := s.Select(candidates, 2)
	if len(out) != 2 || out[0] != "fast" || out[1] != "mid" {
		t.Fatalf("unexpected selection order: %v", out)
	}
}

func TestAdaptiveStrategyPrefersHigherScore(t *testing.T) {
	s := adaptiveStrategy{}
	candidates := []candidateInfo{
		{id: "loaded", latencyMS: 5, cpuUsage: 0.95, memUsage: 0.9},
		{id: "idle", latencyMS: 5, cpuUsage: 0.1, memUsage: 0.1},
	}
	out := s.Select(candidates, 1)
	if len(out) != 1 || out[0] != "idle" {
		t.Fatalf("expected idle peer to score higher, got %v", out)
	}
}

func TestScaleFreeStrategyPrefersHubs(t *testing.T) {
	s := scaleFreeStrategy{kad: NewKademlia("self")}
	candidates := []candidateInfo{
		{id: "hub", degree: 50},
		{id: "leaf", degree: 0},
	}
	counts := map[PeerID]int{}
	for i := 0; i < 200; i++ {
		out := s.Select(candidates, 1)
		if len(out) == 1 {
			counts[out[0]]++
		}
	}
	if counts["hub"] <= counts["leaf"] {
		t.Fatalf("expected hub to be picked more often: %v", counts)
	}
}

func TestRoutingTableFloydWarshall(t *testing.T) {
	rt := newRoutingTable()
	nodes := []PeerID{"a", "b", "c"}
	edges := []edgeWeight{
		{from: "a", to: "b", latency: 10},
		{from: "b", to: "c", latency: 10},
	}
	rt.recompute(nodes, edges)
	hop, ok := rt.NextHop("a", "c")
	if !ok {
		t.Fatal("expected a route from a to c via b")
	}
	if hop != "b" {
		t.Fatalf("expected next hop b, got %s", hop)
	}
}

func TestTopologyMeshDensityAndRebalance(t *testing.T) {
	topo := NewTopology(TopologyConfig{
		Algorithm:          TopologyAdaptive,
		StaleThreshold:     time.Minute,
		MonitoringInterval: time.Hour,
	}, "self")
	for i := 0; i < 4; i++ {
		id := PeerID(fmt.Sprintf("peer-%d", i))
		topo.AddPeer(NewPeer(id, nil), nil)
	}
	if d := topo.MeshDensity(); d != 0 {
		t.Fatalf("expected density 0 with no connections, got %f", d)
	}
	toAdd, toRemove := topo.Rebalance("self", 0)
	if len(toAdd) == 0 {
		t.Fatal("expected candidates to add when under ideal degree")
	}
	if len(toRemove) != 0 {
		t.Fatalf("did not expect removals when under ideal degree, got %v", toRemove)
	}
}

func TestTopologyDetectPartitionsEscalates(t *testing.T) {
	topo := NewTopology(TopologyConfig{StaleThreshold: time.Millisecond, MonitoringInterval: time.Hour}, "self")
	p := NewPeer("stale-peer", nil)
	p.UpdateMetadata(PeerMetadata{LastSeen: time.Now().Add(-time.Hour)})
	topo.AddPeer(p, nil)

	recs := topo.DetectPartitions()
	if len(recs) != 1 || recs[0].Severity != 1 {
		t.Fatalf("expected one partition at severity 1, got %+v", recs)
	}
	recs = topo.DetectPartitions()
	if recs[0].Severity != 2 {
		t.Fatalf("expected severity to escalate to 2, got %d", recs[0].Severity)
	}
}

func TestTopologyDetectPartitionsCatchesUnreachablePeer(t *testing.T) {
	topo := NewTopology(TopologyConfig{StaleThreshold: time.Hour, MonitoringInterval: time.Hour}, "self")
	fresh := NewPeer("cut-off", nil)
	fresh.UpdateMetadata(PeerMetadata{LastSeen: time.Now()})
	topo.AddPeer(fresh, nil)
	topo.AddPeer(NewPeer("self", nil), nil)

	// A fresh last_seen alone must not trigger a partition before any
	// routing graph has been built.
	if recs := topo.DetectPartitions(); len(recs) != 0 {
		t.Fatalf("expected no partitions before routing graph exists, got %+v", recs)
	}

	// Recompute a graph where self has no edge to cut-off: staleness says
	// the peer looks fine, but it is unreachable in the connection graph.
	topo.RecomputeRouting([]edgeWeight{{from: "self", to: "other", latency: 5}})

	recs := topo.DetectPartitions()
	if len(recs) != 1 || recs[0].AffectedNodes[0] != "cut-off" {
		t.Fatalf("expected cut-off to be flagged unreachable, got %+v", recs)
	}
}
