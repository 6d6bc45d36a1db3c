package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCoordinatorDispatchSpawnCoordination(t *testing.T) {
	backend := NewScalarBackend(0, 1)
	agents := NewAgentManager(AgentManagerConfig{MaxAgents: 4, CrossLearningEnabled: true}, backend, nil, nil)
	coord := NewCoordinator(CoordinatorConfig{}, "self", agents, nil, nil, nil)

	payload, _ := json.Marshal(testConfig(2, 3, 1))
	coordMsg := AgentCoordinationMessage{Kind: CoordSpawn, SourceNode: "peer-x", Payload: payload}
	body, _ := json.Marshal(coordMsg)

	coord.Dispatch("peer-x", Message{Type: MsgAgentCoordination, Payload: body})

	if agents.SnapshotMetrics().TotalSpawned != 1 {
		t.Fatalf("expected remote-triggered spawn to register, got %+v", agents.SnapshotMetrics())
	}
}

func TestCoordinatorDispatchTerminateCoordination(t *testing.T) {
	backend := NewScalarBackend(0, 1)
	agents := NewAgentManager(AgentManagerConfig{MaxAgents: 4}, backend, nil, nil)
	coord := NewCoordinator(CoordinatorConfig{}, "self", agents, nil, nil, nil)

	id, err := agents.Spawn(context.Background(), testConfig(2, 2))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	coordMsg := AgentCoordinationMessage{Kind: CoordTerminate, AgentID: id}
	body, _ := json.Marshal(coordMsg)
	coord.Dispatch("peer-x", Message{Type: MsgAgentCoordination, Payload: body})

	if _, err := agents.Snapshot(id); KindOf(err) != KindNotFound {
		t.Fatalf("expected agent to be terminated, got err=%v", err)
	}
}

func TestCoordinatorSpawnAgentWithoutConsensus(t *testing.T) {
	backend := NewScalarBackend(0, 1)
	agents := NewAgentManager(AgentManagerConfig{MaxAgents: 2}, backend, nil, nil)
	coord := NewCoordinator(CoordinatorConfig{DistributedSpawn: true}, "self", agents, nil, nil, nil)

	// DistributedSpawn is requested but no consensus engine is wired; the
	// coordinator must fall back to local-only execution rather than panic.
	id, err := coord.SpawnAgent(context.Background(), testConfig(2, 2))
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty agent id")
	}
}

func TestCoordinatorBroadcastNeuralSyncWithoutTransportFallsBackLocal(t *testing.T) {
	backend := NewScalarBackend(0, 1)
	agents := NewAgentManager(AgentManagerConfig{MaxAgents: 4, CrossLearningEnabled: true}, backend, nil, nil)
	coord := NewCoordinator(CoordinatorConfig{}, "self", agents, nil, nil, nil)

	source, _ := agents.Spawn(context.Background(), testConfig(2, 2))
	target, _ := agents.Spawn(context.Background(), testConfig(2, 2))

	if err := coord.BroadcastNeuralSync(context.Background(), source, target, 0.3); err != nil {
		t.Fatalf("BroadcastNeuralSync: %v", err)
	}
	snap, _ := agents.Snapshot(target)
	if snap.ConnectionStrength != 0.3 {
		t.Fatalf("expected local fallback to share knowledge directly, got %f", snap.ConnectionStrength)
	}
}

func TestCoordinatorRunThenStopReturns(t *testing.T) {
	backend := NewScalarBackend(0, 1)
	agents := NewAgentManager(AgentManagerConfig{MaxAgents: 1}, backend, nil, nil)
	coord := NewCoordinator(CoordinatorConfig{}, "self", agents, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	coord.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	coord.Stop()
}
