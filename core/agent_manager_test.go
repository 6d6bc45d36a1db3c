package core

import (
	"context"
	"testing"
	"time"
)

type fakeHandle struct{ hid uint64 }

func (h *fakeHandle) id() uint64 { return h.hid }

// blockingTrainBackend's Train blocks until unblockTrain is closed, letting
// tests observe what Terminate does while a training call is still in
// flight on the same handle.
type blockingTrainBackend struct {
	unblockTrain  chan struct{}
	releaseCalled chan struct{}
}

func newBlockingTrainBackend() *blockingTrainBackend {
	return &blockingTrainBackend{
		unblockTrain:  make(chan struct{}),
		releaseCalled: make(chan struct{}, 1),
	}
}

func (b *blockingTrainBackend) AllocateNetwork(cfg AgentConfig) (Handle, error) {
	return &fakeHandle{hid: 1}, nil
}
func (b *blockingTrainBackend) Release(h Handle) error {
	select {
	case b.releaseCalled <- struct{}{}:
	default:
	}
	return nil
}
func (b *blockingTrainBackend) Forward(h Handle, inputs []float64) ([]float64, error) {
	return inputs, nil
}
func (b *blockingTrainBackend) Train(h Handle, samples []Sample, epochs int) (TrainResult, error) {
	<-b.unblockTrain
	return TrainResult{FinalAccuracy: 1}, nil
}
func (b *blockingTrainBackend) Serialize(h Handle) ([]byte, error)                    { return nil, nil }
func (b *blockingTrainBackend) DeserializeInto(h Handle, data []byte, blend float64) error { return nil }
func (b *blockingTrainBackend) BytesInUse() uint64                                   { return 0 }
func (b *blockingTrainBackend) Name() string                                         { return "blocking-test-backend" }

func newTestManager(t *testing.T, maxAgents int) *AgentManager {
	t.Helper()
	backend := NewScalarBackend(0, 1)
	cfg := AgentManagerConfig{
		MaxAgents:            maxAgents,
		MemoryLimitPerAgent:  1 << 20,
		InferenceTimeout:     500 * time.Millisecond,
		SpawnTimeout:         time.Second,
		CrossLearningEnabled: true,
	}
	return NewAgentManager(cfg, backend, nil, nil)
}

func TestAgentManagerSpawnAndTerminate(t *testing.T) {
	m := newTestManager(t, 4)
	id, err := m.Spawn(context.Background(), testConfig(2, 3, 1))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	snap, err := m.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != AgentActive {
		t.Fatalf("expected AgentActive, got %v", snap.State)
	}
	if err := m.Terminate(id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := m.Terminate(id); err != nil {
		t.Fatalf("Terminate should be idempotent, got %v", err)
	}
	if _, err := m.Snapshot(id); KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound after terminate, got %v", err)
	}
}

func TestAgentManagerSpawnCapacityExceeded(t *testing.T) {
	m := newTestManager(t, 1)
	if _, err := m.Spawn(context.Background(), testConfig(2, 2)); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := m.Spawn(context.Background(), testConfig(2, 2)); KindOf(err) != KindCapacityExceeded {
		t.Fatalf("expected KindCapacityExceeded, got %v", err)
	}
}

func TestAgentManagerRunInference(t *testing.T) {
	m := newTestManager(t, 2)
	id, _ := m.Spawn(context.Background(), testConfig(2, 3, 1))
	out, err := m.RunInference(context.Background(), id, []float64{0.1, 0.2})
	if err != nil {
		t.Fatalf("RunInference: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 output, got %d", len(out))
	}
}

func TestAgentManagerRunInferenceUnknownAgent(t *testing.T) {
	m := newTestManager(t, 2)
	if _, err := m.RunInference(context.Background(), "missing", nil); KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestAgentManagerTrainTransitionsState(t *testing.T) {
	m := newTestManager(t, 2)
	id, _ := m.Spawn(context.Background(), testConfig(2, 3, 1))
	samples := []Sample{{Input: []float64{0, 0}, Target: []float64{0}}}
	session, err := m.Train(context.Background(), id, samples, 5)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if session.AgentID != id {
		t.Fatalf("session agent id mismatch")
	}
	snap, _ := m.Snapshot(id)
	if snap.State != AgentActive {
		t.Fatalf("expected agent back to Active after training, got %v", snap.State)
	}
}

func TestAgentManagerTerminateWaitsForInFlightTrain(t *testing.T) {
	backend := newBlockingTrainBackend()
	m := NewAgentManager(AgentManagerConfig{MaxAgents: 2, InferenceTimeout: time.Second, SpawnTimeout: time.Second}, backend, nil, nil)
	id, err := m.Spawn(context.Background(), testConfig(2, 3, 1))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	trainDone := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	go func() {
		_, _ = m.Train(ctx, id, []Sample{{Input: []float64{0, 0}, Target: []float64{0}}}, 1)
		close(trainDone)
	}()

	// Train's ctx times out well before backend.Train unblocks, so Train
	// returns to its caller while the backend call is still in flight.
	<-trainDone

	terminateDone := make(chan struct{})
	go func() {
		_ = m.Terminate(id)
		close(terminateDone)
	}()

	select {
	case <-backend.releaseCalled:
		t.Fatal("Release must not run while backend.Train is still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(backend.unblockTrain)

	select {
	case <-terminateDone:
	case <-time.After(time.Second):
		t.Fatal("Terminate did not complete after backend.Train finished")
	}
	select {
	case <-backend.releaseCalled:
	default:
		t.Fatal("expected Release to run once backend.Train completed")
	}
}

func TestAgentManagerShareKnowledgeAllOrNothing(t *testing.T) {
	m := newTestManager(t, 4)
	source, _ := m.Spawn(context.Background(), testConfig(2, 3, 1))
	target, _ := m.Spawn(context.Background(), testConfig(2, 3, 1))

	if err := m.ShareKnowledge(context.Background(), source, []AgentID{target, "missing"}, 0.5); KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound for missing target, got %v", err)
	}
	// target must be untouched by the aborted call
	snap, _ := m.Snapshot(target)
	if snap.ConnectionStrength != 0 {
		t.Fatalf("expected untouched target, got connection strength %f", snap.ConnectionStrength)
	}

	if err := m.ShareKnowledge(context.Background(), source, []AgentID{target}, 0.5); err != nil {
		t.Fatalf("ShareKnowledge: %v", err)
	}
	snap, _ = m.Snapshot(target)
	if snap.ConnectionStrength != 0.5 {
		t.Fatalf("expected connection strength 0.5, got %f", snap.ConnectionStrength)
	}
}

func TestAgentManagerShareKnowledgeDisabled(t *testing.T) {
	backend := NewScalarBackend(0, 1)
	m := NewAgentManager(AgentManagerConfig{MaxAgents: 2, CrossLearningEnabled: false}, backend, nil, nil)
	id, _ := m.Spawn(context.Background(), testConfig(2, 2))
	if err := m.ShareKnowledge(context.Background(), id, []AgentID{id}, 0.1); KindOf(err) != KindDisabled {
		t.Fatalf("expected KindDisabled, got %v", err)
	}
}

func TestAgentManagerSnapshotMetrics(t *testing.T) {
	m := newTestManager(t, 4)
	id, _ := m.Spawn(context.Background(), testConfig(2, 2))
	_, _ = m.RunInference(context.Background(), id, []float64{1, 1})
	snap := m.SnapshotMetrics()
	if snap.TotalSpawned != 1 {
		t.Fatalf("expected TotalSpawned=1, got %d", snap.TotalSpawned)
	}
	if snap.ActiveAgents != 1 {
		t.Fatalf("expected ActiveAgents=1, got %d", snap.ActiveAgents)
	}
	if snap.HealthScore < 0 || snap.HealthScore > 100 {
		t.Fatalf("health score out of range: %f", snap.HealthScore)
	}
}
