package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AgentManagerConfig holds the subset of the control surface's configuration
// options that govern Agent Manager behavior.
type AgentManagerConfig struct {
	MaxAgents            int
	MemoryLimitPerAgent  uint64
	InferenceTimeout     time.Duration
	SpawnTimeout         time.Duration
	CrossLearningEnabled bool
	PersistenceEnabled   bool
}

// managedAgent wraps an Agent pointer; the Agent's own embedded mutex is the
// single-writer lock serializing concurrent field access against it.
// trainWG additionally tracks the backend.Train call in flight (if any) so
// Terminate can wait for it to finish before releasing the shared handle,
// rather than racing a still-running Train goroutine.
type managedAgent struct {
	agent   *Agent
	trainWG sync.WaitGroup
}

// AgentManager owns every Agent record and its backend-allocated network
// handle. It is the only writer of Agent fields; all other components read
// through Snapshot/SnapshotMetrics.
type AgentManager struct {
	cfg     AgentManagerConfig
	backend Backend
	store   Store
	events  *EventBus
	log     *logrus.Entry

	mu     sync.RWMutex
	agents map[AgentID]*managedAgent

	metricsMu           sync.Mutex
	totalSpawned        uint64
	spawnMSSum          float64
	spawnCount          uint64
	inferenceMSSum      float64
	inferenceCount      uint64
	activeLearningTasks int64
}

// NewAgentManager constructs an Agent Manager over backend and store
// (use NoopStore{} when persistence_enabled is false).
func NewAgentManager(cfg AgentManagerConfig, backend Backend, store Store, events *EventBus) *AgentManager {
	if store == nil {
		store = NoopStore{}
	}
	if events == nil {
		events = NewEventBus(0)
	}
	return &AgentManager{
		cfg:     cfg,
		backend: backend,
		store:   store,
		events:  events,
		log:     logrus.WithField("component", "agent_manager"),
		agents:  make(map[AgentID]*managedAgent),
	}
}

func (m *AgentManager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ma := range m.agents {
		ma.agent.mu.Lock()
		if ma.agent.State != AgentTerminating {
			n++
		}
		ma.agent.mu.Unlock()
	}
	return n
}

// Spawn allocates a new agent's network and registers its record. Fails
// CapacityExceeded when active count >= max_agents.
func (m *AgentManager) Spawn(ctx context.Context, cfg AgentConfig) (AgentID, error) {
	start := time.Now()
	if m.activeCount() >= m.cfg.MaxAgents {
		return "", NewError(KindCapacityExceeded, fmt.Sprintf("active agents at max_agents=%d", m.cfg.MaxAgents), nil)
	}

	id := AgentID(uuid.New().String())
	agent := &Agent{
		ID:        id,
		Config:    cfg,
		State:     AgentInitializing,
		CreatedAt: time.Now(),
	}
	ma := &managedAgent{agent: agent}

	handle, err := m.backend.AllocateNetwork(cfg)
	if err != nil {
		return "", NewError(KindBackendError, "allocate network", err)
	}

	agent.Network = handle
	agent.State = AgentActive
	agent.LastActive = time.Now()
	agent.MemoryUsageBytes = m.backend.BytesInUse()

	m.mu.Lock()
	m.agents[id] = ma
	m.mu.Unlock()

	if err := m.store.SaveAgent(id, AgentRecord{ID: id, Config: cfg, State: AgentActive, UpdatedAt: time.Now()}); err != nil {
		m.log.WithError(err).Warn("persist agent record on spawn")
	}

	elapsed := time.Since(start)
	m.metricsMu.Lock()
	m.totalSpawned++
	m.spawnMSSum += float64(elapsed.Milliseconds())
	m.spawnCount++
	m.metricsMu.Unlock()

	if elapsed > m.cfg.SpawnTimeout {
		m.log.WithFields(logrus.Fields{"agent_id": id, "elapsed_ms": elapsed.Milliseconds()}).Warn("spawn exceeded spawn_timeout")
	}
	m.events.Publish(AgentEvent{Kind: EventAgentSpawned, AgentID: id, At: time.Now(), ToState: AgentActive})
	return id, nil
}

func (m *AgentManager) lookup(id AgentID) (*managedAgent, error) {
	m.mu.RLock()
	ma, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return nil, NewError(KindNotFound, fmt.Sprintf("agent %s not found", id), nil)
	}
	return ma, nil
}

// RunInference executes one forward pass on agent_id, bounded by
// inference_timeout unless ctx carries a tighter deadline.
func (m *AgentManager) RunInference(ctx context.Context, id AgentID, inputs []float64) ([]float64, error) {
	ma, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.InferenceTimeout)
	defer cancel()

	ma.agent.mu.Lock()
	if ma.agent.State != AgentActive {
		ma.agent.mu.Unlock()
		return nil, NewError(KindInvalid, fmt.Sprintf("agent %s is not Active", id), nil)
	}
	handle := ma.agent.Network
	ma.agent.mu.Unlock()

	resultCh := make(chan struct {
		out []float64
		err error
	}, 1)
	start := time.Now()
	go func() {
		out, ferr := m.backend.Forward(handle, inputs)
		resultCh <- struct {
			out []float64
			err error
		}{out, ferr}
	}()

	select {
	case <-ctx.Done():
		return nil, NewError(KindTimeout, fmt.Sprintf("inference on %s exceeded inference_timeout", id), nil)
	case res := <-resultCh:
		elapsed := time.Since(start)
		if res.err != nil {
			return nil, NewError(KindBackendError, "forward", res.err)
		}
		ma.agent.mu.Lock()
		ma.agent.TotalInferences++
		ma.agent.LastActive = time.Now()
		n := float64(ma.agent.TotalInferences)
		ma.agent.AvgInferenceMS = ma.agent.AvgInferenceMS + (float64(elapsed.Milliseconds())-ma.agent.AvgInferenceMS)/n
		ma.agent.mu.Unlock()

		m.metricsMu.Lock()
		m.inferenceMSSum += float64(elapsed.Milliseconds())
		m.inferenceCount++
		m.metricsMu.Unlock()

		m.events.Publish(AgentEvent{Kind: EventInferenceCompleted, AgentID: id, At: time.Now()})
		return res.out, nil
	}
}

// Train transitions agent_id Active -> Learning -> Active and runs up to
// epochs of backend training. active_learning_tasks is incremented before
// and decremented after regardless of outcome.
func (m *AgentManager) Train(ctx context.Context, id AgentID, samples []Sample, epochs int) (LearningSession, error) {
	ma, err := m.lookup(id)
	if err != nil {
		return LearningSession{}, err
	}

	ma.agent.mu.Lock()
	if ma.agent.State != AgentActive {
		ma.agent.mu.Unlock()
		return LearningSession{}, NewError(KindInvalid, fmt.Sprintf("agent %s is not Active", id), nil)
	}
	ma.agent.State = AgentLearning
	handle := ma.agent.Network
	ma.agent.mu.Unlock()

	m.metricsMu.Lock()
	m.activeLearningTasks++
	m.metricsMu.Unlock()
	m.events.Publish(AgentEvent{Kind: EventTrainingStarted, AgentID: id, At: time.Now(), FromState: AgentActive, ToState: AgentLearning})

	defer func() {
		m.metricsMu.Lock()
		m.activeLearningTasks--
		m.metricsMu.Unlock()
	}()

	type trainOut struct {
		res TrainResult
		err error
	}
	resultCh := make(chan trainOut, 1)
	ma.trainWG.Add(1)
	go func() {
		defer ma.trainWG.Done()
		res, terr := m.backend.Train(handle, samples, epochs)
		resultCh <- trainOut{res, terr}
	}()

	var session LearningSession
	select {
	case <-ctx.Done():
		session = LearningSession{AgentID: id, Err: NewError(KindTimeout, "train canceled before completion", ctx.Err())}
	case out := <-resultCh:
		if out.err != nil {
			session = LearningSession{AgentID: id, Err: NewError(KindBackendError, "train", out.err)}
		} else {
			session = LearningSession{AgentID: id, FinalAccuracy: out.res.FinalAccuracy, ConvergenceEpoch: out.res.ConvergenceEpoch}
		}
	}

	ma.agent.mu.Lock()
	ma.agent.State = AgentActive
	ma.agent.LastActive = time.Now()
	if session.Err == nil {
		ma.agent.LearningProgress = session.FinalAccuracy
	}
	ma.agent.mu.Unlock()

	if session.Err != nil {
		m.events.Publish(AgentEvent{Kind: EventTrainingFailed, AgentID: id, At: time.Now(), FromState: AgentLearning, ToState: AgentActive, Err: session.Err})
	} else {
		m.events.Publish(AgentEvent{Kind: EventTrainingCompleted, AgentID: id, At: time.Now(), FromState: AgentLearning, ToState: AgentActive})
	}
	return session, session.Err
}

// ShareKnowledge serializes source's weights and blends them into every
// target. The operation is all-or-nothing: any missing id aborts the whole
// call before any target is mutated.
func (m *AgentManager) ShareKnowledge(ctx context.Context, sourceID AgentID, targetIDs []AgentID, blend float64) error {
	if !m.cfg.CrossLearningEnabled {
		return NewError(KindDisabled, "cross_learning_enabled is false", nil)
	}

	source, err := m.lookup(sourceID)
	if err != nil {
		return err
	}
	targets := make([]*managedAgent, 0, len(targetIDs))
	for _, tid := range targetIDs {
		t, err := m.lookup(tid)
		if err != nil {
			return NewError(KindNotFound, fmt.Sprintf("share_knowledge target %s not found", tid), nil)
		}
		targets = append(targets, t)
	}

	// Order target locks by id to prevent deadlock with concurrent
	// share_knowledge calls that overlap on targets.
	sort.Slice(targets, func(i, j int) bool { return targets[i].agent.ID < targets[j].agent.ID })

	source.agent.mu.RLock()
	blob, serr := m.backend.Serialize(source.agent.Network)
	source.agent.mu.RUnlock()
	if serr != nil {
		return NewError(KindBackendError, "serialize source network", serr)
	}

	locked := make([]*managedAgent, 0, len(targets))
	defer func() {
		for _, t := range locked {
			t.agent.mu.Unlock()
		}
	}()
	for _, t := range targets {
		t.agent.mu.Lock()
		locked = append(locked, t)
	}
	for _, t := range targets {
		if err := m.backend.DeserializeInto(t.agent.Network, blob, blend); err != nil {
			return NewError(KindBackendError, fmt.Sprintf("blend into %s", t.agent.ID), err)
		}
		t.agent.ConnectionStrength = minF(1.0, t.agent.ConnectionStrength+blend)
	}

	m.events.Publish(AgentEvent{Kind: EventShareCompleted, AgentID: sourceID, At: time.Now(), Detail: fmt.Sprintf("%d targets", len(targets))})
	return nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Terminate is idempotent: terminating an unknown or already-terminated
// agent is not an error.
func (m *AgentManager) Terminate(id AgentID) error {
	m.mu.Lock()
	ma, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.agents, id)
	m.mu.Unlock()

	ma.agent.mu.Lock()
	ma.agent.State = AgentTerminating
	handle := ma.agent.Network
	ma.agent.mu.Unlock()

	// trainWG's count reflects backend.Train calls actually in flight on
	// this handle, independent of Agent.State (which Train can already have
	// reset to Active on a timed-out-but-still-running call). Waiting here,
	// rather than branching on State, is what actually prevents Release
	// from running concurrently with backend.Train on the same handle.
	ma.trainWG.Wait()

	if handle != nil {
		if err := m.backend.Release(handle); err != nil {
			m.log.WithError(err).WithField("agent_id", id).Warn("release network handle on terminate")
		}
	}
	if err := m.store.SaveAgent(id, AgentRecord{ID: id, Config: ma.agent.Config, State: AgentTerminating, UpdatedAt: time.Now()}); err != nil {
		m.log.WithError(err).Warn("persist agent record on terminate")
	}
	m.events.Publish(AgentEvent{Kind: EventAgentTerminated, AgentID: id, At: time.Now(), ToState: AgentTerminating})
	return nil
}

// Snapshot returns a point-in-time copy of one agent's observable fields.
func (m *AgentManager) Snapshot(id AgentID) (AgentSnapshot, error) {
	ma, err := m.lookup(id)
	if err != nil {
		return AgentSnapshot{}, err
	}
	return ma.agent.Snapshot(), nil
}

// SnapshotMetrics returns the manager-wide metrics rollup.
func (m *AgentManager) SnapshotMetrics() MetricsSnapshot {
	m.metricsMu.Lock()
	totalSpawned := m.totalSpawned
	avgSpawn := safeDiv(m.spawnMSSum, m.spawnCount)
	avgInference := safeDiv(m.inferenceMSSum, m.inferenceCount)
	activeLearning := m.activeLearningTasks
	m.metricsMu.Unlock()

	active := uint64(m.activeCount())
	memUsage := m.backend.BytesInUse()
	return MetricsSnapshot{
		TotalSpawned:        totalSpawned,
		ActiveAgents:        active,
		AvgSpawnMS:          avgSpawn,
		AvgInferenceMS:      avgInference,
		MemoryUsageBytes:    memUsage,
		ActiveLearningTasks: activeLearning,
		HealthScore:         m.healthScore(avgSpawn, avgInference, memUsage),
		Timestamp:           time.Now(),
	}
}

func safeDiv(sum float64, count uint64) float64 {
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// healthScore applies the spec's penalty model: 100 minus penalties for
// above-target spawn latency, above-target inference latency, and memory
// pressure above 80% of the process-wide bound.
func (m *AgentManager) healthScore(avgSpawnMS, avgInferenceMS float64, memUsage uint64) float64 {
	const targetSpawnMS = 12.0
	const targetInferenceMS = 75.0
	score := 100.0
	if avgSpawnMS > targetSpawnMS {
		penalty := (avgSpawnMS - targetSpawnMS) / targetSpawnMS * 20
		score -= clampF(penalty, 0, 30)
	}
	if avgInferenceMS > targetInferenceMS {
		penalty := (avgInferenceMS - targetInferenceMS) / targetInferenceMS * 20
		score -= clampF(penalty, 0, 30)
	}
	bound := uint64(m.cfg.MaxAgents) * m.cfg.MemoryLimitPerAgent
	if bound > 0 {
		pressure := float64(memUsage) / float64(bound)
		if pressure > 0.8 {
			score -= clampF((pressure-0.8)*100, 0, 40)
		}
	}
	return clampF(score, 0, 100)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
