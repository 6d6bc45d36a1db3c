package core

import (
	"sync"
	"time"
)

// NetworkKind identifies the architecture family backing an agent's neural
// network.
type NetworkKind int

const (
	NetworkMLP NetworkKind = iota
	NetworkLSTM
	NetworkCNN
	NetworkTransformer
)

func (k NetworkKind) String() string {
	switch k {
	case NetworkMLP:
		return "mlp"
	case NetworkLSTM:
		return "lstm"
	case NetworkCNN:
		return "cnn"
	case NetworkTransformer:
		return "transformer"
	default:
		return "unknown"
	}
}

// Activation identifies the nonlinearity applied between layers.
type Activation int

const (
	ActivationReLU Activation = iota
	ActivationSigmoid
	ActivationTanh
	ActivationLinear
)

func (a Activation) String() string {
	switch a {
	case ActivationReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// AgentConfig describes the network an agent should be spawned with.
type AgentConfig struct {
	NetworkKind  NetworkKind `json:"network_kind"`
	Architecture []int       `json:"architecture"` // ordered layer widths, len >= 2
	Activation   Activation  `json:"activation"`
	LearningRate float64     `json:"learning_rate"`
}

// AgentState is the lifecycle state of an Agent. Exactly one value holds at
// any observable time; transitions follow the Agent Manager's state machine.
type AgentState int

const (
	AgentInitializing AgentState = iota
	AgentActive
	AgentLearning
	AgentTerminating
)

func (s AgentState) String() string {
	switch s {
	case AgentInitializing:
		return "initializing"
	case AgentActive:
		return "active"
	case AgentLearning:
		return "learning"
	case AgentTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// AgentID uniquely identifies an agent record.
type AgentID string

// Agent is a single-writer record owned exclusively by its Agent Manager.
// Fields are only ever mutated by that owner; external readers observe a
// copy returned by Agent Manager accessors.
type Agent struct {
	ID       AgentID
	Config   AgentConfig
	Network  Handle // nil unless State is Active or Learning
	State    AgentState
	mu       sync.RWMutex
	CreatedAt   time.Time
	LastActive  time.Time

	MemoryUsageBytes   uint64
	TotalInferences    uint64
	AvgInferenceMS      float64
	LearningProgress    float64
	ConnectionStrength  float64
}

// Snapshot returns a value copy of the agent's observable fields, safe to
// hand to callers outside the owning Agent Manager.
func (a *Agent) Snapshot() AgentSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AgentSnapshot{
		ID:                 a.ID,
		Config:             a.Config,
		State:              a.State,
		CreatedAt:          a.CreatedAt,
		LastActive:         a.LastActive,
		MemoryUsageBytes:   a.MemoryUsageBytes,
		TotalInferences:    a.TotalInferences,
		AvgInferenceMS:     a.AvgInferenceMS,
		LearningProgress:   a.LearningProgress,
		ConnectionStrength: a.ConnectionStrength,
	}
}

// AgentSnapshot is an immutable point-in-time view of an Agent's fields.
type AgentSnapshot struct {
	ID                 AgentID
	Config             AgentConfig
	State              AgentState
	CreatedAt          time.Time
	LastActive         time.Time
	MemoryUsageBytes   uint64
	TotalInferences    uint64
	AvgInferenceMS     float64
	LearningProgress   float64
	ConnectionStrength float64
}

// LearningSession is the result of a completed or failed training call.
type LearningSession struct {
	AgentID         AgentID
	FinalAccuracy   float64
	ConvergenceEpoch int
	Err             error
}

// Sample is one (input, target) pair used for training.
type Sample struct {
	Input  []float64
	Target []float64
}
