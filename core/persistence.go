package core

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store is the durable record of agent configuration, weights, and event
// history. Implementations must be best-effort: failures are surfaced to the
// caller but never abort the in-memory operation that triggered them.
type Store interface {
	SaveAgent(id AgentID, record AgentRecord) error
	LoadAgent(id AgentID) (AgentRecord, bool, error)
	SaveWeights(id AgentID, blob []byte) error
	LoadWeights(id AgentID) ([]byte, bool, error)
	AppendEvent(ev PersistedEvent) error
	Close() error
}

// AgentRecord is the durable projection of an Agent's configuration and last
// known state.
type AgentRecord struct {
	ID        AgentID     `json:"agent_id"`
	Config    AgentConfig `json:"config"`
	State     AgentState  `json:"state"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PersistedEvent is one row of the append-only event log.
type PersistedEvent struct {
	AgentID AgentID   `json:"agent_id"`
	Kind    string    `json:"event_kind"`
	Payload string    `json:"payload"`
	At      time.Time `json:"timestamp"`
}

// walRecordKind tags the three logical relations multiplexed onto one WAL
// file: agents, weights, and events.
type walRecordKind string

const (
	walAgent  walRecordKind = "agent"
	walWeight walRecordKind = "weight"
	walEvent  walRecordKind = "event"
)

type walRecord struct {
	Kind    walRecordKind   `json:"kind"`
	Agent   *AgentRecord    `json:"agent,omitempty"`
	WeightID AgentID        `json:"weight_id,omitempty"`
	Weight  []byte          `json:"weight,omitempty"`
	Event   *PersistedEvent `json:"event,omitempty"`
}

// FileStore is a WAL-based Store: every mutation is appended as one JSON
// line, fsync'd immediately, grounded on the teacher's ledger WAL shape. The
// latest-value index for agents/weights is rebuilt by replaying the WAL on
// open, matching storage.go's replay-on-open cache warm path.
type FileStore struct {
	mu      sync.Mutex
	f       *os.File
	log     *logrus.Entry
	agents  map[AgentID]AgentRecord
	weights map[AgentID][]byte
}

// NewFileStore opens (creating if absent) the WAL file at path and replays
// it to reconstruct the latest-value index.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, NewError(KindBackendError, "open persistence WAL", err)
	}
	s := &FileStore{
		f:       f,
		log:     logrus.WithField("component", "persistence"),
		agents:  make(map[AgentID]AgentRecord),
		weights: make(map[AgentID][]byte),
	}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) replay() error {
	if _, err := s.f.Seek(0, 0); err != nil {
		return NewError(KindBackendError, "seek WAL for replay", err)
	}
	scanner := bufio.NewScanner(s.f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.WithError(err).Warn("skipping corrupt WAL line during replay")
			continue
		}
		switch rec.Kind {
		case walAgent:
			if rec.Agent != nil {
				s.agents[rec.Agent.ID] = *rec.Agent
			}
		case walWeight:
			if rec.WeightID != "" {
				s.weights[rec.WeightID] = rec.Weight
			}
		case walEvent:
			// events are not indexed in memory; they replay straight
			// through to any subscriber that re-reads the file.
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return NewError(KindBackendError, "scan WAL during replay", err)
	}
	if _, err := s.f.Seek(0, 2); err != nil {
		return NewError(KindBackendError, "seek WAL to end after replay", err)
	}
	s.log.WithField("records", count).Info("replayed persistence WAL")
	return nil
}

func (s *FileStore) append(rec walRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return NewError(KindInvalid, "marshal WAL record", err)
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return NewError(KindBackendError, "append WAL record", err)
	}
	return s.f.Sync()
}

// SaveAgent is idempotent last-writer-wins.
func (s *FileStore) SaveAgent(id AgentID, record AgentRecord) error {
	record.ID = id
	if err := s.append(walRecord{Kind: walAgent, Agent: &record}); err != nil {
		return err
	}
	s.mu.Lock()
	s.agents[id] = record
	s.mu.Unlock()
	return nil
}

// LoadAgent returns the most recently saved record for id, or false if absent.
func (s *FileStore) LoadAgent(id AgentID) (AgentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	return rec, ok, nil
}

// SaveWeights is idempotent last-writer-wins.
func (s *FileStore) SaveWeights(id AgentID, blob []byte) error {
	if err := s.append(walRecord{Kind: walWeight, WeightID: id, Weight: blob}); err != nil {
		return err
	}
	s.mu.Lock()
	s.weights[id] = blob
	s.mu.Unlock()
	return nil
}

// LoadWeights returns the most recently saved weight blob for id.
func (s *FileStore) LoadWeights(id AgentID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.weights[id]
	return blob, ok, nil
}

// AppendEvent appends one row to the durable event log.
func (s *FileStore) AppendEvent(ev PersistedEvent) error {
	return s.append(walRecord{Kind: walEvent, Event: &ev})
}

// Close flushes and closes the underlying WAL file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// NoopStore discards everything; used when persistence_enabled is false so
// Agent Manager's persistence calls stay unconditional in code.
type NoopStore struct{}

func (NoopStore) SaveAgent(AgentID, AgentRecord) error           { return nil }
func (NoopStore) LoadAgent(AgentID) (AgentRecord, bool, error)    { return AgentRecord{}, false, nil }
func (NoopStore) SaveWeights(AgentID, []byte) error               { return nil }
func (NoopStore) LoadWeights(AgentID) ([]byte, bool, error)       { return nil, false, nil }
func (NoopStore) AppendEvent(PersistedEvent) error                { return nil }
func (NoopStore) Close() error                                    { return nil }
