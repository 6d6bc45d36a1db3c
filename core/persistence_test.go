package core

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreSaveLoadAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.wal")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	rec := AgentRecord{ID: "a1", State: AgentActive, UpdatedAt: time.Now()}
	if err := store.SaveAgent("a1", rec); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	got, ok, err := store.LoadAgent("a1")
	if err != nil || !ok {
		t.Fatalf("LoadAgent: ok=%v err=%v", ok, err)
	}
	if got.State != AgentActive {
		t.Fatalf("expected AgentActive, got %v", got.State)
	}
}

func TestFileStoreReplayOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.wal")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_ = store.SaveAgent("a1", AgentRecord{ID: "a1", State: AgentLearning})
	_ = store.SaveWeights("a1", []byte{1, 2, 3})
	_ = store.AppendEvent(PersistedEvent{AgentID: "a1", Kind: "spawned"})
	store.Close()

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen NewFileStore: %v", err)
	}
	defer reopened.Close()

	rec, ok, err := reopened.LoadAgent("a1")
	if err != nil || !ok {
		t.Fatalf("expected replayed agent record, ok=%v err=%v", ok, err)
	}
	if rec.State != AgentLearning {
		t.Fatalf("expected replayed state AgentLearning, got %v", rec.State)
	}
	blob, ok, err := reopened.LoadWeights("a1")
	if err != nil || !ok || len(blob) != 3 {
		t.Fatalf("expected replayed weights, ok=%v err=%v blob=%v", ok, err, blob)
	}
}

func TestFileStoreLastWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.wal")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	_ = store.SaveAgent("a1", AgentRecord{ID: "a1", State: AgentActive})
	_ = store.SaveAgent("a1", AgentRecord{ID: "a1", State: AgentTerminating})
	rec, _, _ := store.LoadAgent("a1")
	if rec.State != AgentTerminating {
		t.Fatalf("expected last write to win, got %v", rec.State)
	}
}

func TestNoopStoreDiscardsEverything(t *testing.T) {
	var s Store = NoopStore{}
	if err := s.SaveAgent("x", AgentRecord{}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if _, ok, _ := s.LoadAgent("x"); ok {
		t.Fatal("expected NoopStore to never report a hit")
	}
}
