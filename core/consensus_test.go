package core

import (
	"testing"
	"time"
)

func fourValidators() *ValidatorSet {
	vs, _ := NewValidatorSet([]PeerID{"v1", "v2", "v3", "v4"})
	return vs
}

func TestNewValidatorSetRejectsTooSmall(t *testing.T) {
	if _, err := NewValidatorSet([]PeerID{"v1", "v2", "v3"}); KindOf(err) != KindInvalid {
		t.Fatalf("expected KindInvalid for n=3 (cannot tolerate f=1), got %v", err)
	}
}

func TestValidatorSetQuorumAndFaultTolerance(t *testing.T) {
	vs := fourValidators()
	if vs.maxFaulty() != 1 {
		t.Fatalf("expected maxFaulty=1 for n=4, got %d", vs.maxFaulty())
	}
	if vs.quorum() != 3 {
		t.Fatalf("expected quorum=3 for n=4, got %d", vs.quorum())
	}
}

func TestValidatorSetLeaderRotation(t *testing.T) {
	vs := fourValidators()
	l0 := vs.leaderForEpoch(0)
	l1 := vs.leaderForEpoch(1)
	l4 := vs.leaderForEpoch(4)
	if l0 == l1 {
		t.Fatal("expected different leaders across consecutive epochs with 4 validators")
	}
	if l0 != l4 {
		t.Fatal("expected leader rotation to wrap around after n epochs")
	}
}

func TestConsensusEngineProposeAndCommit(t *testing.T) {
	vs := fourValidators()
	leader := vs.leaderForEpoch(0)
	eng := NewConsensusEngine(ConsensusConfig{}, vs, leader, nil)
	if err := eng.SubmitTransaction(ConsensusTransaction{Proposer: leader, Kind: "noop"}); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	block, err := eng.ProposeBlock()
	if err != nil {
		t.Fatalf("ProposeBlock: %v", err)
	}
	if len(block.Transactions) != 1 {
		t.Fatalf("expected 1 transaction in block, got %d", len(block.Transactions))
	}

	// self-vote already counts; two more approvals reach the 3-of-4 quorum.
	hash := block.Hash()
	decided, committed, err := eng.RecordVote(Vote{BlockHash: hash, Voter: "v2", Approve: true})
	if err != nil {
		t.Fatalf("RecordVote v2: %v", err)
	}
	if decided {
		t.Fatal("should not decide after only 2 of 4 approvals")
	}
	decided, committed, err = eng.RecordVote(Vote{BlockHash: hash, Voter: "v3", Approve: true})
	if err != nil {
		t.Fatalf("RecordVote v3: %v", err)
	}
	if !decided || !committed {
		t.Fatalf("expected commit at 3 of 4 approvals, decided=%v committed=%v", decided, committed)
	}
	if eng.Height() != 1 {
		t.Fatalf("expected height 1 after commit, got %d", eng.Height())
	}
}

func TestConsensusEngineRejectsNonMemberVote(t *testing.T) {
	vs := fourValidators()
	leader := vs.leaderForEpoch(0)
	eng := NewConsensusEngine(ConsensusConfig{}, vs, leader, nil)
	_, _ = eng.ProposeBlock()
	if _, _, err := eng.RecordVote(Vote{Voter: "outsider", Approve: true}); KindOf(err) != KindInvalid {
		t.Fatalf("expected KindInvalid for non-validator vote, got %v", err)
	}
}

func TestConsensusEngineRejectsOutOfTurnProposal(t *testing.T) {
	vs := fourValidators()
	leader := vs.leaderForEpoch(0)
	var notLeader PeerID
	for _, id := range []PeerID{"v1", "v2", "v3", "v4"} {
		if id != leader {
			notLeader = id
			break
		}
	}
	eng := NewConsensusEngine(ConsensusConfig{}, vs, notLeader, nil)
	if _, err := eng.ProposeBlock(); KindOf(err) != KindInvalid {
		t.Fatalf("expected KindInvalid for an out-of-turn proposer, got %v", err)
	}
}

func TestProposeBlockOrdersByPriorityDescending(t *testing.T) {
	vs := fourValidators()
	leader := vs.leaderForEpoch(0)
	eng := NewConsensusEngine(ConsensusConfig{}, vs, leader, nil)
	_ = eng.SubmitTransaction(ConsensusTransaction{ID: "low", Proposer: leader, Priority: 1})
	_ = eng.SubmitTransaction(ConsensusTransaction{ID: "high", Proposer: leader, Priority: 9})
	_ = eng.SubmitTransaction(ConsensusTransaction{ID: "mid", Proposer: leader, Priority: 5})

	block, err := eng.ProposeBlock()
	if err != nil {
		t.Fatalf("ProposeBlock: %v", err)
	}
	if len(block.Transactions) != 3 {
		t.Fatalf("expected all 3 transactions, got %d", len(block.Transactions))
	}
	if block.Transactions[0].ID != "high" || block.Transactions[1].ID != "mid" || block.Transactions[2].ID != "low" {
		t.Fatalf("expected priority-descending order, got %v", block.Transactions)
	}
}

func TestProposeBlockRespectsMaxBlockBytes(t *testing.T) {
	vs := fourValidators()
	leader := vs.leaderForEpoch(0)
	// A preset timestamp keeps SubmitTransaction from restamping tx, so the
	// stored transaction has exactly the size used as the budget.
	tx := ConsensusTransaction{ID: "a", Proposer: leader, Priority: 1, Payload: make([]byte, 64), Timestamp: time.Now()}
	budget := tx.size()
	eng := NewConsensusEngine(ConsensusConfig{MaxBlockBytes: budget}, vs, leader, nil)
	_ = eng.SubmitTransaction(tx)
	_ = eng.SubmitTransaction(ConsensusTransaction{ID: "b", Proposer: leader, Priority: 1, Payload: make([]byte, 64)})

	block, err := eng.ProposeBlock()
	if err != nil {
		t.Fatalf("ProposeBlock: %v", err)
	}
	if len(block.Transactions) != 1 {
		t.Fatalf("expected block to stop at max_block_size_bytes, got %d transactions", len(block.Transactions))
	}
}

func TestSubmitTransactionPrunesExpired(t *testing.T) {
	vs := fourValidators()
	leader := vs.leaderForEpoch(0)
	eng := NewConsensusEngine(ConsensusConfig{ConsensusTimeout: time.Millisecond}, vs, leader, nil)
	old := ConsensusTransaction{ID: "old", Proposer: leader, Timestamp: time.Now().Add(-time.Hour)}
	_ = eng.SubmitTransaction(old)
	time.Sleep(2 * time.Millisecond)
	_ = eng.SubmitTransaction(ConsensusTransaction{ID: "new", Proposer: leader})

	block, err := eng.ProposeBlock()
	if err != nil {
		t.Fatalf("ProposeBlock: %v", err)
	}
	if len(block.Transactions) != 1 || block.Transactions[0].ID != "new" {
		t.Fatalf("expected only the unexpired transaction, got %v", block.Transactions)
	}
}

func TestMerkleRootDeterministic(t *testing.T) {
	txs := []ConsensusTransaction{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	r1 := merkleRoot(txs)
	r2 := merkleRoot(txs)
	if r1 != r2 {
		t.Fatal("expected merkleRoot to be deterministic over the same input")
	}
	r3 := merkleRoot(txs[:2])
	if r1 == r3 {
		t.Fatal("expected different roots for different transaction sets")
	}
}
