package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConsensusTransaction is one proposed mutation to shared mesh state
// (topology change, agent registration, coordination directive) awaiting
// inclusion in a block.
type ConsensusTransaction struct {
	ID        string    `json:"id"`
	Proposer  PeerID    `json:"proposer"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// size is the transaction's contribution to a block's byte budget.
func (tx ConsensusTransaction) size() int {
	data, _ := json.Marshal(tx)
	return len(data)
}

func (tx ConsensusTransaction) hash() [32]byte {
	data, _ := json.Marshal(tx)
	return sha256.Sum256(data)
}

// ConsensusBlock is a leader-proposed, quorum-voted batch of transactions.
type ConsensusBlock struct {
	Height       uint64                  `json:"height"`
	PrevHash     [32]byte                `json:"prev_hash"`
	Transactions []ConsensusTransaction  `json:"transactions"`
	MerkleRoot   [32]byte                `json:"merkle_root"`
	Leader       PeerID                  `json:"leader"`
	Timestamp    time.Time               `json:"timestamp"`
}

// Hash returns the block's content hash (excludes votes, which are gathered
// after proposal).
func (b ConsensusBlock) Hash() [32]byte {
	data, _ := json.Marshal(b)
	return sha256.Sum256(data)
}

// merkleRoot computes the Merkle root over tx hashes by pairwise SHA-256
// folding, duplicating the final odd element — the same construction used
// by every hash-tree in this codebase's lineage (block digests, file
// manifests), not a novel scheme.
func merkleRoot(txs []ConsensusTransaction) [32]byte {
	if len(txs) == 0 {
		return sha256.Sum256(nil)
	}
	layer := make([][32]byte, len(txs))
	for i, tx := range txs {
		layer[i] = tx.hash()
	}
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([][32]byte, len(layer)/2)
		for i := 0; i < len(next); i++ {
			combined := append(append([]byte(nil), layer[2*i][:]...), layer[2*i+1][:]...)
			next[i] = sha256.Sum256(combined)
		}
		layer = next
	}
	return layer[0]
}

// Vote is one validator's judgment on a proposed block. It carries no
// signature; the voter is identified only by the Voter field.
type Vote struct {
	BlockHash [32]byte
	Voter     PeerID
	Approve   bool
}

// ValidatorSet is the current epoch's voting membership. Byzantine fault
// tolerance requires n >= 3f+1; construction refuses smaller sets outright
// rather than running an engine that cannot actually tolerate f failures.
type ValidatorSet struct {
	members []PeerID
}

// NewValidatorSet builds a validator set, rejecting ids with duplicates
// removed if it cannot tolerate at least f=1 Byzantine fault (n < 4).
func NewValidatorSet(ids []PeerID) (*ValidatorSet, error) {
	seen := make(map[PeerID]bool, len(ids))
	members := make([]PeerID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	if len(members) < 4 {
		return nil, NewError(KindInvalid, fmt.Sprintf("validator set of %d cannot tolerate any Byzantine fault (need n>=3f+1, f>=1)", len(members)), nil)
	}
	return &ValidatorSet{members: members}, nil
}

func (v *ValidatorSet) size() int { return len(v.members) }

// maxFaulty is the largest f such that n >= 3f+1 still holds.
func (v *ValidatorSet) maxFaulty() int { return (len(v.members) - 1) / 3 }

// quorum is the number of matching votes required for a decision: a strict
// two-thirds supermajority.
func (v *ValidatorSet) quorum() int {
	return (2*len(v.members))/3 + 1
}

// leaderForEpoch rotates the proposer round-robin by epoch index.
func (v *ValidatorSet) leaderForEpoch(epoch uint64) PeerID {
	if len(v.members) == 0 {
		return ""
	}
	return v.members[epoch%uint64(len(v.members))]
}

func (v *ValidatorSet) isMember(id PeerID) bool {
	for _, m := range v.members {
		if m == id {
			return true
		}
	}
	return false
}

// pendingRound tracks in-flight voting on one proposed block.
type pendingRound struct {
	block     ConsensusBlock
	votes     map[PeerID]bool
	decided   bool
	startedAt time.Time
}

// ConsensusConfig mirrors the relevant slice of the control surface's
// configuration table.
type ConsensusConfig struct {
	BlockTime time.Duration
	// RoundTimeout bounds how long a proposed-but-undecided round waits for
	// quorum before the leader rotates (ExpireRound).
	RoundTimeout time.Duration
	// ConsensusTimeout bounds how long a transaction may sit in the mempool
	// before it is discarded unproposed (pruneExpiredLocked). Distinct from
	// RoundTimeout, which governs an already-proposed round.
	ConsensusTimeout time.Duration
	// MaxBlockBytes caps the marshaled size of a proposed block's
	// transaction set; 0 or negative means unbounded.
	MaxBlockBytes int
}

// ConsensusEngine runs leader-rotation, two-thirds-vote block agreement
// over a fixed-epoch validator set.
type ConsensusEngine struct {
	cfg       ConsensusConfig
	validators *ValidatorSet
	self       PeerID
	log        *logrus.Entry

	mu      sync.Mutex
	epoch   uint64
	height  uint64
	lastHash [32]byte
	mempool []ConsensusTransaction
	round   *pendingRound
	chain   []ConsensusBlock

	events *EventBus
}

// NewConsensusEngine constructs an engine bound to validators. It performs no
// Byzantine-tolerance check itself; that check is NewValidatorSet's, which
// refuses sets that cannot tolerate any Byzantine fault.
func NewConsensusEngine(cfg ConsensusConfig, validators *ValidatorSet, self PeerID, events *EventBus) *ConsensusEngine {
	if events == nil {
		events = NewEventBus(0)
	}
	return &ConsensusEngine{
		cfg:        cfg,
		validators: validators,
		self:       self,
		log:        logrus.WithField("component", "consensus"),
		events:     events,
	}
}

// SubmitTransaction appends tx to the local mempool for inclusion in a
// future block proposed by this or any other validator.
func (c *ConsensusEngine) SubmitTransaction(tx ConsensusTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.mempool = append(c.mempool, tx)
	c.pruneExpiredLocked(time.Now())
	c.mu.Unlock()
	return nil
}

// pruneExpiredLocked discards mempool transactions older than
// ConsensusTimeout. Callers must hold c.mu.
func (c *ConsensusEngine) pruneExpiredLocked(now time.Time) {
	timeout := c.cfg.ConsensusTimeout
	if timeout <= 0 {
		return
	}
	kept := c.mempool[:0]
	dropped := 0
	for _, tx := range c.mempool {
		if now.Sub(tx.Timestamp) > timeout {
			dropped++
			continue
		}
		kept = append(kept, tx)
	}
	c.mempool = kept
	if dropped > 0 {
		c.log.WithField("dropped", dropped).Warn("discarded expired pending transactions")
	}
}

// IsLeader reports whether self is the proposer for the current epoch.
func (c *ConsensusEngine) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validators.leaderForEpoch(c.epoch) == c.self
}

// ProposeBlock builds a block from the mempool if this node is the current
// epoch's leader. Returns KindInvalid if called out of turn.
func (c *ConsensusEngine) ProposeBlock() (ConsensusBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.validators.leaderForEpoch(c.epoch) != c.self {
		return ConsensusBlock{}, NewError(KindInvalid, "not this epoch's leader", nil)
	}
	if c.round != nil && !c.round.decided {
		return ConsensusBlock{}, NewError(KindInvalid, "a round is already pending", nil)
	}
	c.pruneExpiredLocked(time.Now())

	ordered := append([]ConsensusTransaction(nil), c.mempool...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var txs []ConsensusTransaction
	budget := c.cfg.MaxBlockBytes
	used := 0
	for _, tx := range ordered {
		if budget > 0 {
			sz := tx.size()
			if used+sz > budget {
				break
			}
			used += sz
		}
		txs = append(txs, tx)
	}
	block := ConsensusBlock{
		Height:       c.height + 1,
		PrevHash:     c.lastHash,
		Transactions: txs,
		MerkleRoot:   merkleRoot(txs),
		Leader:       c.self,
		Timestamp:    time.Now(),
	}
	c.round = &pendingRound{block: block, votes: make(map[PeerID]bool), startedAt: time.Now()}
	c.round.votes[c.self] = true
	return block, nil
}

// RecordVote applies an incoming validator vote on the block currently in
// round. Votes from non-members or for a hash that doesn't match the
// pending round are rejected.
func (c *ConsensusEngine) RecordVote(v Vote) (decided bool, committed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.validators.isMember(v.Voter) {
		return false, false, NewError(KindInvalid, "vote from non-validator", nil)
	}
	if c.round == nil || c.round.decided {
		return false, false, NewError(KindInvalid, "no pending round", nil)
	}
	if c.round.block.Hash() != v.BlockHash {
		return false, false, NewError(KindInvalid, "vote for stale or unknown block", nil)
	}
	c.round.votes[v.Voter] = v.Approve
	approvals := 0
	for _, ok := range c.round.votes {
		if ok {
			approvals++
		}
	}
	quorum := c.validators.quorum()
	if approvals >= quorum {
		c.commitLocked()
		return true, true, nil
	}
	if len(c.round.votes)-approvals >= quorum {
		// can never reach quorum approval now
		c.round.decided = true
		return true, false, nil
	}
	return false, false, nil
}

func (c *ConsensusEngine) commitLocked() {
	c.round.decided = true
	block := c.round.block
	c.chain = append(c.chain, block)
	c.height = block.Height
	c.lastHash = block.Hash()
	committed := make(map[string]bool, len(block.Transactions))
	for _, tx := range block.Transactions {
		committed[tx.ID] = true
	}
	remaining := c.mempool[:0]
	for _, tx := range c.mempool {
		if !committed[tx.ID] {
			remaining = append(remaining, tx)
		}
	}
	c.mempool = remaining
	c.epoch++
	c.events.Publish(AgentEvent{Kind: EventConsensusBlockCommitted, Detail: fmt.Sprintf("committed block %d", block.Height), At: time.Now()})
}

// ExpireRound aborts the in-flight round if RoundTimeout has elapsed without
// reaching quorum, advancing the epoch so the next leader gets a turn.
func (c *ConsensusEngine) ExpireRound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.round == nil || c.round.decided {
		return false
	}
	timeout := c.cfg.RoundTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if time.Since(c.round.startedAt) < timeout {
		return false
	}
	c.round.decided = true
	c.epoch++
	c.log.WithField("height", c.height+1).Warn("consensus round timed out, rotating leader")
	return true
}

// Height returns the last committed block height.
func (c *ConsensusEngine) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Epoch returns the current leader-rotation epoch.
func (c *ConsensusEngine) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// MaxFaulty returns f, the largest tolerable number of Byzantine validators.
func (c *ConsensusEngine) MaxFaulty() int {
	return c.validators.maxFaulty()
}

// ChainSnapshot returns a copy of every committed block, for persistence
// replay and diagnostics.
func (c *ConsensusEngine) ChainSnapshot() []ConsensusBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConsensusBlock(nil), c.chain...)
}
