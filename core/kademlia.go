package core

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
)

// Kademlia is a minimal in-memory XOR-distance index over known peer ids,
// bucketed the way a Kademlia DHT buckets routing entries. Topology feeds it
// every AddPeer/RemovePeer call and scaleFreeStrategy.Select narrows its
// candidate pool through Nearest before hub-weighted sampling, so distance
// diversity (not just connection degree) shapes which peers the scale-free
// algorithm prefers. Store/Lookup remain for completeness as a general
// key-value surface over the same index.
type Kademlia struct {
	id      PeerID
	buckets [160][]PeerID
	store   map[[20]byte][]byte
	mu      sync.RWMutex
}

func hash160(data []byte) [20]byte {
	sum := sha256.Sum256(data)
	var h [20]byte
	copy(h[:], sum[:20])
	return h
}

// NewKademlia creates a new Kademlia instance bound to the given node ID.
func NewKademlia(id PeerID) *Kademlia {
	return &Kademlia{
		id:    id,
		store: make(map[[20]byte][]byte),
	}
}

// Self returns the node id this index is bound to.
func (k *Kademlia) Self() PeerID { return k.id }

// Remove drops a peer from its distance bucket, mirroring AddPeer.
func (k *Kademlia) Remove(id PeerID) {
	idx := k.bucketIndex(id)
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.buckets[idx]
	for i, p := range list {
		if p == id {
			k.buckets[idx] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// AddPeer inserts a peer into the appropriate distance bucket.
func (k *Kademlia) AddPeer(id PeerID) {
	if id == k.id {
		return
	}
	idx := k.bucketIndex(id)
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.buckets[idx]
	for _, p := range list {
		if p == id {
			return
		}
	}
	k.buckets[idx] = append(list, id)
}

// Store saves a value under the given key. The key is hashed with SHA-256 (truncated to 160 bits) to
// produce the internal 160 bit key used by the DHT.
func (k *Kademlia) Store(key string, value []byte) {
	hash := hash160([]byte(key))
	k.mu.Lock()
	k.store[hash] = append([]byte(nil), value...)
	k.mu.Unlock()
}

// Lookup retrieves a value by key. It returns the value and true if present.
func (k *Kademlia) Lookup(key string) ([]byte, bool) {
	hash := hash160([]byte(key))
	k.mu.RLock()
	val, ok := k.store[hash]
	k.mu.RUnlock()
	if ok {
		cp := append([]byte(nil), val...)
		return cp, true
	}
	return nil, false
}

// Nearest returns up to count peer IDs with XOR distance closest to target.
func (k *Kademlia) Nearest(target PeerID, count int) []PeerID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var peers []PeerID
	for i := range k.buckets {
		peers = append(peers, k.buckets[i]...)
	}
	sort.Slice(peers, func(i, j int) bool {
		di := k.distance(peers[i], target)
		dj := k.distance(peers[j], target)
		return di.Cmp(dj) < 0
	})
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

func (k *Kademlia) bucketIndex(id PeerID) int {
	a := hash160([]byte(k.id))
	b := hash160([]byte(id))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = a[i] ^ b[i]
	}
	bn := new(big.Int).SetBytes(diff[:])
	if bn.Sign() == 0 {
		return 159
	}
	return 159 - bn.BitLen() + 1
}

func (k *Kademlia) distance(a PeerID, b PeerID) *big.Int {
	aa := hash160([]byte(a))
	bb := hash160([]byte(b))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = aa[i] ^ bb[i]
	}
	return new(big.Int).SetBytes(diff[:])
}
