package core

import (
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TopologyAlgorithm selects which Strategy Topology uses to pick candidate
// peers.
type TopologyAlgorithm int

const (
	TopologyNearestLatency TopologyAlgorithm = iota
	TopologySmallWorld
	TopologyScaleFree
	TopologyAdaptive
)

// candidateInfo is the scoring input for one known, not-yet-selected peer.
type candidateInfo struct {
	id         PeerID
	latencyMS  float64
	cpuUsage   float64
	memUsage   float64
	agentCount int
	degree     int // current connection count, for preferential attachment
}

// Strategy picks up to target peers from candidates to connect to.
type Strategy interface {
	Select(candidates []candidateInfo, target int) []PeerID
}

func idealDegree(peerCount int) int {
	d := int(math.Sqrt(float64(peerCount)))
	if d > 5 {
		d = 5
	}
	if d < 1 && peerCount > 0 {
		d = 1
	}
	return d
}

// nearestLatencyStrategy prefers the lowest measured latency.
type nearestLatencyStrategy struct{}

func (nearestLatencyStrategy) Select(candidates []candidateInfo, target int) []PeerID {
	sorted := append([]candidateInfo(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].latencyMS < sorted[j].latencyMS })
	return takeIDs(sorted, target)
}

// smallWorldStrategy keeps a local low-latency neighborhood plus a handful
// of random long-range links, grounded on peer_management.go's crypto-random
// shuffle idiom for picking the long-range set.
type smallWorldStrategy struct {
	localLatencyThresholdMS float64
	longRangeCount          int
}

func (s smallWorldStrategy) Select(candidates []candidateInfo, target int) []PeerID {
	var local, distant []candidateInfo
	for _, c := range candidates {
		if c.latencyMS <= s.localLatencyThresholdMS {
			local = append(local, c)
		} else {
			distant = append(distant, c)
		}
	}
	sort.Slice(local, func(i, j int) bool { return local[i].latencyMS < local[j].latencyMS })
	out := takeIDs(local, target)
	if len(out) >= target {
		return out
	}
	shuffled := cryptoShuffle(distant)
	longRange := s.longRangeCount
	if longRange <= 0 {
		longRange = 2
	}
	need := target - len(out)
	if longRange < need {
		need = longRange
	}
	return append(out, takeIDs(shuffled, need)...)
}

// scaleFreeStrategy connects to existing high-degree hubs with probability
// proportional to their current degree (preferential attachment). When kad
// is set, the candidate pool is first narrowed to the peers closest to self
// in kad's XOR-distance buckets, grounded on kademlia.go's bucket/distance
// idiom, so the hub-weighted sampling below draws from a distance-diverse
// pool instead of the raw unordered candidate list.
type scaleFreeStrategy struct {
	kad *Kademlia
}

func (s scaleFreeStrategy) Select(candidates []candidateInfo, target int) []PeerID {
	pool := candidates
	if s.kad != nil {
		near := s.kad.Nearest(s.kad.Self(), len(candidates))
		if len(near) > 0 {
			allow := make(map[PeerID]bool, len(near))
			for _, id := range near {
				allow[id] = true
			}
			filtered := make([]candidateInfo, 0, len(candidates))
			for _, c := range candidates {
				if allow[c.id] {
					filtered = append(filtered, c)
				}
			}
			if len(filtered) > 0 {
				pool = filtered
			}
		}
	}
	total := 0
	for _, c := range pool {
		total += c.degree + 1 // +1 so zero-degree peers are still reachable
	}
	if total == 0 {
		return nil
	}
	out := make([]PeerID, 0, target)
	used := make(map[PeerID]bool, target)
	remaining := append([]candidateInfo(nil), pool...)
	for len(out) < target && len(remaining) > 0 {
		sumWeight := 0
		for _, c := range remaining {
			sumWeight += c.degree + 1
		}
		if sumWeight == 0 {
			break
		}
		pick, err := rand.Int(rand.Reader, big.NewInt(int64(sumWeight)))
		if err != nil {
			break
		}
		target64 := pick.Int64()
		var chosen int
		acc := int64(0)
		for i, c := range remaining {
			acc += int64(c.degree + 1)
			if target64 < acc {
				chosen = i
				break
			}
		}
		c := remaining[chosen]
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
		if used[c.id] {
			continue
		}
		used[c.id] = true
		out = append(out, c.id)
	}
	return out
}

// adaptiveStrategy scores candidates by the spec's composite formula and
// takes the top-K. This is the default algorithm.
type adaptiveStrategy struct{}

func adaptiveScore(c candidateInfo) float64 {
	return 1/(c.latencyMS+1) + (1 - c.cpuUsage) + (1 - c.memUsage) + 0.1*float64(c.agentCount)
}

func (adaptiveStrategy) Select(candidates []candidateInfo, target int) []PeerID {
	sorted := append([]candidateInfo(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return adaptiveScore(sorted[i]) > adaptiveScore(sorted[j]) })
	return takeIDs(sorted, target)
}

func takeIDs(cs []candidateInfo, n int) []PeerID {
	if n > len(cs) {
		n = len(cs)
	}
	out := make([]PeerID, n)
	for i := 0; i < n; i++ {
		out[i] = cs[i].id
	}
	return out
}

// cryptoShuffle returns a crypto/rand Fisher-Yates shuffled copy of cs,
// grounded on peer_management.go's shufflePeerInfo.
func cryptoShuffle(cs []candidateInfo) []candidateInfo {
	out := append([]candidateInfo(nil), cs...)
	for i := len(out) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func strategyFor(alg TopologyAlgorithm, kad *Kademlia) Strategy {
	switch alg {
	case TopologyNearestLatency:
		return nearestLatencyStrategy{}
	case TopologySmallWorld:
		return smallWorldStrategy{localLatencyThresholdMS: 50, longRangeCount: 2}
	case TopologyScaleFree:
		return scaleFreeStrategy{kad: kad}
	default:
		return adaptiveStrategy{}
	}
}

// RoutingTable holds, for every known destination, the next hop toward it.
// Recomputed by Floyd-Warshall over the current connection graph.
type RoutingTable struct {
	mu      sync.RWMutex
	nextHop map[PeerID]map[PeerID]PeerID // nextHop[from][to] = via
	adj     map[PeerID]map[PeerID]bool   // undirected adjacency, for BFS reachability
	built   bool
}

func newRoutingTable() *RoutingTable {
	return &RoutingTable{nextHop: make(map[PeerID]map[PeerID]PeerID)}
}

// unreachableFrom returns, among known, every peer not reachable from self by
// breadth-first traversal of the last-recomputed connection graph. It
// returns nil before recompute has ever run, since there is no graph data
// yet to declare anything unreachable over.
func (rt *RoutingTable) unreachableFrom(self PeerID, known []PeerID) []PeerID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if !rt.built {
		return nil
	}
	visited := map[PeerID]bool{self: true}
	queue := []PeerID{self}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range rt.adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	var unreachable []PeerID
	for _, id := range known {
		if id == self || visited[id] {
			continue
		}
		unreachable = append(unreachable, id)
	}
	return unreachable
}

// NextHop returns the next hop from self toward dest, if any finite route exists.
func (rt *RoutingTable) NextHop(self, dest PeerID) (PeerID, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.nextHop[self]
	if !ok {
		return "", false
	}
	hop, ok := m[dest]
	return hop, ok
}

// edgeWeight is an adjacency entry: latency in milliseconds between two
// directly-connected peers.
type edgeWeight struct {
	from, to PeerID
	latency  float64
}

// recompute rebuilds the all-pairs shortest path table via the standard
// O(n^3) Floyd-Warshall relaxation. At mesh scale (a few hundred peers) this
// is the idiomatic choice; no example repo in this codebase's lineage ships
// a general-purpose graph/shortest-path library.
func (rt *RoutingTable) recompute(nodes []PeerID, edges []edgeWeight) {
	const inf = math.MaxFloat64 / 2
	idx := make(map[PeerID]int, len(nodes))
	for i, n := range nodes {
		idx[n] = i
	}
	n := len(nodes)
	dist := make([][]float64, n)
	next := make([][]int, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		next[i] = make([]int, n)
		for j := range dist[i] {
			if i == j {
				dist[i][j] = 0
			} else {
				dist[i][j] = inf
			}
			next[i][j] = -1
		}
	}
	adj := make(map[PeerID]map[PeerID]bool, n)
	for _, e := range edges {
		i, ok1 := idx[e.from]
		j, ok2 := idx[e.to]
		if !ok1 || !ok2 {
			continue
		}
		if e.latency < dist[i][j] {
			dist[i][j] = e.latency
			dist[j][i] = e.latency
			next[i][j] = j
			next[j][i] = i
		}
		if adj[e.from] == nil {
			adj[e.from] = make(map[PeerID]bool)
		}
		if adj[e.to] == nil {
			adj[e.to] = make(map[PeerID]bool)
		}
		adj[e.from][e.to] = true
		adj[e.to][e.from] = true
	}
	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			if dist[i][k] >= inf {
				continue
			}
			for j := 0; j < n; j++ {
				if dist[i][k]+dist[k][j] < dist[i][j] {
					dist[i][j] = dist[i][k] + dist[k][j]
					next[i][j] = next[i][k]
				}
			}
		}
	}
	table := make(map[PeerID]map[PeerID]PeerID, n)
	for i, from := range nodes {
		row := make(map[PeerID]PeerID)
		for j, to := range nodes {
			if i == j || next[i][j] == -1 {
				continue
			}
			row[to] = nodes[next[i][j]]
		}
		table[from] = row
	}
	rt.mu.Lock()
	rt.nextHop = table
	rt.adj = adj
	rt.built = true
	rt.mu.Unlock()
}

// PartitionRecord describes a detected or recovering partition.
type PartitionRecord struct {
	AffectedNodes   []PeerID
	StartTime       time.Time
	RecoveryStrategy string
	Severity        int
}

// Topology maintains the peer set, routing table, and partition state.
// Its background partition-check tick follows the stop-chan+WaitGroup
// pattern used throughout this module's components; rebalancing is driven by
// the Coordinator, and routing is rebuilt only by RecomputeRouting.
type Topology struct {
	cfg  TopologyConfig
	self PeerID
	log  *logrus.Entry

	mu       sync.RWMutex
	peers    map[PeerID]*Peer
	conns    map[PeerID]*Connection
	strategy Strategy
	routing  *RoutingTable
	kademlia *Kademlia

	partitionsMu sync.Mutex
	partitions   map[PeerID]*PartitionRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

// TopologyConfig mirrors the relevant slice of the control surface's
// configuration table.
type TopologyConfig struct {
	Algorithm          TopologyAlgorithm
	StaleThreshold     time.Duration
	MonitoringInterval time.Duration
	RecoveryTimeout    time.Duration
}

// NewTopology constructs a Topology over the given config, bound to self's
// peer id. self seeds the Kademlia index used by the scale-free strategy and
// anchors the BFS reachability pass in DetectPartitions.
func NewTopology(cfg TopologyConfig, self PeerID) *Topology {
	kad := NewKademlia(self)
	return &Topology{
		cfg:        cfg,
		self:       self,
		log:        logrus.WithField("component", "topology"),
		peers:      make(map[PeerID]*Peer),
		conns:      make(map[PeerID]*Connection),
		strategy:   strategyFor(cfg.Algorithm, kad),
		routing:    newRoutingTable(),
		kademlia:   kad,
		partitions: make(map[PeerID]*PartitionRecord),
		stop:       make(chan struct{}),
	}
}

// AddPeer registers a newly discovered or connected peer.
func (t *Topology) AddPeer(p *Peer, conn *Connection) {
	t.mu.Lock()
	t.peers[p.ID] = p
	if conn != nil {
		t.conns[p.ID] = conn
	}
	t.mu.Unlock()
	t.kademlia.AddPeer(p.ID)
}

// RemovePeer drops a peer on disconnect/leave.
func (t *Topology) RemovePeer(id PeerID) {
	t.mu.Lock()
	delete(t.peers, id)
	delete(t.conns, id)
	t.mu.Unlock()
	t.kademlia.Remove(id)
}

// candidates builds the scoring input for every known, not-yet-connected peer.
func (t *Topology) candidates(self PeerID) []candidateInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]candidateInfo, 0, len(t.peers))
	for id, p := range t.peers {
		if id == self {
			continue
		}
		md := p.Snapshot()
		degree := 0
		if c, ok := t.conns[id]; ok {
			if c.Snapshot().State == ConnConnected {
				degree = 1
			}
		}
		out = append(out, candidateInfo{
			id: id, latencyMS: md.NetworkLatencyMS, cpuUsage: md.CPUUsage,
			memUsage: md.MemoryUsage, agentCount: md.AgentCount, degree: degree,
		})
	}
	return out
}

// SelectCandidates returns up to target peers to (dis)connect to, per the
// configured algorithm.
func (t *Topology) SelectCandidates(self PeerID, target int) []PeerID {
	return t.strategy.Select(t.candidates(self), target)
}

// Rebalance implements the spec's add-if-under / prune-if-over-1.5x policy.
func (t *Topology) Rebalance(self PeerID, currentDegree int) (toAdd []PeerID, toRemove []PeerID) {
	t.mu.RLock()
	peerCount := len(t.peers)
	t.mu.RUnlock()
	ideal := idealDegree(peerCount)
	if currentDegree < ideal {
		toAdd = t.SelectCandidates(self, ideal-currentDegree)
	} else if float64(currentDegree) > 1.5*float64(ideal) {
		toRemove = t.lowestScoring(currentDegree - ideal)
	}
	return
}

func (t *Topology) lowestScoring(n int) []PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	type scored struct {
		id    PeerID
		score float64
	}
	var list []scored
	for id, c := range t.conns {
		snap := c.Snapshot()
		minutesSince := time.Since(snap.LastActivity).Minutes()
		score := 1/(snap.LatencyMS+1) + float64(snap.Sent+snap.Received)/100 - minutesSince
		list = append(list, scored{id, score})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].score < list[j].score })
	if n > len(list) {
		n = len(list)
	}
	out := make([]PeerID, n)
	for i := 0; i < n; i++ {
		out[i] = list[i].id
	}
	return out
}

// RecomputeRouting rebuilds the routing table from the current connection
// graph. edges should be supplied by Transport (measured latency per hop).
func (t *Topology) RecomputeRouting(edges []edgeWeight) {
	t.mu.RLock()
	nodes := make([]PeerID, 0, len(t.peers))
	for id := range t.peers {
		nodes = append(nodes, id)
	}
	t.mu.RUnlock()
	t.routing.recompute(nodes, edges)
}

// NextHop exposes the routing table's lookup.
func (t *Topology) NextHop(self, dest PeerID) (PeerID, bool) {
	return t.routing.NextHop(self, dest)
}

// DetectPartitions flags a peer as a partition candidate by either of two
// mechanisms: its last_seen exceeds stale_threshold, or it is unreachable
// from self by breadth-first traversal of the current connection graph (the
// staleness check alone misses an asymmetric connection loss where the
// peer's metadata still looks fresh). Detection reuses the teacher's
// EWMA-health-checker escalation idiom: an unresolved partition's severity
// increases each time it is still observed on a later check instead of
// being re-declared fresh.
func (t *Topology) DetectPartitions() []PartitionRecord {
	t.mu.RLock()
	var stale []PeerID
	known := make([]PeerID, 0, len(t.peers))
	for id, p := range t.peers {
		known = append(known, id)
		if p.IsStale(t.cfg.StaleThreshold) {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	unreachable := t.routing.unreachableFrom(t.self, known)

	t.partitionsMu.Lock()
	defer t.partitionsMu.Unlock()
	now := time.Now()
	seen := make(map[PeerID]bool, len(stale)+len(unreachable))
	flag := func(id PeerID) {
		if seen[id] {
			return
		}
		seen[id] = true
		if rec, ok := t.partitions[id]; ok {
			rec.Severity++
		} else {
			t.partitions[id] = &PartitionRecord{
				AffectedNodes:    []PeerID{id},
				StartTime:        now,
				RecoveryStrategy: "reconnect",
				Severity:         1,
			}
		}
	}
	for _, id := range stale {
		flag(id)
	}
	for _, id := range unreachable {
		flag(id)
	}
	for id := range t.partitions {
		if !seen[id] {
			delete(t.partitions, id) // peer recovered
		}
	}
	out := make([]PartitionRecord, 0, len(t.partitions))
	for _, rec := range t.partitions {
		out = append(out, *rec)
	}
	return out
}

// MeshDensity is active_connections / (n*(n-1)/2).
func (t *Topology) MeshDensity() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.peers)
	if n < 2 {
		return 0
	}
	active := 0
	for _, c := range t.conns {
		if c.Snapshot().State == ConnConnected {
			active++
		}
	}
	maxPossible := float64(n*(n-1)) / 2
	return float64(active) / maxPossible
}

// NetworkHealth is the mean of connectivity, latency, and partition scores,
// each normalized to [0,100].
func (t *Topology) NetworkHealth() float64 {
	density := t.MeshDensity()
	connectivity := density * 100

	t.mu.RLock()
	var latSum float64
	var latN int
	for _, c := range t.conns {
		snap := c.Snapshot()
		if snap.State == ConnConnected {
			latSum += snap.LatencyMS
			latN++
		}
	}
	t.mu.RUnlock()
	latencyScore := 100.0
	if latN > 0 {
		avg := latSum / float64(latN)
		latencyScore = clampF(100-avg, 0, 100)
	}

	t.partitionsMu.Lock()
	partitionCount := len(t.partitions)
	t.partitionsMu.Unlock()
	partitionScore := clampF(100-float64(partitionCount)*20, 0, 100)

	return (connectivity + latencyScore + partitionScore) / 3
}

// Run launches the periodic partition-check loop (DetectPartitions on every
// MonitoringInterval tick) until Stop is called. It does not recompute routing.
func (t *Topology) Run() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.MonitoringInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.DetectPartitions()
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop joins the background loop.
func (t *Topology) Stop() {
	close(t.stop)
	t.wg.Wait()
}
