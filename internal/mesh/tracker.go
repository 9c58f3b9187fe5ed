package mesh

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/identity"
)

// NodeInfo describes a connected oracle node. One node serves every
// capability its worker address announced in its hello.
type NodeInfo struct {
	Worker       common.Address `json:"worker"`
	Capabilities []common.Hash  `json:"capabilities"`
	Address      string         `json:"address"`
	ConnectedAt  time.Time      `json:"connected_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Online       bool           `json:"online"`

	peer *peer
}

// Serves reports whether the node announced id's capability.
func (n *NodeInfo) Serves(id identity.OracleIdentity) bool {
	if n.Worker != id.Worker {
		return false
	}
	for _, c := range n.Capabilities {
		if c == id.Capability {
			return true
		}
	}
	return false
}

// TrackerStats contains summary statistics for the tracker.
type TrackerStats struct {
	NodesOnline int `json:"nodes_online"`
	NodesTotal  int `json:"nodes_total"`
}

// Tracker is an in-memory registry of connected oracle nodes keyed by worker.
type Tracker struct {
	mu    sync.RWMutex
	nodes map[common.Address]*NodeInfo
	now   func() time.Time
}

// NewTracker creates a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		nodes: make(map[common.Address]*NodeInfo),
		now:   time.Now,
	}
}

// Register adds a node to the tracker and marks it online. A node for the
// same worker replaces the previous one, which is returned so its
// connection can be closed.
func (t *Tracker) Register(node *NodeInfo) *NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	node.Online = true
	node.LastSeen = now
	node.ConnectedAt = now
	prev := t.nodes[node.Worker]
	t.nodes[node.Worker] = node
	return prev
}

// Heartbeat updates the LastSeen timestamp for a node.
func (t *Tracker) Heartbeat(worker common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[worker]; ok {
		n.LastSeen = t.now()
		n.Online = true
	}
}

// Unregister removes node if it is still the one tracked for its worker.
func (t *Tracker) Unregister(node *NodeInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nodes[node.Worker] == node {
		delete(t.nodes, node.Worker)
	}
}

// Lookup returns the online node serving id.
func (t *Tracker) Lookup(id identity.OracleIdentity) (*NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id.Worker]
	if !ok || !n.Online || !n.Serves(id) {
		return nil, false
	}
	return n, true
}

// OnlineNodes returns copies of all nodes that are currently marked online.
func (t *Tracker) OnlineNodes() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var result []NodeInfo
	for _, n := range t.nodes {
		if n.Online {
			c := *n
			c.Capabilities = append([]common.Hash(nil), n.Capabilities...)
			c.peer = nil
			result = append(result, c)
		}
	}
	return result
}

// PruneOffline marks nodes as offline if their LastSeen exceeds the timeout
// and returns how many went offline.
func (t *Tracker) PruneOffline(timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-timeout)
	pruned := 0
	for _, n := range t.nodes {
		if n.Online && n.LastSeen.Before(cutoff) {
			n.Online = false
			pruned++
		}
	}
	return pruned
}

// Stats returns summary statistics for the tracker.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats TrackerStats
	stats.NodesTotal = len(t.nodes)
	for _, n := range t.nodes {
		if n.Online {
			stats.NodesOnline++
		}
	}
	return stats
}
