// Package peer maintains the peer related information such as the set of
// known peers, their health and their lifecycle status.
package peer

import (
	"sync"
	"time"
)

// Number of strikes a peer gets before it is evicted.
const (
	maxStaleSweeps = 3
	maxViolations  = 3
)

// Status represents where a peer is in its lifecycle.
type Status int

// The lifecycle of a peer. A peer starts Unknown, becomes Contacted when a
// handshake is sent, Active on any valid message received, falls back to
// Stale after a silence period and is Evicted after repeated stale periods
// or a protocol violation.
const (
	StatusUnknown Status = iota
	StatusContacted
	StatusActive
	StatusStale
	StatusEvicted
)

// String implements the fmt.Stringer interface.
func (s Status) String() string {
	switch s {
	case StatusContacted:
		return "contacted"
	case StatusActive:
		return "active"
	case StatusStale:
		return "stale"
	case StatusEvicted:
		return "evicted"
	}
	return "unknown"
}

// =============================================================================

// Peer represents information about a node in the network.
type Peer struct {
	Host     string    `json:"host"`
	NodeID   string    `json:"node_id"`
	Version  string    `json:"version"`
	Height   uint64    `json:"height"`
	LastSeen time.Time `json:"last_seen"`
	Status   Status    `json:"status"`

	staleSweeps int
	violations  int
}

// New constructs a new peer value for the specified host.
func New(host string) Peer {
	return Peer{
		Host: host,
	}
}

// Match validates if the specified host matches this peer.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// =============================================================================

// PeerSet represents the data representation to maintain a set of known
// peers and their lifecycle state.
type PeerSet struct {
	mu       sync.RWMutex
	set      map[string]*Peer
	maxPeers int
}

// NewPeerSet constructs a new peer set to manage node peer information. A
// maxPeers of 0 means no bound.
func NewPeerSet(maxPeers int) *PeerSet {
	return &PeerSet{
		set:      make(map[string]*Peer),
		maxPeers: maxPeers,
	}
}

// Add adds a new peer to the set in the Unknown status. It reports whether
// the peer was added. Known hosts and additions past the peer bound are
// refused.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.set[peer.Host]; exists {
		return false
	}
	if ps.maxPeers > 0 && len(ps.set) >= ps.maxPeers {
		return false
	}

	p := peer
	p.Status = StatusUnknown
	ps.set[peer.Host] = &p

	return true
}

// Contacted transitions a peer to Contacted when the first handshake is
// sent to it.
func (ps *PeerSet) Contacted(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, exists := ps.set[host]
	if !exists || p.Status != StatusUnknown {
		return
	}

	p.Status = StatusContacted
}

// Activate refreshes a peer on any valid message received from it. The peer
// transitions to Active and its liveness bookkeeping resets. Unknown hosts
// are added first so a peer discovered by an inbound message is tracked.
// It reports whether the peer is Active after the call.
func (ps *PeerSet) Activate(host string, nodeID string, version string, height uint64) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, exists := ps.set[host]
	if !exists {
		if ps.maxPeers > 0 && len(ps.set) >= ps.maxPeers {
			return false
		}
		p = &Peer{Host: host}
		ps.set[host] = p
	}

	if p.Status == StatusEvicted {
		return false
	}

	if nodeID != "" {
		p.NodeID = nodeID
	}
	if version != "" {
		p.Version = version
	}
	if height > 0 {
		p.Height = height
	}
	p.LastSeen = time.Now()
	p.Status = StatusActive
	p.staleSweeps = 0

	return true
}

// MarkViolation records a protocol violation for a peer, a malformed
// message or an invalid handshake. Repeated violations evict the peer.
func (ps *PeerSet) MarkViolation(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, exists := ps.set[host]
	if !exists {
		return
	}

	p.violations++
	if p.violations >= maxViolations {
		p.Status = StatusEvicted
	}
}

// Sweep walks the set transitioning Active peers that have been silent past
// the timeout to Stale, and Stale peers that stayed silent to Evicted. The
// evicted peers are removed and returned.
func (ps *PeerSet) Sweep(timeout time.Duration) []Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()

	var evicted []Peer
	for host, p := range ps.set {
		switch p.Status {
		case StatusActive:
			if now.Sub(p.LastSeen) > timeout {
				p.Status = StatusStale
				p.staleSweeps = 1
			}

		case StatusStale:
			p.staleSweeps++
			if p.staleSweeps > maxStaleSweeps {
				p.Status = StatusEvicted
			}

		case StatusEvicted:
			// Violation evictions land here for removal.
		}

		if p.Status == StatusEvicted {
			evicted = append(evicted, *p)
			delete(ps.set, host)
		}
	}

	return evicted
}

// Remove removes a peer from the set.
func (ps *PeerSet) Remove(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, host)
}

// Status returns the lifecycle status tracked for the specified host.
func (ps *PeerSet) Status(host string) Status {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	p, exists := ps.set[host]
	if !exists {
		return StatusUnknown
	}

	return p.Status
}

// Active returns the peers currently in the Active status, excluding the
// specified host.
func (ps *PeerSet) Active(excludeHost string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for _, p := range ps.set {
		if p.Status != StatusActive || p.Match(excludeHost) {
			continue
		}
		peers = append(peers, *p)
	}

	return peers
}

// Copy returns a list of the known peers that have not been evicted,
// excluding the specified host.
func (ps *PeerSet) Copy(excludeHost string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for _, p := range ps.set {
		if p.Status == StatusEvicted || p.Match(excludeHost) {
			continue
		}
		peers = append(peers, *p)
	}

	return peers
}

// Count returns the number of peers being tracked.
func (ps *PeerSet) Count() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	return len(ps.set)
}
