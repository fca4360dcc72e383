package network

import (
	"sort"
	"sync"
	"time"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
)

// PeerInfo contains information about a connected peer.
type PeerInfo struct {
	ID            string     `json:"id"`
	Address       Address    `json:"-"`
	Token         *aaa.Token `json:"-"`
	LastSeen      time.Time  `json:"last_seen"`
	Authenticated bool       `json:"authenticated"`
}

// AddressString is the textual peer address, used by status views.
func (p *PeerInfo) AddressString() string {
	return p.Address.String()
}

// PeerTable is the set of peers keyed by fingerprint.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*PeerInfo)}
}

// Register adds or replaces a peer and reports whether it was new.
func (t *PeerTable) Register(info *PeerInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}
	_, exists := t.peers[info.ID]
	t.peers[info.ID] = info
	return !exists
}

// Unregister removes a peer.
func (t *PeerTable) Unregister(id string) (*PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	delete(t.peers, id)
	return p, ok
}

// Get returns a copy of the peer entry.
func (t *PeerTable) Get(id string) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// Touch refreshes LastSeen for a known peer.
func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// ByAddress finds a peer bound at the same proto/host/port.
func (t *PeerTable) ByAddress(addr Address) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hp := addr.HostPort()
	for _, p := range t.peers {
		if p.Address.HostPort() == hp {
			return *p, true
		}
	}
	return PeerInfo{}, false
}

// List returns copies of all peers ordered by ID.
func (t *PeerTable) List() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Stale returns the IDs of peers not seen since cutoff.
func (t *PeerTable) Stale(cutoff time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
