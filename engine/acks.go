package engine

import (
	"sync"
	"time"

	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// inflight is a sent message waiting for its acknowledgement.
type inflight struct {
	env      *network.Envelope
	peer     string
	retries  int
	maxRetry int
	deadline time.Time
}

// ackTracker keeps inflight messages keyed by message uuid and peer.
type ackTracker struct {
	mu      sync.Mutex
	pending map[string]*inflight
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[string]*inflight)}
}

func ackKey(uuid, peer string) string {
	return uuid + "/" + peer
}

func (a *ackTracker) add(env *network.Envelope, peer string, maxRetry int, deadline time.Time) {
	a.mu.Lock()
	a.pending[ackKey(env.UUID, peer)] = &inflight{
		env:      env,
		peer:     peer,
		maxRetry: maxRetry,
		deadline: deadline,
	}
	a.mu.Unlock()
}

// ack resolves the inflight message and reports whether it was pending.
func (a *ackTracker) ack(uuid, peer string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := ackKey(uuid, peer)
	if _, ok := a.pending[key]; !ok {
		return false
	}
	delete(a.pending, key)
	return true
}

// due splits overdue messages into those to retransmit, with their
// deadline pushed by timeout, and those out of retries or TTL, which are
// removed.
func (a *ackTracker) due(now time.Time, timeout time.Duration) (resend, failed []*inflight) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, in := range a.pending {
		if now.Before(in.deadline) {
			continue
		}
		if in.retries >= in.maxRetry || in.env.Expired(now) {
			delete(a.pending, key)
			failed = append(failed, in)
			continue
		}
		in.retries++
		in.env = in.env.Renew(now)
		in.deadline = now.Add(timeout)
		resend = append(resend, in)
	}
	return resend, failed
}

// dropPeer forgets every message inflight to peer.
func (a *ackTracker) dropPeer(peer string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, in := range a.pending {
		if in.peer == peer {
			delete(a.pending, key)
			removed++
		}
	}
	return removed
}

func (a *ackTracker) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
