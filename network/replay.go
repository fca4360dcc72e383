package network

import (
	"context"
	"sync"
	"time"
)

// ReplayGuard rejects envelopes whose nonce was already seen or whose
// timestamp is older than the tolerance window.
type ReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	tolerance time.Duration
}

// NewReplayGuard creates a guard with the given tolerance window.
func NewReplayGuard(tolerance time.Duration) *ReplayGuard {
	return &ReplayGuard{
		seen:      make(map[string]time.Time),
		tolerance: tolerance,
	}
}

// Check reports whether env is fresh and records its nonce.
func (g *ReplayGuard) Check(env *Envelope) bool {
	if env.Nonce == "" {
		return true // No nonce, skip replay check
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, seen := g.seen[env.Nonce]; seen {
		return false
	}
	if time.Since(env.Timestamp) > g.tolerance {
		return false
	}
	g.seen[env.Nonce] = time.Now()
	return true
}

// Clean removes nonces older than the tolerance window.
func (g *ReplayGuard) Clean() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.tolerance)
	for nonce, ts := range g.seen {
		if ts.Before(cutoff) {
			delete(g.seen, nonce)
		}
	}
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Run cleans the guard every interval until ctx is done.
func (g *ReplayGuard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Clean()
		}
	}
}
