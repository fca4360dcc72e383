package network

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultMaxHops bounds how far an envelope is gossiped.
const DefaultMaxHops = 5

// Propagator gossips envelopes (subject interests) across peers and drops
// the copies it has already seen.
type Propagator struct {
	p2p *P2PManager

	// Seen envelopes cache (hash -> timestamp)
	seen sync.Map

	maxHops       int
	cacheExpiry   time.Duration
	cleanInterval time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewPropagator creates a propagator sending through p2p.
func NewPropagator(p2p *P2PManager) *Propagator {
	return &Propagator{
		p2p:           p2p,
		maxHops:       DefaultMaxHops,
		cacheExpiry:   5 * time.Minute,
		cleanInterval: time.Minute,
	}
}

// Start begins the seen-cache cleaner.
func (p *Propagator) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.wg.Add(1)
	go p.cacheCleaner(ctx)
}

// Stop stops the cleaner.
func (p *Propagator) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
}

// Propagate stamps env as originating here and sends it to all peers.
func (p *Propagator) Propagate(env *Envelope) error {
	if env.Attrs == nil {
		env.Attrs = make(map[string]string, 2)
	}
	if env.Attrs[AttrOrigin] == "" {
		env.Attrs[AttrOrigin] = p.p2p.Self()
		env.Attrs[AttrOriginAddr] = p.p2p.transport.Addr().String()
	}
	p.seen.Store(p.hash(env), time.Now())
	return p.p2p.Broadcast(env, nil)
}

// HandleIncoming records env and forwards it while under the hop limit.
// It returns false for duplicates, which must not be processed again.
func (p *Propagator) HandleIncoming(env *Envelope) bool {
	h := p.hash(env)
	if _, loaded := p.seen.LoadOrStore(h, time.Now()); loaded {
		return false
	}

	p.mu.Lock()
	maxHops := p.maxHops
	p.mu.Unlock()

	if env.Hops+1 >= maxHops {
		return true // Process but don't propagate further
	}

	fwd := env.Forward(p.p2p.Self())
	_ = p.p2p.Broadcast(fwd, []string{env.From, env.Attrs[AttrOrigin]})
	return true
}

// Forget removes env from the seen cache so that a re-announcement of the
// same content propagates again.
func (p *Propagator) Forget(env *Envelope) {
	p.seen.Delete(p.hash(env))
}

// IsDuplicate checks if an envelope was seen before.
func (p *Propagator) IsDuplicate(env *Envelope) bool {
	_, seen := p.seen.Load(p.hash(env))
	return seen
}

// hash keys the envelope by content that survives forwarding.
func (p *Propagator) hash(env *Envelope) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(env.Type))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(env.Attrs[AttrOrigin])
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(env.Subject)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(env.UUID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(env.Timestamp.UnixNano(), 10))
	return d.Sum64()
}

// cacheCleaner periodically cleans old entries from the seen cache.
func (p *Propagator) cacheCleaner(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanCache()
		}
	}
}

func (p *Propagator) cleanCache() {
	cutoff := time.Now().Add(-p.cacheExpiry)

	p.seen.Range(func(key, value interface{}) bool {
		if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
			p.seen.Delete(key)
		}
		return true
	})
}

// SetMaxHops sets the maximum number of hops for propagation.
func (p *Propagator) SetMaxHops(hops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxHops = hops
}

// PropagatorStats contains propagator statistics.
type PropagatorStats struct {
	MaxHops   int  `json:"max_hops"`
	CacheSize int  `json:"cache_size"`
	IsRunning bool `json:"is_running"`
}

// GetStats returns propagator statistics.
func (p *Propagator) GetStats() PropagatorStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	cacheSize := 0
	p.seen.Range(func(key, value interface{}) bool {
		cacheSize++
		return true
	})

	return PropagatorStats{
		MaxHops:   p.maxHops,
		CacheSize: cacheSize,
		IsRunning: p.running,
	}
}
