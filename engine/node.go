package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
	"github.com/VanDung-dev/Neuropil-Engine/config"
	"github.com/VanDung-dev/Neuropil-Engine/data"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/monitoring"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// Node is one addressable runtime instance. It joins other nodes, gossips
// the subjects it wants to receive and exchanges subject tagged messages
// with its peers.
type Node struct {
	cfg        config.NodeConfig
	log        zerolog.Logger
	logCloser  io.Closer
	metrics    *monitoring.Metrics
	identity   *aaa.Identity
	token      *aaa.Token
	fp         string
	ackTimeout time.Duration

	transport network.Transport
	p2p       *network.P2PManager
	prop      *network.Propagator
	pool      *WorkerPool

	callbacks *aaa.Callbacks
	decisions *aaa.DecisionCache
	interests *interestTable
	acks      *ackTracker
	outbox    *Outbox
	ledger    *Ledger

	mu        sync.RWMutex
	status    Status
	props     map[string]MxProperties
	receivers map[string]ReceiveFunc
	inboxes   map[string]chan *Message
	sems      map[string]*semaphore.Weighted
	intents   map[string]*aaa.Token
	seq       map[string]uint64

	claimsMu sync.Mutex
	claims   map[string]*claim

	waitMu  sync.Mutex
	waiters map[string]chan *network.Envelope

	joined     chan struct{}
	joinedOnce sync.Once

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a node from cfg. Unless WithAutoRun(false) is given the node
// is started right away; a start failure is returned together with the
// node, which is then in StatusError.
func New(cfg config.NodeConfig, opts ...Option) (*Node, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.hub != nil {
		cfg.Proto = string(network.ProtoMem)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		metrics:    o.metrics,
		ackTimeout: o.ackTimeout,
		callbacks:  aaa.NewCallbacks(),
		decisions:  aaa.NewDecisionCache(),
		interests:  newInterestTable(),
		acks:       newAckTracker(),
		outbox:     NewOutbox(),
		ledger:     NewLedger(o.ledgerSize),
		status:     StatusUninitialized,
		props:      make(map[string]MxProperties),
		receivers:  make(map[string]ReceiveFunc),
		inboxes:    make(map[string]chan *Message),
		sems:       make(map[string]*semaphore.Weighted),
		intents:    make(map[string]*aaa.Token),
		seq:        make(map[string]uint64),
		claims:     make(map[string]*claim),
		waiters:    make(map[string]chan *network.Envelope),
		joined:     make(chan struct{}),
	}
	if n.ackTimeout <= 0 {
		n.ackTimeout = cfg.AckTimeout
	}
	if n.ackTimeout <= 0 {
		n.ackTimeout = time.Second
	}

	if o.logger != nil {
		n.log = *o.logger
		n.logCloser = nopCloser{}
	} else {
		l, closer, err := logging.New(logging.Options{File: cfg.LogFile, Level: cfg.LogLevel})
		if err != nil {
			return nil, err
		}
		n.log, n.logCloser = l, closer
	}

	id := o.identity
	if id == nil {
		var err error
		if id, err = loadIdentity(cfg); err != nil {
			_ = n.logCloser.Close()
			return nil, err
		}
	}
	n.identity = id
	n.token = id.Token()
	n.fp = id.Fingerprint()
	n.log = n.log.With().Str(logging.NODE, n.fp[:12]).Logger()

	tr, err := network.NewTransport(n.fp, cfg.Address(), o.hub)
	if err != nil {
		_ = n.logCloser.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	n.transport = tr
	tr.SetHandler(n.handleEnvelope)

	p2pOpts := o.p2p
	p2pOpts.Logger = n.log
	p2pOpts.OnPeer = n.onPeer
	p2pOpts.OnPeerLost = n.onPeerLost
	n.p2p = network.NewP2PManager(tr, id, n.admit, p2pOpts)
	n.prop = network.NewPropagator(n.p2p)

	n.metrics.UpdateStatus(int(n.status))

	if o.autoRun {
		if err := n.Start(context.Background()); err != nil {
			return n, err
		}
	}
	return n, nil
}

// loadIdentity reads the configured identity file, creating it on first
// use. Without a file every run gets a fresh identity.
func loadIdentity(cfg config.NodeConfig) (*aaa.Identity, error) {
	subject := cfg.Address().HostPort()
	if cfg.IdentityFile == "" {
		return aaa.NewIdentity(aaa.TypeNode, cfg.Realm, subject, aaa.NodeTokenTTL)
	}

	_, err := os.Stat(cfg.IdentityFile)
	switch {
	case err == nil:
		id, err := aaa.Load(cfg.IdentityFile)
		if err != nil {
			return nil, err
		}
		if id.Token().Type != aaa.TypeNode {
			return nil, fmt.Errorf("%w: %s is not a node identity", aaa.ErrInvalidIdentity, cfg.IdentityFile)
		}
		return id, nil
	case errors.Is(err, fs.ErrNotExist):
		id, err := aaa.NewIdentity(aaa.TypeNode, cfg.Realm, subject, aaa.NodeTokenTTL)
		if err != nil {
			return nil, err
		}
		if err := id.Save(cfg.IdentityFile); err != nil {
			return nil, err
		}
		return id, nil
	default:
		return nil, fmt.Errorf("failed to stat identity: %w", err)
	}
}

// Start starts the transport, the worker pool and the background loops,
// then joins the configured addresses. Calling Start on a stopped node
// resumes it.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.status {
	case StatusRunning:
		n.mu.Unlock()
		return ErrAlreadyRunning
	case StatusStopped:
		n.setStatusLocked(StatusRunning)
		n.mu.Unlock()
		return nil
	case StatusShutdown:
		n.mu.Unlock()
		return ErrShutdown
	case StatusError:
		n.mu.Unlock()
		return fmt.Errorf("%w: node failed to start earlier", ErrNotRunning)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := n.transport.Start(ctx); err != nil {
		cancel()
		n.setStatusLocked(StatusError)
		n.mu.Unlock()
		n.log.Error().Err(err).Msg("node failed to start")
		return fmt.Errorf("failed to start transport: %w", err)
	}
	n.cancel = cancel
	n.pool = NewWorkerPool("receive-"+n.fp[:8], n.cfg.Threads)
	n.p2p.Start(ctx)
	n.prop.Start(ctx)

	n.wg.Add(2)
	go n.resultLoop(n.pool)
	go n.housekeeping(ctx)

	n.setStatusLocked(StatusRunning)
	n.mu.Unlock()

	n.log.Info().
		Str(logging.ADDR, n.transport.Addr().String()).
		Int("threads", n.cfg.Threads).
		Msg("node started")

	for _, addr := range n.cfg.Join {
		if err := n.Join(addr); err != nil {
			n.log.Warn().Err(err).Str(logging.ADDR, addr).Msg("join failed")
		}
	}
	return nil
}

// Run starts an uninitialized node or resumes a stopped one. It is a no-op
// on a running node.
func (n *Node) Run() error {
	if n.Status() == StatusRunning {
		return nil
	}
	return n.Start(context.Background())
}

// Stop pauses message delivery. Membership traffic is still handled and
// senders retry acknowledged messages until the node runs again.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusRunning {
		return ErrNotRunning
	}
	n.setStatusLocked(StatusStopped)
	return nil
}

// Shutdown leaves the network and releases every resource. It is safe to
// call more than once.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.mu.Lock()
		prev := n.status
		n.setStatusLocked(StatusShutdown)
		pool, cancel := n.pool, n.cancel
		n.mu.Unlock()

		if prev == StatusRunning || prev == StatusStopped {
			n.p2p.Leave()
			n.prop.Stop()
			n.p2p.Stop()
			if err := pool.ShutdownWithTimeout(poolShutdownTimeout); err != nil {
				n.log.Warn().Err(err).Msg("receive tasks still running at shutdown")
			}
			cancel()
			n.transport.Stop()
			n.wg.Wait()
		}

		n.log.Info().Str("previous", prev.String()).Msg("node shut down")
		if err := n.logCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close node log: %v\n", err)
		}
	})
}

func (n *Node) setStatusLocked(s Status) {
	if n.status == s {
		return
	}
	n.log.Debug().Str("from", n.status.String()).Str("to", s.String()).Msg("status changed")
	n.status = s
	n.metrics.UpdateStatus(int(s))
}

// Status returns the lifecycle state.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Address returns the address other nodes join, fingerprint included.
func (n *Node) Address() network.Address {
	return n.transport.Addr()
}

// Fingerprint returns the node identity fingerprint.
func (n *Node) Fingerprint() string {
	return n.fp
}

// Token returns a copy of the node token.
func (n *Node) Token() *aaa.Token {
	return n.token.Clone()
}

// Logger returns the node logger.
func (n *Node) Logger() zerolog.Logger {
	return n.log
}

// SetAuthenticateCb sets the callback deciding which nodes may join.
func (n *Node) SetAuthenticateCb(f aaa.Func) {
	n.callbacks.Set(aaa.KindAuthenticate, f)
}

// SetAuthorizeCb sets the callback deciding which message intents are
// honoured, both for incoming messages and for announced receivers.
func (n *Node) SetAuthorizeCb(f aaa.Func) {
	n.callbacks.Set(aaa.KindAuthorize, f)
}

// SetAccountingCb sets the callback invoked for every accepted message.
func (n *Node) SetAccountingCb(f aaa.Func) {
	n.callbacks.Set(aaa.KindAccounting, f)
}

// SetReceiveCb registers fn for subject and announces the interest to the
// network. A nil fn removes the callback; the announced interest then
// expires with its token.
func (n *Node) SetReceiveCb(subject string, fn ReceiveFunc) error {
	if subject == "" {
		return ErrEmptySubject
	}

	n.mu.Lock()
	if _, ok := n.inboxes[subject]; ok {
		n.mu.Unlock()
		return ErrCallbackRegistered
	}
	if fn == nil {
		delete(n.receivers, subject)
		delete(n.intents, modeReceive+":"+subject)
		n.mu.Unlock()
		n.log.Info().Str(logging.SUBJECT, subject).Msg("receive callback removed")
		return nil
	}
	n.receivers[subject] = fn
	n.ensureSemLocked(subject)
	running := n.status == StatusRunning
	n.mu.Unlock()

	n.log.Info().Str(logging.SUBJECT, subject).Msg("receive callback registered")
	if running {
		n.announce(subject)
	}
	return nil
}

// Receive blocks until a message for subject arrives or ctx is done. The
// first call registers an internal receive callback which buffers up to
// the subject cache size; when the buffer is full further messages are
// rejected and left to the sender's retries.
func (n *Node) Receive(ctx context.Context, subject string) (*Message, error) {
	if subject == "" {
		return nil, ErrEmptySubject
	}

	n.mu.Lock()
	inbox, ok := n.inboxes[subject]
	created := false
	if !ok {
		if _, taken := n.receivers[subject]; taken {
			n.mu.Unlock()
			return nil, ErrCallbackRegistered
		}
		size := DefaultCacheSize
		if p, ok := n.props[subject]; ok && p.CacheSize > 0 {
			size = p.CacheSize
		}
		inbox = make(chan *Message, size)
		n.inboxes[subject] = inbox
		n.receivers[subject] = func(m *Message) bool {
			select {
			case inbox <- m:
				return true
			default:
				return false
			}
		}
		n.ensureSemLocked(subject)
		created = true
	}
	running := n.status == StatusRunning
	n.mu.Unlock()

	if created && running {
		n.announce(subject)
	}

	select {
	case msg := <-inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, waitErr(ctx.Err())
	}
}

// MxProperties returns the current properties of subject. Calling Apply on
// the result stores changes back on this node.
func (n *Node) MxProperties(subject string) MxProperties {
	p := n.properties(subject)
	p.node = n
	return p
}

// ApplyMxProperties stores p for p.Subject. Out of range values fall back
// to defaults.
func (n *Node) ApplyMxProperties(p MxProperties) error {
	if p.Subject == "" {
		return ErrEmptySubject
	}
	p.normalize()
	p.node = nil

	n.mu.Lock()
	old, had := n.props[p.Subject]
	n.props[p.Subject] = p
	if !had || old.MaxParallel != p.MaxParallel {
		n.sems[p.Subject] = semaphore.NewWeighted(int64(p.MaxParallel))
	}
	n.mu.Unlock()

	n.log.Debug().
		Str(logging.SUBJECT, p.Subject).
		Str("reply", p.ReplySubject).
		Int("max_parallel", p.MaxParallel).
		Int("max_retry", p.MaxRetry).
		Dur("ttl", p.TTL).
		Str("ack", p.AckMode.String()).
		Str("pattern", p.Pattern.String()).
		Msg("mx properties applied")
	return nil
}

func (n *Node) properties(subject string) MxProperties {
	n.mu.RLock()
	p, ok := n.props[subject]
	n.mu.RUnlock()
	if !ok {
		p = DefaultMxProperties(subject)
	}
	return p
}

func (n *Node) ensureSemLocked(subject string) {
	if _, ok := n.sems[subject]; ok {
		return
	}
	limit := DefaultMaxParallel
	if p, ok := n.props[subject]; ok {
		limit = p.MaxParallel
	}
	n.sems[subject] = semaphore.NewWeighted(int64(limit))
}

// Join sends a join request to address, given in the
// [<fingerprint>|*]:<proto>:<host>:<port> form.
func (n *Node) Join(address string) error {
	if n.Status() != StatusRunning {
		return ErrNotRunning
	}
	addr, err := network.ParseAddress(address)
	if err != nil {
		return err
	}
	return n.p2p.Join(addr)
}

// WaitForJoin blocks until the node has at least one peer.
func (n *Node) WaitForJoin(ctx context.Context) error {
	if n.p2p.PeerCount() > 0 {
		return nil
	}
	select {
	case <-n.joined:
		return nil
	case <-ctx.Done():
		return waitErr(ctx.Err())
	}
}

// Peers lists the authenticated peers.
func (n *Node) Peers() []network.PeerInfo {
	return n.p2p.Peers().List()
}

// Ledger returns the recorded accounting entries, oldest first.
func (n *Node) Ledger() []data.LedgerEntry {
	return n.ledger.Entries()
}

// Subjects lists the subjects this node receives.
func (n *Node) Subjects() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.receivers))
	for s := range n.receivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NodeStats is a snapshot of node counters.
type NodeStats struct {
	Fingerprint string                 `json:"fingerprint"`
	Address     string                 `json:"address"`
	Status      string                 `json:"status"`
	Peers       int                    `json:"peers"`
	Subjects    []string               `json:"subjects"`
	PendingAcks int                    `json:"pending_acks"`
	Ledger      int                    `json:"ledger"`
	Outbox      OutboxStats            `json:"outbox"`
	Pool        PoolStats              `json:"pool"`
	Transport   network.TransportStats `json:"transport"`
}

// Stats returns a snapshot of node counters.
func (n *Node) Stats() NodeStats {
	n.mu.RLock()
	pool := n.pool
	n.mu.RUnlock()

	s := NodeStats{
		Fingerprint: n.fp,
		Address:     n.Address().String(),
		Status:      n.Status().String(),
		Peers:       n.p2p.PeerCount(),
		Subjects:    n.Subjects(),
		PendingAcks: n.acks.len(),
		Ledger:      n.ledger.Len(),
		Outbox:      n.outbox.Stats(),
		Transport:   n.transport.Stats(),
	}
	if pool != nil {
		s.Pool = pool.GetStats()
	}
	return s
}

// admit authenticates joining nodes.
func (n *Node) admit(t *aaa.Token) bool {
	return n.decide(aaa.KindAuthenticate, t)
}

// decide runs one aaa decision and records it.
func (n *Node) decide(kind aaa.Kind, t *aaa.Token) bool {
	ok, err := aaa.Decide(n.callbacks, n.decisions, kind, t, time.Now())

	// node tokens are self signed, their peer is the token itself
	peer := t.Issuer
	if t.Type == aaa.TypeNode {
		peer = t.Fingerprint()
	}
	if err != nil {
		n.log.Warn().Err(err).Str(logging.EVENT, kind.String()).Str(logging.PEER, peer).Msg("callback failed")
	}
	n.metrics.RecordDecision(kind.String(), ok)
	n.record(kind.String(), peer, t.Subject, t.UUID, 0, ok)
	return ok
}

func (n *Node) record(kind, peer, subject, uuid string, size int, accepted bool) {
	n.ledger.Record(data.LedgerEntry{
		Time:     time.Now().UTC(),
		Node:     n.fp,
		Peer:     peer,
		Subject:  subject,
		UUID:     uuid,
		Kind:     kind,
		Bytes:    int64(size),
		Accepted: accepted,
	})
}

func (n *Node) onPeer(info network.PeerInfo) {
	n.joinedOnce.Do(func() { close(n.joined) })
	n.metrics.UpdatePeers(n.p2p.PeerCount())

	for _, subject := range n.Subjects() {
		env := n.interestEnvelope(subject)
		if err := n.p2p.SendTo(info.ID, env); err != nil {
			n.log.Debug().Err(err).Str(logging.PEER, info.ID).Str(logging.SUBJECT, subject).Msg("interest not sent")
		}
	}
	for _, subject := range n.interests.subjects() {
		n.flushOutbox(subject)
	}
}

func (n *Node) onPeerLost(info network.PeerInfo) {
	interests := n.interests.removePeer(info.ID)
	pending := n.acks.dropPeer(info.ID)
	n.metrics.UpdatePeers(n.p2p.PeerCount())
	n.log.Info().
		Str(logging.PEER, info.ID).
		Int("interests", interests).
		Int("pending_acks", pending).
		Msg("peer lost")
}

func (n *Node) resultLoop(pool *WorkerPool) {
	defer n.wg.Done()
	for r := range pool.Results() {
		if r.Success || r.Error == nil {
			continue
		}
		if errors.Is(r.Error, context.Canceled) || errors.Is(r.Error, ErrNotRunning) {
			continue
		}
		n.log.Warn().Err(r.Error).
			Str(logging.SUBJECT, r.Subject).
			Str(logging.UUID, r.TaskID).
			Msg("receive task failed")
	}
}

// housekeeping retransmits unacknowledged messages, expires cached state
// and refreshes announced interests.
func (n *Node) housekeeping(ctx context.Context) {
	defer n.wg.Done()

	tick := n.ackTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastSweep, lastAnnounce := time.Now(), time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.retransmit(now)
			if now.Sub(lastSweep) >= housekeepingInterval {
				n.sweep(now)
				lastSweep = now
			}
			if now.Sub(lastAnnounce) >= intentRefresh {
				if n.Status() == StatusRunning {
					for _, subject := range n.Subjects() {
						n.announce(subject)
					}
				}
				lastAnnounce = now
			}
		}
	}
}

func (n *Node) sweep(now time.Time) {
	if expired := n.outbox.Expire(now); expired > 0 {
		for i := 0; i < expired; i++ {
			n.metrics.RecordDrop(monitoring.DropExpired)
		}
		n.log.Debug().Int("count", expired).Msg("cached messages expired")
	}
	n.decisions.Purge(now)
	n.purgeClaims(now)

	n.metrics.UpdateOutboxSize(n.outbox.Size())
	n.metrics.UpdatePeers(n.p2p.PeerCount())
	n.mu.RLock()
	pool := n.pool
	n.mu.RUnlock()
	if pool != nil {
		st := pool.GetStats()
		n.metrics.UpdateWorkerPool(int(st.Active), st.Pending)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// waitErr maps a deadline to ErrTimeout.
func waitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
