package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
)

var (
	// ErrJoinRejected is returned when a join handshake fails verification.
	ErrJoinRejected = errors.New("join rejected")
	// ErrBadSignature is returned for envelopes not signed by their sender.
	ErrBadSignature = errors.New("envelope signature invalid")
)

// Admitter decides whether a verified node token may become a peer.
type Admitter func(t *aaa.Token) bool

// P2POptions tunes a P2PManager.
type P2POptions struct {
	PruneInterval time.Duration
	StaleTimeout  time.Duration
	Logger        zerolog.Logger

	// OnPeer runs after a peer is registered for the first time.
	OnPeer func(PeerInfo)
	// OnPeerLost runs after a peer left or was pruned.
	OnPeerLost func(PeerInfo)
}

// DefaultP2POptions returns the default pruning settings.
func DefaultP2POptions() P2POptions {
	return P2POptions{
		PruneInterval: 30 * time.Second,
		StaleTimeout:  5 * time.Minute,
		Logger:        zerolog.Nop(),
	}
}

// P2PManager handles the join handshake, peer exchange and pruning.
type P2PManager struct {
	transport Transport
	identity  *aaa.Identity
	token     *aaa.Token
	self      string
	peers     *PeerTable
	admit     Admitter
	opts      P2POptions
	log       zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewP2PManager creates a manager for the node identity id. Every envelope
// it sends is signed with the identity key. admit may be nil, in which case
// every verified token is accepted.
func NewP2PManager(transport Transport, id *aaa.Identity, admit Admitter, opts P2POptions) *P2PManager {
	if admit == nil {
		admit = func(*aaa.Token) bool { return true }
	}
	def := DefaultP2POptions()
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = def.PruneInterval
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = def.StaleTimeout
	}
	token := id.Token()
	return &P2PManager{
		transport: transport,
		identity:  id,
		token:     token,
		self:      token.Fingerprint(),
		peers:     NewPeerTable(),
		admit:     admit,
		opts:      opts,
		log:       logging.Component(opts.Logger, "p2p"),
	}
}

// Self returns this node's fingerprint.
func (p *P2PManager) Self() string {
	return p.self
}

// Peers exposes the peer table.
func (p *P2PManager) Peers() *PeerTable {
	return p.peers
}

// Start begins stale peer pruning.
func (p *P2PManager) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.wg.Add(1)
	go p.pruneStalePeers(ctx)
}

// Stop stops pruning.
func (p *P2PManager) Stop() {
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

func (p *P2PManager) envelope(typ EnvelopeType) *Envelope {
	env := NewEnvelope(typ, p.Self())
	env.FromAddr = p.transport.Addr().String()
	return env
}

// Join starts the handshake with the node listening at addr.
func (p *P2PManager) Join(addr Address) error {
	if !addr.Proto.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, addr.Proto)
	}
	if addr.HostPort() == p.transport.Addr().HostPort() {
		return fmt.Errorf("%w: cannot join self", ErrJoinRejected)
	}

	env := p.envelope(TypeJoin)
	env.Token = p.token
	if addr.Fingerprint != "" {
		env.To = addr.Fingerprint
	}

	p.log.Debug().Str(logging.ADDR, addr.String()).Msg("joining")
	return p.send(addr, env)
}

// send signs a copy of env and hands it to the transport.
func (p *P2PManager) send(to Address, env *Envelope) error {
	c := *env
	c.Sign(p.identity)
	return p.transport.Send(to, &c)
}

// Authenticate ties env to a registered peer: the sender must be known and
// the signature must match the key of its node token. A successful check
// refreshes the peer's LastSeen.
func (p *P2PManager) Authenticate(env *Envelope) (PeerInfo, error) {
	peer, ok := p.peers.Get(env.From)
	if !ok {
		return PeerInfo{}, fmt.Errorf("%w: %s", ErrPeerNotFound, env.From)
	}
	if !env.Verify(peer.Token) {
		return PeerInfo{}, fmt.Errorf("%w: from %s", ErrBadSignature, env.From)
	}
	p.peers.Touch(env.From)
	return peer, nil
}

// Handle processes membership envelopes. It reports whether env was one.
// Join handshakes are checked against the token they carry; every other
// membership envelope must pass Authenticate.
func (p *P2PManager) Handle(env *Envelope) bool {
	var err error
	switch env.Type {
	case TypeJoin:
		err = p.handleJoin(env)
	case TypeJoinAck:
		err = p.handleJoinAck(env)
	case TypeLeave:
		err = p.handleLeave(env)
	case TypePeerExchangeRequest:
		err = p.handlePeerExchangeRequest(env)
	case TypePeerExchangeResponse:
		err = p.handlePeerExchangeResponse(env)
	default:
		return false
	}
	if err != nil {
		p.log.Warn().Err(err).
			Str(logging.TYPE, string(env.Type)).
			Str(logging.PEER, env.From).
			Msg("membership envelope failed")
	}
	return true
}

// verify checks that env carries a valid node token matching its sender
// and that the admitter accepts it.
func (p *P2PManager) verify(env *Envelope) (*PeerInfo, error) {
	if env.Token == nil {
		return nil, fmt.Errorf("%w: missing token", ErrJoinRejected)
	}
	if env.Token.Type != aaa.TypeNode {
		return nil, fmt.Errorf("%w: token type %s", ErrJoinRejected, env.Token.Type)
	}
	if err := env.Token.Validate(time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJoinRejected, err)
	}
	if env.Token.Fingerprint() != env.From {
		return nil, fmt.Errorf("%w: sender does not own token", ErrJoinRejected)
	}
	if !env.Verify(env.Token) {
		return nil, fmt.Errorf("%w: %v", ErrJoinRejected, ErrBadSignature)
	}
	addr, err := ParseAddress(env.FromAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJoinRejected, err)
	}
	if !p.admit(env.Token) {
		return nil, fmt.Errorf("%w: not authenticated", ErrJoinRejected)
	}
	return &PeerInfo{
		ID:            env.From,
		Address:       addr.WithFingerprint(env.From),
		Token:         env.Token,
		LastSeen:      time.Now(),
		Authenticated: true,
	}, nil
}

func (p *P2PManager) register(info *PeerInfo) bool {
	isNew := p.peers.Register(info)
	if isNew {
		p.log.Info().Str(logging.PEER, info.ID).Str(logging.ADDR, info.Address.String()).Msg("peer joined")
		if p.opts.OnPeer != nil {
			p.opts.OnPeer(*info)
		}
	}
	return isNew
}

func (p *P2PManager) handleJoin(env *Envelope) error {
	if env.From == p.Self() {
		return nil
	}
	info, err := p.verify(env)
	if err != nil {
		return err
	}

	ack := p.envelope(TypeJoinAck)
	ack.Token = p.token
	ack.To = info.ID
	if err := p.send(info.Address, ack); err != nil {
		return err
	}
	p.register(info)
	return nil
}

func (p *P2PManager) handleJoinAck(env *Envelope) error {
	info, err := p.verify(env)
	if err != nil {
		return err
	}
	if !p.register(info) {
		return nil
	}

	req := p.envelope(TypePeerExchangeRequest)
	req.To = info.ID
	return p.send(info.Address, req)
}

func (p *P2PManager) handleLeave(env *Envelope) error {
	if _, err := p.Authenticate(env); err != nil {
		return err
	}
	info, ok := p.peers.Unregister(env.From)
	if !ok {
		return nil
	}
	p.transport.Forget(info.Address)
	p.log.Info().Str(logging.PEER, info.ID).Msg("peer left")
	if p.opts.OnPeerLost != nil {
		p.opts.OnPeerLost(*info)
	}
	return nil
}

// handlePeerExchangeRequest responds with known peers.
func (p *P2PManager) handlePeerExchangeRequest(env *Envelope) error {
	requester, err := p.Authenticate(env)
	if err != nil {
		return err
	}

	var records []PeerRecord
	for _, peer := range p.peers.List() {
		if peer.ID == env.From {
			continue
		}
		records = append(records, PeerRecord{ID: peer.ID, Address: peer.Address.String()})
	}
	payload, err := EncodePeers(records)
	if err != nil {
		return err
	}

	resp := p.envelope(TypePeerExchangeResponse)
	resp.To = requester.ID
	resp.Payload = payload
	return p.send(requester.Address, resp)
}

// handlePeerExchangeResponse joins every peer we did not know yet.
func (p *P2PManager) handlePeerExchangeResponse(env *Envelope) error {
	if _, err := p.Authenticate(env); err != nil {
		return err
	}
	records, err := DecodePeers(env.Payload)
	if err != nil {
		return err
	}

	for _, rec := range records {
		// Don't add ourselves
		if rec.ID == "" || rec.ID == p.Self() {
			continue
		}
		if _, known := p.peers.Get(rec.ID); known {
			continue
		}
		addr, err := ParseAddress(rec.Address)
		if err != nil {
			continue
		}
		if err := p.Join(addr); err != nil {
			p.log.Debug().Err(err).Str(logging.PEER, rec.ID).Msg("peer exchange join failed")
		}
	}
	return nil
}

// Leave announces departure to every peer.
func (p *P2PManager) Leave() {
	_ = p.Broadcast(p.envelope(TypeLeave), nil)
}

// SendTo delivers env to a registered peer.
func (p *P2PManager) SendTo(id string, env *Envelope) error {
	peer, ok := p.peers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	env.To = id
	if env.FromAddr == "" {
		env.FromAddr = p.transport.Addr().String()
	}
	return p.send(peer.Address, env)
}

// Broadcast sends a copy of env to all peers except the excluded IDs.
// The last send error is returned.
func (p *P2PManager) Broadcast(env *Envelope, exclude []string) error {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var lastErr error
	for _, peer := range p.peers.List() {
		if skip[peer.ID] {
			continue
		}
		c := *env
		if err := p.SendTo(peer.ID, &c); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// pruneStalePeers periodically removes stale peers.
func (p *P2PManager) pruneStalePeers(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune()
		}
	}
}

// Prune removes peers that haven't been seen within the stale timeout.
func (p *P2PManager) Prune() int {
	ids := p.peers.Stale(time.Now().Add(-p.opts.StaleTimeout))
	for _, id := range ids {
		info, ok := p.peers.Unregister(id)
		if !ok {
			continue
		}
		p.transport.Forget(info.Address)
		p.log.Info().Str(logging.PEER, id).Msg("pruned stale peer")
		if p.opts.OnPeerLost != nil {
			p.opts.OnPeerLost(*info)
		}
	}
	return len(ids)
}

// PeerCount returns the number of known peers.
func (p *P2PManager) PeerCount() int {
	return p.peers.Len()
}
