package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
)

type testPeer struct {
	id   *aaa.Identity
	tr   Transport
	p2p  *P2PManager
	prop *Propagator

	mu        sync.Mutex
	interests []*Envelope
}

func (tp *testPeer) handle(env *Envelope) {
	if tp.p2p.Handle(env) {
		return
	}
	if env.Type == TypeInterest && tp.prop.HandleIncoming(env) {
		tp.mu.Lock()
		tp.interests = append(tp.interests, env)
		tp.mu.Unlock()
	}
}

func (tp *testPeer) interestCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.interests)
}

func newTestPeer(t *testing.T, hub *MemHub, admit Admitter) *testPeer {
	t.Helper()

	id, err := aaa.NewIdentity(aaa.TypeNode, "", "node", time.Hour)
	require.NoError(t, err)

	tr, err := NewTransport(id.Fingerprint(), Address{Proto: ProtoMem, Host: "test"}, hub)
	require.NoError(t, err)

	tp := &testPeer{id: id, tr: tr}
	tp.p2p = NewP2PManager(tr, id, admit, P2POptions{})
	tp.prop = NewPropagator(tp.p2p)
	tr.SetHandler(tp.handle)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx))
	tp.p2p.Start(ctx)
	tp.prop.Start(ctx)
	t.Cleanup(func() {
		tp.prop.Stop()
		tp.p2p.Stop()
		tr.Stop()
		cancel()
	})
	return tp
}

func TestNewTransportSelectsImplementation(t *testing.T) {
	tr, err := NewTransport("n", Address{Proto: ProtoTCP4, Host: "127.0.0.1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ZmqTransport{}, tr)

	tr, err = NewTransport("n", Address{Proto: ProtoMem, Host: "x"}, NewMemHub())
	require.NoError(t, err)
	assert.IsType(t, &MemTransport{}, tr)

	_, err = NewTransport("n", Address{Proto: ProtoMem, Host: "x"}, nil)
	assert.Error(t, err)

	_, err = NewTransport("n", Address{Proto: ProtoUDP4, Host: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestMemTransportSendBeforeStart(t *testing.T) {
	tr := NewMemTransport(NewMemHub(), "n", Address{Proto: ProtoMem, Host: "x"})
	err := tr.Send(Address{Proto: ProtoMem, Host: "x", Port: 1}, NewEnvelope(TypeData, "n"))
	assert.ErrorIs(t, err, ErrNodeNotRunning)
	assert.False(t, tr.Stats().IsRunning)
}

func TestMemHubAssignsPorts(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)

	assert.NotZero(t, a.tr.Addr().Port)
	assert.NotEqual(t, a.tr.Addr().Port, b.tr.Addr().Port)
	assert.Equal(t, a.id.Fingerprint(), a.tr.Addr().Fingerprint)
}

func TestJoinHandshake(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)

	require.NoError(t, b.p2p.Join(a.tr.Addr().WithFingerprint("")))

	require.Eventually(t, func() bool {
		return a.p2p.PeerCount() == 1 && b.p2p.PeerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	peer, ok := a.p2p.Peers().Get(b.id.Fingerprint())
	require.True(t, ok)
	assert.True(t, peer.Authenticated)
	assert.Equal(t, b.tr.Addr().HostPort(), peer.Address.HostPort())
}

func TestJoinSelfRejected(t *testing.T) {
	a := newTestPeer(t, NewMemHub(), nil)
	assert.ErrorIs(t, a.p2p.Join(a.tr.Addr()), ErrJoinRejected)
}

func TestJoinRejectedByAdmitter(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, func(*aaa.Token) bool { return false })
	b := newTestPeer(t, hub, nil)

	require.NoError(t, b.p2p.Join(a.tr.Addr()))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, a.p2p.PeerCount())
	assert.Equal(t, 0, b.p2p.PeerCount())
}

func TestJoinRejectsForeignToken(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)

	other, err := aaa.NewIdentity(aaa.TypeNode, "", "node", time.Hour)
	require.NoError(t, err)

	// b presents a token it does not own
	env := NewEnvelope(TypeJoin, b.id.Fingerprint())
	env.FromAddr = b.tr.Addr().String()
	env.Token = other.Token()
	require.NoError(t, b.tr.Send(a.tr.Addr(), env))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, a.p2p.PeerCount())
}

func TestPeerExchange(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)
	c := newTestPeer(t, hub, nil)

	require.NoError(t, b.p2p.Join(a.tr.Addr()))
	require.Eventually(t, func() bool { return a.p2p.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// c learns about b through a
	require.NoError(t, c.p2p.Join(a.tr.Addr()))
	require.Eventually(t, func() bool {
		return a.p2p.PeerCount() == 2 && b.p2p.PeerCount() == 2 && c.p2p.PeerCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveAndPrune(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)

	require.NoError(t, b.p2p.Join(a.tr.Addr()))
	require.Eventually(t, func() bool { return a.p2p.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.p2p.Leave()
	require.Eventually(t, func() bool { return a.p2p.PeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// b still lists a; age it past the stale timeout
	require.Equal(t, 1, b.p2p.PeerCount())
	b.p2p.opts.StaleTimeout = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, b.p2p.Prune())
	assert.Equal(t, 0, b.p2p.PeerCount())
}

func TestForgedLeaveIgnored(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)

	require.NoError(t, b.p2p.Join(a.tr.Addr()))
	require.Eventually(t, func() bool {
		return a.p2p.PeerCount() == 1 && b.p2p.PeerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rogue := NewMemTransport(hub, "rogue", Address{Proto: ProtoMem, Host: "test"})
	require.NoError(t, rogue.Start(ctx))
	defer rogue.Stop()

	other, err := aaa.NewIdentity(aaa.TypeNode, "", "node", time.Hour)
	require.NoError(t, err)

	// a leave claiming to come from a, unsigned and signed by another key
	require.NoError(t, rogue.Send(b.tr.Addr(), NewEnvelope(TypeLeave, a.id.Fingerprint())))
	forged := NewEnvelope(TypeLeave, a.id.Fingerprint())
	forged.Sign(other)
	require.NoError(t, rogue.Send(b.tr.Addr(), forged))

	time.Sleep(100 * time.Millisecond)
	_, ok := b.p2p.Peers().Get(a.id.Fingerprint())
	assert.True(t, ok, "forged leave must not evict the peer")

	a.p2p.Leave()
	require.Eventually(t, func() bool { return b.p2p.PeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAuthenticate(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)

	require.NoError(t, b.p2p.Join(a.tr.Addr()))
	require.Eventually(t, func() bool { return b.p2p.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	before, ok := b.p2p.Peers().Get(a.id.Fingerprint())
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	unsigned := NewEnvelope(TypeAck, a.id.Fingerprint())
	_, err := b.p2p.Authenticate(unsigned)
	assert.ErrorIs(t, err, ErrBadSignature)
	after, _ := b.p2p.Peers().Get(a.id.Fingerprint())
	assert.Equal(t, before.LastSeen, after.LastSeen, "rejected envelopes do not refresh the peer")

	stranger, err := aaa.NewIdentity(aaa.TypeNode, "", "node", time.Hour)
	require.NoError(t, err)
	unknown := NewEnvelope(TypeAck, stranger.Fingerprint())
	unknown.Sign(stranger)
	_, err = b.p2p.Authenticate(unknown)
	assert.ErrorIs(t, err, ErrPeerNotFound)

	signed := NewEnvelope(TypeAck, a.id.Fingerprint())
	signed.Sign(a.id)
	peer, err := b.p2p.Authenticate(signed)
	require.NoError(t, err)
	assert.Equal(t, a.id.Fingerprint(), peer.ID)
	after, _ = b.p2p.Peers().Get(a.id.Fingerprint())
	assert.True(t, after.LastSeen.After(before.LastSeen))
}

func TestPropagationHopLimitAndDedup(t *testing.T) {
	hub := NewMemHub()
	a := newTestPeer(t, hub, nil)
	b := newTestPeer(t, hub, nil)
	c := newTestPeer(t, hub, nil)

	require.NoError(t, b.p2p.Join(a.tr.Addr()))
	require.NoError(t, c.p2p.Join(a.tr.Addr()))
	require.Eventually(t, func() bool {
		return b.p2p.PeerCount() == 2 && c.p2p.PeerCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	env := NewEnvelope(TypeInterest, a.id.Fingerprint())
	env.Subject = "tick"
	require.NoError(t, a.prop.Propagate(env))

	require.Eventually(t, func() bool {
		return b.interestCount() == 1 && c.interestCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// forwarded copies between b and c are dropped as duplicates
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, b.interestCount())
	assert.Equal(t, 1, c.interestCount())
	assert.Equal(t, 0, a.interestCount())
}

func TestPropagatorStats(t *testing.T) {
	a := newTestPeer(t, NewMemHub(), nil)
	stats := a.prop.GetStats()
	assert.Equal(t, DefaultMaxHops, stats.MaxHops)
	assert.True(t, stats.IsRunning)

	a.prop.SetMaxHops(10)
	assert.Equal(t, 10, a.prop.GetStats().MaxHops)

	env := NewEnvelope(TypeInterest, "x")
	assert.False(t, a.prop.IsDuplicate(env))
	assert.True(t, a.prop.HandleIncoming(env))
	assert.True(t, a.prop.IsDuplicate(env))
	assert.False(t, a.prop.HandleIncoming(env))

	a.prop.Forget(env)
	assert.False(t, a.prop.IsDuplicate(env))
}

func TestZmqTransportLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping zmq loopback in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv := NewZmqTransport("receiver", Address{Proto: ProtoTCP4, Host: "127.0.0.1"})
	got := make(chan *Envelope, 1)
	recv.SetHandler(func(env *Envelope) { got <- env })
	require.NoError(t, recv.Start(ctx))
	defer recv.Stop()
	require.NotZero(t, recv.Addr().Port)

	send := NewZmqTransport("sender", Address{Proto: ProtoTCP4, Host: "127.0.0.1"})
	require.NoError(t, send.Start(ctx))
	defer send.Stop()

	env := NewEnvelope(TypeData, "sender")
	env.Subject = "tick"
	env.Payload = []byte("hello")
	require.NoError(t, send.Send(recv.Addr(), env))

	select {
	case e := <-got:
		assert.Equal(t, "tick", e.Subject)
		assert.Equal(t, []byte("hello"), e.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope received")
	}

	assert.Equal(t, 1, send.Stats().Connections)
	assert.Equal(t, int64(1), recv.Stats().Received)
}

func TestZmqTransportUnreachablePeer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping zmq dial retries in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewZmqTransport("sender", Address{Proto: ProtoTCP4, Host: "127.0.0.1"})
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()

	// nothing listens on the discard port
	dead := Address{Proto: ProtoTCP4, Host: "127.0.0.1", Port: 9}
	errc := make(chan error, 1)
	go func() { errc <- tr.Send(dead, NewEnvelope(TypeData, "sender")) }()

	// a pending dial does not hold the transport lock
	done := make(chan struct{})
	go func() {
		_ = tr.Addr()
		_ = tr.Stats()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Addr blocked behind a dial")
	}

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("send to an unreachable peer never failed")
	}
	assert.Equal(t, 0, tr.Stats().Connections)
}
