package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
	"github.com/VanDung-dev/Neuropil-Engine/config"
	"github.com/VanDung-dev/Neuropil-Engine/data"
	"github.com/VanDung-dev/Neuropil-Engine/monitoring"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestNode(t *testing.T, hub *network.MemHub, opts ...Option) *Node {
	t.Helper()

	cfg := config.DefaultNodeConfig()
	cfg.Port = 0
	base := []Option{
		WithMemHub(hub),
		WithLogger(zerolog.Nop()),
		WithAckTimeout(50 * time.Millisecond),
	}
	n, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

// connect makes b join a and waits for both sides to register each other.
func connect(t *testing.T, a, b *Node) {
	t.Helper()
	require.NoError(t, b.Join(a.Address().String()))
	require.Eventually(t, func() bool {
		return hasPeer(a, b.Fingerprint()) && hasPeer(b, a.Fingerprint())
	}, waitFor, tick)
}

func hasPeer(n *Node, fp string) bool {
	for _, p := range n.Peers() {
		if p.ID == fp {
			return true
		}
	}
	return false
}

func knowsReceivers(n *Node, subject string, count int) func() bool {
	return func() bool {
		return len(n.interests.live(subject, time.Now())) == count
	}
}

type inbox struct {
	mu   sync.Mutex
	msgs []*Message
}

func (i *inbox) accept(m *Message) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
	return true
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func (i *inbox) get(idx int) *Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.msgs[idx]
}

func TestNodeLifecycle(t *testing.T) {
	n := newTestNode(t, network.NewMemHub(), WithAutoRun(false))
	assert.Equal(t, StatusUninitialized, n.Status())
	assert.ErrorIs(t, n.Send("tick", []byte("x")), ErrNotRunning)

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, StatusRunning, n.Status())
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyRunning)
	assert.NoError(t, n.Run())

	require.NoError(t, n.Stop())
	assert.Equal(t, StatusStopped, n.Status())
	assert.ErrorIs(t, n.Stop(), ErrNotRunning)
	assert.ErrorIs(t, n.Send("tick", nil), ErrNotRunning)

	require.NoError(t, n.Run())
	assert.Equal(t, StatusRunning, n.Status())

	n.Shutdown()
	n.Shutdown()
	assert.Equal(t, StatusShutdown, n.Status())
	assert.ErrorIs(t, n.Start(context.Background()), ErrShutdown)
	assert.ErrorIs(t, n.Join("*:mem:localhost:1"), ErrNotRunning)
}

func TestNodeAutoRun(t *testing.T) {
	n := newTestNode(t, network.NewMemHub())
	assert.Equal(t, StatusRunning, n.Status())
	assert.Len(t, n.Fingerprint(), 64)
	assert.Equal(t, n.Fingerprint(), n.Address().Fingerprint)
	assert.Equal(t, network.ProtoMem, n.Address().Proto)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultNodeConfig()
	cfg.Threads = 0
	_, err := New(cfg, WithLogger(zerolog.Nop()), WithAutoRun(false))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNodeIdentityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.id")
	cfg := config.DefaultNodeConfig()
	cfg.IdentityFile = path

	first, err := New(cfg, WithLogger(zerolog.Nop()), WithAutoRun(false))
	require.NoError(t, err)
	first.Shutdown()

	second, err := New(cfg, WithLogger(zerolog.Nop()), WithAutoRun(false))
	require.NoError(t, err)
	second.Shutdown()

	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestSendValidation(t *testing.T) {
	n := newTestNode(t, network.NewMemHub())
	assert.ErrorIs(t, n.Send("", []byte("x")), ErrEmptySubject)
	assert.ErrorIs(t, n.SetReceiveCb("", func(*Message) bool { return true }), ErrEmptySubject)
	assert.ErrorIs(t, n.ApplyMxProperties(MxProperties{}), ErrEmptySubject)
}

func TestTickTock(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	var ticks, tocks inbox
	require.NoError(t, a.SetReceiveCb("tick", func(m *Message) bool {
		ticks.accept(m)
		return a.Send("tock", m.Raw()) == nil
	}))
	require.NoError(t, b.SetReceiveCb("tock", tocks.accept))

	connect(t, a, b)
	require.NoError(t, b.Send("tick", []byte("ping")))

	require.Eventually(t, func() bool { return tocks.len() == 1 }, waitFor, tick)
	got := ticks.get(0)
	assert.Equal(t, "tick", got.Subject)
	assert.Equal(t, []byte("ping"), got.Raw())
	assert.Equal(t, b.Fingerprint(), got.From)
	assert.EqualValues(t, 1, got.Seq)
	assert.NotEmpty(t, got.UUID)
	assert.Equal(t, []byte("ping"), tocks.get(0).Raw())

	// delivery and accounting are in the ledger of the receiver
	var deliver, acc bool
	for _, e := range a.Ledger() {
		switch {
		case e.Kind == data.KindDeliver && e.Subject == "tick":
			deliver = e.Accepted && e.Peer == b.Fingerprint() && e.Bytes == 4
		case e.Kind == data.KindAcc && e.Subject == "tick":
			acc = e.Accepted
		}
	}
	assert.True(t, deliver, "delivery recorded")
	assert.True(t, acc, "accounting recorded")
}

func TestReplySubjectAndProperties(t *testing.T) {
	n := newTestNode(t, network.NewMemHub())

	p := n.MxProperties("tick")
	assert.Equal(t, DefaultMxProperties("tick").MaxRetry, p.MaxRetry)
	p.ReplySubject = "tock"
	p.MaxParallel = 100
	p.MaxRetry = 0
	require.NoError(t, p.Apply())

	got := n.MxProperties("tick")
	assert.Equal(t, "tock", got.ReplySubject)
	assert.Equal(t, 100, got.MaxParallel)
	assert.Equal(t, 0, got.MaxRetry)
	assert.Equal(t, DefaultTTL, got.TTL)
}

func TestSendCachedUntilInterest(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)
	connect(t, a, b)

	require.NoError(t, b.Send("tick", []byte("early")))
	assert.Equal(t, 1, b.Stats().Outbox.Size)

	var ticks inbox
	require.NoError(t, a.SetReceiveCb("tick", ticks.accept))

	require.Eventually(t, func() bool { return ticks.len() == 1 }, waitFor, tick)
	assert.Equal(t, []byte("early"), ticks.get(0).Raw())
	assert.Zero(t, b.Stats().Outbox.Size)
}

func TestSendWithoutCache(t *testing.T) {
	n := newTestNode(t, network.NewMemHub())
	p := n.MxProperties("tick")
	p.CacheSize = 0
	require.NoError(t, p.Apply())

	assert.ErrorIs(t, n.Send("tick", []byte("x")), ErrNoReceiver)
}

func TestAuthenticationRejected(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	var asked int32
	a.SetAuthenticateCb(func(tok *aaa.Token) bool {
		atomic.AddInt32(&asked, 1)
		return false
	})

	require.NoError(t, b.Join(a.Address().String()))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&asked) > 0 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, a.Peers())
	assert.Empty(t, b.Peers())

	var rejected bool
	for _, e := range a.Ledger() {
		if e.Kind == data.KindAuthn && e.Peer == b.Fingerprint() && !e.Accepted {
			rejected = true
		}
	}
	assert.True(t, rejected, "rejection recorded")
}

func TestAuthorizationRejected(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	a.SetAuthorizeCb(func(tok *aaa.Token) bool { return tok.Subject != "secret" })

	var secrets, ticks inbox
	require.NoError(t, a.SetReceiveCb("secret", secrets.accept))
	require.NoError(t, a.SetReceiveCb("tick", ticks.accept))
	connect(t, a, b)
	require.Eventually(t, knowsReceivers(b, "secret", 1), waitFor, tick)
	require.Eventually(t, knowsReceivers(b, "tick", 1), waitFor, tick)

	require.NoError(t, b.Send("secret", []byte("x")))
	require.NoError(t, b.Send("tick", []byte("y")))

	require.Eventually(t, func() bool { return ticks.len() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, secrets.len())
}

func TestAckRetransmit(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	var calls int32
	require.NoError(t, a.SetReceiveCb("tick", func(m *Message) bool {
		// reject the first two attempts
		return atomic.AddInt32(&calls, 1) > 2
	}))
	connect(t, a, b)
	require.Eventually(t, knowsReceivers(b, "tick", 1), waitFor, tick)

	p := b.MxProperties("tick")
	p.AckMode = AckDestination
	p.MaxRetry = 5
	require.NoError(t, p.Apply())

	require.NoError(t, b.Send("tick", []byte("x")))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3 && b.Stats().PendingAcks == 0
	}, waitFor, tick)

	// an acknowledged message is not handled again
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestAckGivesUp(t *testing.T) {
	hub := network.NewMemHub()
	metrics := monitoring.NewMetrics(nil)
	a := newTestNode(t, hub)
	b := newTestNode(t, hub, WithMetrics(metrics))

	require.NoError(t, a.SetReceiveCb("tick", func(*Message) bool { return false }))
	connect(t, a, b)
	require.Eventually(t, knowsReceivers(b, "tick", 1), waitFor, tick)

	p := b.MxProperties("tick")
	p.AckMode = AckDestination
	p.MaxRetry = 1
	require.NoError(t, p.Apply())
	require.NoError(t, b.Send("tick", []byte("x")))

	require.Eventually(t, func() bool {
		for _, e := range b.Ledger() {
			if e.Kind == data.KindSend && !e.Accepted {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Zero(t, b.Stats().PendingAcks)
}

func TestPatterns(t *testing.T) {
	hub := network.NewMemHub()
	sender := newTestNode(t, hub)
	r1 := newTestNode(t, hub)
	r2 := newTestNode(t, hub)

	var in1, in2 inbox
	require.NoError(t, r1.SetReceiveCb("tick", in1.accept))
	require.NoError(t, r2.SetReceiveCb("tick", in2.accept))
	connect(t, sender, r1)
	connect(t, sender, r2)
	require.Eventually(t, knowsReceivers(sender, "tick", 2), waitFor, tick)

	// one: round robin
	for i := 0; i < 4; i++ {
		require.NoError(t, sender.Send("tick", []byte("one")))
	}
	require.Eventually(t, func() bool { return in1.len()+in2.len() == 4 }, waitFor, tick)
	assert.Equal(t, 2, in1.len())
	assert.Equal(t, 2, in2.len())

	// all: fan out
	p := sender.MxProperties("tick")
	p.Pattern = PatternAll
	require.NoError(t, p.Apply())
	require.NoError(t, sender.Send("tick", []byte("all")))
	require.Eventually(t, func() bool { return in1.len() == 3 && in2.len() == 3 }, waitFor, tick)
}

func TestMaxParallel(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	var running, peak, done int32
	require.NoError(t, a.SetReceiveCb("tick", func(*Message) bool {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&done, 1)
		return true
	}))
	connect(t, a, b)
	require.Eventually(t, knowsReceivers(b, "tick", 1), waitFor, tick)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send("tick", []byte("x")))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 5 }, waitFor, tick)
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak), "default max parallel is one")
}

func TestReceive(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)
	connect(t, a, b)

	got := make(chan *Message, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		msg, err := a.Receive(ctx, "tick")
		if err == nil {
			got <- msg
		}
	}()

	require.Eventually(t, knowsReceivers(b, "tick", 1), waitFor, tick)
	require.NoError(t, b.Send("tick", []byte("blocking")))

	select {
	case msg := <-got:
		assert.Equal(t, []byte("blocking"), msg.Raw())
	case <-time.After(waitFor):
		t.Fatal("Receive did not return")
	}

	assert.ErrorIs(t, a.SetReceiveCb("tick", func(*Message) bool { return true }), ErrCallbackRegistered)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx, "tick")
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, a.SetReceiveCb("tock", func(*Message) bool { return true }))
	_, err = a.Receive(context.Background(), "tock")
	assert.ErrorIs(t, err, ErrCallbackRegistered)
}

func TestWaitForJoin(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := a.WaitForJoin(ctx)
	cancel()
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, b.Join(a.Address().String()))

	ctx, cancel = context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.NoError(t, a.WaitForJoin(ctx))
	assert.NoError(t, b.WaitForJoin(ctx))
}

func TestRequestSysinfo(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)
	require.NoError(t, a.SetReceiveCb("tick", func(*Message) bool { return true }))
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	info, err := b.RequestSysinfo(ctx, a.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), info.Node)
	assert.Equal(t, "running", info.Status)
	assert.Equal(t, []string{"tick"}, info.Subjects)
	require.Len(t, info.Neighbours, 1)
	assert.Equal(t, b.Fingerprint(), info.Neighbours[0].ID)

	self, err := b.RequestSysinfo(ctx, b.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, b.Fingerprint(), self.Node)

	_, err = b.RequestSysinfo(ctx, "unknown")
	assert.True(t, errors.Is(err, network.ErrPeerNotFound))
}

func TestShutdownLeavesNetwork(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)
	require.NoError(t, b.SetReceiveCb("tick", func(*Message) bool { return true }))
	connect(t, a, b)
	require.Eventually(t, knowsReceivers(a, "tick", 1), waitFor, tick)

	b.Shutdown()

	require.Eventually(t, func() bool { return len(a.Peers()) == 0 }, waitFor, tick)
	assert.Empty(t, a.interests.live("tick", time.Now()), "interests of a lost peer are dropped")
}

func TestForgedEnvelopesDropped(t *testing.T) {
	hub := network.NewMemHub()
	metrics := monitoring.NewMetrics(nil)
	a := newTestNode(t, hub)
	b := newTestNode(t, hub, WithMetrics(metrics))
	connect(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rogue := network.NewMemTransport(hub, "rogue", network.Address{Proto: network.ProtoMem, Host: a.Address().Host})
	require.NoError(t, rogue.Start(ctx))
	defer rogue.Stop()

	require.NoError(t, rogue.Send(b.Address(), network.NewEnvelope(network.TypeLeave, a.Fingerprint())))
	ack := network.NewEnvelope(network.TypeAck, a.Fingerprint())
	ack.UUID = "m-1"
	require.NoError(t, rogue.Send(b.Address(), ack))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(monitoring.DropBadSignature)) == 1
	}, waitFor, tick)
	assert.True(t, hasPeer(b, a.Fingerprint()), "forged leave must not evict the peer")
}

func TestStoppedNodeDoesNotDeliver(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	var ticks inbox
	require.NoError(t, a.SetReceiveCb("tick", ticks.accept))
	connect(t, a, b)
	require.Eventually(t, knowsReceivers(b, "tick", 1), waitFor, tick)

	p := b.MxProperties("tick")
	p.AckMode = AckDestination
	require.NoError(t, p.Apply())

	require.NoError(t, a.Stop())
	require.NoError(t, b.Send("tick", []byte("x")))
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, ticks.len())

	// the retransmission reaches the node once it runs again
	require.NoError(t, a.Run())
	require.Eventually(t, func() bool { return ticks.len() == 1 }, waitFor, tick)
}

func TestClaims(t *testing.T) {
	n := &Node{claims: make(map[string]*claim)}
	now := time.Now()

	fresh, _ := n.claim("k", now.Add(time.Second))
	assert.True(t, fresh)
	fresh, done := n.claim("k", now.Add(time.Second))
	assert.False(t, fresh)
	assert.False(t, done)

	n.release("k")
	fresh, _ = n.claim("k", now.Add(time.Second))
	assert.True(t, fresh)

	n.finish("k")
	n.release("k")
	_, done = n.claim("k", now.Add(time.Second))
	assert.True(t, done, "finished claims survive release")

	n.purgeClaims(now.Add(2 * time.Second))
	fresh, _ = n.claim("k", now)
	assert.True(t, fresh)
}
