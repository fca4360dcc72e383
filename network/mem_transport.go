package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemHub connects MemTransports living in the same process. Envelopes
// still go through Encode/Decode so tests exercise the wire format.
type MemHub struct {
	mu       sync.RWMutex
	nodes    map[string]*MemTransport
	nextPort int
}

// NewMemHub creates an empty hub.
func NewMemHub() *MemHub {
	return &MemHub{
		nodes:    make(map[string]*MemTransport),
		nextPort: 40000,
	}
}

func (h *MemHub) bind(t *MemTransport) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.address.Port == 0 {
		for {
			h.nextPort++
			t.address.Port = h.nextPort
			if _, taken := h.nodes[t.address.HostPort()]; !taken {
				break
			}
		}
	}
	key := t.address.HostPort()
	if _, taken := h.nodes[key]; taken {
		return fmt.Errorf("address already in use: %s", key)
	}
	h.nodes[key] = t
	return nil
}

func (h *MemHub) unbind(t *MemTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := t.address.HostPort()
	if h.nodes[key] == t {
		delete(h.nodes, key)
	}
}

func (h *MemHub) lookup(addr Address) (*MemTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[addr.HostPort()]
	return t, ok
}

// MemTransport is an in-process Transport attached to a MemHub.
type MemTransport struct {
	hub     *MemHub
	nodeID  string
	address Address

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler Handler
	msgChan chan *Envelope
	replay  *ReplayGuard
	sent    map[string]struct{}

	received int64
	dropped  int64

	running bool
	wg      sync.WaitGroup
}

// NewMemTransport creates a memory transport; it binds on Start.
func NewMemTransport(hub *MemHub, nodeID string, addr Address) *MemTransport {
	return &MemTransport{
		hub:     hub,
		nodeID:  nodeID,
		address: addr,
		msgChan: make(chan *Envelope, defaultQueueSize),
		replay:  NewReplayGuard(defaultReplayTolerance),
		sent:    make(map[string]struct{}),
	}
}

// Start registers the transport with the hub.
func (m *MemTransport) Start(parent context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("transport already running")
	}
	if err := m.hub.bind(m); err != nil {
		return err
	}
	m.ctx, m.cancel = context.WithCancel(parent)
	m.running = true

	m.wg.Add(1)
	go m.messageProcessor()
	return nil
}

// Stop detaches from the hub and waits for the processor.
func (m *MemTransport) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.hub.unbind(m)
	m.wg.Wait()
}

// Addr returns the bound address.
func (m *MemTransport) Addr() Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address.WithFingerprint(m.nodeID)
}

// SetHandler sets the envelope handler callback.
func (m *MemTransport) SetHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Send hands env to the transport bound at to.
func (m *MemTransport) Send(to Address, env *Envelope) error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return ErrNodeNotRunning
	}

	target, ok := m.hub.lookup(to)
	if !ok {
		return fmt.Errorf("%w: nothing listening on %s", ErrSendFailed, to.HostPort())
	}

	data, err := Encode(env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent[to.HostPort()] = struct{}{}
	m.mu.Unlock()

	target.deliver(data)
	return nil
}

func (m *MemTransport) deliver(data []byte) {
	env, err := Decode(data)
	if err != nil || !m.replay.Check(env) {
		atomic.AddInt64(&m.dropped, 1)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		atomic.AddInt64(&m.dropped, 1)
		return
	}
	atomic.AddInt64(&m.received, 1)
	select {
	case m.msgChan <- env:
	default:
		atomic.AddInt64(&m.dropped, 1)
	}
}

// Forget drops the connection bookkeeping for to.
func (m *MemTransport) Forget(to Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sent, to.HostPort())
}

func (m *MemTransport) messageProcessor() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case env := <-m.msgChan:
			m.mu.RLock()
			handler := m.handler
			m.mu.RUnlock()

			if handler != nil {
				handler(env)
			}
		}
	}
}

// Stats returns current transport statistics.
func (m *MemTransport) Stats() TransportStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return TransportStats{
		Address:     m.address.WithFingerprint(m.nodeID).String(),
		IsRunning:   m.running,
		QueueSize:   len(m.msgChan),
		Connections: len(m.sent),
		Received:    atomic.LoadInt64(&m.received),
		Dropped:     atomic.LoadInt64(&m.dropped),
	}
}
