package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
)

// ZmqTransport is a ZeroMQ-based transport. It listens on a ROUTER socket
// and keeps one DEALER socket per remote endpoint.
type ZmqTransport struct {
	nodeID  string
	address Address

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket            // ROUTER socket for receiving
	dealers map[string]zmq4.Socket // DEALER sockets for sending (per endpoint)

	mu sync.RWMutex

	handler Handler
	msgChan chan *Envelope
	replay  *ReplayGuard

	received int64
	dropped  int64

	running bool
	wg      sync.WaitGroup
}

// NewZmqTransport creates a ZeroMQ transport bound to addr once started.
func NewZmqTransport(nodeID string, addr Address) *ZmqTransport {
	return &ZmqTransport{
		nodeID:  nodeID,
		address: addr,
		dealers: make(map[string]zmq4.Socket),
		msgChan: make(chan *Envelope, defaultQueueSize),
		replay:  NewReplayGuard(defaultReplayTolerance),
	}
}

// Start binds the ROUTER socket and starts the receive goroutines.
func (n *ZmqTransport) Start(parent context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("transport already running")
	}

	endpoint, err := n.address.Endpoint()
	if err != nil {
		n.mu.Unlock()
		return err
	}

	n.ctx, n.cancel = context.WithCancel(parent)
	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))

	if err := n.router.Listen(endpoint); err != nil {
		n.cancel()
		n.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}
	n.resolvePort()

	n.running = true
	n.mu.Unlock()

	n.wg.Add(3)
	go n.receiverLoop()
	go n.messageProcessor()
	go func() {
		defer n.wg.Done()
		n.replay.Run(n.ctx, replayCleanInterval)
	}()

	return nil
}

// resolvePort replaces an ephemeral port with the one actually bound.
func (n *ZmqTransport) resolvePort() {
	if n.address.Port != 0 || n.address.Proto == ProtoIPC {
		return
	}
	bound := n.router.Addr()
	if bound == nil {
		return
	}
	_, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return
	}
	if p, err := strconv.Atoi(port); err == nil {
		n.address.Port = p
	}
}

// Stop gracefully shuts down the transport.
func (n *ZmqTransport) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false

	n.cancel()

	// best effort, errors are expected while shutting down
	if n.router != nil {
		_ = n.router.Close()
	}
	for ep, dealer := range n.dealers {
		_ = dealer.Close()
		delete(n.dealers, ep)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

// Addr returns the bound address.
func (n *ZmqTransport) Addr() Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.address.WithFingerprint(n.nodeID)
}

// SetHandler sets the envelope handler callback.
func (n *ZmqTransport) SetHandler(handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// Send encodes env and writes it to the DEALER socket for to.
func (n *ZmqTransport) Send(to Address, env *Envelope) error {
	n.mu.RLock()
	running := n.running
	n.mu.RUnlock()
	if !running {
		return ErrNodeNotRunning
	}

	endpoint, err := to.Endpoint()
	if err != nil {
		return err
	}

	dealer, err := n.getOrCreateDealer(endpoint)
	if err != nil {
		return err
	}

	data, err := Encode(env)
	if err != nil {
		return err
	}

	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		n.Forget(to)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Forget closes the DEALER socket kept for to, if any.
func (n *ZmqTransport) Forget(to Address) {
	endpoint, err := to.Endpoint()
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if dealer, ok := n.dealers[endpoint]; ok {
		_ = dealer.Close()
		delete(n.dealers, endpoint)
	}
}

// getOrCreateDealer gets or creates a DEALER socket for an endpoint. The
// dial happens outside the lock so other senders are not held up by an
// unreachable endpoint.
func (n *ZmqTransport) getOrCreateDealer(endpoint string) (zmq4.Socket, error) {
	n.mu.RLock()
	dealer, ok := n.dealers[endpoint]
	ctx := n.ctx
	n.mu.RUnlock()
	if ok {
		return dealer, nil
	}

	dealer = zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := dealer.Dial(endpoint); err != nil {
		_ = dealer.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		_ = dealer.Close()
		return nil, ErrNodeNotRunning
	}
	if existing, ok := n.dealers[endpoint]; ok {
		// lost the race against a concurrent dial
		_ = dealer.Close()
		return existing, nil
	}
	n.dealers[endpoint] = dealer
	return dealer, nil
}

// receiverLoop continuously receives messages from the ROUTER socket.
func (n *ZmqTransport) receiverLoop() {
	defer n.wg.Done()

	for {
		msg, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}

		// the ROUTER prepends the peer identity frame
		env, err := Decode(msg.Frames[len(msg.Frames)-1])
		if err != nil {
			atomic.AddInt64(&n.dropped, 1)
			continue
		}
		if !n.replay.Check(env) {
			atomic.AddInt64(&n.dropped, 1)
			continue
		}
		atomic.AddInt64(&n.received, 1)

		select {
		case n.msgChan <- env:
		default:
			// Channel full, drop message
			atomic.AddInt64(&n.dropped, 1)
		}
	}
}

// messageProcessor hands queued envelopes to the handler.
func (n *ZmqTransport) messageProcessor() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case env := <-n.msgChan:
			n.mu.RLock()
			handler := n.handler
			n.mu.RUnlock()

			if handler != nil {
				handler(env)
			}
		}
	}
}

// Stats returns current transport statistics.
func (n *ZmqTransport) Stats() TransportStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return TransportStats{
		Address:     n.address.WithFingerprint(n.nodeID).String(),
		IsRunning:   n.running,
		QueueSize:   len(n.msgChan),
		Connections: len(n.dealers),
		Received:    atomic.LoadInt64(&n.received),
		Dropped:     atomic.LoadInt64(&n.dropped),
	}
}
