package network

import (
	"context"
	"errors"
	"time"
)

// Common errors for network operations
var (
	ErrNodeNotRunning = errors.New("node is not running")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrSendFailed     = errors.New("failed to send message")
)

// Handler receives decoded envelopes that passed the replay check.
type Handler func(env *Envelope)

// Transport moves envelopes between nodes.
type Transport interface {
	// Start binds the listen address and begins delivering envelopes.
	Start(ctx context.Context) error
	// Stop closes all sockets and waits for the receive goroutines.
	Stop()
	// Addr is the bound address; the port is resolved after Start.
	Addr() Address
	// Send delivers env to the node listening at to.
	Send(to Address, env *Envelope) error
	// Forget drops any connection state kept for to.
	Forget(to Address)
	// SetHandler sets the callback for received envelopes.
	SetHandler(h Handler)
	// Stats reports transport counters.
	Stats() TransportStats
}

// TransportStats contains transport statistics.
type TransportStats struct {
	Address     string `json:"address"`
	IsRunning   bool   `json:"is_running"`
	QueueSize   int    `json:"queue_size"`
	Connections int    `json:"connections"`
	Received    int64  `json:"received"`
	Dropped     int64  `json:"dropped"`
}

// default transport tuning
const (
	defaultQueueSize       = 1000
	defaultReplayTolerance = 60 * time.Second
	replayCleanInterval    = 30 * time.Second
)

// NewTransport picks the transport implementation for addr.Proto. Memory
// addresses attach to hub, which must then be non-nil.
func NewTransport(nodeID string, addr Address, hub *MemHub) (Transport, error) {
	switch addr.Proto {
	case ProtoMem:
		if hub == nil {
			return nil, errors.New("memory transport requires a hub")
		}
		return NewMemTransport(hub, nodeID, addr), nil
	case ProtoTCP4, ProtoTCP6, ProtoIPC:
		return NewZmqTransport(nodeID, addr), nil
	}
	return nil, ErrUnsupportedProtocol
}
