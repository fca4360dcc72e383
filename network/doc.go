// Package network provides node addressing, the wire envelope and the
// transports that carry it between nodes.
// This package implements:
// - ZeroMQ transport (ROUTER listen, DEALER per peer) and an in-process hub
// - Join handshake, peer exchange and stale peer pruning
// - Interest gossip with a hop limit
package network
