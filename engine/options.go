package engine

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
	"github.com/VanDung-dev/Neuropil-Engine/monitoring"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// Node errors
var (
	ErrNotRunning         = errors.New("node is not running")
	ErrAlreadyRunning     = errors.New("node is already running")
	ErrShutdown           = errors.New("node is shut down")
	ErrEmptySubject       = errors.New("subject must not be empty")
	ErrNoReceiver         = errors.New("no receiver for subject")
	ErrTimeout            = errors.New("request timed out")
	ErrDetachedProperties = errors.New("mx properties are not attached to a node")
	ErrCallbackRegistered = errors.New("subject already has a receive callback")
)

const (
	defaultLedgerSize    = 4096
	defaultDedupWindow   = DefaultTTL
	intentRefresh        = aaa.IntentTokenTTL / 3
	housekeepingInterval = time.Second
	poolShutdownTimeout  = 5 * time.Second
)

// Option configures a Node.
type Option func(*options)

type options struct {
	logger     *zerolog.Logger
	hub        *network.MemHub
	metrics    *monitoring.Metrics
	identity   *aaa.Identity
	autoRun    bool
	ackTimeout time.Duration
	ledgerSize int
	p2p        network.P2POptions
}

func defaultOptions() options {
	return options{
		autoRun:    true,
		ledgerSize: defaultLedgerSize,
		p2p:        network.DefaultP2POptions(),
	}
}

// WithLogger makes the node log through l instead of building a logger
// from its config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithMemHub runs the node on the in-memory transport of hub.
func WithMemHub(hub *network.MemHub) Option {
	return func(o *options) { o.hub = hub }
}

// WithMetrics records node metrics into m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIdentity uses id instead of loading or generating one.
func WithIdentity(id *aaa.Identity) Option {
	return func(o *options) { o.identity = id }
}

// WithAutoRun controls whether New starts the node. Defaults to true.
func WithAutoRun(run bool) Option {
	return func(o *options) { o.autoRun = run }
}

// WithAckTimeout overrides the retransmission interval of acknowledged
// subjects.
func WithAckTimeout(d time.Duration) Option {
	return func(o *options) { o.ackTimeout = d }
}

// WithLedgerSize bounds the number of ledger entries kept in memory.
func WithLedgerSize(n int) Option {
	return func(o *options) { o.ledgerSize = n }
}

// WithPeerTimeouts tunes stale peer pruning.
func WithPeerTimeouts(pruneInterval, staleTimeout time.Duration) Option {
	return func(o *options) {
		o.p2p.PruneInterval = pruneInterval
		o.p2p.StaleTimeout = staleTimeout
	}
}
