package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "neuropil"

// Drop reasons used as label values.
const (
	DropInvalidToken = "invalid_token"
	DropUnauthorized = "unauthorized"
	DropExpired      = "expired"
	DropNoHandler    = "no_handler"
	DropRejected     = "rejected"
	DropRetries      = "retries_exhausted"
	DropOutboxFull   = "outbox_full"
	DropQueueFull    = "queue_full"
	DropUnknownPeer  = "unknown_peer"
	DropBadSignature = "bad_signature"
)

// Metrics holds the Prometheus collectors of one node. Every method is safe
// to call on a nil *Metrics, which records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Message metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesRetried  *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	MessagesCached   *prometheus.CounterVec
	HandlerLatency   *prometheus.HistogramVec

	// aaa metrics
	AAADecisions *prometheus.CounterVec

	// Node metrics
	Peers             prometheus.Gauge
	Status            prometheus.Gauge
	OutboxSize        prometheus.Gauge
	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers a fresh set of collectors on a new registry. The
// const labels are attached to every collector.
func NewMetrics(constLabels prometheus.Labels) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "messages_sent_total",
			Help:        "Messages handed to the transport by subject",
			ConstLabels: constLabels,
		}, []string{"subject"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "messages_received_total",
			Help:        "Messages delivered to a receive callback by subject and result",
			ConstLabels: constLabels,
		}, []string{"subject", "result"}),
		MessagesRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "messages_retried_total",
			Help:        "Retransmissions of unacknowledged messages",
			ConstLabels: constLabels,
		}, []string{"subject"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "messages_dropped_total",
			Help:        "Messages dropped by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		MessagesCached: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "messages_cached_total",
			Help:        "Messages parked in the outbox for lack of receivers",
			ConstLabels: constLabels,
		}, []string{"subject"}),
		HandlerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "handler_latency_seconds",
			Help:        "Receive callback latency in seconds",
			Buckets:     []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			ConstLabels: constLabels,
		}, []string{"subject"}),

		AAADecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "aaa_decisions_total",
			Help:        "Authentication, authorization and accounting decisions",
			ConstLabels: constLabels,
		}, []string{"kind", "result"}),

		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "peers",
			Help:        "Number of authenticated peers",
			ConstLabels: constLabels,
		}),
		Status: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "status",
			Help:        "Node status code",
			ConstLabels: constLabels,
		}),
		OutboxSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "outbox_size",
			Help:        "Messages waiting for a receiver",
			ConstLabels: constLabels,
		}),
		WorkerPoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "worker_pool_active",
			Help:        "Number of active workers",
			ConstLabels: constLabels,
		}),
		WorkerPoolPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "worker_pool_pending",
			Help:        "Number of pending tasks in worker pool",
			ConstLabels: constLabels,
		}),

		GRPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "grpc_requests_total",
			Help:        "Total gRPC requests by method and status",
			ConstLabels: constLabels,
		}, []string{"method", "status"}),
		GRPCRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "grpc_request_duration_seconds",
			Help:        "gRPC request duration by method",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method"}),
	}
}

// RecordSent counts a message handed to the transport.
func (m *Metrics) RecordSent(subject string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(subject).Inc()
}

// RecordReceived counts a callback invocation and its latency.
func (m *Metrics) RecordReceived(subject string, accepted bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(subject, result(accepted)).Inc()
	m.HandlerLatency.WithLabelValues(subject).Observe(duration.Seconds())
}

// RecordRetry counts a retransmission.
func (m *Metrics) RecordRetry(subject string) {
	if m == nil {
		return
	}
	m.MessagesRetried.WithLabelValues(subject).Inc()
}

// RecordDrop counts a dropped message.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordCached counts a message parked in the outbox.
func (m *Metrics) RecordCached(subject string) {
	if m == nil {
		return
	}
	m.MessagesCached.WithLabelValues(subject).Inc()
}

// RecordDecision counts an aaa callback decision.
func (m *Metrics) RecordDecision(kind string, allowed bool) {
	if m == nil {
		return
	}
	m.AAADecisions.WithLabelValues(kind, result(allowed)).Inc()
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdatePeers sets the peer gauge.
func (m *Metrics) UpdatePeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}

// UpdateStatus sets the status gauge.
func (m *Metrics) UpdateStatus(code int) {
	if m == nil {
		return
	}
	m.Status.Set(float64(code))
}

// UpdateOutboxSize sets the outbox gauge.
func (m *Metrics) UpdateOutboxSize(size int) {
	if m == nil {
		return
	}
	m.OutboxSize.Set(float64(size))
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(active, pending int) {
	if m == nil {
		return
	}
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolPending.Set(float64(pending))
}

func result(ok bool) string {
	if ok {
		return "accepted"
	}
	return "rejected"
}

// HealthFunc reports whether the process is healthy.
type HealthFunc func() error

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
}

// NewMetricsServer creates a metrics server on addr for the given
// gatherers. health may be nil.
func NewMetricsServer(addr string, health HealthFunc, gatherers ...prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers(gatherers), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync binds the listener and serves in a goroutine. It returns the
// bound address.
func (s *MetricsServer) StartAsync() (string, error) {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return "", err
	}
	s.listener = lis
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = lis.Close()
		}
	}()
	return lis.Addr().String(), nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
