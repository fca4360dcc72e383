package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSent("tick")
		m.RecordReceived("tick", true, time.Millisecond)
		m.RecordRetry("tick")
		m.RecordDrop(DropExpired)
		m.RecordCached("tick")
		m.RecordDecision("authn", false)
		m.RecordGRPCRequest("Send", "OK", time.Millisecond)
		m.UpdatePeers(1)
		m.UpdateStatus(2)
		m.UpdateOutboxSize(3)
		m.UpdateWorkerPool(1, 2)
	})
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.Labels{"node": "n1"})

	m.RecordSent("tick")
	m.RecordSent("tick")
	m.RecordReceived("tock", false, time.Millisecond)
	m.RecordDrop(DropRetries)
	m.RecordDecision("authz", true)
	m.UpdatePeers(4)
	m.UpdateWorkerPool(2, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("tick")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("tock", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropRetries)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AAADecisions.WithLabelValues("authz", "accepted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Peers))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.WorkerPoolPending))
}

func TestMetricsPerRegistry(t *testing.T) {
	// two nodes in one process must not collide on registration
	a := NewMetrics(prometheus.Labels{"node": "a"})
	b := NewMetrics(prometheus.Labels{"node": "b"})
	a.RecordSent("tick")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.MessagesSent.WithLabelValues("tick")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesSent.WithLabelValues("tick")))
}

func TestMetricsServer(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordSent("tick")

	healthy := true
	srv := NewMetricsServer("127.0.0.1:0", func() error {
		if !healthy {
			return errors.New("node not running")
		}
		return nil
	}, m.Registry)
	addr, err := srv.StartAsync()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `neuropil_messages_sent_total{subject="tick"} 1`))

	resp, err = http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy = false
	resp, err = http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
