package nbsftp

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/nbsftp/internal/sshtest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	srv := newTestServer(t, sshtest.Config{})

	s := connect(t, srv, WithMetrics(m))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("ready")))
	assert.Zero(t, testutil.ToFloat64(m.sessions.WithLabelValues("unconnected")))

	sent := testutil.ToFloat64(m.packetsSent)
	assert.Greater(t, sent, 0.0)
	assert.Greater(t, testutil.ToFloat64(m.packetsReceived), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.bytesSent), sent)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("handshake", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("auth.password", "none")))

	// A second session shares the collectors.
	s2 := connect(t, srv, WithMetrics(m))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessions.WithLabelValues("ready")))

	require.NoError(t, s2.Disconnect(""))
	require.NoError(t, s.Disconnect(""))
	assert.Zero(t, testutil.ToFloat64(m.sessions.WithLabelValues("ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessions.WithLabelValues("disconnected")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics

	// Every recording method tolerates a nil receiver.
	m.packetSent(10)
	m.packetReceived(10)
	m.wouldBlock(0)
	m.operation("stat", CodeNone)
	m.sessionState(-1, StateReady)

	srv := newTestServer(t, sshtest.Config{})
	s := connect(t, srv)
	assert.Nil(t, s.metrics)
}
