package nbsftp

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pkg/nbsftp/transport"
)

const metricsNamespace = "nbsftp"

// Metrics holds the collectors a Session records its activity into.
// One Metrics may be shared by any number of sessions.
// A nil *Metrics records nothing.
type Metrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	wouldBlocks     *prometheus.CounterVec
	operations      *prometheus.CounterVec
	sessions        *prometheus.GaugeVec
}

// NewMetrics creates the session collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "SSH packets queued for sending.",
		}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "SSH packets received and verified.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_bytes_total",
			Help:      "SSH payload bytes queued for sending.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_bytes_total",
			Help:      "SSH payload bytes received.",
		}),
		wouldBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "would_block_total",
			Help:      "Transport calls that could not make progress, by direction.",
		}, []string{"direction"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Completed session operations, by name and result code.",
		}, []string{"operation", "code"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Sessions currently in each lifecycle state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.packetsSent,
			m.packetsReceived,
			m.bytesSent,
			m.bytesReceived,
			m.wouldBlocks,
			m.operations,
			m.sessions,
		)
	}

	return m
}

func (m *Metrics) packetSent(n int) {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) packetReceived(n int) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) wouldBlock(dir transport.Direction) {
	if m == nil {
		return
	}
	m.wouldBlocks.WithLabelValues(dir.String()).Inc()
}

func (m *Metrics) operation(name string, code ErrorCode) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(name, code.String()).Inc()
}

// sessionState moves one session from prev to next; a negative prev means a new session.
func (m *Metrics) sessionState(prev, next State) {
	if m == nil {
		return
	}
	if prev >= 0 {
		m.sessions.WithLabelValues(prev.String()).Dec()
	}
	m.sessions.WithLabelValues(next.String()).Inc()
}
