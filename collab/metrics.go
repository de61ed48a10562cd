package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons an inbound frame was dropped.
const (
	dropMalformed   = "malformed"
	dropUnknownType = "unknown_type"
	dropNotJoined   = "not_joined"
	dropWrongState  = "wrong_state"
)

// Metrics are the Prometheus collectors for the collaboration core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	numConns      prometheus.Gauge
	numRooms      prometheus.Gauge
	inbound       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	framesSent    prometheus.Counter
	framesSkipped prometheus.Counter
	reaped        prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		numConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabsync",
			Subsystem: "api",
			Name:      "num_joined_conns",
			Help:      "Number of connections which have joined a project",
		}),
		numRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabsync",
			Subsystem: "api",
			Name:      "num_rooms",
			Help:      "Number of projects with at least one connection on this node",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabsync",
			Subsystem: "api",
			Name:      "num_inbound_messages",
			Help:      "Number of decoded client messages, by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabsync",
			Subsystem: "api",
			Name:      "num_dropped_messages",
			Help:      "Number of client messages ignored, by reason",
		}, []string{"reason"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabsync",
			Subsystem: "api",
			Name:      "num_frames_sent",
			Help:      "Number of broadcast frames queued to room members",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabsync",
			Subsystem: "api",
			Name:      "num_frames_skipped",
			Help:      "Number of broadcast frames not sent because the member was closing or slow",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabsync",
			Subsystem: "reaper",
			Name:      "num_reaped_sessions",
			Help:      "Number of sessions deactivated for inactivity",
		}),
	}
	prometheus.MustRegister(m.numConns, m.numRooms, m.inbound, m.dropped, m.framesSent, m.framesSkipped, m.reaped)
	return m
}

func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	prometheus.Unregister(m.numConns)
	prometheus.Unregister(m.numRooms)
	prometheus.Unregister(m.inbound)
	prometheus.Unregister(m.dropped)
	prometheus.Unregister(m.framesSent)
	prometheus.Unregister(m.framesSkipped)
	prometheus.Unregister(m.reaped)
}

func (m *Metrics) setConns(n int) {
	if m == nil {
		return
	}
	m.numConns.Set(float64(n))
}

func (m *Metrics) setRooms(n int) {
	if m == nil {
		return
	}
	m.numRooms.Set(float64(n))
}

func (m *Metrics) inboundMessage(t MessageType) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) droppedMessage(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) frameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) frameSkipped() {
	if m == nil {
		return
	}
	m.framesSkipped.Inc()
}

func (m *Metrics) sessionsReaped(n int) {
	if m == nil {
		return
	}
	m.reaped.Add(float64(n))
}
