package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tablesync server.
// A nil *Metrics is valid; every helper becomes a no-op.
type Metrics struct {
	RoomsActive       prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	JoinRejections    *prometheus.CounterVec
	MessagesTotal     *prometheus.CounterVec
	MessageBytes      prometheus.Counter
	ConnectionCloses  *prometheus.CounterVec
	PersistWrites     *prometheus.CounterVec
	RoomExpiries      prometheus.Counter
	RoomRestores      *prometheus.CounterVec
	StorageReachable  prometheus.Gauge
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablesync_rooms_active",
			Help: "Rooms currently held in memory",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablesync_connections_active",
			Help: "Connections currently registered in a room",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tablesync_connections_total",
			Help: "Connections admitted into a room",
		}),
		JoinRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_join_rejections_total",
			Help: "Join attempts rejected, by reason",
		}, []string{"reason"}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_messages_total",
			Help: "Inbound messages accepted, by kind",
		}, []string{"kind"}),
		MessageBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "tablesync_message_bytes_total",
			Help: "Inbound bytes accepted",
		}),
		ConnectionCloses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_connection_closes_total",
			Help: "Connections closed by the server, by reason",
		}, []string{"reason"}),
		PersistWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_persist_writes_total",
			Help: "Document snapshot writes, by result",
		}, []string{"result"}),
		RoomExpiries: f.NewCounter(prometheus.CounterOpts{
			Name: "tablesync_room_expiries_total",
			Help: "Rooms reset after the empty-room grace window",
		}),
		RoomRestores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesync_room_restores_total",
			Help: "Room boots, by restore result",
		}, []string{"result"}),
		StorageReachable: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablesync_storage_reachable",
			Help: "Whether the last health probe reached the store (1 = yes)",
		}),
	}
}

// Restore results.
const (
	RestoreApplied = "applied"
	RestoreExpired = "expired"
	RestoreEmpty   = "empty"
	RestoreError   = "error"
)

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.RoomsActive.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.RoomsActive.Dec()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
		m.ConnectionsTotal.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) JoinRejected(reason string) {
	if m != nil {
		m.JoinRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Message(kind string, size int) {
	if m != nil {
		m.MessagesTotal.WithLabelValues(kind).Inc()
		m.MessageBytes.Add(float64(size))
	}
}

func (m *Metrics) Closed(reason string) {
	if m != nil {
		m.ConnectionCloses.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Persisted(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PersistWrites.WithLabelValues("error").Inc()
		return
	}
	m.PersistWrites.WithLabelValues("ok").Inc()
}

func (m *Metrics) Expired() {
	if m != nil {
		m.RoomExpiries.Inc()
	}
}

func (m *Metrics) Restored(result string) {
	if m != nil {
		m.RoomRestores.WithLabelValues(result).Inc()
	}
}

// StorageProbed records the outcome of a storage health probe.
func (m *Metrics) StorageProbed(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.StorageReachable.Set(1)
	} else {
		m.StorageReachable.Set(0)
	}
}
