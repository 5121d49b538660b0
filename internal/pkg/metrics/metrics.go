// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub holds the live channel collectors. A nil *Hub is valid and records
// nothing.
type Hub struct {
	connectedClients prometheus.Gauge
	roomJoins        *prometheus.CounterVec
	deliveredEvents  *prometheus.CounterVec
	droppedEvents    *prometheus.CounterVec
	relayedEvents    prometheus.Counter
}

func NewHub(reg prometheus.Registerer) *Hub {
	f := promauto.With(reg)
	return &Hub{
		connectedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "civic_ws_connected_clients",
			Help: "Number of live channel connections on this instance",
		}),
		roomJoins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_ws_room_joins_total",
			Help: "Room join requests by outcome",
		}, []string{"outcome"}),
		deliveredEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_ws_events_delivered_total",
			Help: "Frames queued to clients by event type",
		}, []string{"event"}),
		droppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_ws_events_dropped_total",
			Help: "Frames dropped because a client send buffer was full",
		}, []string{"event"}),
		relayedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "civic_ws_events_relayed_total",
			Help: "Broadcasts received from other instances",
		}),
	}
}

func (m *Hub) SetConnected(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}

func (m *Hub) RoomJoin(allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "joined"
	}
	m.roomJoins.WithLabelValues(outcome).Inc()
}

func (m *Hub) Delivered(event string) {
	if m == nil {
		return
	}
	m.deliveredEvents.WithLabelValues(event).Inc()
}

func (m *Hub) Dropped(event string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(event).Inc()
}

func (m *Hub) Relayed() {
	if m == nil {
		return
	}
	m.relayedEvents.Inc()
}
