package relay

import (
	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's prometheus collectors.
type Metrics struct {
	connections prometheus.Gauge
	rosterSize  prometheus.Gauge
	events      *prometheus.CounterVec
	dropped     prometheus.Counter
	rejected    prometheus.Counter
}

// NewMetrics builds the collectors and registers them when a registerer is given.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_connections",
			Help: "open relay connections",
		}),
		rosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_roster_size",
			Help: "identities in the presence roster",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_events_total",
			Help: "inbound wire events by name",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_dropped_events_total",
			Help: "outbound frames dropped on full connection queues",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_rejected_joins_total",
			Help: "joins refused because the announced identity differed from the token subject",
		}),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{metrics.connections, metrics.rosterSize, metrics.events, metrics.dropped, metrics.rejected} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) observeEvent(event wire.EventName) {
	switch event {
	case wire.EventJoinServer, wire.EventSendMessage:
		m.events.WithLabelValues(string(event)).Inc()
	default:
		m.events.WithLabelValues("unknown").Inc()
	}
}
