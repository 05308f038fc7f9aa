package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what the monitor observed. A nil *Metrics records
// nothing.
type Metrics struct {
	notifications *prometheus.CounterVec // by channel and type
	persisted     *prometheus.CounterVec // by result
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phonecore",
			Subsystem: "monitor",
			Name:      "notifications_total",
			Help:      "Multicast notifications received by the monitor.",
		}, []string{"channel", "type"}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phonecore",
			Subsystem: "monitor",
			Name:      "persist_total",
			Help:      "Notification records sent to the database service.",
		}, []string{"result"}), // ok, failed, unavailable
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.notifications, m.persisted} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) recordNotification(ch, typ string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(ch, typ).Inc()
}

func (m *Metrics) recordPersist(result string) {
	if m == nil {
		return
	}
	m.persisted.WithLabelValues(result).Inc()
}
