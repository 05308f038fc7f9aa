package sys

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sent            *prometheus.CounterVec   // by transmission
	dropped         *prometheus.CounterVec   // by reason
	processed       *prometheus.CounterVec   // by service and kind
	handlerDuration *prometheus.HistogramVec // by service
	state           *prometheus.GaugeVec     // by service
	timerExpiries   *prometheus.CounterVec   // by service
}

// NewMetrics creates the runtime collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phonecore",
			Subsystem: "bus",
			Name:      "messages_sent_total",
			Help:      "Messages delivered into at least one mailbox.",
		}, []string{"transmission"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phonecore",
			Subsystem: "bus",
			Name:      "messages_dropped_total",
			Help:      "Deliveries refused by the bus.",
		}, []string{"reason"}), // reason: unknown_target, mailbox_full

		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phonecore",
			Subsystem: "service",
			Name:      "messages_processed_total",
			Help:      "Messages taken out of a mailbox and handled.",
		}, []string{"service", "kind"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phonecore",
			Subsystem: "service",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in a service handler per message.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us to ~1.6s
		}, []string{"service"}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phonecore",
			Subsystem: "service",
			Name:      "state",
			Help:      "Current lifecycle state of each service.",
		}, []string{"service"}),

		timerExpiries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phonecore",
			Subsystem: "timer",
			Name:      "expiries_total",
			Help:      "Timer expiries delivered to their owner.",
		}, []string{"service"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.sent, m.dropped, m.processed, m.handlerDuration, m.state, m.timerExpiries} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) recordSent(t Transmission) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) recordDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordProcessed(service string, k Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(service, k.String()).Inc()
	m.handlerDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) recordState(service string, s State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(service).Set(float64(s))
}

func (m *Metrics) recordTimer(service string) {
	if m == nil {
		return
	}
	m.timerExpiries.WithLabelValues(service).Inc()
}
