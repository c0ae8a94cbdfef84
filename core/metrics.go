package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters the Indexer increments as it runs. Construct
// with NewMetrics and pass a nil Registerer to disable registration (the
// counters still work, just unexported to any collector).
type Metrics struct {
	EventsDecoded prometheus.Counter
	EventsHandled prometheus.Counter
	HandlerErrors *prometheus.CounterVec
	ReorgsDetected prometheus.Counter
}

// NewMetrics builds the standard counter set and registers it against reg.
// A nil reg skips registration entirely, which is useful for tests and
// embedders who manage their own registry lifecycle.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		EventsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_decoded_total",
			Help:      "Events produced by the Decoder, before handler dispatch.",
		}),
		EventsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Events successfully dispatched to a registered handler.",
		}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error, by discriminator.",
		}, []string{"discriminator"}),
		ReorgsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_detected_total",
			Help:      "Forks detected by the Reorg Handler.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsDecoded, m.EventsHandled, m.HandlerErrors, m.ReorgsDetected)
	}
	return m
}
