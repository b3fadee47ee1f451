package monitor

import "github.com/prometheus/client_golang/prometheus"

// Escalation outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

var (
	eventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "procpulse",
			Name:      "events_processed_total",
			Help:      "Total events that survived filtering and entered the pipeline.",
		},
	)

	patternsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procpulse",
			Name:      "patterns_detected_total",
			Help:      "Total patterns detected, partitioned by severity.",
		},
		[]string{"severity"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procpulse",
			Name:      "escalations_total",
			Help:      "Total escalation attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	bufferRetained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procpulse",
			Name:      "buffer_retained_events",
			Help:      "Events currently retained in the bounded history buffer.",
		},
	)
)

// RegisterMetrics attaches the pipeline collectors to the supplied Prometheus
// registerer. Double registration is tolerated.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsTotal,
		patternsTotal,
		escalationsTotal,
		bufferRetained,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
