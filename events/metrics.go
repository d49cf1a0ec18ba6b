package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink counts lifecycle events by kind and approval type.
type MetricsSink struct {
	events *prometheus.CounterVec
}

func NewMetricsSink(reg prometheus.Registerer, namespace string) (*MetricsSink, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "approval",
		Name:      "events_total",
		Help:      "Approval lifecycle events by kind and approval type.",
	}, []string{"kind", "approval_type"})
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &MetricsSink{events: events}, nil
}

func (s *MetricsSink) Publish(_ context.Context, evt Event) {
	s.events.WithLabelValues(string(evt.Kind), evt.ApprovalType.String()).Inc()
}
