package observability

import (
	"context"

	"throttler/internal/ratelimit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LimiterMetrics is a ratelimit.Observer that exports decisions and backend
// transitions as OpenTelemetry instruments. Keys are never used as attributes.
type LimiterMetrics struct {
	meter       metric.Meter
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

// NewLimiterMetrics creates the decision and transition counters on meter.
func NewLimiterMetrics(meter metric.Meter) (*LimiterMetrics, error) {
	decisions, err := meter.Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by outcome and backend"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"ratelimit.transitions",
		metric.WithDescription("Switches between the shared and local rate limit backends"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &LimiterMetrics{
		meter:       meter,
		decisions:   decisions,
		transitions: transitions,
	}, nil
}

// OnDecision implements ratelimit.Observer.
func (m *LimiterMetrics) OnDecision(_ string, d ratelimit.Decision) {
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("backend", string(d.Backend)),
	))
}

// OnTransition implements ratelimit.Observer.
func (m *LimiterMetrics) OnTransition(from, to ratelimit.State, _ error) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// ObserveBackend registers a gauge reporting 1 while backend returns
// ratelimit.BackendShared and 0 otherwise.
func (m *LimiterMetrics) ObserveBackend(backend func() ratelimit.Backend) error {
	_, err := m.meter.Int64ObservableGauge(
		"ratelimit.backend.shared",
		metric.WithDescription("1 when decisions are served by the shared store, 0 when served locally"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var v int64
			if backend() == ratelimit.BackendShared {
				v = 1
			}
			o.Observe(v)
			return nil
		}),
	)
	return err
}
