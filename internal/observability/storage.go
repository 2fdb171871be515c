package observability

import (
	"context"
	"errors"
	"time"

	"throttler/internal/models"
	"throttler/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStorage wraps a storage.Storage implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStorage creates a new storage wrapper that records trace spans,
// operation latency histograms, and error counters for every storage method call.
// A lookup that finds no policy is not counted as an error.
func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("throttler/storage")
	meter := otel.Meter("throttler/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, storage.ErrNotFound):
		span.SetAttributes(attribute.Bool("storage.not_found", true))
		span.SetStatus(codes.Ok, "")
	default:
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func (s *InstrumentedStorage) Policies(ctx context.Context) ([]*models.OrganizationPolicy, error) {
	ctx, span := s.startSpan(ctx, "Policies")
	start := time.Now()
	result, err := s.inner.Policies(ctx)
	s.record(ctx, span, "Policies", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetPolicy(ctx context.Context, orgID string) (*models.OrganizationPolicy, error) {
	ctx, span := s.startSpan(ctx, "GetPolicy", attribute.String("organization_id", orgID))
	start := time.Now()
	result, err := s.inner.GetPolicy(ctx, orgID)
	s.record(ctx, span, "GetPolicy", start, err)
	return result, err
}

func (s *InstrumentedStorage) SavePolicy(ctx context.Context, policy *models.OrganizationPolicy) error {
	ctx, span := s.startSpan(ctx, "SavePolicy",
		attribute.String("organization_id", policy.OrganizationID),
		attribute.Int("limit", policy.Limit),
		attribute.Int64("window_ms", policy.Window.Milliseconds()),
	)
	start := time.Now()
	err := s.inner.SavePolicy(ctx, policy)
	s.record(ctx, span, "SavePolicy", start, err)
	return err
}

func (s *InstrumentedStorage) DeletePolicy(ctx context.Context, orgID string) error {
	ctx, span := s.startSpan(ctx, "DeletePolicy", attribute.String("organization_id", orgID))
	start := time.Now()
	err := s.inner.DeletePolicy(ctx, orgID)
	s.record(ctx, span, "DeletePolicy", start, err)
	return err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
