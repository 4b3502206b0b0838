package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the engine's instruments. All instruments come from the
// injected meter; with the default no-op meter every recording is free.
type metrics struct {
	issued          metric.Int64Counter
	rotations       metric.Int64Counter
	failures        metric.Int64Counter
	reuseDetected   metric.Int64Counter
	familiesRevoked metric.Int64Counter
	suspicionScore  metric.Int64Histogram
}

func newMetrics(m metric.Meter) *metrics {
	issued, _ := m.Int64Counter("tokenkin.tokens.issued",
		metric.WithDescription("Token records created, by generation kind"))
	rotations, _ := m.Int64Counter("tokenkin.tokens.rotated",
		metric.WithDescription("Successful single-use rotations"))
	failures, _ := m.Int64Counter("tokenkin.failures",
		metric.WithDescription("Failed operations, by failure kind"))
	reuse, _ := m.Int64Counter("tokenkin.reuse.detected",
		metric.WithDescription("Replay signatures observed"))
	revoked, _ := m.Int64Counter("tokenkin.families.revoked",
		metric.WithDescription("Family containment actions, by reason"))
	score, _ := m.Int64Histogram("tokenkin.suspicion.score",
		metric.WithDescription("Suspicion scores computed by the theft detector"))
	return &metrics{
		issued:          issued,
		rotations:       rotations,
		failures:        failures,
		reuseDetected:   reuse,
		familiesRevoked: revoked,
		suspicionScore:  score,
	}
}

func (m *metrics) recordIssued(ctx context.Context, firstGeneration bool) {
	kind := "rotation_child"
	if firstGeneration {
		kind = "first_generation"
	}
	m.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) recordFailure(ctx context.Context, err error) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", FailureKind(err))))
}

func (m *metrics) recordFamilyRevoked(ctx context.Context, reason string) {
	m.familiesRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
