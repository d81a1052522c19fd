// Package health exposes the process's OpenTelemetry counters: assignments
// processed and failed by the driver, and models exported by the
// exporter. The teacher's own internal/health only wraps config/store/
// dispatcher state for a status poll; this package instead gives the
// otel/otel-metric dependency (pulled in transitively via Temporal's SDK
// in the teacher's go.mod) a concrete, directly-used home.
package health

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters a learner process reports. A nil *Metrics is
// safe to use everywhere it's consulted (Driver and ModelExporter treat an
// unset Metrics field as "don't record"), so callers that can't construct
// a meter provider can simply leave it unset.
type Metrics struct {
	assignmentsProcessed metric.Int64Counter
	assignmentsFailed    metric.Int64Counter
	modelsExported       metric.Int64Counter
}

// NewMetrics registers the cortex learner's counters against the global
// otel MeterProvider. Counter registration only fails if another
// instrument under the same name was already registered with an
// incompatible kind, which does not happen for a process that calls this
// once at startup.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/antigravity-dev/cortex/internal/learner")

	processed, err := meter.Int64Counter("cortex.learner.assignments_processed",
		metric.WithDescription("assignments the learner finished without error"))
	if err != nil {
		return nil, fmt.Errorf("health: new metrics: %w", err)
	}
	failed, err := meter.Int64Counter("cortex.learner.assignments_failed",
		metric.WithDescription("assignments the learner abandoned after an error"))
	if err != nil {
		return nil, fmt.Errorf("health: new metrics: %w", err)
	}
	exported, err := meter.Int64Counter("cortex.learner.models_exported",
		metric.WithDescription("models written to their permanent directory and zipped"))
	if err != nil {
		return nil, fmt.Errorf("health: new metrics: %w", err)
	}

	return &Metrics{assignmentsProcessed: processed, assignmentsFailed: failed, modelsExported: exported}, nil
}

// AssignmentProcessed records one assignment reaching Finished cleanly.
func (m *Metrics) AssignmentProcessed(ctx context.Context, project, brain string) {
	if m == nil {
		return
	}
	m.assignmentsProcessed.Add(ctx, 1, metric.WithAttributes(projectBrainAttrs(project, brain)...))
}

// AssignmentFailed records one assignment ending in Driver.fail.
func (m *Metrics) AssignmentFailed(ctx context.Context, project, brain string) {
	if m == nil {
		return
	}
	m.assignmentsFailed.Add(ctx, 1, metric.WithAttributes(projectBrainAttrs(project, brain)...))
}

// ModelExported records one successful ModelExporter.export call.
func (m *Metrics) ModelExported(ctx context.Context, project, brain string) {
	if m == nil {
		return
	}
	m.modelsExported.Add(ctx, 1, metric.WithAttributes(projectBrainAttrs(project, brain)...))
}

func projectBrainAttrs(project, brain string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("project", project),
		attribute.String("brain", brain),
	}
}
