package health

import (
	"context"
	"testing"
)

func TestNewMetricsRegistersCounters(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m == nil {
		t.Fatal("expected a non-nil Metrics")
	}
	// Recording must not panic against the process's (possibly no-op)
	// global MeterProvider.
	m.AssignmentProcessed(context.Background(), "p1", "b1")
	m.AssignmentFailed(context.Background(), "p1", "b1")
	m.ModelExported(context.Background(), "p1", "b1")
}

func TestNilMetricsIsSafeToRecordAgainst(t *testing.T) {
	var m *Metrics
	m.AssignmentProcessed(context.Background(), "p1", "b1")
	m.AssignmentFailed(context.Background(), "p1", "b1")
	m.ModelExported(context.Background(), "p1", "b1")
}
