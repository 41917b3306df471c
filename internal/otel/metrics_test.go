package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.EnqueueDuration == nil {
		t.Error("EnqueueDuration is nil")
	}
	if m.WaitForTaskLatency == nil {
		t.Error("WaitForTaskLatency is nil")
	}
	if m.SchedulerTickDuration == nil {
		t.Error("SchedulerTickDuration is nil")
	}
	if m.TasksTransitioned == nil {
		t.Error("TasksTransitioned is nil")
	}
	if m.TasksRequeued == nil {
		t.Error("TasksRequeued is nil")
	}
	if m.TasksDeadLettered == nil {
		t.Error("TasksDeadLettered is nil")
	}
	if m.WaitingAgents == nil {
		t.Error("WaitingAgents is nil")
	}
	if m.EventsDropped == nil {
		t.Error("EventsDropped is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
