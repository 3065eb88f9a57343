package otelobs

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

	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.BackendCallDuration == nil {
		t.Error("BackendCallDuration is nil")
	}
	if m.TasksFailed == nil {
		t.Error("TasksFailed is nil")
	}
	if m.TasksRefused == nil {
		t.Error("TasksRefused is nil")
	}
	if m.NodeAcquireWait == nil {
		t.Error("NodeAcquireWait is nil")
	}
	if m.NodeAcquireFailed == nil {
		t.Error("NodeAcquireFailed is nil")
	}
	if m.ActiveNodeLeases == nil {
		t.Error("ActiveNodeLeases is nil")
	}
	if m.DeadLettered == nil {
		t.Error("DeadLettered is nil")
	}
	if m.RecoveryResets == nil {
		t.Error("RecoveryResets is nil")
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
