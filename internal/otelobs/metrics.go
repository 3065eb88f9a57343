package otelobs

import "go.opentelemetry.io/otel/metric"

// Metrics holds the task/node/dlq-oriented instruments this system reports.
type Metrics struct {
	DispatchDuration   metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	BackendCallDuration metric.Float64Histogram
	TasksFailed        metric.Int64Counter
	TasksRefused       metric.Int64Counter
	NodeAcquireWait    metric.Float64Histogram
	NodeAcquireFailed  metric.Int64Counter
	ActiveNodeLeases   metric.Int64UpDownCounter
	DeadLettered       metric.Int64Counter
	RecoveryResets     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("async_chat.dispatch.duration",
		metric.WithDescription("Time to create a batch and enqueue its fan-out tasks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("async_chat.task.duration",
		metric.WithDescription("End-to-end task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendCallDuration, err = meter.Float64Histogram("async_chat.backend.duration",
		metric.WithDescription("Backend chat-completion call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("async_chat.task.failed",
		metric.WithDescription("Tasks that finished FAILED, by error kind"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRefused, err = meter.Int64Counter("async_chat.task.refused",
		metric.WithDescription("Tasks whose backend response matched a refusal keyword"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeAcquireWait, err = meter.Float64Histogram("async_chat.node.acquire_wait",
		metric.WithDescription("Time spent retrying a node's dispatch-lock CAS"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeAcquireFailed, err = meter.Int64Counter("async_chat.node.acquire_failed",
		metric.WithDescription("Node acquisition attempts exhausted without a claim"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveNodeLeases, err = meter.Int64UpDownCounter("async_chat.node.active_leases",
		metric.WithDescription("Currently held node dispatch locks"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLettered, err = meter.Int64Counter("async_chat.dlq.entries",
		metric.WithDescription("Messages written to the dead-letter stream"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryResets, err = meter.Int64Counter("async_chat.recovery.zombie_resets",
		metric.WithDescription("Zombie PROCESSING tasks reset to PENDING by the recovery scan"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
