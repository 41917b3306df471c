package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all task-queue metrics instruments.
type Metrics struct {
	EnqueueDuration   metric.Float64Histogram
	WaitForTaskLatency metric.Float64Histogram
	SchedulerTickDuration metric.Float64Histogram
	TasksTransitioned metric.Int64Counter
	TasksRequeued     metric.Int64Counter
	TasksDeadLettered metric.Int64Counter
	WaitingAgents     metric.Int64UpDownCounter
	EventsDropped     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EnqueueDuration, err = meter.Float64Histogram("taskq.enqueue.duration",
		metric.WithDescription("enqueue() call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WaitForTaskLatency, err = meter.Float64Histogram("taskq.wait_for_task.duration",
		metric.WithDescription("waitForTask() suspension duration in seconds, including timeouts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerTickDuration, err = meter.Float64Histogram("taskq.scheduler.tick.duration",
		metric.WithDescription("Hybrid Scheduler tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTransitioned, err = meter.Int64Counter("taskq.task.transitions",
		metric.WithDescription("Total task state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRequeued, err = meter.Int64Counter("taskq.task.requeued",
		metric.WithDescription("Total tasks requeued by the scheduler (stuck/stale/orphaned)"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLettered, err = meter.Int64Counter("taskq.task.failed_terminal",
		metric.WithDescription("Total tasks that reached a terminal FAILED state"),
	)
	if err != nil {
		return nil, err
	}

	m.WaitingAgents, err = meter.Int64UpDownCounter("taskq.registry.waiting_agents",
		metric.WithDescription("Number of agents currently parked in the Waiting-Agent Registry"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("taskq.bus.events_dropped",
		metric.WithDescription("Total events dropped by the Event Bus due to a full subscriber buffer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
