package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	JobDuration      metric.Float64Histogram
	JobsRetried      metric.Int64Counter
	JobsDeadLettered metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
	PollRuns         metric.Int64Counter
	EventsDropped    metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobDuration, err = meter.Float64Histogram("foreman.job.duration",
		metric.WithDescription("Job processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsRetried, err = meter.Int64Counter("foreman.job.retries",
		metric.WithDescription("Jobs requeued by the retry policy"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsDeadLettered, err = meter.Int64Counter("foreman.job.dead_letters",
		metric.WithDescription("Jobs terminally failed after exhausting attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("foreman.task.active",
		metric.WithDescription("Work items currently being processed"),
	)
	if err != nil {
		return nil, err
	}

	m.PollRuns, err = meter.Int64Counter("foreman.poll.runs",
		metric.WithDescription("Completed poller sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("foreman.bus.dropped",
		metric.WithDescription("Bus events dropped on slow subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
