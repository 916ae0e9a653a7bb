package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all warden metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	MutationDuration metric.Float64Histogram
	TasksPromoted    metric.Int64Counter
	BudgetBlocks     metric.Int64Counter
	ZombieFlags      metric.Int64Counter
	SweepDeliveries  metric.Int64Counter
	StreamClients    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("warden.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationDuration, err = meter.Float64Histogram("warden.task.mutation.duration",
		metric.WithDescription("Task state mutation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPromoted, err = meter.Int64Counter("warden.dispatch.promoted",
		metric.WithDescription("Tasks auto-promoted from planned to running"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetBlocks, err = meter.Int64Counter("warden.budget.blocks",
		metric.WithDescription("Admission checks that blocked a task"),
	)
	if err != nil {
		return nil, err
	}

	m.ZombieFlags, err = meter.Int64Counter("warden.zombie.flags",
		metric.WithDescription("Sessions flagged as suspected zombies"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDeliveries, err = meter.Int64Counter("warden.sweep.deliveries",
		metric.WithDescription("Notifications delivered by the sweep reconciler"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamClients, err = meter.Int64UpDownCounter("warden.stream.clients",
		metric.WithDescription("Connected live-stream clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
