package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	commands metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, o *Orchestrator) (*metrics, error) {
	commands, err := meter.Int64Counter("buddy_commands_total",
		metric.WithDescription("Commands processed, by intent and terminal status"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("buddy_command_duration_seconds",
		metric.WithDescription("Time from command receipt to terminal state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("buddy_active_executions",
		metric.WithDescription("Executions not yet in a terminal state"))
	if err != nil {
		return nil, err
	}
	history, err := meter.Int64ObservableGauge("buddy_execution_history_size",
		metric.WithDescription("Executions retained in memory"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		st := o.Status()
		obs.ObserveInt64(active, int64(st.ActiveCount))
		obs.ObserveInt64(history, int64(st.HistoryCount))
		return nil
	}, active, history)
	if err != nil {
		return nil, err
	}
	return &metrics{commands: commands, duration: duration}, nil
}

func (m *metrics) record(ctx context.Context, exec Execution) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("intent", string(exec.Intent.Type)),
		attribute.String("status", string(exec.Status)),
		attribute.String("source", exec.Source),
	)
	m.commands.Add(ctx, 1, attrs)
	m.duration.Record(ctx, exec.Duration().Seconds(), attrs)
}
