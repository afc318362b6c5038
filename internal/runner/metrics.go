package runner

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"flowplane/pkg/api"
)

// runnerMetrics holds the OTel instruments for the orchestration core.
// Instruments are created against the global meter provider, so they are
// no-ops until observability.InitMetrics has run.
type runnerMetrics struct {
	launched   metric.Int64Counter
	outcomes   metric.Int64Counter
	rejections metric.Int64Counter
	alerts     metric.Int64Counter
}

func newRunnerMetrics(slots *SlotManager, inflight func() int) *runnerMetrics {
	meter := otel.Meter("flowplane-runner")

	m := &runnerMetrics{}
	m.launched, _ = meter.Int64Counter("runner_runs_launched_total",
		metric.WithDescription("Runs admitted and launched by this runner"))
	m.outcomes, _ = meter.Int64Counter("runner_runs_finished_total",
		metric.WithDescription("Runs finished, partitioned by terminal state"))
	m.rejections, _ = meter.Int64Counter("runner_transition_rejections_total",
		metric.WithDescription("Transition proposals rejected as stale by the control plane"))
	m.alerts, _ = meter.Int64Counter("runner_operational_alerts_total",
		metric.WithDescription("Supervisor errors escalated to the poller"))

	meter.Int64ObservableGauge("runner_slots_held",
		metric.WithDescription("Execution slots currently held"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(slots.Held()))
			return nil
		}))
	meter.Int64ObservableGauge("runner_slots_total",
		metric.WithDescription("Configured execution slot pool size"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(slots.Size()))
			return nil
		}))
	meter.Int64ObservableGauge("runner_runs_in_flight",
		metric.WithDescription("Runs currently supervised by this runner"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(inflight()))
			return nil
		}))

	return m
}

func (m *runnerMetrics) recordLaunch(ctx context.Context) {
	if m == nil {
		return
	}
	m.launched.Add(ctx, 1)
}

func (m *runnerMetrics) recordOutcome(ctx context.Context, state api.RunState) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}

func (m *runnerMetrics) recordRejection(ctx context.Context) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1)
}

func (m *runnerMetrics) recordAlert(ctx context.Context) {
	if m == nil {
		return
	}
	m.alerts.Add(ctx, 1)
}
