package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the lifecycle instruments.
type Metrics struct {
	OperationDuration metric.Float64Histogram
	OperationErrors   metric.Int64Counter
	ActiveOperations  metric.Int64UpDownCounter
	LockConflicts     metric.Int64Counter
	SeedUnits         metric.Int64Counter
	Restarts          metric.Int64Counter
	JanitorRemoved    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationDuration, err = meter.Float64Histogram("extensiond.operation.duration",
		metric.WithDescription("Lifecycle operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationErrors, err = meter.Int64Counter("extensiond.operation.errors",
		metric.WithDescription("Failed lifecycle operations"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveOperations, err = meter.Int64UpDownCounter("extensiond.operation.active",
		metric.WithDescription("Lifecycle operations currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.LockConflicts, err = meter.Int64Counter("extensiond.lock.conflicts",
		metric.WithDescription("Requests rejected by the lock coordinator"),
	)
	if err != nil {
		return nil, err
	}

	m.SeedUnits, err = meter.Int64Counter("extensiond.seed.units",
		metric.WithDescription("Seed units executed"),
	)
	if err != nil {
		return nil, err
	}

	m.Restarts, err = meter.Int64Counter("extensiond.restart.count",
		metric.WithDescription("Host restarts performed by the scheduler"),
	)
	if err != nil {
		return nil, err
	}

	m.JanitorRemoved, err = meter.Int64Counter("extensiond.janitor.removed",
		metric.WithDescription("Stale temporary artifacts removed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveOperation records duration, error count and the active gauge for
// one lifecycle operation. Call the returned func when the operation ends.
func (m *Metrics) ObserveOperation(ctx context.Context, op string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	attrs := metric.WithAttributes(AttrOperation.String(op))
	start := time.Now()
	m.ActiveOperations.Add(ctx, 1, attrs)
	return func(err error) {
		m.ActiveOperations.Add(ctx, -1, attrs)
		m.OperationDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			m.OperationErrors.Add(ctx, 1, attrs)
		}
	}
}

// AddConflict counts a lock conflict for op.
func (m *Metrics) AddConflict(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.LockConflicts.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op)))
}

// AddSeedUnits counts executed seed units for an extension.
func (m *Metrics) AddSeedUnits(ctx context.Context, identifier string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SeedUnits.Add(ctx, int64(n), metric.WithAttributes(AttrExtensionID.String(identifier)))
}

// AddRestart counts one restart attempt.
func (m *Metrics) AddRestart(ctx context.Context, success, timedOut bool) {
	if m == nil {
		return
	}
	m.Restarts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Bool("timed_out", timedOut),
	))
}

// AddJanitorRemoved counts removed temp entries.
func (m *Metrics) AddJanitorRemoved(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.JanitorRemoved.Add(ctx, int64(n))
}
