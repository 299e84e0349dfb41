package retry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for buffer metrics.
const meterName = "github.com/randomizedcoder/safequeue/retry"

// Outcome attribute values for safequeue.retry.items.
const (
	outcomeOK      = "ok"
	outcomeRetry   = "retry"
	outcomeDropped = "dropped"
)

// instruments:
//   - safequeue.retry.items (Int64Counter): handled items, by outcome
//   - safequeue.retry.handler.duration (Float64Histogram): handler time in seconds
//   - safequeue.retry.depth (Int64ObservableGauge): queued items
type instruments struct {
	items    metric.Int64Counter
	duration metric.Float64Histogram
	depthReg metric.Registration
}

func newInstruments(meter metric.Meter, depth func() int) (*instruments, error) {
	items, err := meter.Int64Counter(
		"safequeue.retry.items",
		metric.WithDescription("Items handled by the retry buffer, by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("retry: items counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"safequeue.retry.handler.duration",
		metric.WithDescription("Duration of handler calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("retry: duration histogram: %w", err)
	}

	gauge, err := meter.Int64ObservableGauge(
		"safequeue.retry.depth",
		metric.WithDescription("Items waiting in the retry queue"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("retry: depth gauge: %w", err)
	}

	// The callback holds the queue; unregister releases it.
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(depth()))
		return nil
	}, gauge)
	if err != nil {
		return nil, fmt.Errorf("retry: depth callback: %w", err)
	}

	return &instruments{items: items, duration: duration, depthReg: reg}, nil
}

func (in *instruments) unregister() error {
	if err := in.depthReg.Unregister(); err != nil {
		return fmt.Errorf("retry: unregister depth callback: %w", err)
	}
	return nil
}

func (in *instruments) record(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	in.items.Add(ctx, 1, attrs)
	in.duration.Record(ctx, seconds, attrs)
}
