package retry

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/randomizedcoder/safequeue/internal/backoff"
)

type options struct {
	config  Config
	logger  *slog.Logger
	backoff backoff.Strategy
	meter   metric.Meter
	onDrop  any
}

// Option configures a Buffer.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackoff sets the delay strategy between attempts.
func WithBackoff(s backoff.Strategy) Option {
	return func(o *options) { o.backoff = s }
}

// WithMeter sets the meter used for buffer metrics. The global OTel
// meter is used otherwise.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithDropHandler sets a callback for items that used up MaxAttempts.
// fn must match the Buffer's payload type, or New returns ErrInvalidConfig.
// fn runs on the worker goroutine that dropped the item.
func WithDropHandler[T any](fn func(*Item[T])) Option {
	return func(o *options) { o.onDrop = fn }
}
