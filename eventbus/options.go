package eventbus

import (
	"log/slog"

	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/telemetry"
)

// Option configures a Publisher or a Consumer.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	tel     *telemetry.Telemetry
	metrics *metrics.Metrics
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTelemetry sets the trace propagator and span factory. Defaults to a no-op tracer.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) {
		if t != nil {
			o.tel = t
		}
	}
}

// WithMetrics enables Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, f := range opts {
		f(&o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.tel == nil {
		o.tel = telemetry.New(nil)
	}

	return o
}
