// Package obs wires the gate's single choke point and the advance state
// machine's outcomes into OpenTelemetry tracing and Prometheus metrics,
// generalized from the teacher's pkg/observability Manager: a nil-safe
// handle that every method tolerates being called on, so instrumentation
// can be threaded through without every caller branching on whether it's
// enabled.
package obs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Outcome is the closed set of advance_total label values.
type Outcome string

const (
	OutcomeAdvanced Outcome = "advanced"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeError    Outcome = "error"
)

// Observability holds the engine's tracer and metric instruments. A nil
// *Observability is valid: every method on it is a no-op, matching the
// teacher's Manager nil-receiver convention so callers never need to guard
// construction with an enabled flag.
type Observability struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	meterProvider *sdkmetric.MeterProvider
	registry      *prometheus.Registry

	advanceTotal    metric.Int64Counter
	gateHoldSeconds metric.Float64Histogram
}

// New builds an Observability handle for serviceName: an in-process OTel
// TracerProvider (spans are sampled and context-propagated but not shipped
// off-process — the engine runs as an MCP stdio server, not a network
// service with a collector to ship to) and an OTel MeterProvider whose
// reader is the otel/exporters/prometheus bridge, so advance_total and
// gate_hold_seconds are scraped the same way the teacher's agent/llm/tool
// metrics are.
func New(serviceName string) (*Observability, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("obs: build prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := meterProvider.Meter(serviceName)

	advanceTotal, err := meter.Int64Counter("advance_total",
		metric.WithDescription("Total number of continue_workflow(advance) calls by outcome"))
	if err != nil {
		return nil, fmt.Errorf("obs: build advance_total counter: %w", err)
	}
	gateHoldSeconds, err := meter.Float64Histogram("gate_hold_seconds",
		metric.WithDescription("Wall-clock time a WithHealthySessionLock critical section holds the session lock"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("obs: build gate_hold_seconds histogram: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))

	return &Observability{
		tracerProvider:  tracerProvider,
		tracer:          tracerProvider.Tracer(serviceName),
		meterProvider:   meterProvider,
		registry:        registry,
		advanceTotal:    advanceTotal,
		gateHoldSeconds: gateHoldSeconds,
	}, nil
}

// Tracer returns the span tracer, or a no-op tracer if o is nil.
func (o *Observability) Tracer() trace.Tracer {
	if o == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return o.tracer
}

// RecordAdvance increments advance_total{outcome}.
func (o *Observability) RecordAdvance(ctx context.Context, outcome Outcome) {
	if o == nil || o.advanceTotal == nil {
		return
	}
	o.advanceTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// RecordGateHold records the seconds a session lock was held.
func (o *Observability) RecordGateHold(ctx context.Context, seconds float64) {
	if o == nil || o.gateHoldSeconds == nil {
		return
	}
	o.gateHoldSeconds.Record(ctx, seconds)
}

// Handler serves the Prometheus exposition format for scraping.
func (o *Observability) Handler() http.Handler {
	if o == nil || o.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("observability not enabled"))
		})
	}
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and releases the tracer and meter providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if o.meterProvider != nil {
		if err := o.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("obs: shutdown errors: %v", errs)
	}
	return nil
}
