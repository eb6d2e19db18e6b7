package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// config holds the options shared by the telemetry decorators.
type config struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// Propagator injects the trace context into the headers of appended
	// events.
	Propagator propagation.TextMapPropagator

	// Attributes holds the default attributes for each span.
	Attributes []attribute.KeyValue
}

// Option configures the telemetry decorators.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return optionFunc(func(c *config) {
		c.TracerProvider = tp
	})
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return optionFunc(func(c *config) {
		c.MeterProvider = mp
	})
}

// WithPropagator sets the propagator. Defaults to the global one.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return optionFunc(func(c *config) {
		c.Propagator = p
	})
}

// WithAttributes sets the default attributes for the spans created by the decorators.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return optionFunc(func(c *config) {
		c.Attributes = attrs
	})
}

func newConfig(opts []Option) *config {
	c := &config{
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
		Propagator:     otel.GetTextMapPropagator(),
	}
	for _, o := range opts {
		o.apply(c)
	}
	return c
}

func (c *config) tracer() trace.Tracer {
	return c.TracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))
}

func (c *config) instruments() (*instruments, error) {
	return newInstruments(c.MeterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion)))
}

// mustInstruments falls back to no-op instruments when the meter rejects one.
func (c *config) mustInstruments() *instruments {
	in, err := c.instruments()
	if err != nil {
		otel.Handle(err)
		in, _ = newInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return in
}
