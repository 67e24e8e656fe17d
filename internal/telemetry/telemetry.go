// Package telemetry holds the OpenTelemetry instruments shared by the
// engine. Without Init the global no-op providers are used, so
// instrumented code costs next to nothing when export is off.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/nugget/aki"

// Instruments holds the tracer and metric instruments.
type Instruments struct {
	Tracer trace.Tracer

	LLMRequests    metric.Int64Counter
	TokenUsage     metric.Int64Counter
	LLMDuration    metric.Float64Histogram
	ToolExecutions metric.Int64Counter
	ToolDuration   metric.Float64Histogram
	Compactions    metric.Int64Counter
	Turns          metric.Int64Counter
}

// Init installs OTLP/HTTP trace and metric providers configured from
// the standard OTEL_* environment variables. The returned function
// flushes and shuts them down.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// New builds instruments from the current global providers.
func New() (*Instruments, error) {
	return build(otel.Tracer(scopeName), otel.Meter(scopeName))
}

// Noop returns instruments that record nothing, regardless of the
// global providers. Tests and constructor defaults use it.
func Noop() *Instruments {
	inst, err := build(
		tracenoop.NewTracerProvider().Tracer(scopeName),
		metricnoop.NewMeterProvider().Meter(scopeName),
	)
	if err != nil {
		panic("telemetry: no-op instruments: " + err.Error())
	}
	return inst
}

func build(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{Tracer: tracer}

	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		errs = append(errs, err)
		return h
	}

	inst.LLMRequests = counter("aki.llm.requests", "Model invocations", "{request}")
	inst.TokenUsage = counter("aki.llm.token.usage", "Tokens consumed", "{token}")
	inst.LLMDuration = histogram("aki.llm.duration", "Model invocation duration")
	inst.ToolExecutions = counter("aki.tool.executions", "Tool executions", "{execution}")
	inst.ToolDuration = histogram("aki.tool.duration", "Tool execution duration")
	inst.Compactions = counter("aki.compactions", "History compactions", "{compaction}")
	inst.Turns = counter("aki.turns", "Conversation turns", "{turn}")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return inst, nil
}

