package twofactor

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Telemetry holds the providers built by SetupOTelSDK.
type Telemetry struct {
	Logs *sdklog.LoggerProvider

	shutdown []func(context.Context) error
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline for traces, metrics and logs.
// With stdout set everything is printed (debug mode), otherwise it is exported over OTLP/HTTP
// configured by the usual OTEL_EXPORTER_OTLP_* variables.
// If it does not return an error, make sure to call Shutdown for proper cleanup.
func SetupOTelSDK(ctx context.Context, stdout bool) (*Telemetry, error) {
	t := &Telemetry{}
	fail := func(err error) (*Telemetry, error) {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}

	var (
		spanExp   sdktrace.SpanExporter
		metricExp sdkmetric.Exporter
		logExp    sdklog.Exporter
		err       error
	)
	if stdout {
		spanExp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fail(err)
		}
		metricExp, err = stdoutmetric.New()
		if err != nil {
			return fail(err)
		}
		logExp, err = stdoutlog.New()
		if err != nil {
			return fail(err)
		}
	} else {
		spanExp, err = otlptrace.New(ctx, otlptracehttp.NewClient())
		if err != nil {
			return fail(err)
		}
		metricExp, err = otlpmetrichttp.New(ctx)
		if err != nil {
			return fail(err)
		}
		logExp, err = otlploghttp.New(ctx)
		if err != nil {
			return fail(err)
		}
	}

	// Create a new tracer provider with a batch span processor and the exporter
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spanExp))
	t.shutdown = append(t.shutdown, tp.Shutdown)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	t.shutdown = append(t.shutdown, mp.Shutdown)
	otel.SetMeterProvider(mp)

	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)))
	t.shutdown = append(t.shutdown, lp.Shutdown)
	global.SetLoggerProvider(lp)
	t.Logs = lp

	// Register the W3C trace context and baggage propagators so data is propagated across services/processes
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return t, nil
}

// otelWrapHandler wraps an HTTP handler with OpenTelemetry instrumentation.
func otelWrapHandler(h http.Handler, name string) http.Handler {
	return otelhttp.NewHandler(h, name)
}
