// Package telemetry sets up OpenTelemetry tracing and metrics export for scratch.
//
// New installs a TracerProvider and MeterProvider as the otel globals, so code
// that asks otel.Tracer or otel.Meter for instruments (the edit buffer's flush
// spans, the dev server's request metrics) exports through OTLP without further
// wiring. When telemetry is disabled the globals stay no-op.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, "scratchd", version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// A failing exporter never stops the process; the instance is marked degraded
// and Health reports it.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
