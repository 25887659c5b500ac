// Package telemetry provides OpenTelemetry tracing for ralph.
//
// Tracing is off unless telemetry.enabled is set, in which case spans are
// exported to an OTLP/HTTP collector. When disabled, Tracer falls back to
// the global provider, which is a no-op unless something else installed one.
//
// Usage:
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctrl := controller.New(..., controller.WithTracer(tel.Tracer("ralph/controller")))
//
// Export failures never fail a hook invocation.
package telemetry
