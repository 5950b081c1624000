// Package telemetry provides logging, tracing, metrics and session events.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with otlp or
// stdout exporters, and metrics are exported through a private Prometheus
// registry. The EventPublisher delivers session lifecycle events to
// subscribers; Subscribe returns the function that removes the subscriber so
// callers can tie a listener to a scoped lifetime:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
//	    tel.Logger.Info(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeTaskFailed))
//	defer unsubscribe()
//
// All recording methods on *Metrics are safe on a disabled instance, so
// library code can record unconditionally.
package telemetry
