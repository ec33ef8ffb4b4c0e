// Package telemetry configures OpenTelemetry trace propagation.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// SetupPropagation installs the W3C TraceContext and Baggage propagators
// as the global text map propagator. The Pub/Sub bus engine injects and
// extracts trace context through it on every message, so a span started
// by a pipeline module is joined by the consumer that handles it.
func SetupPropagation() {
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
}
