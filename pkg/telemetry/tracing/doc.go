// Package tracing configures OpenTelemetry tracing for Warden.
//
// New installs an SDK tracer provider exporting over OTLP gRPC, or a no-op
// tracer when tracing is disabled. The proxy opens one server span per
// intercepted request, parented on any W3C traceparent sent by the client:
//
//	ctx := tracing.Extract(r.Context(), r.Header)
//	ctx, span := tracer.Start(ctx, "warden.intercept",
//		trace.WithAttributes(tracing.RequestAttributes(id, host, method)...))
//	defer span.End()
//
// Sampling is parent based with a configurable ratio for new traces.
package tracing
