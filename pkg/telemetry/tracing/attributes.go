package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Gateway-specific keys use the "warden." prefix, HTTP
// keys follow the OpenTelemetry semantic conventions.
const (
	AttrRequestID = attribute.Key("warden.request_id")
	AttrHost      = attribute.Key("warden.host")
	AttrProvider  = attribute.Key("warden.provider")
	AttrAction    = attribute.Key("warden.action")
	AttrPolicy    = attribute.Key("warden.policy")
	AttrMode      = attribute.Key("warden.mode")

	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// RequestAttributes returns the attributes known when a request arrives.
func RequestAttributes(requestID, host, method string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrHost.String(host),
		AttrHTTPMethod.String(method),
	}
}

// SetOutcome records the final action of a request on span. Error actions
// mark the span as failed with reason as the description.
func SetOutcome(span trace.Span, action, policy string, status int, reason string) {
	span.SetAttributes(
		AttrAction.String(action),
		AttrPolicy.String(policy),
		AttrHTTPStatus.Int(status),
	)
	if action == "error" {
		span.SetStatus(codes.Error, reason)
	}
}
