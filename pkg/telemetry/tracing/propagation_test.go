package tracing

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestExtract(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tests := []struct {
		name        string
		traceparent string
		wantTraceID string
		wantSampled bool
	}{
		{
			name:        "sampled parent",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			wantTraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
			wantSampled: true,
		},
		{
			name:        "unsampled parent",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00",
			wantTraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		},
		{
			name:        "malformed header",
			traceparent: "00-not-a-trace",
		},
		{
			name: "no header",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.traceparent != "" {
				headers.Set("traceparent", tt.traceparent)
			}

			ctx := Extract(context.Background(), headers)
			sc := trace.SpanContextFromContext(ctx)

			if TraceID(ctx) != tt.wantTraceID {
				t.Errorf("TraceID() = %q, want %q", TraceID(ctx), tt.wantTraceID)
			}
			if sc.IsSampled() != tt.wantSampled {
				t.Errorf("IsSampled() = %v, want %v", sc.IsSampled(), tt.wantSampled)
			}
			if tt.wantTraceID != "" && !sc.IsRemote() {
				t.Error("extracted span context is not marked remote")
			}
		})
	}
}
