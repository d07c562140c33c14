package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the gateway request ID on every response.
	// It is distinct from X-Request-ID because upstream providers set that
	// header themselves.
	RequestIDHeader = "X-Warden-Request-ID"

	// ClientRequestIDHeader is the conventional header clients use for their
	// own correlation IDs.
	ClientRequestIDHeader = "X-Request-ID"
)

// RequestIDMiddleware assigns a UUID to each request and adds it to the
// context and the response headers.
//
// The gateway always generates its own ID because the audit trail keys
// events by it. A client-supplied X-Request-ID is kept in the context under
// ClientRequestIDKey for correlation.
//
// Example usage:
//
//	handler = RequestIDMiddleware(handler)
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		if clientID := r.Header.Get(ClientRequestIDHeader); clientID != "" {
			ctx = context.WithValue(ctx, ClientRequestIDKey, clientID)
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetClientRequestID extracts the client-supplied request ID from the context.
func GetClientRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ClientRequestIDKey).(string); ok {
		return id
	}
	return ""
}
