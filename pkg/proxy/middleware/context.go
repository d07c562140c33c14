package middleware

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey stores the gateway-assigned request ID.
	RequestIDKey contextKey = "request_id"

	// ClientRequestIDKey stores a request ID supplied by the client, if any.
	ClientRequestIDKey contextKey = "client_request_id"
)
