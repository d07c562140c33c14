// Package middleware provides HTTP middleware shared by the gateway listener.
//
// The chain is applied outermost first:
//
//	handler = RequestID(Logging(Recovery(handler)))
//
// RequestIDMiddleware assigns every request a UUID that the audit trail
// keys events by. It is returned in the X-Warden-Request-ID response header
// and placed in the context; a client's own X-Request-ID is kept alongside
// it for correlation.
//
// LoggingMiddleware logs one line per request with method, host, path,
// status, bytes written and latency. A client that disconnected before any
// response was written is logged as 499. Its response writer wrapper
// forwards Flush so streamed completions are relayed chunk by chunk.
//
// RecoveryMiddleware turns handler panics into a JSON 500 response and logs
// the stack. It sits inside Logging so the 500 is logged like any other
// response.
package middleware
