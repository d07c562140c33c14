package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrBodyTooLarge is returned when a request body exceeds the buffer limit.
var ErrBodyTooLarge = errors.New("request body too large")

// UpstreamError reports a failed or timed-out forward to the LLM endpoint.
type UpstreamError struct {
	Host    string
	Timeout bool

	// Streaming is set when the failure happened after the response
	// headers were relayed.
	Streaming bool

	Cause error
}

// NewUpstreamError classifies err as a timeout or a generic failure.
func NewUpstreamError(host string, err error) *UpstreamError {
	return &UpstreamError{
		Host:    host,
		Timeout: isTimeout(err),
		Cause:   err,
	}
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	if e.Streaming {
		return fmt.Sprintf("upstream %s %s mid-stream: %v", e.Host, kind, e.Cause)
	}
	return fmt.Sprintf("upstream %s %s: %v", e.Host, kind, e.Cause)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// StatusCode is the status reported to the client and recorded in the audit
// trail: 504 for timeouts, 502 otherwise.
func (e *UpstreamError) StatusCode() int {
	if e.Timeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// Kind labels the failure for metrics.
func (e *UpstreamError) Kind() string {
	if e.Timeout {
		return "timeout"
	}
	return "error"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
