package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// statusClientClosed is logged when the client went away before the
// handler finished.
const statusClientClosed = 499

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Flush forwards to the underlying writer so streamed completions reach the
// client chunk by chunk.
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		if rw.status == 0 {
			rw.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingMiddleware logs one line per request with method, host, path,
// status, response size, latency and the request ID. 5xx responses log at
// error level and 4xx at warn. A request whose client disconnected before
// anything was written is logged with status 499.
//
// Example usage:
//
//	handler = LoggingMiddleware(handler)
func LoggingMiddleware(next http.Handler) http.Handler {
	logger := slog.Default().With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		rw := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rw, r)

		status := rw.status
		switch {
		case status == 0 && errors.Is(ctx.Err(), context.Canceled):
			status = statusClientClosed
		case status == 0:
			status = http.StatusOK
		}

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		logger.Log(ctx, level, "request completed",
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"status", status,
			"bytes", rw.bytes,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(ctx),
			"remote_addr", r.RemoteAddr,
		)
	})
}
