package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// RecoveryMiddleware recovers from panics in HTTP handlers and returns a 500
// Internal Server Error with a JSON body. It logs the panic with a stack
// trace but does not expose internal details to clients.
//
// http.ErrAbortHandler is re-raised so the server can abort the connection
// as it would without the middleware.
//
// Example usage:
//
//	handler = RecoveryMiddleware(handler)
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}

			requestID := GetRequestID(r.Context())
			slog.ErrorContext(r.Context(), "panic in handler",
				"error", err,
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":      "internal gateway error",
				"request_id": requestID,
			})
		}()

		next.ServeHTTP(w, r)
	})
}
