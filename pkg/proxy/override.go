package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mercator-hq/warden/pkg/enforcement"
)

// OverridePath is where the block page posts self-service override requests.
const OverridePath = "/warden/override"

// OverrideAttempter verifies and grants self-service overrides.
type OverrideAttempter interface {
	AttemptOverride(ctx context.Context, ip, password, target string) (enforcement.Override, error)
}

// OverrideResponse is returned for a granted override.
type OverrideResponse struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OverrideHandler accepts POSTed form fields "password" and "target" and
// grants the caller's address a time-boxed override. Attempts are rate
// limited per address by the enforcer.
func OverrideHandler(e OverrideAttempter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form"})
			return
		}

		o, err := e.AttemptOverride(r.Context(), sourceIP(r.RemoteAddr), r.PostForm.Get("password"), r.PostForm.Get("target"))
		if err != nil {
			writeJSON(w, overrideStatus(err), map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, OverrideResponse{ID: o.ID, Target: o.Target, ExpiresAt: o.ExpiresAt})
	})
}

func overrideStatus(err error) int {
	switch {
	case errors.Is(err, enforcement.ErrInvalidPassword):
		return http.StatusUnauthorized
	case errors.Is(err, enforcement.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, enforcement.ErrOverrideDisabled):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
