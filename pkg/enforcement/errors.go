package enforcement

import "errors"

var (
	// ErrOverrideDisabled is returned when no override password is configured.
	ErrOverrideDisabled = errors.New("self-service override is disabled")

	// ErrEmergencyDisabled is returned when no emergency password is configured.
	ErrEmergencyDisabled = errors.New("emergency override is disabled")

	// ErrInvalidPassword is returned when a password does not match its hash.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrTooManyAttempts is returned when a source exceeds its override
	// attempt budget.
	ErrTooManyAttempts = errors.New("too many override attempts")

	// ErrInvalidMode is returned for an unknown enforcement mode.
	ErrInvalidMode = errors.New("invalid enforcement mode")
)
