// Package logging configures the process-wide slog handler and provides the
// secret redactor applied to content previews before they reach the audit
// trail or the log.
package logging
