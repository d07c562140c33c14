// Package cli holds helpers shared by the warden commands: typed errors
// mapped to exit codes, text/JSON/CSV rendering of tabular results, status
// colors and signal handling.
package cli
