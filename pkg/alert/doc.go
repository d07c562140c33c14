// Package alert delivers policy alerts to people.
//
// A Dispatcher holds a set of Channels (webhook, Gotify, Pushover, email,
// NATS) and fans each Alert out to all of them in the background. Channel
// failures are logged and never reach the request that caused the alert.
// Webhooks retry server errors; the other channels make one attempt.
package alert
