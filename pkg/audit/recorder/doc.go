// Package recorder writes audit events asynchronously.
//
// The Recorder keeps the request path free of storage latency: Record only
// enqueues. Each device hashes onto one of a fixed number of lanes and each
// lane has a single writer goroutine, which preserves per-device order. A
// saturated lane spills into an overflow list drained by the same goroutine,
// so the event is delayed rather than lost or reordered, and Close drains
// every lane before returning.
//
// The Recorder also implements the enforcement engine's event sink, so
// mode changes, overrides and allowlist edits land in the same database as
// request events.
package recorder
