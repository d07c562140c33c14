// Package proxy implements the interception pipeline of the gateway.
//
// Handler is an http.Handler that receives every request redirected to the
// gateway. For each request it:
//
//  1. Buffers the body up to the configured limit and captures a
//     RequestContext (source address, device, user, destination, UUID).
//  2. Checks the destination against the configured endpoints. Disabled
//     endpoints are refused with 403 in every mode; unknown hosts are only
//     let through in observe mode. Both refusals are audited as blocks.
//  3. Classifies the request with the detector and counts it against the
//     device's daily usage.
//  4. Evaluates every loaded policy and resolves the outcomes with the
//     enforcement engine.
//  5. Blocks with a 403 (JSON, or an HTML page for browsers) or forwards the
//     request through a Forwarder, relaying the response chunk by chunk
//     while a bounded preview is captured for audit.
//
// Exactly one audit event is recorded per request. Upstream failures are
// recorded with action "error" and status 502, or 504 on timeout. When the
// client disconnects, the decision already made is recorded instead of the
// transport outcome.
//
// OverrideHandler serves the self-service override form linked from the
// block page.
package proxy
