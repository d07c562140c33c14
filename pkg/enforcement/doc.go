// Package enforcement turns policy outcomes into enforcement actions.
//
// The Engine owns the mutable enforcement state: the global mode, the device
// allowlist with its groups and recurring time exceptions, time-boxed
// override grants and the emergency switch. Requests are resolved in a fixed
// priority order:
//
//  1. Emergency switch on: allow, enforcement disabled.
//  2. Allowlisted device, group member or active time exception: allowlist_bypass.
//  3. Active override for the device and target: override.
//  4. Policy results, combined so that any block wins and otherwise the
//     highest-severity alert wins, ties going to the policy loaded first.
//
// A policy's effective mode is the least restrictive of the global mode, the
// mode the policy asks for and the configured per-policy cap. Only enforce
// blocks. Enforce mode additionally requires operator consent; without it the
// engine runs in advisory.
//
// Every state change is persisted through a StateStore and reported to an
// EventSink as a configuration event.
package enforcement
