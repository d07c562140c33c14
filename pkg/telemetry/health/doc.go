// Package health serves the gateway's liveness and readiness endpoints.
//
// Liveness (/healthz) only proves the process answers HTTP. Readiness
// (/readyz) runs every registered check concurrently, each bounded by a
// timeout, and answers 503 when any of them fails:
//
//	checker := health.New(health.Options{Version: version, Mode: engine.ModeName})
//	checker.RegisterCheck("audit_storage", health.StorageCheck(store))
//	checker.RegisterCheck("policies", health.PoliciesCheck(mgr))
//	checker.Register(mux, commit, buildTime)
package health
