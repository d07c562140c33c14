// Package telemetry groups the gateway's observability packages.
//
// # Components
//
//   - logging: slog setup and the redactor applied to prompt previews
//   - metrics: Prometheus collectors for requests, policy evaluation,
//     the decision cache, the audit trail and alert delivery
//   - tracing: OpenTelemetry spans exported over OTLP/gRPC
//   - health: liveness, readiness and version endpoints
//
// # Usage
//
//	logger, _ := logging.Setup(cfg.Telemetry.Logging, os.Stderr)
//	tracer, _ := tracing.New(&cfg.Telemetry.Tracing, version)
//	defer tracer.Shutdown(ctx)
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//
// The collector implements the observer interfaces of the proxy, the policy
// evaluator, the audit recorder and the alert dispatcher, so it is passed to
// each of them at construction.
//
// # PII Protection
//
// Prompt previews are redacted before they are logged or audited:
//
//   - API keys: sk-abc123... → sk-***
//   - Bearer tokens → Bearer ***
//   - Emails: user@example.com → ***@***
//   - SSN: 123-45-6789 → ***-**-****
//   - Card numbers → ****-****-****-****
package telemetry
