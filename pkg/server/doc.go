// Package server runs the gateway's HTTP listener.
//
// Every request passes through the request ID, logging and recovery
// middleware and is then routed:
//
//   - /warden/override on any host goes to the override handler
//   - /healthz, /readyz, /version and the metrics path go to the admin
//     handlers, unless the host is a configured LLM endpoint
//   - everything else goes to the proxy pipeline
//
// Start blocks until the context is cancelled or SIGINT/SIGTERM arrives,
// then drains in-flight requests within the configured shutdown timeout.
//
//	srv, err := server.NewServer(cfg, server.Routes{
//		Proxy:    handler,
//		Override: proxy.OverrideHandler(enforcer),
//		Health:   checker,
//		Metrics:  collector.Handler(),
//	})
//	if err != nil {
//		return err
//	}
//	return srv.Start(ctx)
package server
