// Warden is a policy-governed gateway for LLM API traffic.
//
// It sits between household devices and LLM provider endpoints, classifies
// every intercepted request, evaluates it against the loaded Rego policies,
// and allows, alerts on or blocks it according to the enforcement mode.
// Every decision is written to an audit trail.
//
// Usage:
//
//	# Start the gateway
//	warden run --config /usr/local/etc/warden/config.yaml
//
//	# List loaded policies
//	warden policy list
//
//	# Run policy test cases
//	warden policy test --tests policy_tests.yaml
//
//	# Query the audit trail
//	warden audit query --action block --since 24h
//
//	# Grant a ten minute override to a device
//	warden override grant --device 192.168.1.20 --duration 10m
package main

import "os"

func main() {
	os.Exit(Execute())
}
