// Package engine defines the rule-evaluation capability used by the policy
// evaluator: the structured input handed to a policy, the decision it
// returns, and the Capability interface that compiles policy source into
// executable units.
//
// The production capability embeds the Open Policy Agent Rego interpreter.
// A policy module must define a document at its package path with at least
// an "allow" boolean:
//
//	package bedtime
//
//	import rego.v1
//
//	default allow := true
//
//	allow := false if input.hour >= 21
//
//	mode := "enforce"
//	reason := "LLM access is disabled after 9pm"
//
// The optional fields are "mode", "reason", "metadata" and "violation".
package engine
