// Package detect classifies intercepted requests by LLM provider and
// extracts the structured facts handed to policies: model, hour of day,
// message content previews and detected PII categories.
//
// Classification never fails. Unrecognised destinations produce the
// "unknown" provider so the pipeline always has something to evaluate.
package detect
