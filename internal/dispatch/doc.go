// Package dispatch routes sequenced deltas to per-kind handlers.
//
// The registry owns the invocation contract, not the business rules:
// handlers run one at a time in slot order, at most once per slot, and a
// failing or panicking handler never stops the pipeline.
package dispatch
