// Package engine implements the delta sequencer.
//
// The sequencer is the single owner of per-slot pipeline state and of the
// in-memory tree. It assigns every incoming delta a slot, collects the work
// the delta depends on, and hands deltas to the dispatch registry strictly
// in slot order.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Deltas, worker pool results and prefetch completions all arrive as events
// on one FIFO queue. Poll drains the queue and then runs a dispatch burst;
// Run repeats Poll until the context ends. Nothing else mutates slot state
// or the tree, so no locks are needed around them.
//
// Slot lifecycle:
//
//	Arrived -> AwaitingDependencies -> Ready -> Dispatched -> Committed
//
// A slot waits while node records are being decrypted, while a sealed
// packet is being opened, and while referenced nodes are being prefetched.
// Only the lowest uncommitted slot may dispatch; a Ready slot waits behind
// an earlier one that is still awaiting dependencies.
//
// Bursts:
// A dispatch burst is bounded by a wall-clock budget. When the budget runs
// out, or the local cache reports backpressure, the burst yields and a
// resume event is queued. Wall-clock time never affects ordering.
//
// Errors:
// Handler failures, supersedes, missing keys and failed prefetches are
// logged and reported to observers as *Error. The slot still commits.
package engine
