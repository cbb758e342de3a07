// Package dispatch owns the command lifecycle.
//
// A command moves PENDING -> QUEUED -> EXECUTING and ends in exactly one of
// COMPLETED, FAILED, or CANCELLED. Transitions come from agent
// acknowledgments, terminal results, and explicit cancellation; anything
// arriving after a terminal state is discarded as a no-op. Each command has
// its own lock, so concurrent traffic for unrelated commands never
// serializes.
package dispatch
