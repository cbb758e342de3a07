// Package stream aggregates per-command terminal output.
//
// Sequence numbers are assigned by the agent and may arrive in any order.
// Live fan-out preserves arrival order; History and the Subscribe history
// batch are sorted by sequence, so a late subscriber sees a gap-free,
// ordered prefix followed by live chunks.
package stream
