// Package gateway wires the protocol surfaces together: the WebSocket
// endpoints agents and dashboards connect to, the read-only REST API, and
// the lifecycle of the registry, session manager, dispatcher, stream
// aggregator, trace builder, and store.
//
// The gateway owns all socket I/O. Every other package speaks in terms of
// protocol envelopes and the registry's buffered connections, which keeps
// them testable without a network.
package gateway
