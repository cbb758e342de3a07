// Package protocol defines the wire messages exchanged between the gateway
// and its peers (agents and dashboards).
//
// Every frame is a JSON Envelope carrying a type tag, a server-side
// timestamp, and a raw payload. The set of types is closed: DecodePayload
// maps each tag to exactly one payload struct and rejects anything else with
// a *MalformedError, which handlers translate into an ERROR reply on the
// offending connection.
//
// The package has no dependencies on the rest of the gateway so that every
// component (and the fake agent) can speak the protocol without import
// cycles.
package protocol
