// Package broadcast implements fleet-wide control signals over the
// connection registry, decoupled from any specific socket implementation.
package broadcast
