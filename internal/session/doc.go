// Package session gives each peer a resumable identity that outlives any
// single connection.
//
// A session is minted on first connect and rides along on every reconnect:
// while the peer is detached, messages addressed to it accumulate in the
// session's replay buffer, and a resumption within the TTL returns them in
// order, exactly once. Resumption with an unknown, expired, or mismatched
// session id fails with ErrInvalidSession rather than silently minting a
// replacement.
package session
