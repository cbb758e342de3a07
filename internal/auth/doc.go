// Package auth is the identity port: it resolves presented tokens to peer
// identities before a connection is registered. When the gateway runs with
// no configured secret, authentication is skipped entirely and peers are
// trusted to self-identify (anonymous mode).
package auth
