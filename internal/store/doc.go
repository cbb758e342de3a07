// Package store provides persistence for commands, output, traces, and the
// audit log. The SQLite implementation is the only one; the interface exists
// so the gateway can run without a database in tests.
package store
