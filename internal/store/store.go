// ABOUTME: Store interface and data types for onsembl-gateway persistence
// ABOUTME: Defines command, output, trace, and audit records plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// CommandRecord is the persisted view of a dispatched command
type CommandRecord struct {
	ID          string
	AgentID     string
	Content     string
	Priority    int
	Status      string
	ExitCode    *int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// OutputRecord is one persisted terminal output chunk
type OutputRecord struct {
	CommandID  string
	Sequence   int64
	StreamType string // stdout, stderr
	Content    string
	ReceivedAt time.Time
}

// TraceRecord is one persisted trace event
type TraceRecord struct {
	ID           string
	CommandID    string
	ParentID     string
	Type         string
	Name         string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   int64
	InputTokens  int64
	OutputTokens int64
}

// Audit actions
const (
	AuditCommandSubmitted = "command_submitted"
	AuditCommandCancelled = "command_cancelled"
	AuditEmergencyStop    = "emergency_stop"
	AuditAgentConnected   = "agent_connected"
	AuditAgentStale       = "agent_stale"
)

// AuditEvent records an operator-visible action for later review
type AuditEvent struct {
	ID        string
	Actor     string
	Action    string
	TargetID  string
	Detail    string
	CreatedAt time.Time
}

// Store defines the interface for gateway persistence. Writes are
// best-effort from the gateway's point of view: a failed write is logged
// and never rolls back in-memory state.
type Store interface {
	// Commands
	SaveCommand(ctx context.Context, cmd *CommandRecord) error
	UpdateCommandStatus(ctx context.Context, cmd *CommandRecord) error
	GetCommand(ctx context.Context, id string) (*CommandRecord, error)
	ListCommands(ctx context.Context) ([]*CommandRecord, error)

	// Output
	SaveOutputChunk(ctx context.Context, out *OutputRecord) error
	ListOutputChunks(ctx context.Context, commandID string) ([]*OutputRecord, error)

	// Traces
	SaveTraceEvent(ctx context.Context, ev *TraceRecord) error
	ListTraceEvents(ctx context.Context, commandID string) ([]*TraceRecord, error)

	// Audit
	AppendAuditEvent(ctx context.Context, ev *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error)

	// Close closes the store
	Close() error
}
