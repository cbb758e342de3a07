// ABOUTME: Owns the command lifecycle state machine and routes requests to agents
// ABOUTME: Transitions are linearized per command; unrelated commands never contend

package dispatch

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdoan35/onsembl/internal/protocol"
)

// ErrAgentUnknown indicates a command submitted for an agent with neither a
// live connection nor an unexpired session.
var ErrAgentUnknown = errors.New("agent unknown")

// ErrUnknownCommand indicates an operation referencing a command id that was
// never submitted.
var ErrUnknownCommand = errors.New("unknown command")

// ErrAlreadyTerminal signals that an acknowledgment or completion arrived for
// a command already in a terminal state. It is a no-op marker, not a failure:
// callers log and discard.
var ErrAlreadyTerminal = errors.New("command already terminal")

// Status is a command's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AgentStatusRunning is the COMMAND_ACK status that moves a command to
// EXECUTING.
const AgentStatusRunning = "RUNNING"

// Command is one unit of work dispatched to an agent. Commands are never
// deleted, only terminalized.
type Command struct {
	ID          string
	AgentID     string
	Content     string
	Priority    int
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
}

// Transport delivers messages to agents, through a live connection or a
// detached session's replay buffer. The gateway provides the implementation.
type Transport interface {
	// Reachable reports whether the agent has a live connection or an
	// unexpired session.
	Reachable(agentID string) bool
	// Deliver hands the envelope to the agent's socket or replay buffer.
	// Returns false if the agent is not reachable at all.
	Deliver(agentID string, env *protocol.Envelope) bool
}

type entry struct {
	mu  sync.Mutex
	cmd Command
}

// Dispatcher tracks all commands and applies their state transitions.
// The command table is guarded by a read-write lock; each command carries
// its own mutex so concurrent transitions on unrelated commands proceed
// independently.
type Dispatcher struct {
	mu        sync.RWMutex
	commands  map[string]*entry
	transport Transport
	logger    *slog.Logger
}

// New creates a dispatcher delivering through the given transport.
func New(transport Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		commands:  make(map[string]*entry),
		transport: transport,
		logger:    logger,
	}
}

// Submit creates a command for the agent and hands it off for delivery.
// Fails with ErrAgentUnknown if the agent is not reachable, so a dashboard
// gets an immediate rejection instead of a silently queued, never-delivered
// command.
func (d *Dispatcher) Submit(agentID, content string, priority int) (Command, error) {
	if !d.transport.Reachable(agentID) {
		return Command{}, ErrAgentUnknown
	}

	e := &entry{cmd: Command{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Content:   content,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}}

	d.mu.Lock()
	d.commands[e.cmd.ID] = e
	d.mu.Unlock()

	env, err := protocol.New(protocol.TypeCommandRequest, protocol.CommandRequest{
		CommandID: e.cmd.ID,
		Content:   content,
		Priority:  priority,
	})
	if err != nil {
		return e.snapshot(), err
	}

	delivered := d.transport.Deliver(agentID, env)

	e.mu.Lock()
	// Only the PENDING to QUEUED hop belongs to Submit. The command is
	// visible in the table before delivery, so a concurrent cancel (or an
	// ack racing ahead of us) may have moved it already; that state stands.
	if e.cmd.Status == StatusPending {
		if delivered {
			e.cmd.Status = StatusQueued
		} else {
			// Agent vanished between the reachability check and delivery.
			d.logger.Warn("command not deliverable, left pending",
				"command_id", e.cmd.ID,
				"agent_id", agentID,
			)
		}
	}
	cmd := e.cmd
	e.mu.Unlock()

	d.logger.Info("command submitted",
		"command_id", cmd.ID,
		"agent_id", agentID,
		"status", cmd.Status,
	)
	return cmd, nil
}

// Acknowledge applies an agent-reported status. Acks for unknown or already
// terminal commands return a typed no-op signal, never a fatal error.
func (d *Dispatcher) Acknowledge(commandID, agentStatus string) (Command, error) {
	e, ok := d.lookup(commandID)
	if !ok {
		return Command{}, ErrUnknownCommand
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd.Status.Terminal() {
		return e.cmd, ErrAlreadyTerminal
	}

	switch agentStatus {
	case AgentStatusRunning:
		if !validTransition(e.cmd.Status, StatusExecuting) {
			return e.cmd, nil
		}
		now := time.Now().UTC()
		e.cmd.Status = StatusExecuting
		e.cmd.StartedAt = &now
	default:
		d.logger.Warn("ignoring unrecognized ack status",
			"command_id", commandID,
			"status", agentStatus,
		)
	}
	return e.cmd, nil
}

// Complete applies a terminal agent result: exit code 0 completes the
// command, anything else fails it.
func (d *Dispatcher) Complete(commandID string, exitCode int) (Command, error) {
	e, ok := d.lookup(commandID)
	if !ok {
		return Command{}, ErrUnknownCommand
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd.Status.Terminal() {
		return e.cmd, ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	if exitCode == 0 {
		e.cmd.Status = StatusCompleted
	} else {
		e.cmd.Status = StatusFailed
	}
	e.cmd.CompletedAt = &now
	e.cmd.ExitCode = &exitCode

	d.logger.Info("command finished",
		"command_id", commandID,
		"status", e.cmd.Status,
		"exit_code", exitCode,
	)
	return e.cmd, nil
}

// Cancel moves a non-terminal command to CANCELLED and pushes a
// COMMAND_CANCEL message to the owning agent. Cancelling a command already
// in a terminal state returns false and is not an error.
func (d *Dispatcher) Cancel(commandID, reason string) (bool, Command, error) {
	e, ok := d.lookup(commandID)
	if !ok {
		return false, Command{}, ErrUnknownCommand
	}

	cancelled, cmd := d.cancelEntry(e, reason)
	return cancelled, cmd, nil
}

// CancelAllResult aggregates the effect of a CancelAll sweep. The counts
// reflect only commands newly cancelled by this call.
type CancelAllResult struct {
	AgentsAffected    int
	CommandsCancelled int
	Cancelled         []Command
}

// CancelAll cancels every non-terminal command. Used by the broadcast
// controller for emergency stop.
func (d *Dispatcher) CancelAll(reason string) CancelAllResult {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.commands))
	for _, e := range d.commands {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	var res CancelAllResult
	agents := make(map[string]struct{})
	for _, e := range entries {
		if cancelled, cmd := d.cancelEntry(e, reason); cancelled {
			res.CommandsCancelled++
			res.Cancelled = append(res.Cancelled, cmd)
			agents[cmd.AgentID] = struct{}{}
		}
	}
	res.AgentsAffected = len(agents)

	if res.CommandsCancelled > 0 {
		d.logger.Info("cancelled all active commands",
			"reason", reason,
			"commands", res.CommandsCancelled,
			"agents", res.AgentsAffected,
		)
	}
	return res
}

// cancelEntry performs the terminal transition and notifies the agent.
func (d *Dispatcher) cancelEntry(e *entry, reason string) (bool, Command) {
	e.mu.Lock()
	if e.cmd.Status.Terminal() {
		cmd := e.cmd
		e.mu.Unlock()
		return false, cmd
	}
	now := time.Now().UTC()
	e.cmd.Status = StatusCancelled
	e.cmd.CompletedAt = &now
	cmd := e.cmd
	e.mu.Unlock()

	env, err := protocol.New(protocol.TypeCommandCancel, protocol.CommandCancel{
		CommandID: cmd.ID,
		Reason:    reason,
	})
	if err == nil {
		d.transport.Deliver(cmd.AgentID, env)
	}

	d.logger.Info("command cancelled", "command_id", cmd.ID, "reason", reason)
	return true, cmd
}

// Exists reports whether the command id was ever submitted. Output chunks
// and trace events for unknown ids are rejected rather than accepted as
// orphans.
func (d *Dispatcher) Exists(commandID string) bool {
	_, ok := d.lookup(commandID)
	return ok
}

// Get returns a snapshot of the command.
func (d *Dispatcher) Get(commandID string) (Command, bool) {
	e, ok := d.lookup(commandID)
	if !ok {
		return Command{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of all commands, oldest first.
func (d *Dispatcher) List() []Command {
	d.mu.RLock()
	cmds := make([]Command, 0, len(d.commands))
	for _, e := range d.commands {
		cmds = append(cmds, e.snapshot())
	}
	d.mu.RUnlock()

	sort.Slice(cmds, func(i, j int) bool {
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
	return cmds
}

func (d *Dispatcher) lookup(commandID string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.commands[commandID]
	return e, ok
}

func (e *entry) snapshot() Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd
}

// validTransition encodes the lifecycle graph. Terminal states admit
// nothing; CANCELLED is reachable from every non-terminal state.
func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusQueued:
		return from == StatusPending
	case StatusExecuting:
		return from == StatusPending || from == StatusQueued
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
