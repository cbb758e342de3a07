// ABOUTME: Closed tagged-union of wire messages exchanged with agents and dashboards
// ABOUTME: JSON envelope with a type tag and a strongly-typed payload per message kind

package protocol

import (
	"encoding/json"
	"time"
)

// Type identifies a message kind on the wire.
type Type string

// Peer-to-server message types.
const (
	TypeAgentConnect     Type = "AGENT_CONNECT"
	TypeAgentHeartbeat   Type = "AGENT_HEARTBEAT"
	TypeCommandAck       Type = "COMMAND_ACK"
	TypeTerminalOutput   Type = "TERMINAL_OUTPUT"
	TypeTraceEvent       Type = "TRACE_EVENT"
	TypeCommandComplete  Type = "COMMAND_COMPLETE"
	TypeDashboardConnect Type = "DASHBOARD_CONNECT"
	TypeCommandRequest   Type = "COMMAND_REQUEST"
	TypeCommandCancel    Type = "COMMAND_CANCEL"
	TypeSubscribeOutput  Type = "SUBSCRIBE_OUTPUT"
	TypeEmergencyStop    Type = "EMERGENCY_STOP"
)

// Server-to-peer message types. COMMAND_REQUEST, COMMAND_CANCEL,
// TERMINAL_OUTPUT, COMMAND_COMPLETE and EMERGENCY_STOP flow in both
// directions and reuse the constants above.
const (
	TypeConnectionAck   Type = "CONNECTION_ACK"
	TypeReconnectionAck Type = "RECONNECTION_ACK"
	TypeHeartbeatAck    Type = "HEARTBEAT_ACK"
	TypeCommandAccepted Type = "COMMAND_ACCEPTED"
	TypeOutputHistory   Type = "OUTPUT_HISTORY"
	TypeCommandError    Type = "COMMAND_ERROR"
	TypeError           Type = "ERROR"
)

// StreamType values for terminal output chunks.
const (
	StreamStdout = "STDOUT"
	StreamStderr = "STDERR"
)

// Trace event types.
const (
	TraceLLMPrompt = "LLM_PROMPT"
	TraceToolCall  = "TOOL_CALL"
	TraceResponse  = "RESPONSE"
)

// Envelope is the outer frame for every wire message.
type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AgentConnect is sent by an agent as its first frame.
type AgentConnect struct {
	AgentID      string   `json:"agentId"`
	SessionID    string   `json:"sessionId,omitempty"`
	Token        string   `json:"token,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// DashboardConnect is sent by a dashboard as its first frame.
type DashboardConnect struct {
	DashboardID string `json:"dashboardId"`
	SessionID   string `json:"sessionId,omitempty"`
	Token       string `json:"token,omitempty"`
}

// AgentHeartbeat is a periodic liveness signal from an agent.
type AgentHeartbeat struct {
	Sequence int64              `json:"sequence,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// CommandAck reports an agent-side command status transition.
type CommandAck struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// TerminalOutput carries one chunk of command output. Sequence numbers are
// assigned by the agent and are not guaranteed to arrive in order.
type TerminalOutput struct {
	CommandID  string `json:"commandId"`
	Sequence   int64  `json:"sequence"`
	StreamType string `json:"streamType"`
	Content    string `json:"content"`
}

// TokenUsage is the token accounting attached to a trace event.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// TraceEvent is one step in an agent's execution of a command. ParentID is a
// weak reference: it may name an event that has not arrived yet, or never
// arrives at all.
type TraceEvent struct {
	ID          string      `json:"id"`
	CommandID   string      `json:"commandId"`
	ParentID    string      `json:"parentId,omitempty"`
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	TokenUsage  *TokenUsage `json:"tokenUsage,omitempty"`
	DurationMs  int64       `json:"durationMs,omitempty"`
}

// CommandComplete reports a terminal command result from an agent.
type CommandComplete struct {
	CommandID string `json:"commandId"`
	ExitCode  int    `json:"exitCode"`
}

// CommandRequest is a dashboard's request to run a command on an agent.
// When forwarded to the agent, CommandID is filled in by the server.
type CommandRequest struct {
	CommandID string `json:"commandId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Content   string `json:"content"`
	Priority  int    `json:"priority,omitempty"`
}

// CommandCancel requests cancellation of a single command. As an outbound
// message it informs the owning agent that the command was cancelled.
type CommandCancel struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason,omitempty"`
}

// SubscribeOutput attaches a dashboard to a command's output stream.
type SubscribeOutput struct {
	CommandID string `json:"commandId"`
}

// EmergencyStop requests (inbound) or announces (outbound) a fleet-wide stop.
// StoppedAt is set by the server and is identical for every recipient of one
// broadcast.
type EmergencyStop struct {
	Reason    string    `json:"reason,omitempty"`
	StoppedAt time.Time `json:"stoppedAt,omitzero"`
}

// ConnectionAck confirms a fresh connection and carries the minted session.
type ConnectionAck struct {
	PeerID       string `json:"peerId"`
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

// ReconnectionAck confirms a resumed session and replays buffered messages.
type ReconnectionAck struct {
	PeerID           string            `json:"peerId"`
	SessionID        string            `json:"sessionId"`
	MissedMessages   []json.RawMessage `json:"missedMessages"`
	LastSeenSequence map[string]int64  `json:"lastSeenSequence,omitempty"`
}

// HeartbeatAck echoes a heartbeat back to the agent.
type HeartbeatAck struct {
	Sequence   int64     `json:"sequence,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

// CommandAccepted tells the requesting dashboard its command was created.
type CommandAccepted struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// OutputChunk is the wire form of a stored terminal output chunk.
type OutputChunk struct {
	CommandID  string    `json:"commandId"`
	Sequence   int64     `json:"sequence"`
	StreamType string    `json:"streamType"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// OutputHistory is the sequence-ordered history returned on subscription.
type OutputHistory struct {
	CommandID string        `json:"commandId"`
	Outputs   []OutputChunk `json:"outputs"`
}

// CommandError reports a command-scoped failure to a dashboard.
type CommandError struct {
	CommandID string `json:"commandId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ErrorReply is the generic error answer for protocol-level violations.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds an envelope around the given payload, stamping the current time.
func New(t Type, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &MalformedError{Code: CodeInternal, Detail: err.Error()}
		}
		env.Payload = data
	}
	return env, nil
}

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes the outer frame. The payload is left raw; use
// DecodePayload to obtain the typed form.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedError{Code: CodeMalformed, Detail: "invalid JSON frame"}
	}
	if env.Type == "" {
		return nil, &MalformedError{Code: CodeMalformed, Detail: "missing type field"}
	}
	return &env, nil
}

// DecodePayload returns the typed payload for the envelope's type tag.
// Unknown types and undecodable payloads yield a *MalformedError; the caller
// answers with an ERROR reply rather than dropping the connection.
func (e *Envelope) DecodePayload() (any, error) {
	switch e.Type {
	case TypeAgentConnect:
		return decodeAs[AgentConnect](e)
	case TypeDashboardConnect:
		return decodeAs[DashboardConnect](e)
	case TypeAgentHeartbeat:
		return decodeAs[AgentHeartbeat](e)
	case TypeCommandAck:
		return decodeAs[CommandAck](e)
	case TypeTerminalOutput:
		return decodeAs[TerminalOutput](e)
	case TypeTraceEvent:
		return decodeAs[TraceEvent](e)
	case TypeCommandComplete:
		return decodeAs[CommandComplete](e)
	case TypeCommandRequest:
		return decodeAs[CommandRequest](e)
	case TypeCommandCancel:
		return decodeAs[CommandCancel](e)
	case TypeSubscribeOutput:
		return decodeAs[SubscribeOutput](e)
	case TypeEmergencyStop:
		return decodeAs[EmergencyStop](e)
	case TypeConnectionAck:
		return decodeAs[ConnectionAck](e)
	case TypeReconnectionAck:
		return decodeAs[ReconnectionAck](e)
	case TypeHeartbeatAck:
		return decodeAs[HeartbeatAck](e)
	case TypeCommandAccepted:
		return decodeAs[CommandAccepted](e)
	case TypeOutputHistory:
		return decodeAs[OutputHistory](e)
	case TypeCommandError:
		return decodeAs[CommandError](e)
	case TypeError:
		return decodeAs[ErrorReply](e)
	default:
		return nil, &MalformedError{Code: CodeUnknownType, Detail: "unknown message type: " + string(e.Type)}
	}
}

func decodeAs[T any](e *Envelope) (*T, error) {
	var payload T
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, &MalformedError{Code: CodeMalformed, Detail: "invalid " + string(e.Type) + " payload"}
		}
	}
	return &payload, nil
}
