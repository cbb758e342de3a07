// ABOUTME: Fake agent for exercising the gateway without a real coding agent
// ABOUTME: Connects over WebSocket, heartbeats, and simulates command execution

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tdoan35/onsembl/internal/protocol"
)

const heartbeatInterval = 10 * time.Second

type fakeAgent struct {
	id     string
	ws     *websocket.Conn
	out    chan *protocol.Envelope
	logger *slog.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

func main() {
	var (
		gatewayURL = flag.String("gateway", "ws://localhost:8080/ws/agent", "gateway agent WebSocket URL")
		agentID    = flag.String("id", "", "agent id (default: fake-agent-<random>)")
		token      = flag.String("token", "", "connection token")
		sessionID  = flag.String("session", "", "session id to resume")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	id := *agentID
	if id == "" {
		id = "fake-agent-" + uuid.New().String()[:8]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *gatewayURL, id, *token, *sessionID, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url, id, token, sessionID string, logger *slog.Logger) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer ws.Close()

	a := &fakeAgent{
		id:        id,
		ws:        ws,
		out:       make(chan *protocol.Envelope, 64),
		logger:    logger.With("agent_id", id),
		cancelled: make(map[string]bool),
	}

	connect, err := protocol.New(protocol.TypeAgentConnect, protocol.AgentConnect{
		AgentID:      id,
		SessionID:    sessionID,
		Token:        token,
		Capabilities: []string{"execute", "trace"},
	})
	if err != nil {
		return err
	}
	data, err := connect.Encode()
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	go a.writeLoop(ctx)
	go a.heartbeatLoop(ctx)

	return a.readLoop(ctx)
}

// writeLoop owns all socket writes.
func (a *fakeAgent) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-a.out:
			data, err := env.Encode()
			if err != nil {
				continue
			}
			if err := a.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ctx.Done():
			_ = a.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return
		}
	}
}

func (a *fakeAgent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ticker.C:
			seq++
			a.send(protocol.TypeAgentHeartbeat, protocol.AgentHeartbeat{
				Sequence: seq,
				Metrics:  map[string]float64{"cpu": rand.Float64() * 100},
			})
		case <-ctx.Done():
			return
		}
	}
}

func (a *fakeAgent) readLoop(ctx context.Context) error {
	for {
		_, data, err := a.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			a.logger.Warn("bad frame from gateway", "error", err)
			continue
		}
		payload, err := env.DecodePayload()
		if err != nil {
			a.logger.Warn("undecodable payload", "type", string(env.Type))
			continue
		}

		switch p := payload.(type) {
		case *protocol.ConnectionAck:
			a.logger.Info("connected", "session_id", p.SessionID)
		case *protocol.ReconnectionAck:
			a.logger.Info("session resumed", "session_id", p.SessionID, "missed", len(p.MissedMessages))
			for _, raw := range p.MissedMessages {
				if missed, err := protocol.ParseEnvelope(raw); err == nil {
					a.handleMissed(missed)
				}
			}
		case *protocol.HeartbeatAck:
			a.logger.Debug("heartbeat acked", "sequence", p.Sequence)
		case *protocol.CommandRequest:
			go a.runCommand(p.CommandID, p.Content)
		case *protocol.CommandCancel:
			a.cancel(p.CommandID)
		case *protocol.EmergencyStop:
			a.logger.Warn("emergency stop received", "reason", p.Reason, "stopped_at", p.StoppedAt)
			a.cancelAll()
		case *protocol.ErrorReply:
			a.logger.Error("gateway error", "code", p.Code, "message", p.Message)
		default:
			a.logger.Debug("ignoring message", "type", string(env.Type))
		}
	}
}

func (a *fakeAgent) handleMissed(env *protocol.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		return
	}
	switch p := payload.(type) {
	case *protocol.CommandRequest:
		go a.runCommand(p.CommandID, p.Content)
	case *protocol.CommandCancel:
		a.cancel(p.CommandID)
	case *protocol.EmergencyStop:
		a.cancelAll()
	}
}

// runCommand simulates execution: ack, a small trace tree, output chunks
// deliberately sent out of sequence order, then completion.
func (a *fakeAgent) runCommand(commandID, content string) {
	a.logger.Info("executing command", "command_id", commandID, "content", content)

	a.mu.Lock()
	if _, seen := a.cancelled[commandID]; !seen {
		a.cancelled[commandID] = false
	}
	a.mu.Unlock()

	a.send(protocol.TypeCommandAck, protocol.CommandAck{
		CommandID: commandID,
		Status:    "RUNNING",
	})

	rootID := uuid.New().String()
	now := time.Now().UTC()
	a.send(protocol.TypeTraceEvent, protocol.TraceEvent{
		ID:         rootID,
		CommandID:  commandID,
		Type:       protocol.TraceLLMPrompt,
		Name:       "plan",
		StartedAt:  &now,
		TokenUsage: &protocol.TokenUsage{Input: 120, Output: 40},
		DurationMs: 350,
	})
	toolStart := time.Now().UTC()
	a.send(protocol.TypeTraceEvent, protocol.TraceEvent{
		ID:         uuid.New().String(),
		CommandID:  commandID,
		ParentID:   rootID,
		Type:       protocol.TraceToolCall,
		Name:       "shell",
		StartedAt:  &toolStart,
		DurationMs: 120,
	})

	// Out-of-order on purpose: the gateway sorts history by sequence
	for _, seq := range []int64{3, 1, 2} {
		if a.isCancelled(commandID) {
			return
		}
		a.send(protocol.TypeTerminalOutput, protocol.TerminalOutput{
			CommandID:  commandID,
			Sequence:   seq,
			StreamType: protocol.StreamStdout,
			Content:    fmt.Sprintf("line %d: %s\n", seq, content),
		})
		time.Sleep(50 * time.Millisecond)
	}

	respStart := time.Now().UTC()
	a.send(protocol.TypeTraceEvent, protocol.TraceEvent{
		ID:         uuid.New().String(),
		CommandID:  commandID,
		ParentID:   rootID,
		Type:       protocol.TraceResponse,
		Name:       "summarize",
		StartedAt:  &respStart,
		TokenUsage: &protocol.TokenUsage{Input: 200, Output: 80},
		DurationMs: 500,
	})

	if a.isCancelled(commandID) {
		return
	}
	a.send(protocol.TypeCommandComplete, protocol.CommandComplete{
		CommandID: commandID,
		ExitCode:  0,
	})
	a.logger.Info("command complete", "command_id", commandID)
}

func (a *fakeAgent) send(t protocol.Type, payload any) {
	env, err := protocol.New(t, payload)
	if err != nil {
		return
	}
	select {
	case a.out <- env:
	default:
		a.logger.Warn("outbound queue full, dropping", "type", string(t))
	}
}

func (a *fakeAgent) cancel(commandID string) {
	a.mu.Lock()
	a.cancelled[commandID] = true
	a.mu.Unlock()
	a.logger.Info("command cancelled", "command_id", commandID)
}

func (a *fakeAgent) cancelAll() {
	a.mu.Lock()
	for id := range a.cancelled {
		a.cancelled[id] = true
	}
	a.mu.Unlock()
}

func (a *fakeAgent) isCancelled(commandID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[commandID]
}
