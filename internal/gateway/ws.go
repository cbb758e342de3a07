// ABOUTME: WebSocket endpoints for agents and dashboards
// ABOUTME: Handshake on first frame, then read/write pumps over the tagged-union protocol

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tdoan35/onsembl/internal/auth"
	"github.com/tdoan35/onsembl/internal/dispatch"
	"github.com/tdoan35/onsembl/internal/protocol"
	"github.com/tdoan35/onsembl/internal/registry"
	"github.com/tdoan35/onsembl/internal/session"
	"github.com/tdoan35/onsembl/internal/store"
	"github.com/tdoan35/onsembl/internal/stream"
	"github.com/tdoan35/onsembl/internal/trace"
)

const (
	// writeWait is the allowed time for one socket write.
	writeWait = 10 * time.Second

	// pongWait bounds the transport-level liveness check. Application-level
	// heartbeats run on their own schedule via the registry monitor.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// handshakeWait bounds the wait for the first (connect) frame.
	handshakeWait = 10 * time.Second

	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect from arbitrary origins
		return true
	},
}

// handleAgentWS accepts an agent WebSocket connection.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	g.handleWS(w, r, registry.KindAgent)
}

// handleDashboardWS accepts a dashboard WebSocket connection.
func (g *Gateway) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	g.handleWS(w, r, registry.KindDashboard)
}

// handleWS upgrades the socket, runs the connect handshake, and then serves
// the connection until either side goes away.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request, kind registry.PeerKind) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	conn, err := g.handshake(ws, kind)
	if err != nil {
		_ = ws.Close()
		return
	}

	logger := g.logger.With(
		"connection_id", conn.ID,
		"peer_id", conn.PeerID,
		"kind", string(conn.Kind),
	)
	logger.Info("peer connected", "session_id", conn.SessionID)

	go g.writePump(ws, conn)
	g.readLoop(ws, conn, logger)

	// Teardown: the connection object may already be closed by supersession
	// or the heartbeat monitor; these calls are all idempotent or guarded.
	conn.Close("connection closed")
	g.registry.Unregister(conn.ID)
	g.sessions.Detach(conn.SessionID, conn.ID)
	g.streams.DropSubscriber(conn.ID)
	_ = ws.Close()

	if conn.Kind == registry.KindAgent && conn.CloseReason() == registry.ReasonStale {
		g.audit(conn.PeerID, store.AuditAgentStale, conn.ID, "")
	}

	logger.Info("peer disconnected", "reason", conn.CloseReason())
}

// handshake reads and validates the first frame, establishes the session, and
// registers the connection. On failure an ERROR frame is written straight to
// the socket since no connection object exists yet.
func (g *Gateway) handshake(ws *websocket.Conn, kind registry.PeerKind) (*registry.Connection, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		g.writeHandshakeError(ws, err)
		return nil, err
	}
	payload, err := env.DecodePayload()
	if err != nil {
		g.writeHandshakeError(ws, err)
		return nil, err
	}

	var peerID, sessionID, token string
	var capabilities []string
	switch p := payload.(type) {
	case *protocol.AgentConnect:
		if kind != registry.KindAgent {
			err = &protocol.MalformedError{Code: protocol.CodeMalformed, Detail: "AGENT_CONNECT on dashboard endpoint"}
			g.writeHandshakeError(ws, err)
			return nil, err
		}
		peerID, sessionID, token = p.AgentID, p.SessionID, p.Token
		capabilities = p.Capabilities
	case *protocol.DashboardConnect:
		if kind != registry.KindDashboard {
			err = &protocol.MalformedError{Code: protocol.CodeMalformed, Detail: "DASHBOARD_CONNECT on agent endpoint"}
			g.writeHandshakeError(ws, err)
			return nil, err
		}
		peerID, sessionID, token = p.DashboardID, p.SessionID, p.Token
	default:
		err = &protocol.MalformedError{Code: protocol.CodeMalformed, Detail: "first frame must be a connect message"}
		g.writeHandshakeError(ws, err)
		return nil, err
	}

	if peerID == "" {
		err = &protocol.MalformedError{Code: protocol.CodeMalformed, Detail: "missing peer id"}
		g.writeHandshakeError(ws, err)
		return nil, err
	}

	if g.verifier != nil {
		identity, verr := g.verifier.Verify(token, kind)
		if verr != nil || identity.PeerID != peerID {
			g.logger.Warn("rejected connect", "peer_id", peerID, "error", verr)
			err = &protocol.MalformedError{Code: protocol.CodeUnauthorized, Detail: "invalid token"}
			g.writeHandshakeError(ws, err)
			return nil, err
		}
	}

	conn := registry.NewConnection(kind, peerID, g.logger.With("component", "connection"))
	conn.Capabilities = capabilities

	res, err := g.sessions.Connect(kind, peerID, sessionID, conn.ID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			g.writeHandshakeError(ws, &protocol.MalformedError{
				Code:   protocol.CodeInvalidSession,
				Detail: "unknown or expired session",
			})
		}
		return nil, err
	}
	conn.SessionID = res.SessionID

	if superseded := g.registry.Register(conn); superseded != nil {
		g.logger.Info("superseded older connection",
			"peer_id", peerID,
			"old_connection_id", superseded.ID,
		)
	}

	var ack *protocol.Envelope
	if res.IsResumption {
		ack, err = protocol.New(protocol.TypeReconnectionAck, protocol.ReconnectionAck{
			PeerID:           peerID,
			SessionID:        res.SessionID,
			MissedMessages:   res.Replay,
			LastSeenSequence: res.LastAcked,
		})
	} else {
		ack, err = protocol.New(protocol.TypeConnectionAck, protocol.ConnectionAck{
			PeerID:       peerID,
			SessionID:    res.SessionID,
			ConnectionID: conn.ID,
		})
	}
	if err == nil {
		err = conn.Enqueue(ack)
	}
	if err != nil {
		g.registry.Unregister(conn.ID)
		g.sessions.Detach(conn.SessionID, conn.ID)
		return nil, err
	}

	if kind == registry.KindAgent {
		g.audit(peerID, store.AuditAgentConnected, conn.ID, "")
	}
	return conn, nil
}

// writePump drains the connection's outbound queue into the socket and keeps
// the transport alive with pings. It owns all writes; closing the socket on
// exit unblocks the read loop.
func (g *Gateway) writePump(ws *websocket.Conn, conn *registry.Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case data := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, conn.CloseReason()))
			return
		}
	}
}

// readLoop reads frames until the socket errors or closes.
func (g *Gateway) readLoop(ws *websocket.Conn, conn *registry.Connection, logger *slog.Logger) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", "error", err)
			}
			return
		}
		g.handleMessage(conn, data)
	}
}

// handleMessage decodes one frame and dispatches it. Malformed frames get an
// ERROR reply; the connection stays up.
func (g *Gateway) handleMessage(conn *registry.Connection, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		g.sendError(conn, err)
		return
	}
	payload, err := env.DecodePayload()
	if err != nil {
		g.sendError(conn, err)
		return
	}

	switch p := payload.(type) {
	case *protocol.AgentHeartbeat:
		g.requireKind(conn, registry.KindAgent, env.Type, func() { g.handleHeartbeat(conn, p) })
	case *protocol.CommandAck:
		g.requireKind(conn, registry.KindAgent, env.Type, func() { g.handleCommandAck(conn, p) })
	case *protocol.TerminalOutput:
		g.requireKind(conn, registry.KindAgent, env.Type, func() { g.handleTerminalOutput(conn, p) })
	case *protocol.TraceEvent:
		g.requireKind(conn, registry.KindAgent, env.Type, func() { g.handleTraceEvent(conn, p) })
	case *protocol.CommandComplete:
		g.requireKind(conn, registry.KindAgent, env.Type, func() { g.handleCommandComplete(conn, p) })
	case *protocol.CommandRequest:
		g.requireKind(conn, registry.KindDashboard, env.Type, func() { g.handleCommandRequest(conn, p) })
	case *protocol.CommandCancel:
		g.requireKind(conn, registry.KindDashboard, env.Type, func() { g.handleCommandCancel(conn, p) })
	case *protocol.SubscribeOutput:
		g.requireKind(conn, registry.KindDashboard, env.Type, func() { g.handleSubscribeOutput(conn, p) })
	case *protocol.EmergencyStop:
		g.requireKind(conn, registry.KindDashboard, env.Type, func() { g.handleEmergencyStop(conn, p) })
	default:
		g.sendError(conn, &protocol.MalformedError{
			Code:   protocol.CodeMalformed,
			Detail: "unexpected message type: " + string(env.Type),
		})
	}
}

// requireKind runs fn only when the connection belongs to the expected peer
// class; agents cannot issue dashboard operations or vice versa.
func (g *Gateway) requireKind(conn *registry.Connection, kind registry.PeerKind, t protocol.Type, fn func()) {
	if conn.Kind != kind {
		g.sendError(conn, &protocol.MalformedError{
			Code:   protocol.CodeMalformed,
			Detail: string(t) + " not allowed for " + string(conn.Kind),
		})
		return
	}
	fn()
}

func (g *Gateway) handleHeartbeat(conn *registry.Connection, p *protocol.AgentHeartbeat) {
	conn.Touch()
	env, err := protocol.New(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
		Sequence:   p.Sequence,
		ServerTime: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = conn.Enqueue(env)
}

func (g *Gateway) handleCommandAck(conn *registry.Connection, p *protocol.CommandAck) {
	cmd, err := g.dispatcher.Acknowledge(p.CommandID, p.Status)
	switch {
	case errors.Is(err, dispatch.ErrUnknownCommand):
		g.sendError(conn, &protocol.MalformedError{
			Code:   protocol.CodeUnknownCommand,
			Detail: "unknown command: " + p.CommandID,
		})
		return
	case errors.Is(err, dispatch.ErrAlreadyTerminal):
		// Stale ack after cancel or completion; drop it
		return
	case err != nil:
		return
	}
	g.persistCommand(cmd, true)
}

func (g *Gateway) handleTerminalOutput(conn *registry.Connection, p *protocol.TerminalOutput) {
	if err := g.streams.Ingest(p.CommandID, p.Sequence, p.StreamType, p.Content); err != nil {
		if errors.Is(err, stream.ErrUnknownCommand) {
			g.sendError(conn, &protocol.MalformedError{
				Code:   protocol.CodeUnknownCommand,
				Detail: "unknown command: " + p.CommandID,
			})
		}
		return
	}
	g.persistOutput(&store.OutputRecord{
		CommandID:  p.CommandID,
		Sequence:   p.Sequence,
		StreamType: p.StreamType,
		Content:    p.Content,
		ReceivedAt: time.Now().UTC(),
	})
}

func (g *Gateway) handleTraceEvent(conn *registry.Connection, p *protocol.TraceEvent) {
	if err := g.traces.Record(*p); err != nil {
		if errors.Is(err, trace.ErrUnknownCommand) {
			g.sendError(conn, &protocol.MalformedError{
				Code:   protocol.CodeUnknownCommand,
				Detail: "unknown command: " + p.CommandID,
			})
		}
		return
	}
	g.persistTrace(*p)
}

func (g *Gateway) handleCommandComplete(conn *registry.Connection, p *protocol.CommandComplete) {
	cmd, err := g.dispatcher.Complete(p.CommandID, p.ExitCode)
	switch {
	case errors.Is(err, dispatch.ErrUnknownCommand):
		g.sendError(conn, &protocol.MalformedError{
			Code:   protocol.CodeUnknownCommand,
			Detail: "unknown command: " + p.CommandID,
		})
		return
	case errors.Is(err, dispatch.ErrAlreadyTerminal):
		return
	case err != nil:
		return
	}
	g.persistCommand(cmd, true)
	g.notifyDashboards(protocol.TypeCommandComplete, p)
}

func (g *Gateway) handleCommandRequest(conn *registry.Connection, p *protocol.CommandRequest) {
	cmd, err := g.dispatcher.Submit(p.AgentID, p.Content, p.Priority)
	if err != nil {
		if errors.Is(err, dispatch.ErrAgentUnknown) {
			g.sendCommandError(conn, "", protocol.CodeAgentUnknown, "no such agent: "+p.AgentID)
		}
		return
	}

	env, err := protocol.New(protocol.TypeCommandAccepted, protocol.CommandAccepted{
		CommandID: cmd.ID,
		Status:    string(cmd.Status),
	})
	if err == nil {
		_ = conn.Enqueue(env)
	}

	g.persistCommand(cmd, false)
	g.audit(conn.PeerID, store.AuditCommandSubmitted, cmd.ID, "agent="+cmd.AgentID)
}

func (g *Gateway) handleCommandCancel(conn *registry.Connection, p *protocol.CommandCancel) {
	cancelled, cmd, err := g.dispatcher.Cancel(p.CommandID, p.Reason)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownCommand) {
			g.sendCommandError(conn, p.CommandID, protocol.CodeUnknownCommand, "unknown command: "+p.CommandID)
		}
		return
	}
	if !cancelled {
		// Already terminal; cancellation is a no-op
		return
	}
	g.persistCommand(cmd, true)
	g.audit(conn.PeerID, store.AuditCommandCancelled, cmd.ID, p.Reason)
}

func (g *Gateway) handleSubscribeOutput(conn *registry.Connection, p *protocol.SubscribeOutput) {
	history, err := g.streams.Subscribe(p.CommandID, conn.ID, g.outputDeliverer(conn))
	if err != nil {
		if errors.Is(err, stream.ErrUnknownCommand) {
			g.sendCommandError(conn, p.CommandID, protocol.CodeUnknownCommand, "unknown command: "+p.CommandID)
		}
		return
	}

	env, err := protocol.New(protocol.TypeOutputHistory, protocol.OutputHistory{
		CommandID: p.CommandID,
		Outputs:   history,
	})
	if err != nil {
		return
	}
	_ = conn.Enqueue(env)

	if n := len(history); n > 0 {
		g.sessions.RecordAck(conn.SessionID, p.CommandID, history[n-1].Sequence)
	}
}

// outputDeliverer returns the live-chunk fanout target for one dashboard
// connection. Delivered sequence numbers feed the session's resume cursor.
func (g *Gateway) outputDeliverer(conn *registry.Connection) stream.DeliverFunc {
	return func(env *protocol.Envelope) {
		if err := conn.Enqueue(env); err != nil {
			return
		}
		var out protocol.TerminalOutput
		if err := json.Unmarshal(env.Payload, &out); err == nil {
			g.sessions.RecordAck(conn.SessionID, out.CommandID, out.Sequence)
		}
	}
}

func (g *Gateway) handleEmergencyStop(conn *registry.Connection, p *protocol.EmergencyStop) {
	res, err := g.stop.EmergencyStop(p.Reason)
	if err != nil {
		g.logger.Error("emergency stop failed", "error", err)
		return
	}

	for _, cmd := range res.Cancelled {
		g.persistCommand(cmd, true)
	}
	g.audit(conn.PeerID, store.AuditEmergencyStop, "fleet", p.Reason)

	// Dashboards see the same announcement, with the broadcast timestamp
	g.notifyDashboards(protocol.TypeEmergencyStop, protocol.EmergencyStop{
		Reason:    p.Reason,
		StoppedAt: res.StoppedAt,
	})
}

// notifyDashboards pushes one message to every live dashboard and every
// detached dashboard session.
func (g *Gateway) notifyDashboards(t protocol.Type, payload any) {
	env, err := protocol.New(t, payload)
	if err != nil {
		return
	}
	g.registry.ForEachDashboard(func(conn *registry.Connection) {
		_ = conn.Enqueue(env)
	})
	for _, peerID := range g.sessions.DetachedPeers(registry.KindDashboard) {
		g.sessions.QueueForPeer(registry.KindDashboard, peerID, env)
	}
}

// sendError answers a protocol violation with an ERROR frame.
func (g *Gateway) sendError(conn *registry.Connection, err error) {
	code, message := errorCode(err)
	env, nerr := protocol.New(protocol.TypeError, protocol.ErrorReply{
		Code:    code,
		Message: message,
	})
	if nerr != nil {
		return
	}
	_ = conn.Enqueue(env)
}

// sendCommandError answers a command-scoped failure to a dashboard.
func (g *Gateway) sendCommandError(conn *registry.Connection, commandID, code, message string) {
	env, err := protocol.New(protocol.TypeCommandError, protocol.CommandError{
		CommandID: commandID,
		Code:      code,
		Message:   message,
	})
	if err != nil {
		return
	}
	_ = conn.Enqueue(env)
}

// writeHandshakeError writes an ERROR frame directly to the socket; used
// before a connection object exists.
func (g *Gateway) writeHandshakeError(ws *websocket.Conn, err error) {
	code, message := errorCode(err)
	env, nerr := protocol.New(protocol.TypeError, protocol.ErrorReply{
		Code:    code,
		Message: message,
	})
	if nerr != nil {
		return
	}
	data, nerr := env.Encode()
	if nerr != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.TextMessage, data)
}

func errorCode(err error) (code, message string) {
	var merr *protocol.MalformedError
	if errors.As(err, &merr) {
		return merr.Code, merr.Detail
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return protocol.CodeUnauthorized, err.Error()
	}
	return protocol.CodeInternal, err.Error()
}
