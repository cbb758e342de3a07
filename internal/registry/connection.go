// ABOUTME: Represents a single live peer connection with a buffered outbound queue
// ABOUTME: Transport-agnostic: the gateway's write pump drains Outbound into the socket

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdoan35/onsembl/internal/protocol"
)

// outboundBufferSize is the per-connection send queue depth. Sends beyond it
// are dropped so one slow peer cannot stall fleet-wide delivery.
const outboundBufferSize = 256

// PeerKind distinguishes the two classes of connected peers.
type PeerKind string

const (
	KindAgent     PeerKind = "AGENT"
	KindDashboard PeerKind = "DASHBOARD"
)

// ErrConnectionClosed indicates an enqueue on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendBufferFull indicates the peer's outbound queue is full; the message
// was dropped for this peer only.
var ErrSendBufferFull = errors.New("send buffer full")

// Connection is one live socket from an agent or dashboard. Connection IDs
// are minted per socket and never reused.
type Connection struct {
	ID            string
	Kind          PeerKind
	PeerID        string
	SessionID     string
	Capabilities  []string
	EstablishedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool
	closeReason   string

	out    chan []byte
	done   chan struct{}
	logger *slog.Logger
}

// NewConnection creates a connection for a freshly accepted socket.
func NewConnection(kind PeerKind, peerID string, logger *slog.Logger) *Connection {
	now := time.Now().UTC()
	return &Connection{
		ID:            uuid.New().String(),
		Kind:          kind,
		PeerID:        peerID,
		EstablishedAt: now,
		lastHeartbeat: now,
		out:           make(chan []byte, outboundBufferSize),
		done:          make(chan struct{}),
		logger:        logger,
	}
}

// Enqueue serializes the envelope onto the outbound queue without blocking.
// A full queue drops the message for this peer and returns ErrSendBufferFull.
func (c *Connection) Enqueue(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	select {
	case c.out <- data:
		return nil
	default:
		c.logger.Warn("outbound queue full, dropping message",
			"connection_id", c.ID,
			"peer_id", c.PeerID,
			"type", env.Type,
		)
		return ErrSendBufferFull
	}
}

// Outbound exposes the send queue for the gateway's write pump.
func (c *Connection) Outbound() <-chan []byte {
	return c.out
}

// Done is closed when the connection has been asked to shut down, either by
// supersession, heartbeat timeout, or normal unregistration.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed with the given reason. Safe to call more
// than once; only the first reason is kept.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeReason = reason
	close(c.done)
}

// CloseReason returns the reason recorded by the first Close call.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Touch records a heartbeat arrival.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now().UTC()
}

// LastHeartbeat returns the time of the most recent heartbeat (or the
// establishment time if none arrived yet).
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}
