// ABOUTME: Manages resumable peer sessions independent of any single socket
// ABOUTME: Buffers undelivered messages while detached and replays them on resumption

package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdoan35/onsembl/internal/protocol"
	"github.com/tdoan35/onsembl/internal/registry"
)

// ErrInvalidSession indicates a resumption attempt with an unknown, expired,
// or mismatched session id. The caller must mint a fresh session; silently
// substituting one would desynchronize sequence tracking.
var ErrInvalidSession = errors.New("invalid session")

// maxReplayMessages bounds the per-session replay buffer. Overflow drops the
// oldest message so a long-detached peer cannot grow memory without bound.
const maxReplayMessages = 1024

// sweepInterval is the cadence of the background purge of expired sessions.
const sweepInterval = time.Minute

// State is the lifecycle state of a session.
type State string

const (
	StateActive   State = "ACTIVE"
	StateDetached State = "DETACHED"
	StateExpired  State = "EXPIRED"
)

// Session is a resumable identity for a peer. It outlives any one connection
// and is purged once its TTL expires while detached.
type Session struct {
	ID        string
	Kind      registry.PeerKind
	PeerID    string
	CreatedAt time.Time

	state          State
	attachedConnID string
	disconnectedAt time.Time
	pendingReplay  []json.RawMessage
	lastAcked      map[string]int64
}

// ConnectResult is returned by Connect.
type ConnectResult struct {
	SessionID    string
	IsResumption bool
	// Replay holds every message buffered since detachment, oldest first.
	Replay []json.RawMessage
	// LastAcked maps command id to the last acknowledged output sequence.
	LastAcked map[string]int64
}

type peerKey struct {
	kind   registry.PeerKind
	peerID string
}

// Manager owns the session table. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byPeer   map[peerKey]string
	ttl      time.Duration
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager with the given detached-session TTL.
// A background goroutine purges expired sessions at a low frequency; expiry
// is also evaluated lazily on each resumption attempt.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		byPeer:   make(map[peerKey]string),
		ttl:      ttl,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Connect attaches a peer's new connection to a session. With no presented
// id a fresh session is minted. With a presented id the session is resumed
// if it exists, is unexpired, and belongs to the same peer; otherwise
// ErrInvalidSession is returned and the caller must reconnect without an id.
func (m *Manager) Connect(kind registry.PeerKind, peerID, presentedSessionID, connectionID string) (*ConnectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	if presentedSessionID == "" {
		s := &Session{
			ID:        uuid.New().String(),
			Kind:      kind,
			PeerID:    peerID,
			CreatedAt: now,
			state:     StateActive,
			lastAcked: make(map[string]int64),
		}
		s.attachedConnID = connectionID
		m.sessions[s.ID] = s
		m.byPeer[peerKey{kind: kind, peerID: peerID}] = s.ID
		m.logger.Debug("session minted", "session_id", s.ID, "peer_id", peerID)
		return &ConnectResult{SessionID: s.ID}, nil
	}

	s, ok := m.sessions[presentedSessionID]
	if !ok {
		return nil, ErrInvalidSession
	}
	if s.PeerID != peerID || s.Kind != kind {
		m.logger.Warn("session resumption peer mismatch",
			"session_id", presentedSessionID,
			"peer_id", peerID,
		)
		return nil, ErrInvalidSession
	}
	if m.expiredLocked(s, now) {
		m.purgeLocked(s)
		return nil, ErrInvalidSession
	}

	replay := s.pendingReplay
	s.pendingReplay = nil
	s.state = StateActive
	s.attachedConnID = connectionID
	s.disconnectedAt = time.Time{}

	acked := make(map[string]int64, len(s.lastAcked))
	for cmd, seq := range s.lastAcked {
		acked[cmd] = seq
	}

	m.logger.Info("session resumed",
		"session_id", s.ID,
		"peer_id", peerID,
		"replayed", len(replay),
	)
	return &ConnectResult{
		SessionID:    s.ID,
		IsResumption: true,
		Replay:       replay,
		LastAcked:    acked,
	}, nil
}

// Detach marks the session detached and starts its TTL clock. The call is
// ignored unless connectionID is the currently attached connection, so a
// superseded socket closing late cannot detach its replacement.
func (m *Manager) Detach(sessionID, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.attachedConnID != connectionID {
		return
	}
	s.state = StateDetached
	s.attachedConnID = ""
	s.disconnectedAt = time.Now().UTC()
	m.logger.Debug("session detached", "session_id", sessionID, "peer_id", s.PeerID)
}

// Queue buffers a message for a detached session, to be replayed on
// resumption. Returns false if the session is unknown, attached, or expired.
func (m *Manager) Queue(sessionID string, env *protocol.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.state != StateDetached || m.expiredLocked(s, time.Now().UTC()) {
		return false
	}
	if len(s.pendingReplay) >= maxReplayMessages {
		s.pendingReplay = s.pendingReplay[1:]
		m.logger.Warn("replay buffer full, dropping oldest message",
			"session_id", sessionID,
			"peer_id", s.PeerID,
		)
	}
	s.pendingReplay = append(s.pendingReplay, data)
	return true
}

// QueueForPeer buffers a message for the peer's detached session, if it has
// one. Used when no live connection exists for the peer.
func (m *Manager) QueueForPeer(kind registry.PeerKind, peerID string, env *protocol.Envelope) bool {
	m.mu.Lock()
	sessionID, ok := m.byPeer[peerKey{kind: kind, peerID: peerID}]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.Queue(sessionID, env)
}

// RecordAck updates the last acknowledged output sequence for a command.
func (m *Manager) RecordAck(sessionID, commandID string, sequence int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if sequence > s.lastAcked[commandID] {
		s.lastAcked[commandID] = sequence
	}
}

// Reachable reports whether the peer has an unexpired session (attached or
// detached), meaning messages addressed to it will eventually be delivered.
func (m *Manager) Reachable(kind registry.PeerKind, peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.byPeer[peerKey{kind: kind, peerID: peerID}]
	if !ok {
		return false
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	return !m.expiredLocked(s, time.Now().UTC())
}

// DetachedPeers returns the peer ids of all unexpired detached sessions of
// the given kind. The broadcast controller uses this to reach agents that
// are temporarily offline.
func (m *Manager) DetachedPeers(kind registry.PeerKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var peers []string
	for _, s := range m.sessions {
		if s.Kind == kind && s.state == StateDetached && !m.expiredLocked(s, now) {
			peers = append(peers, s.PeerID)
		}
	}
	return peers
}

// Sweep purges all expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	purged := 0
	for _, s := range m.sessions {
		if m.expiredLocked(s, now) {
			m.purgeLocked(s)
			purged++
		}
	}
	return purged
}

// Close stops the background sweep. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("purged expired sessions", "count", n)
			}
		case <-m.done:
			return
		}
	}
}

// expiredLocked reports whether the session's detached TTL has elapsed.
// Must be called with mu held.
func (m *Manager) expiredLocked(s *Session, now time.Time) bool {
	return s.state == StateDetached && now.Sub(s.disconnectedAt) > m.ttl
}

// purgeLocked removes the session from both indexes. Must be called with mu
// held.
func (m *Manager) purgeLocked(s *Session) {
	s.state = StateExpired
	delete(m.sessions, s.ID)
	key := peerKey{kind: s.Kind, peerID: s.PeerID}
	if cur, ok := m.byPeer[key]; ok && cur == s.ID {
		delete(m.byPeer, key)
	}
	m.logger.Debug("session expired", "session_id", s.ID, "peer_id", s.PeerID)
}
