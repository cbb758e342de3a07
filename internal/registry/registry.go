// ABOUTME: Tracks every live agent and dashboard connection by id and peer identity
// ABOUTME: Registering a duplicate peer supersedes the previous connection

package registry

import (
	"log/slog"
	"sync"
)

// ReasonSuperseded is the close reason used when a newer connection for the
// same peer identity replaces an older one.
const ReasonSuperseded = "superseded by newer connection"

type peerKey struct {
	kind   PeerKind
	peerID string
}

// Registry owns all live connections. Only one live connection per
// (kind, peerID) is permitted; a second registration supersedes the first.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byPeer map[peerKey]*Connection
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byPeer: make(map[peerKey]*Connection),
		logger: logger,
	}
}

// Register adds a connection. If the same peer identity already has a live
// connection, the old one is closed with ReasonSuperseded and returned so
// the caller can tear down its socket.
func (r *Registry) Register(conn *Connection) (superseded *Connection) {
	key := peerKey{kind: conn.Kind, peerID: conn.PeerID}

	r.mu.Lock()
	if old, ok := r.byPeer[key]; ok {
		delete(r.conns, old.ID)
		superseded = old
	}
	r.conns[conn.ID] = conn
	r.byPeer[key] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if superseded != nil {
		superseded.Close(ReasonSuperseded)
	}

	r.logger.Info("peer connected",
		"connection_id", conn.ID,
		"kind", conn.Kind,
		"peer_id", conn.PeerID,
		"superseded", superseded != nil,
		"total_connections", total,
	)
	return superseded
}

// Unregister removes a connection by id. Unknown ids are a no-op returning
// false, never an error.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
		key := peerKey{kind: conn.Kind, peerID: conn.PeerID}
		// Only clear the peer index if it still points at this connection;
		// a superseding registration may already have replaced it.
		if cur, exists := r.byPeer[key]; exists && cur.ID == connectionID {
			delete(r.byPeer, key)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("peer disconnected",
		"connection_id", connectionID,
		"kind", conn.Kind,
		"peer_id", conn.PeerID,
		"total_connections", total,
	)
	return true
}

// Get retrieves a connection by id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// LookupPeer retrieves the live connection for a peer identity, if any.
func (r *Registry) LookupPeer(kind PeerKind, peerID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byPeer[peerKey{kind: kind, peerID: peerID}]
	return conn, ok
}

// ForEachAgent calls fn for every live agent connection. The connection set
// is snapshotted first so fn may send without holding the registry lock.
func (r *Registry) ForEachAgent(fn func(*Connection)) {
	for _, conn := range r.snapshot(KindAgent) {
		fn(conn)
	}
}

// ForEachDashboard calls fn for every live dashboard connection.
func (r *Registry) ForEachDashboard(fn func(*Connection)) {
	for _, conn := range r.snapshot(KindDashboard) {
		fn(conn)
	}
}

func (r *Registry) snapshot(kind PeerKind) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.Kind == kind {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Agents returns a snapshot of all live agent connections.
func (r *Registry) Agents() []*Connection {
	return r.snapshot(KindAgent)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
