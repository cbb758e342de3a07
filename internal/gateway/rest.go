// ABOUTME: Read-only REST API over the gateway's in-memory state and audit log
// ABOUTME: Serves agent, command, output, and trace views for non-WebSocket consumers

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tdoan35/onsembl/internal/registry"
	"github.com/tdoan35/onsembl/internal/stream"
	"github.com/tdoan35/onsembl/internal/trace"
)

// agentView is the REST representation of one agent.
type agentView struct {
	AgentID       string    `json:"agentId"`
	Status        string    `json:"status"`
	ConnectionID  string    `json:"connectionId,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt,omitzero"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitzero"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/commands", g.handleListCommands)
	mux.HandleFunc("GET /api/commands/{id}", g.handleGetCommand)
	mux.HandleFunc("GET /api/commands/{id}/output", g.handleCommandOutput)
	mux.HandleFunc("GET /api/commands/{id}/trace", g.handleCommandTrace)
	mux.HandleFunc("GET /api/audit", g.handleAuditLog)
}

// handleListAgents returns connected agents plus agents whose sessions are
// detached but still resumable.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []agentView
	live := make(map[string]bool)

	for _, conn := range g.registry.Agents() {
		live[conn.PeerID] = true
		agents = append(agents, agentView{
			AgentID:       conn.PeerID,
			Status:        "CONNECTED",
			ConnectionID:  conn.ID,
			Capabilities:  conn.Capabilities,
			ConnectedAt:   conn.EstablishedAt,
			LastHeartbeat: conn.LastHeartbeat(),
		})
	}
	for _, peerID := range g.sessions.DetachedPeers(registry.KindAgent) {
		if live[peerID] {
			continue
		}
		agents = append(agents, agentView{
			AgentID: peerID,
			Status:  "DETACHED",
		})
	}

	writeJSON(w, map[string]any{"agents": agents})
}

func (g *Gateway) handleListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"commands": g.dispatcher.List()})
}

func (g *Gateway) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := g.dispatcher.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "command not found", http.StatusNotFound)
		return
	}
	writeJSON(w, cmd)
}

func (g *Gateway) handleCommandOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := g.streams.History(id)
	if err != nil {
		if errors.Is(err, stream.ErrUnknownCommand) {
			http.Error(w, "command not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"commandId": id, "outputs": history})
}

func (g *Gateway) handleCommandTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	typeFilter := r.URL.Query()["type"]

	tree, err := g.traces.BuildTree(id, typeFilter)
	if err != nil {
		if errors.Is(err, trace.ErrUnknownCommand) {
			http.Error(w, "command not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tree)
}

func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := g.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
