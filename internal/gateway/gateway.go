// ABOUTME: Gateway orchestrator that coordinates the HTTP/WebSocket server
// ABOUTME: Wires registry, sessions, dispatch, streams, traces, and the store together

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tdoan35/onsembl/internal/auth"
	"github.com/tdoan35/onsembl/internal/broadcast"
	"github.com/tdoan35/onsembl/internal/config"
	"github.com/tdoan35/onsembl/internal/dispatch"
	"github.com/tdoan35/onsembl/internal/protocol"
	"github.com/tdoan35/onsembl/internal/registry"
	"github.com/tdoan35/onsembl/internal/session"
	"github.com/tdoan35/onsembl/internal/store"
	"github.com/tdoan35/onsembl/internal/stream"
	"github.com/tdoan35/onsembl/internal/trace"
)

// storeTimeout bounds each best-effort persistence write.
const storeTimeout = 5 * time.Second

// Gateway orchestrates the onsembl-gateway server components.
// It owns the HTTP server that carries both WebSocket endpoints and the
// read-only REST API.
type Gateway struct {
	config     *config.Config
	registry   *registry.Registry
	monitor    *registry.Monitor
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	streams    *stream.Aggregator
	traces     *trace.Builder
	stop       *broadcast.Controller
	store      store.Store
	verifier   auth.Verifier
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// transport routes outbound envelopes to an agent: directly when the agent
// has a live connection, into its session replay buffer when it is detached.
type transport struct {
	registry *registry.Registry
	sessions *session.Manager
}

func (t *transport) Reachable(agentID string) bool {
	if _, ok := t.registry.LookupPeer(registry.KindAgent, agentID); ok {
		return true
	}
	return t.sessions.Reachable(registry.KindAgent, agentID)
}

func (t *transport) Deliver(agentID string, env *protocol.Envelope) bool {
	if conn, ok := t.registry.LookupPeer(registry.KindAgent, agentID); ok {
		if err := conn.Enqueue(env); err == nil {
			return true
		}
	}
	return t.sessions.QueueForPeer(registry.KindAgent, agentID, env)
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ONSEMBL_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var verifier auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = jwtVerifier
		logger.Info("token auth enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	reg := registry.New(logger.With("component", "registry"))
	monitor := registry.NewMonitor(reg, cfg.Agents.HeartbeatInterval, cfg.Agents.HeartbeatMisses, logger.With("component", "heartbeat"))
	sessions := session.NewManager(cfg.Sessions.TTL, logger.With("component", "sessions"))

	dispatcher := dispatch.New(&transport{registry: reg, sessions: sessions}, logger.With("component", "dispatch"))
	streams := stream.New(dispatcher, logger.With("component", "stream"))
	traces := trace.New(dispatcher, logger.With("component", "trace"))
	stopController := broadcast.New(dispatcher, reg, sessions, logger.With("component", "broadcast"))

	gw := &Gateway{
		config:     cfg,
		registry:   reg,
		monitor:    monitor,
		sessions:   sessions,
		dispatcher: dispatcher,
		streams:    streams,
		traces:     traces,
		stop:       stopController,
		store:      s,
		verifier:   verifier,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// WebSocket endpoints for the two peer classes
	mux.HandleFunc("/ws/agent", gw.handleAgentWS)
	mux.HandleFunc("/ws/dashboard", gw.handleDashboardWS)

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.monitor.Start()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.monitor.Close()
	g.sessions.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.Agents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}

// persistCommand saves or updates a command record. Failures are logged and
// never propagated: the in-memory state is authoritative.
func (g *Gateway) persistCommand(cmd dispatch.Command, update bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec := commandRecord(cmd)
	var err error
	if update {
		err = g.store.UpdateCommandStatus(ctx, rec)
	} else {
		err = g.store.SaveCommand(ctx, rec)
	}
	if err != nil {
		g.logger.Warn("command persistence failed", "command_id", cmd.ID, "error", err)
	}
}

func (g *Gateway) persistOutput(out *store.OutputRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := g.store.SaveOutputChunk(ctx, out); err != nil {
		g.logger.Warn("output persistence failed", "command_id", out.CommandID, "error", err)
	}
}

func (g *Gateway) persistTrace(ev protocol.TraceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec := &store.TraceRecord{
		ID:          ev.ID,
		CommandID:   ev.CommandID,
		ParentID:    ev.ParentID,
		Type:        ev.Type,
		Name:        ev.Name,
		StartedAt:   ev.StartedAt,
		CompletedAt: ev.CompletedAt,
		DurationMs:  ev.DurationMs,
	}
	if ev.TokenUsage != nil {
		rec.InputTokens = ev.TokenUsage.Input
		rec.OutputTokens = ev.TokenUsage.Output
	}
	if err := g.store.SaveTraceEvent(ctx, rec); err != nil {
		g.logger.Warn("trace persistence failed", "command_id", ev.CommandID, "error", err)
	}
}

// audit appends an audit log entry, best effort.
func (g *Gateway) audit(actor, action, targetID, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		TargetID:  targetID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.AppendAuditEvent(ctx, ev); err != nil {
		g.logger.Warn("audit persistence failed", "action", action, "error", err)
	}
}

func commandRecord(cmd dispatch.Command) *store.CommandRecord {
	return &store.CommandRecord{
		ID:          cmd.ID,
		AgentID:     cmd.AgentID,
		Content:     cmd.Content,
		Priority:    cmd.Priority,
		Status:      string(cmd.Status),
		ExitCode:    cmd.ExitCode,
		CreatedAt:   cmd.CreatedAt,
		StartedAt:   cmd.StartedAt,
		CompletedAt: cmd.CompletedAt,
	}
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("onsembl-gateway-%d", time.Now().UnixNano()%1000000)
}
