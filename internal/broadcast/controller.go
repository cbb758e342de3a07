// ABOUTME: Fleet-wide control signals, primarily emergency stop
// ABOUTME: Cancels all active work and pushes one stop message to every agent

package broadcast

import (
	"log/slog"
	"time"

	"github.com/tdoan35/onsembl/internal/dispatch"
	"github.com/tdoan35/onsembl/internal/protocol"
	"github.com/tdoan35/onsembl/internal/registry"
	"github.com/tdoan35/onsembl/internal/session"
)

// Canceller is the slice of the dispatcher the controller needs.
type Canceller interface {
	CancelAll(reason string) dispatch.CancelAllResult
}

// StopResult summarizes one emergency stop. The counts reflect only
// commands and agents not already stopped by an earlier call; Notified is
// the number of agents (live or detached) the stop signal reached.
type StopResult struct {
	AgentsStopped     int
	CommandsCancelled int
	Notified          int
	StoppedAt         time.Time
	Cancelled         []dispatch.Command
}

// Controller fans control signals out over the connection registry and the
// session manager's detached sessions.
type Controller struct {
	dispatcher Canceller
	registry   *registry.Registry
	sessions   *session.Manager
	logger     *slog.Logger
}

// New creates a broadcast controller.
func New(dispatcher Canceller, reg *registry.Registry, sessions *session.Manager, logger *slog.Logger) *Controller {
	return &Controller{
		dispatcher: dispatcher,
		registry:   reg,
		sessions:   sessions,
		logger:     logger,
	}
}

// EmergencyStop cancels every non-terminal command, then pushes a single
// EMERGENCY_STOP message, with one shared timestamp, to every live agent
// connection and every detached agent session's replay buffer. Agents
// connecting after the call completes do not receive it: a stop is a
// point-in-time signal, not persisted state. Enqueues are non-blocking, so
// a dead peer cannot stall delivery to the rest of the fleet.
func (c *Controller) EmergencyStop(reason string) (StopResult, error) {
	cancelled := c.dispatcher.CancelAll(reason)

	stoppedAt := time.Now().UTC()
	env, err := protocol.New(protocol.TypeEmergencyStop, protocol.EmergencyStop{
		Reason:    reason,
		StoppedAt: stoppedAt,
	})
	if err != nil {
		return StopResult{}, err
	}

	notified := 0
	c.registry.ForEachAgent(func(conn *registry.Connection) {
		if err := conn.Enqueue(env); err != nil {
			c.logger.Warn("emergency stop not delivered to live agent",
				"agent_id", conn.PeerID,
				"error", err,
			)
		}
		notified++
	})
	for _, peerID := range c.sessions.DetachedPeers(registry.KindAgent) {
		if c.sessions.QueueForPeer(registry.KindAgent, peerID, env) {
			notified++
		}
	}

	res := StopResult{
		AgentsStopped:     cancelled.AgentsAffected,
		CommandsCancelled: cancelled.CommandsCancelled,
		Notified:          notified,
		StoppedAt:         stoppedAt,
		Cancelled:         cancelled.Cancelled,
	}

	c.logger.Warn("emergency stop broadcast",
		"reason", reason,
		"commands_cancelled", res.CommandsCancelled,
		"agents_stopped", res.AgentsStopped,
		"agents_notified", res.Notified,
	)
	return res, nil
}
