// ABOUTME: Tests for the fleet-wide emergency stop broadcast
// ABOUTME: Verifies shared timestamps, detached delivery, and idempotent counts

package broadcast

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/onsembl/internal/dispatch"
	"github.com/tdoan35/onsembl/internal/protocol"
	"github.com/tdoan35/onsembl/internal/registry"
	"github.com/tdoan35/onsembl/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// liveTransport delivers through the registry, falling back to session
// buffers, mirroring the gateway's wiring.
type liveTransport struct {
	registry *registry.Registry
	sessions *session.Manager
}

func (t *liveTransport) Reachable(agentID string) bool {
	if _, ok := t.registry.LookupPeer(registry.KindAgent, agentID); ok {
		return true
	}
	return t.sessions.Reachable(registry.KindAgent, agentID)
}

func (t *liveTransport) Deliver(agentID string, env *protocol.Envelope) bool {
	if conn, ok := t.registry.LookupPeer(registry.KindAgent, agentID); ok {
		if err := conn.Enqueue(env); err == nil {
			return true
		}
	}
	return t.sessions.QueueForPeer(registry.KindAgent, agentID, env)
}

type fixture struct {
	registry   *registry.Registry
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(testLogger())
	sessions := session.NewManager(time.Minute, testLogger())
	t.Cleanup(sessions.Close)
	dispatcher := dispatch.New(&liveTransport{registry: reg, sessions: sessions}, testLogger())
	return &fixture{
		registry:   reg,
		sessions:   sessions,
		dispatcher: dispatcher,
		controller: New(dispatcher, reg, sessions, testLogger()),
	}
}

// connectAgent registers a live agent connection with a session.
func (f *fixture) connectAgent(t *testing.T, agentID string) *registry.Connection {
	t.Helper()
	conn := registry.NewConnection(registry.KindAgent, agentID, testLogger())
	res, err := f.sessions.Connect(registry.KindAgent, agentID, "", conn.ID)
	require.NoError(t, err)
	conn.SessionID = res.SessionID
	f.registry.Register(conn)
	return conn
}

// drainStops decodes all EMERGENCY_STOP envelopes queued on the connection.
func drainStops(t *testing.T, conn *registry.Connection) []protocol.EmergencyStop {
	t.Helper()
	var stops []protocol.EmergencyStop
	for {
		select {
		case data := <-conn.Outbound():
			env, err := protocol.ParseEnvelope(data)
			require.NoError(t, err)
			if env.Type != protocol.TypeEmergencyStop {
				continue
			}
			payload, err := env.DecodePayload()
			require.NoError(t, err)
			stops = append(stops, *payload.(*protocol.EmergencyStop))
		default:
			return stops
		}
	}
}

func TestEmergencyStopCancelsAndNotifiesAll(t *testing.T) {
	f := newFixture(t)
	a1 := f.connectAgent(t, "agent-1")
	a2 := f.connectAgent(t, "agent-2")

	c1, err := f.dispatcher.Submit("agent-1", "task one", 0)
	require.NoError(t, err)
	_, err = f.dispatcher.Submit("agent-2", "task two", 0)
	require.NoError(t, err)

	res, err := f.controller.EmergencyStop("operator hit the button")
	require.NoError(t, err)
	assert.Equal(t, 2, res.AgentsStopped)
	assert.Equal(t, 2, res.CommandsCancelled)
	assert.Equal(t, 2, res.Notified)
	assert.False(t, res.StoppedAt.IsZero())

	got, ok := f.dispatcher.Get(c1.ID)
	require.True(t, ok)
	assert.Equal(t, dispatch.StatusCancelled, got.Status)

	stops1 := drainStops(t, a1)
	stops2 := drainStops(t, a2)
	require.Len(t, stops1, 1)
	require.Len(t, stops2, 1)

	// Every recipient sees the same stop timestamp
	assert.True(t, stops1[0].StoppedAt.Equal(stops2[0].StoppedAt))
	assert.True(t, stops1[0].StoppedAt.Equal(res.StoppedAt))
	assert.Equal(t, "operator hit the button", stops1[0].Reason)
}

func TestEmergencyStopReachesDetachedSessions(t *testing.T) {
	f := newFixture(t)
	conn := f.connectAgent(t, "agent-1")

	// Agent drops but its session stays resumable
	f.registry.Unregister(conn.ID)
	f.sessions.Detach(conn.SessionID, conn.ID)

	res, err := f.controller.EmergencyStop("stop")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)

	resumed, err := f.sessions.Connect(registry.KindAgent, "agent-1", conn.SessionID, "conn-new")
	require.NoError(t, err)
	require.Len(t, resumed.Replay, 1)

	env, err := protocol.ParseEnvelope(resumed.Replay[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeEmergencyStop, env.Type)
}

func TestEmergencyStopExcludesLateAgents(t *testing.T) {
	f := newFixture(t)

	res, err := f.controller.EmergencyStop("stop")
	require.NoError(t, err)
	assert.Zero(t, res.Notified)

	// An agent connecting after the stop sees nothing
	late := f.connectAgent(t, "agent-late")
	assert.Empty(t, drainStops(t, late))
}

func TestEmergencyStopIdempotentCounts(t *testing.T) {
	f := newFixture(t)
	f.connectAgent(t, "agent-1")

	_, err := f.dispatcher.Submit("agent-1", "task", 0)
	require.NoError(t, err)

	first, err := f.controller.EmergencyStop("first")
	require.NoError(t, err)
	assert.Equal(t, 1, first.CommandsCancelled)
	assert.Equal(t, 1, first.AgentsStopped)

	// Second stop finds nothing left to cancel but still notifies
	second, err := f.controller.EmergencyStop("second")
	require.NoError(t, err)
	assert.Zero(t, second.CommandsCancelled)
	assert.Zero(t, second.AgentsStopped)
	assert.Equal(t, 1, second.Notified)
}
