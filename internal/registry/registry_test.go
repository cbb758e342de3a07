// ABOUTME: Tests for the connection registry, supersession, and heartbeat sweep
// ABOUTME: Exercises per-connection queueing and stale connection detection

package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/onsembl/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New(testLogger())
	conn := NewConnection(KindAgent, "agent-1", testLogger())

	superseded := reg.Register(conn)
	assert.Nil(t, superseded)
	assert.Equal(t, 1, reg.Count())

	got, ok := reg.LookupPeer(KindAgent, "agent-1")
	require.True(t, ok)
	assert.Equal(t, conn.ID, got.ID)

	// Same peer id under a different kind is a distinct identity
	_, ok = reg.LookupPeer(KindDashboard, "agent-1")
	assert.False(t, ok)
}

func TestRegisterSupersedesDuplicatePeer(t *testing.T) {
	reg := New(testLogger())
	old := NewConnection(KindAgent, "agent-1", testLogger())
	reg.Register(old)

	newer := NewConnection(KindAgent, "agent-1", testLogger())
	superseded := reg.Register(newer)

	require.NotNil(t, superseded)
	assert.Equal(t, old.ID, superseded.ID)
	assert.Equal(t, ReasonSuperseded, old.CloseReason())

	select {
	case <-old.Done():
	default:
		t.Fatal("superseded connection not signalled done")
	}

	// Only the new connection remains
	assert.Equal(t, 1, reg.Count())
	got, ok := reg.LookupPeer(KindAgent, "agent-1")
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	reg := New(testLogger())
	assert.False(t, reg.Unregister("nope"))
}

func TestUnregisterSupersededDoesNotClearReplacement(t *testing.T) {
	reg := New(testLogger())
	old := NewConnection(KindAgent, "agent-1", testLogger())
	reg.Register(old)
	newer := NewConnection(KindAgent, "agent-1", testLogger())
	reg.Register(newer)

	// The old socket's teardown runs after the replacement registered
	assert.False(t, reg.Unregister(old.ID))

	got, ok := reg.LookupPeer(KindAgent, "agent-1")
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)
}

func TestEnqueueAndDrain(t *testing.T) {
	conn := NewConnection(KindDashboard, "dash-1", testLogger())

	env, err := protocol.New(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{ServerTime: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, conn.Enqueue(env))

	select {
	case data := <-conn.Outbound():
		parsed, err := protocol.ParseEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeHeartbeatAck, parsed.Type)
	default:
		t.Fatal("expected queued message")
	}
}

func TestEnqueueFullBufferDrops(t *testing.T) {
	conn := NewConnection(KindAgent, "agent-1", testLogger())
	env, err := protocol.New(protocol.TypeEmergencyStop, protocol.EmergencyStop{Reason: "test"})
	require.NoError(t, err)

	for i := 0; i < outboundBufferSize; i++ {
		require.NoError(t, conn.Enqueue(env))
	}
	err = conn.Enqueue(env)
	assert.ErrorIs(t, err, ErrSendBufferFull)
}

func TestEnqueueAfterClose(t *testing.T) {
	conn := NewConnection(KindAgent, "agent-1", testLogger())
	conn.Close("test shutdown")

	env, err := protocol.New(protocol.TypeHeartbeatAck, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, conn.Enqueue(env), ErrConnectionClosed)

	// Second close keeps the first reason
	conn.Close("other reason")
	assert.Equal(t, "test shutdown", conn.CloseReason())
}

func TestForEachSnapshotsByKind(t *testing.T) {
	reg := New(testLogger())
	reg.Register(NewConnection(KindAgent, "agent-1", testLogger()))
	reg.Register(NewConnection(KindAgent, "agent-2", testLogger()))
	reg.Register(NewConnection(KindDashboard, "dash-1", testLogger()))

	agents := 0
	reg.ForEachAgent(func(*Connection) { agents++ })
	assert.Equal(t, 2, agents)

	dashboards := 0
	reg.ForEachDashboard(func(*Connection) { dashboards++ })
	assert.Equal(t, 1, dashboards)

	assert.Len(t, reg.Agents(), 2)
}

func TestMonitorSweepClosesStale(t *testing.T) {
	reg := New(testLogger())
	stale := NewConnection(KindAgent, "agent-stale", testLogger())
	fresh := NewConnection(KindAgent, "agent-fresh", testLogger())
	reg.Register(stale)
	reg.Register(fresh)

	monitor := NewMonitor(reg, 30*time.Second, 3, testLogger())
	defer monitor.Close()

	// Fresh heartbeat now; the stale connection's last heartbeat is backdated
	// past the 90s deadline
	fresh.Touch()
	stale.mu.Lock()
	stale.lastHeartbeat = time.Now().UTC().Add(-2 * time.Minute)
	stale.mu.Unlock()

	dropped := monitor.Sweep(time.Now().UTC())
	assert.Equal(t, 1, dropped)
	assert.Equal(t, ReasonStale, stale.CloseReason())
	assert.Empty(t, fresh.CloseReason())
}

func TestMonitorSweepIgnoresDashboards(t *testing.T) {
	reg := New(testLogger())
	dash := NewConnection(KindDashboard, "dash-1", testLogger())
	reg.Register(dash)

	monitor := NewMonitor(reg, 30*time.Second, 3, testLogger())
	defer monitor.Close()

	// Dashboards never send AGENT_HEARTBEAT; idling far past the agent
	// deadline must not close them
	dropped := monitor.Sweep(time.Now().UTC().Add(time.Hour))
	assert.Zero(t, dropped)
	assert.Empty(t, dash.CloseReason())

	select {
	case <-dash.Done():
		t.Fatal("dashboard connection closed by heartbeat sweep")
	default:
	}
}

func TestMonitorSweepWithinDeadline(t *testing.T) {
	reg := New(testLogger())
	conn := NewConnection(KindAgent, "agent-1", testLogger())
	reg.Register(conn)

	monitor := NewMonitor(reg, 30*time.Second, 3, testLogger())
	defer monitor.Close()

	// 89s idle with a 90s deadline: still alive
	dropped := monitor.Sweep(time.Now().UTC().Add(89 * time.Second))
	assert.Zero(t, dropped)
}
