// ABOUTME: Tests for the command lifecycle state machine and cancellation
// ABOUTME: Uses a fake transport to observe delivered envelopes

package dispatch

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/onsembl/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records deliveries and lets tests control reachability.
type fakeTransport struct {
	mu         sync.Mutex
	reachable  map[string]bool
	deliverOK  bool
	delivered  []*protocol.Envelope
	deliveredA []string
}

func newFakeTransport(agents ...string) *fakeTransport {
	ft := &fakeTransport{reachable: make(map[string]bool), deliverOK: true}
	for _, a := range agents {
		ft.reachable[a] = true
	}
	return ft
}

func (f *fakeTransport) Reachable(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable[agentID]
}

func (f *fakeTransport) Deliver(agentID string, env *protocol.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.deliverOK {
		return false
	}
	f.delivered = append(f.delivered, env)
	f.deliveredA = append(f.deliveredA, agentID)
	return true
}

func (f *fakeTransport) deliveries(t protocol.Type) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.delivered {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestSubmitQueuesAndDelivers(t *testing.T) {
	ft := newFakeTransport("agent-1")
	d := New(ft, testLogger())

	cmd, err := d.Submit("agent-1", "build it", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, StatusQueued, cmd.Status)
	assert.Equal(t, "agent-1", cmd.AgentID)

	reqs := ft.deliveries(protocol.TypeCommandRequest)
	require.Len(t, reqs, 1)
	payload, err := reqs[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, payload.(*protocol.CommandRequest).CommandID)
}

func TestSubmitUnknownAgent(t *testing.T) {
	d := New(newFakeTransport(), testLogger())

	_, err := d.Submit("ghost", "anything", 0)
	assert.ErrorIs(t, err, ErrAgentUnknown)
	assert.Empty(t, d.List())
}

func TestSubmitDeliveryRaceLeavesPending(t *testing.T) {
	ft := newFakeTransport("agent-1")
	ft.deliverOK = false
	d := New(ft, testLogger())

	cmd, err := d.Submit("agent-1", "x", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cmd.Status)
}

// cancellingTransport cancels everything the moment a command request goes
// out, standing in for an emergency stop racing a submission in flight.
type cancellingTransport struct {
	*fakeTransport
	dispatcher *Dispatcher
}

func (c *cancellingTransport) Deliver(agentID string, env *protocol.Envelope) bool {
	if env.Type == protocol.TypeCommandRequest {
		c.dispatcher.CancelAll("stop everything")
	}
	return c.fakeTransport.Deliver(agentID, env)
}

func TestSubmitDoesNotResurrectCancelledCommand(t *testing.T) {
	ft := newFakeTransport("agent-1")
	ct := &cancellingTransport{fakeTransport: ft}
	d := New(ct, testLogger())
	ct.dispatcher = d

	// The cancel lands between the table insert and Submit's status write
	cmd, err := d.Submit("agent-1", "x", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cmd.Status)
	require.NotNil(t, cmd.CompletedAt)

	got, ok := d.Get(cmd.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)
	require.Len(t, ft.deliveries(protocol.TypeCommandCancel), 1)
}

func TestLifecycleHappyPath(t *testing.T) {
	ft := newFakeTransport("agent-1")
	d := New(ft, testLogger())

	cmd, err := d.Submit("agent-1", "x", 0)
	require.NoError(t, err)

	cmd, err = d.Acknowledge(cmd.ID, AgentStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, cmd.Status)
	require.NotNil(t, cmd.StartedAt)

	cmd, err = d.Complete(cmd.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, cmd.Status)
	require.NotNil(t, cmd.ExitCode)
	assert.Zero(t, *cmd.ExitCode)
	require.NotNil(t, cmd.CompletedAt)
}

func TestCompleteNonZeroExitFails(t *testing.T) {
	ft := newFakeTransport("agent-1")
	d := New(ft, testLogger())

	cmd, err := d.Submit("agent-1", "x", 0)
	require.NoError(t, err)

	cmd, err = d.Complete(cmd.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.Equal(t, 2, *cmd.ExitCode)
}

func TestAcknowledgeAfterTerminalIsNoop(t *testing.T) {
	ft := newFakeTransport("agent-1")
	d := New(ft, testLogger())

	cmd, err := d.Submit("agent-1", "x", 0)
	require.NoError(t, err)
	_, err = d.Complete(cmd.ID, 0)
	require.NoError(t, err)

	got, err := d.Acknowledge(cmd.ID, AgentStatusRunning)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.StartedAt, "terminal command must not gain a start time")
}

func TestUnknownCommandOperations(t *testing.T) {
	d := New(newFakeTransport(), testLogger())

	_, err := d.Acknowledge("nope", AgentStatusRunning)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = d.Complete("nope", 0)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, _, err = d.Cancel("nope", "why")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.False(t, d.Exists("nope"))
}

func TestCancelNotifiesAgent(t *testing.T) {
	ft := newFakeTransport("agent-1")
	d := New(ft, testLogger())

	cmd, err := d.Submit("agent-1", "x", 0)
	require.NoError(t, err)

	cancelled, got, err := d.Cancel(cmd.ID, "operator request")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, StatusCancelled, got.Status)

	cancels := ft.deliveries(protocol.TypeCommandCancel)
	require.Len(t, cancels, 1)
	payload, err := cancels[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "operator request", payload.(*protocol.CommandCancel).Reason)
}

func TestCancelTerminalIsNoop(t *testing.T) {
	ft := newFakeTransport("agent-1")
	d := New(ft, testLogger())

	cmd, err := d.Submit("agent-1", "x", 0)
	require.NoError(t, err)
	_, err = d.Complete(cmd.ID, 0)
	require.NoError(t, err)

	cancelled, got, err := d.Cancel(cmd.ID, "late")
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, ft.deliveries(protocol.TypeCommandCancel))
}

func TestCancelAllCountsOnlyNewCancellations(t *testing.T) {
	ft := newFakeTransport("agent-1", "agent-2")
	d := New(ft, testLogger())

	c1, err := d.Submit("agent-1", "a", 0)
	require.NoError(t, err)
	_, err = d.Submit("agent-1", "b", 0)
	require.NoError(t, err)
	_, err = d.Submit("agent-2", "c", 0)
	require.NoError(t, err)

	done, err := d.Submit("agent-2", "finished already", 0)
	require.NoError(t, err)
	_, err = d.Complete(done.ID, 0)
	require.NoError(t, err)

	res := d.CancelAll("stop everything")
	assert.Equal(t, 3, res.CommandsCancelled)
	assert.Equal(t, 2, res.AgentsAffected)
	assert.Len(t, res.Cancelled, 3)

	got, ok := d.Get(c1.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)

	// A second sweep with nothing left to cancel reports zero
	res = d.CancelAll("again")
	assert.Zero(t, res.CommandsCancelled)
	assert.Zero(t, res.AgentsAffected)
}

func TestListOrderedByCreation(t *testing.T) {
	ft := newFakeTransport("agent-1")
	d := New(ft, testLogger())

	first, err := d.Submit("agent-1", "first", 0)
	require.NoError(t, err)
	second, err := d.Submit("agent-1", "second", 0)
	require.NoError(t, err)

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
