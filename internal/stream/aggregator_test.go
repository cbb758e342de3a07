// ABOUTME: Tests for output chunk aggregation, ordering, and live fanout
// ABOUTME: Covers duplicate sequences and subscriber lifecycle

package stream

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

// fakeIndex accepts a fixed set of command ids.
type fakeIndex map[string]bool

func (f fakeIndex) Exists(commandID string) bool { return f[commandID] }

// collector accumulates fanned-out envelopes.
type collector struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (c *collector) deliver(env *protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) sequences(t *testing.T) []int64 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var seqs []int64
	for _, env := range c.envs {
		payload, err := env.DecodePayload()
		require.NoError(t, err)
		seqs = append(seqs, payload.(*protocol.TerminalOutput).Sequence)
	}
	return seqs
}

func TestHistorySortedBySequence(t *testing.T) {
	a := New(fakeIndex{"cmd-1": true}, testLogger())

	// Out-of-order arrival: 3, 1, 2
	require.NoError(t, a.Ingest("cmd-1", 3, protocol.StreamStdout, "three"))
	require.NoError(t, a.Ingest("cmd-1", 1, protocol.StreamStdout, "one"))
	require.NoError(t, a.Ingest("cmd-1", 2, protocol.StreamStderr, "two"))

	history, err := a.History("cmd-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(1), history[0].Sequence)
	assert.Equal(t, int64(2), history[1].Sequence)
	assert.Equal(t, int64(3), history[2].Sequence)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, protocol.StreamStderr, history[1].StreamType)
}

func TestIngestUnknownCommand(t *testing.T) {
	a := New(fakeIndex{}, testLogger())
	err := a.Ingest("ghost", 1, protocol.StreamStdout, "x")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDuplicateSequenceDropped(t *testing.T) {
	a := New(fakeIndex{"cmd-1": true}, testLogger())

	require.NoError(t, a.Ingest("cmd-1", 1, protocol.StreamStdout, "original"))
	require.NoError(t, a.Ingest("cmd-1", 1, protocol.StreamStdout, "redelivery"))

	history, err := a.History("cmd-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "original", history[0].Content)
}

func TestSubscribeReturnsHistoryThenLive(t *testing.T) {
	a := New(fakeIndex{"cmd-1": true}, testLogger())
	require.NoError(t, a.Ingest("cmd-1", 2, protocol.StreamStdout, "two"))
	require.NoError(t, a.Ingest("cmd-1", 1, protocol.StreamStdout, "one"))

	c := &collector{}
	history, err := a.Subscribe("cmd-1", "dash-1", c.deliver)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Sequence)

	// Live chunks arrive in arrival order, not sorted
	require.NoError(t, a.Ingest("cmd-1", 5, protocol.StreamStdout, "five"))
	require.NoError(t, a.Ingest("cmd-1", 4, protocol.StreamStdout, "four"))
	assert.Equal(t, []int64{5, 4}, c.sequences(t))
}

func TestSubscribeUnknownCommand(t *testing.T) {
	a := New(fakeIndex{}, testLogger())
	_, err := a.Subscribe("ghost", "dash-1", func(*protocol.Envelope) {})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a := New(fakeIndex{"cmd-1": true}, testLogger())

	c := &collector{}
	_, err := a.Subscribe("cmd-1", "dash-1", c.deliver)
	require.NoError(t, err)

	a.Unsubscribe("cmd-1", "dash-1")
	require.NoError(t, a.Ingest("cmd-1", 1, protocol.StreamStdout, "x"))
	assert.Empty(t, c.sequences(t))
}

func TestDropSubscriberDetachesEverywhere(t *testing.T) {
	a := New(fakeIndex{"cmd-1": true, "cmd-2": true}, testLogger())

	c := &collector{}
	_, err := a.Subscribe("cmd-1", "dash-1", c.deliver)
	require.NoError(t, err)
	_, err = a.Subscribe("cmd-2", "dash-1", c.deliver)
	require.NoError(t, err)

	a.DropSubscriber("dash-1")

	require.NoError(t, a.Ingest("cmd-1", 1, protocol.StreamStdout, "x"))
	require.NoError(t, a.Ingest("cmd-2", 1, protocol.StreamStdout, "y"))
	assert.Empty(t, c.sequences(t))
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	a := New(fakeIndex{"cmd-1": true}, testLogger())

	c1, c2 := &collector{}, &collector{}
	_, err := a.Subscribe("cmd-1", "dash-1", c1.deliver)
	require.NoError(t, err)
	_, err = a.Subscribe("cmd-1", "dash-2", c2.deliver)
	require.NoError(t, err)

	require.NoError(t, a.Ingest("cmd-1", 1, protocol.StreamStdout, "x"))
	assert.Equal(t, []int64{1}, c1.sequences(t))
	assert.Equal(t, []int64{1}, c2.sequences(t))
}
