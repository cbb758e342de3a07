// ABOUTME: Tests for wire envelope encoding, parsing, and payload decoding
// ABOUTME: Covers malformed frames and unknown message types

package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := New(TypeCommandRequest, CommandRequest{
		CommandID: "cmd-1",
		AgentID:   "agent-1",
		Content:   "run the tests",
		Priority:  2,
	})
	require.NoError(t, err)
	require.False(t, env.Timestamp.IsZero())

	data, err := env.Encode()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, TypeCommandRequest, parsed.Type)

	payload, err := parsed.DecodePayload()
	require.NoError(t, err)

	req, ok := payload.(*CommandRequest)
	require.True(t, ok)
	assert.Equal(t, "cmd-1", req.CommandID)
	assert.Equal(t, "agent-1", req.AgentID)
	assert.Equal(t, "run the tests", req.Content)
	assert.Equal(t, 2, req.Priority)
}

func TestParseEnvelopeInvalidJSON(t *testing.T) {
	_, err := ParseEnvelope([]byte("{not json"))
	require.Error(t, err)

	var merr *MalformedError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, CodeMalformed, merr.Code)
}

func TestParseEnvelopeMissingType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"payload":{}}`))
	require.Error(t, err)

	var merr *MalformedError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, CodeMalformed, merr.Code)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	env := &Envelope{Type: Type("NOT_A_THING")}
	_, err := env.DecodePayload()
	require.Error(t, err)

	var merr *MalformedError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, CodeUnknownType, merr.Code)
}

func TestDecodePayloadInvalidPayload(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"TERMINAL_OUTPUT","payload":"not an object"}`))
	require.NoError(t, err)

	_, err = env.DecodePayload()
	require.Error(t, err)

	var merr *MalformedError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, CodeMalformed, merr.Code)
}

func TestDecodePayloadEmptyPayload(t *testing.T) {
	// Heartbeats may omit the payload entirely
	env, err := ParseEnvelope([]byte(`{"type":"AGENT_HEARTBEAT","timestamp":"2026-01-02T15:04:05Z"}`))
	require.NoError(t, err)

	payload, err := env.DecodePayload()
	require.NoError(t, err)

	hb, ok := payload.(*AgentHeartbeat)
	require.True(t, ok)
	assert.Zero(t, hb.Sequence)
}

func TestTraceEventPayload(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"type": "TRACE_EVENT",
		"payload": {
			"id": "ev-1",
			"commandId": "cmd-1",
			"type": "LLM_PROMPT",
			"name": "plan",
			"tokenUsage": {"input": 100, "output": 25},
			"durationMs": 420
		}
	}`))
	require.NoError(t, err)

	payload, err := env.DecodePayload()
	require.NoError(t, err)

	ev, ok := payload.(*TraceEvent)
	require.True(t, ok)
	assert.Equal(t, "ev-1", ev.ID)
	assert.Equal(t, TraceLLMPrompt, ev.Type)
	require.NotNil(t, ev.TokenUsage)
	assert.Equal(t, int64(100), ev.TokenUsage.Input)
	assert.Equal(t, int64(420), ev.DurationMs)
	assert.Nil(t, ev.StartedAt)
}
