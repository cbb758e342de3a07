// ABOUTME: Error codes and the typed decode-failure error for the wire protocol
// ABOUTME: Codes appear verbatim in ERROR and COMMAND_ERROR replies

package protocol

// Error codes carried in ERROR and COMMAND_ERROR replies.
const (
	CodeMalformed      = "MALFORMED_MESSAGE"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeAgentUnknown   = "AGENT_UNKNOWN"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeInvalidSession = "INVALID_SESSION"
	CodeInternal       = "INTERNAL"
)

// MalformedError is returned when a frame or payload cannot be decoded.
// It carries the reply code so handlers can answer without re-classifying.
type MalformedError struct {
	Code   string
	Detail string
}

func (e *MalformedError) Error() string {
	return e.Code + ": " + e.Detail
}
