package relay

import "fmt"

// Error codes carried in 0x12 Error messages for peer semantic failures.
// These reach the requesting client unchanged; local relay state is never
// affected by emitting one.
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeUnknownUser      = "unknown_user"
	CodeUserOffline      = "user_offline"
	CodeUserBusy         = "user_busy"
	CodeSelfCall         = "self_call"
	CodeUnknownCall      = "unknown_call"
	CodeInvalidCallState = "invalid_call_state"
	CodeNotParticipant   = "not_participant"
)

// protocolError marks peer input that violates the wire contract (unknown
// type, missing required field, malformed frame). It terminates only the
// offending session; the process and all other sessions are unaffected.
type protocolError struct {
	reason string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.reason)
}

func protocolViolation(format string, a ...interface{}) error {
	return &protocolError{reason: fmt.Sprintf(format, a...)}
}
