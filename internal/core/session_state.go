package core

// SessionState is the lifecycle state of a peer session. Closed is terminal:
// a session is never reused, recovery is removal followed by a fresh add.
type SessionState string

const (
	SessionCreating       SessionState = "creating"
	SessionAwaitingAnswer SessionState = "awaiting_answer"
	SessionNegotiating    SessionState = "negotiating"
	SessionConnected      SessionState = "connected"
	SessionClosed         SessionState = "closed"
)

func (s SessionState) Terminal() bool {
	return s == SessionClosed
}
