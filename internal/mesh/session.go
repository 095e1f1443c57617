package mesh

import (
	"time"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/rtc"
)

// PeerSession binds one remote participant to its transport. The transport
// handle is exclusively owned by the session; nothing else may touch it.
type PeerSession struct {
	ID        core.ParticipantID
	Role      core.Role
	Transport rtc.Transport
	State     core.SessionState
	AddedAt   time.Time
}

func newPeerSession(id core.ParticipantID, role core.Role, transport rtc.Transport) *PeerSession {
	state := core.SessionAwaitingAnswer
	if role == core.Answerer {
		state = core.SessionNegotiating
	}
	return &PeerSession{
		ID:        id,
		Role:      role,
		Transport: transport,
		State:     state,
		AddedAt:   time.Now(),
	}
}
