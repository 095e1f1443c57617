package mesh

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/rtc"
	"github.com/meshrtc/meshcall/internal/signaling"
	"github.com/meshrtc/meshcall/internal/telemetry"
)

// Handshake runs the offer/answer protocol with one remote participant at a
// time and records the outcome in the shared state container.
type Handshake struct {
	state   *State
	channel signaling.Channel
	factory rtc.Factory
	monitor *Monitor
	router  *Router
	room    core.RoomID
	self    core.ParticipantID
}

type HandshakeParams struct {
	State   *State
	Channel signaling.Channel
	Factory rtc.Factory
	Monitor *Monitor
	Router  *Router
	Room    core.RoomID
	Self    core.ParticipantID
}

func NewHandshake(params HandshakeParams) *Handshake {
	return &Handshake{
		state:   params.State,
		channel: params.Channel,
		factory: params.Factory,
		monitor: params.Monitor,
		router:  params.Router,
		room:    params.Room,
		self:    params.Self,
	}
}

// AddParticipant negotiates a session with id. When incomingOffer is nil
// this side is the offerer; otherwise it answers. Candidates that arrived
// before the session existed are applied in order once the transport is up.
//
// Duplicate calls for the same id are no-ops: the add claim is taken before
// any negotiation step, and the commit re-checks that the room is still
// joined, so a handshake resolving after leave tears itself down.
func (h *Handshake) AddParticipant(ctx context.Context, id core.ParticipantID, incomingOffer *webrtc.SessionDescription, buffered []webrtc.ICECandidateInit) error {
	if !h.state.BeginAdd(id) {
		log.Debug().Str("service", "handshake").Str("ID", string(id)).Msg("skip duplicate add")
		return nil
	}

	role := core.Offerer
	if incomingOffer != nil {
		role = core.Answerer
	}

	transport, err := h.factory.Create(h.router.Tracks())
	if err != nil {
		h.state.AbortAdd(id)
		telemetry.HandshakeCounter.WithLabelValues(string(role), "error").Inc()
		return err
	}
	h.bindCallbacks(id, transport)

	sentAt, err := h.negotiate(ctx, id, role, transport, incomingOffer)
	if err != nil {
		h.state.AbortAdd(id)
		transport.Close()
		telemetry.HandshakeCounter.WithLabelValues(string(role), "error").Inc()
		return err
	}

	for _, candidate := range buffered {
		if err := transport.AddRemoteCandidate(candidate); err != nil {
			log.Warn().Err(err).Str("service", "handshake").Str("ID", string(id)).Msg("drop buffered candidate")
		}
	}

	sess := newPeerSession(id, role, transport)
	if !h.state.CommitSession(sess) {
		log.Debug().Str("service", "handshake").Str("ID", string(id)).Msg("room left during handshake, discarding session")
		transport.Close()
		return nil
	}

	if role == core.Offerer {
		h.monitor.Watch(id, sentAt)
	}
	telemetry.SessionStarted()
	telemetry.HandshakeCounter.WithLabelValues(string(role), "ok").Inc()
	log.Debug().Str("service", "handshake").Str("ID", string(id)).Str("role", string(role)).Msg("session established")
	return nil
}

// ReceiveAnswer applies a remote answer exactly once. Redeliveries and
// answers arriving after the session went stable are dropped.
func (h *Handshake) ReceiveAnswer(id core.ParticipantID, desc webrtc.SessionDescription) error {
	if !h.state.Joined() {
		return nil
	}
	sess, ok := h.state.Session(id)
	if !ok {
		log.Warn().Str("service", "handshake").Str("ID", string(id)).Msg("answer for unknown participant")
		return nil
	}
	if sess.Transport.SignalingStable() {
		return nil
	}
	if !h.state.MarkAnswered(id) {
		log.Debug().Str("service", "handshake").Str("ID", string(id)).Msg("answer already applied")
		return nil
	}

	if err := sess.Transport.SetRemoteDescription(desc); err != nil {
		return err
	}
	h.monitor.Cancel(id)
	h.state.SetSessionState(id, core.SessionConnected)
	log.Debug().Str("service", "handshake").Str("ID", string(id)).Msg("answer applied")
	return nil
}

// AddICECandidate forwards a candidate to the participant's transport.
// Candidates for unknown ids are dropped, not buffered.
func (h *Handshake) AddICECandidate(id core.ParticipantID, candidate webrtc.ICECandidateInit) error {
	if !h.state.Joined() {
		return nil
	}
	sess, ok := h.state.Session(id)
	if !ok {
		log.Warn().Str("service", "handshake").Str("ID", string(id)).Msg("candidate for unknown participant")
		return nil
	}
	return sess.Transport.AddRemoteCandidate(candidate)
}

// RemoveParticipant tears down the session for id: transport closed, remote
// media stopped, registry entry and guard flags cleared, stale pair records
// deleted from the channel. Safe to call for an id with no session.
func (h *Handshake) RemoveParticipant(ctx context.Context, id core.ParticipantID) {
	h.monitor.Cancel(id)
	sess, ok := h.state.TakeSession(id)
	if !ok {
		return
	}

	if remote := sess.Transport.Remote(); remote != nil {
		remote.Stop()
	}
	if err := sess.Transport.Close(); err != nil {
		log.Error().Err(err).Str("service", "handshake").Str("ID", string(id)).Msg("error on close transport")
	}
	sess.State = core.SessionClosed
	telemetry.SessionStopped()

	if err := h.channel.CleanupPair(ctx, h.room, h.self, id); err != nil {
		log.Error().Err(err).Str("service", "handshake").Str("ID", string(id)).Msg("error on cleanup pair records")
	}
	log.Debug().Str("service", "handshake").Str("ID", string(id)).Msg("participant removed")
}

func (h *Handshake) negotiate(ctx context.Context, id core.ParticipantID, role core.Role, transport rtc.Transport, incomingOffer *webrtc.SessionDescription) (sentAt time.Time, err error) {
	if role == core.Offerer {
		offer, err := transport.CreateOffer()
		if err != nil {
			return time.Time{}, err
		}
		if err := transport.SetLocalDescription(offer); err != nil {
			return time.Time{}, err
		}
		if err := h.channel.SendOffer(ctx, h.room, h.self, id, offer); err != nil {
			return time.Time{}, err
		}
		return time.Now(), nil
	}

	if err := transport.SetRemoteDescription(*incomingOffer); err != nil {
		return time.Time{}, err
	}
	answer, err := transport.CreateAnswer()
	if err != nil {
		return time.Time{}, err
	}
	if err := transport.SetLocalDescription(answer); err != nil {
		return time.Time{}, err
	}
	if err := h.channel.SendAnswer(ctx, h.room, h.self, id, answer); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, nil
}

func (h *Handshake) bindCallbacks(id core.ParticipantID, transport rtc.Transport) {
	transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if !h.state.Joined() {
			return
		}
		log.Debug().Str("service", "handshake").Str("ID", string(id)).Interface("candidate", candidate).Msg("send ICE candidate")
		if err := h.channel.SendCandidate(context.Background(), h.room, h.self, id, candidate); err != nil {
			log.Error().Err(err).Str("service", "handshake").Str("ID", string(id)).Msg("error on send ICE candidate")
		}
	})
	transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("service", "handshake").Str("ID", string(id)).Str("state", state.String()).Msg("connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			h.state.SetSessionState(id, core.SessionConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			h.RemoveParticipant(context.Background(), id)
		}
	})
}
