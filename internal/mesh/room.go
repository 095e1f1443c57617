package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/rtc"
	"github.com/meshrtc/meshcall/internal/signaling"
)

// Room orchestrates one participant's membership in a mesh call: join and
// leave at room granularity, the signaling subscription dispatcher, and the
// liveness reaper for unanswered invitations.
type Room struct {
	state     *State
	router    *Router
	monitor   *Monitor
	handshake *Handshake

	channel signaling.Channel
	factory rtc.Factory
	self    core.ParticipantID
	timeout time.Duration

	id  core.RoomID
	sub *signaling.Subscription
	wg  sync.WaitGroup
}

type RoomParams struct {
	Channel signaling.Channel
	Factory rtc.Factory
	Self    core.ParticipantID
	Camera  rtc.Bundle
	// InviteTimeout bounds how long an offer may stay unanswered before the
	// invitee is reaped and marked inactive.
	InviteTimeout time.Duration
}

func NewRoom(params RoomParams) *Room {
	state := NewState()
	return &Room{
		state:   state,
		router:  NewRouter(state, params.Camera),
		channel: params.Channel,
		factory: params.Factory,
		self:    params.Self,
		timeout: params.InviteTimeout,
	}
}

// Create allocates a fresh room on the signaling channel and joins it.
func (r *Room) Create(ctx context.Context) (core.RoomID, error) {
	id, err := r.channel.CreateRoom(ctx)
	if err != nil {
		return "", err
	}
	if err := r.join(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Join enters an existing room: publishes own presence, subscribes to the
// signaling feed and invites every active participant already present.
// Joining a room the channel does not know fails with ErrRoomNotFound.
func (r *Room) Join(ctx context.Context, id core.RoomID) error {
	exists, err := r.channel.RoomExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return signaling.ErrRoomNotFound
	}
	return r.join(ctx, id)
}

func (r *Room) join(ctx context.Context, id core.RoomID) error {
	r.id = id
	r.monitor = NewMonitor(r.timeout, r.inviteExpired)
	r.handshake = NewHandshake(HandshakeParams{
		State:   r.state,
		Channel: r.channel,
		Factory: r.factory,
		Monitor: r.monitor,
		Router:  r.router,
		Room:    id,
		Self:    r.self,
	})
	r.state.SetJoined(true)

	if err := r.channel.PublishPresence(ctx, id, signaling.Presence{ParticipantID: r.self}); err != nil {
		r.state.SetJoined(false)
		return err
	}

	sub, err := r.channel.Subscribe(ctx, id, r.self)
	if err != nil {
		r.state.SetJoined(false)
		r.removeOwnPresence(ctx, id)
		return err
	}
	r.sub = sub
	r.wg.Add(1)
	go r.dispatch(ctx)

	presences, err := r.channel.Presences(ctx, id)
	if err != nil {
		r.state.SetJoined(false)
		r.monitor.Stop()
		r.sub.Close()
		r.wg.Wait()
		r.sub = nil
		r.removeOwnPresence(ctx, id)
		return err
	}
	var invites sync.WaitGroup
	for _, presence := range presences {
		if presence.ParticipantID == r.self || presence.Inactive {
			continue
		}
		invites.Add(1)
		go func(peer core.ParticipantID) {
			defer invites.Done()
			if err := r.handshake.AddParticipant(ctx, peer, nil, nil); err != nil {
				log.Error().Err(err).Str("service", "room").Str("ID", string(peer)).Msg("error on invite participant")
			}
		}(presence.ParticipantID)
	}
	invites.Wait()

	log.Debug().Str("service", "room").Str("room", string(id)).Str("ID", string(r.self)).Msg("joined room")
	return nil
}

// removeOwnPresence retracts the presence published by a join attempt that
// failed half way, so other participants do not keep inviting a ghost.
func (r *Room) removeOwnPresence(ctx context.Context, id core.RoomID) {
	if err := r.channel.RemovePresence(ctx, id, r.self); err != nil {
		log.Error().Err(err).Str("service", "room").Str("room", string(id)).Str("ID", string(r.self)).Msg("error on remove presence")
	}
}

// Leave exits the room. The joined flag is cleared before anything else so
// that handshake steps still in flight resolve as no-ops.
func (r *Room) Leave(ctx context.Context) error {
	r.state.SetJoined(false)
	if r.monitor != nil {
		r.monitor.Stop()
	}

	for _, sess := range r.state.Sessions() {
		r.handshake.RemoveParticipant(ctx, sess.ID)
	}

	var err error
	if r.id != "" {
		err = r.channel.RemovePresence(ctx, r.id, r.self)
	}
	if r.sub != nil {
		r.sub.Close()
		r.wg.Wait()
		r.sub = nil
	}
	log.Debug().Str("service", "room").Str("room", string(r.id)).Str("ID", string(r.self)).Msg("left room")
	return err
}

func (r *Room) ID() core.RoomID {
	return r.id
}

func (r *Room) Router() *Router {
	return r.router
}

func (r *Room) Sessions() []*PeerSession {
	return r.state.Sessions()
}

func (r *Room) HasParticipant(id core.ParticipantID) bool {
	return r.state.HasParticipant(id)
}

// dispatch consumes the signaling subscription. Delivery order relative to
// local mutations is not guaranteed, so every branch re-checks the state
// guards before mutating.
func (r *Room) dispatch(ctx context.Context) {
	defer r.wg.Done()
	for msg := range r.sub.Messages() {
		if !r.state.Joined() {
			continue
		}
		switch m := msg.(type) {
		case *signaling.OfferMessage:
			r.handleOffer(ctx, m)
		case *signaling.AnswerMessage:
			if err := r.handshake.ReceiveAnswer(m.Params.From, m.Params.Payload); err != nil {
				log.Error().Err(err).Str("service", "room").Str("ID", string(m.Params.From)).Msg("error on apply answer")
			}
		case *signaling.ICECandidateMessage:
			if err := r.handshake.AddICECandidate(m.Params.From, m.Params.Candidate); err != nil {
				log.Error().Err(err).Str("service", "room").Str("ID", string(m.Params.From)).Msg("error on add ICE candidate")
			}
		case *signaling.PresenceMessage:
			r.handlePresence(ctx, m.Params)
		default:
			log.Warn().Str("service", "room").Str("method", string(msg.GetMethod())).Msg("unhandled signaling message")
		}
	}
}

func (r *Room) handleOffer(ctx context.Context, m *signaling.OfferMessage) {
	from := m.Params.From
	// Candidates published before we knew the peer sit in the channel's
	// backlog; hand them to the handshake in arrival order.
	buffered, err := r.channel.CandidatesFor(ctx, r.id, from, r.self)
	if err != nil {
		log.Error().Err(err).Str("service", "room").Str("ID", string(from)).Msg("error on read candidate backlog")
	}
	offer := m.Params.Payload
	if err := r.handshake.AddParticipant(ctx, from, &offer, buffered); err != nil {
		log.Error().Err(err).Str("service", "room").Str("ID", string(from)).Msg("error on answer offer")
	}
}

func (r *Room) handlePresence(ctx context.Context, presence signaling.Presence) {
	if presence.ParticipantID == r.self {
		return
	}
	if presence.Inactive {
		r.handshake.RemoveParticipant(ctx, presence.ParticipantID)
		return
	}
	// A newly joining participant offers to everyone already present, so an
	// active presence needs no action here.
	log.Debug().Str("service", "room").Str("ID", string(presence.ParticipantID)).Msg("participant present")
}

// inviteExpired reaps an invitee that never answered and marks it inactive
// for the rest of the room.
func (r *Room) inviteExpired(id core.ParticipantID) {
	if !r.state.Joined() {
		return
	}
	log.Warn().Str("service", "room").Str("ID", string(id)).Msg("invitation expired")

	ctx := context.Background()
	r.handshake.RemoveParticipant(ctx, id)
	presence := signaling.Presence{ParticipantID: id, Inactive: true}
	if err := r.channel.PublishPresence(ctx, r.id, presence); err != nil {
		log.Error().Err(err).Str("service", "room").Str("ID", string(id)).Msg("error on publish inactive presence")
	}
}
