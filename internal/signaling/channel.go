package signaling

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshcall/internal/core"
)

var (
	// ErrRoomNotFound is returned when joining a room the channel does not
	// know about. It is the only signaling failure surfaced to callers as a
	// room-level precondition.
	ErrRoomNotFound = errors.New("room not found")
)

// Channel is the rendezvous store used to exchange negotiation metadata.
// Media never passes through it. Per room it holds a presence record per
// participant, an offer and an answer slot per participant pair, and an
// append-only candidate stream per pair.
type Channel interface {
	// CreateRoom allocates a fresh room id.
	CreateRoom(ctx context.Context) (core.RoomID, error)
	// RoomExists reports whether the channel knows the room.
	RoomExists(ctx context.Context, room core.RoomID) (bool, error)

	PublishPresence(ctx context.Context, room core.RoomID, presence Presence) error
	RemovePresence(ctx context.Context, room core.RoomID, id core.ParticipantID) error
	Presences(ctx context.Context, room core.RoomID) ([]Presence, error)

	SendOffer(ctx context.Context, room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, room core.RoomID, from, to core.ParticipantID, candidate webrtc.ICECandidateInit) error

	// OfferFor reads and consumes the offer slot from -> to. The second
	// return value reports whether a slot was present.
	OfferFor(ctx context.Context, room core.RoomID, from, to core.ParticipantID) (webrtc.SessionDescription, bool, error)
	// CandidatesFor drains the candidate backlog from -> to, in arrival order.
	CandidatesFor(ctx context.Context, room core.RoomID, from, to core.ParticipantID) ([]webrtc.ICECandidateInit, error)

	// Subscribe delivers an initial snapshot of the room addressed to self
	// (presences, pending offers, buffered candidates) followed by realtime
	// messages, on a single ordered Go channel.
	Subscribe(ctx context.Context, room core.RoomID, self core.ParticipantID) (*Subscription, error)

	// CleanupPair deletes both directions' offer/answer slots and candidate
	// streams for the pair.
	CleanupPair(ctx context.Context, room core.RoomID, a, b core.ParticipantID) error

	Close() error
}

// Subscription is a realtime message feed for one participant in one room.
type Subscription struct {
	messages <-chan Message
	closeFn  func() error
}

func NewSubscription(messages <-chan Message, closeFn func() error) *Subscription {
	return &Subscription{messages: messages, closeFn: closeFn}
}

func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

func (s *Subscription) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
