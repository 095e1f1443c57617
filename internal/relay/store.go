package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/signaling"
)

type pairKey struct {
	from core.ParticipantID
	to   core.ParticipantID
}

type roomState struct {
	presences  map[core.ParticipantID]signaling.Presence
	offers     map[pairKey]webrtc.SessionDescription
	answers    map[pairKey]webrtc.SessionDescription
	candidates map[pairKey][]webrtc.ICECandidateInit
}

func newRoomState() *roomState {
	return &roomState{
		presences:  make(map[core.ParticipantID]signaling.Presence),
		offers:     make(map[pairKey]webrtc.SessionDescription),
		answers:    make(map[pairKey]webrtc.SessionDescription),
		candidates: make(map[pairKey][]webrtc.ICECandidateInit),
	}
}

// Store is the relay's in-memory rendezvous state. Same record semantics as
// the redis channel: presence per participant, overwritable offer/answer
// slots per pair, append-only candidate streams per pair.
type Store struct {
	mu    sync.Mutex
	rooms map[core.RoomID]*roomState
}

func NewStore() *Store {
	return &Store{
		rooms: make(map[core.RoomID]*roomState),
	}
}

func (s *Store) CreateRoom() core.RoomID {
	room := core.RoomID(uuid.NewString())

	s.mu.Lock()
	s.rooms[room] = newRoomState()
	s.mu.Unlock()

	return room
}

func (s *Store) RoomExists(room core.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rooms[room]
	return ok
}

func (s *Store) PublishPresence(room core.RoomID, presence signaling.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(room).presences[presence.ParticipantID] = presence
}

func (s *Store) RemovePresence(room core.RoomID, id core.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.rooms[room]; ok {
		delete(state.presences, id)
	}
}

func (s *Store) Presences(room core.RoomID) []signaling.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rooms[room]
	if !ok {
		return nil
	}

	presences := make([]signaling.Presence, 0, len(state.presences))
	for _, presence := range state.presences {
		presences = append(presences, presence)
	}

	return presences
}

func (s *Store) SetOffer(room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(room).offers[pairKey{from, to}] = desc
}

func (s *Store) SetAnswer(room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(room).answers[pairKey{from, to}] = desc
}

func (s *Store) AppendCandidate(room core.RoomID, from, to core.ParticipantID, candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state(room)
	key := pairKey{from, to}
	state.candidates[key] = append(state.candidates[key], candidate)
}

// TakeOffer consumes the offer slot from -> to.
func (s *Store) TakeOffer(room core.RoomID, from, to core.ParticipantID) (webrtc.SessionDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rooms[room]
	if !ok {
		return webrtc.SessionDescription{}, false
	}

	key := pairKey{from, to}
	desc, ok := state.offers[key]
	if ok {
		delete(state.offers, key)
	}

	return desc, ok
}

// TakeAnswer consumes the answer slot from -> to.
func (s *Store) TakeAnswer(room core.RoomID, from, to core.ParticipantID) (webrtc.SessionDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rooms[room]
	if !ok {
		return webrtc.SessionDescription{}, false
	}

	key := pairKey{from, to}
	desc, ok := state.answers[key]
	if ok {
		delete(state.answers, key)
	}

	return desc, ok
}

// TakeCandidates drains the backlog from -> to in arrival order.
func (s *Store) TakeCandidates(room core.RoomID, from, to core.ParticipantID) []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rooms[room]
	if !ok {
		return nil
	}

	key := pairKey{from, to}
	candidates := state.candidates[key]
	delete(state.candidates, key)

	return candidates
}

func (s *Store) CleanupPair(room core.RoomID, a, b core.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rooms[room]
	if !ok {
		return
	}

	for _, key := range []pairKey{{a, b}, {b, a}} {
		delete(state.offers, key)
		delete(state.answers, key)
		delete(state.candidates, key)
	}
}

// state returns the room, creating it on first write. Rooms created
// implicitly keep late writers from a dropped room marker working; readers
// still see the room as missing until someone creates it explicitly.
func (s *Store) state(room core.RoomID) *roomState {
	state, ok := s.rooms[room]
	if !ok {
		state = newRoomState()
		s.rooms[room] = state
	}

	return state
}
