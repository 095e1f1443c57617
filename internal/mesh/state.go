package mesh

import (
	"sync"

	"github.com/meshrtc/meshcall/internal/core"
)

// State is the single owned container for the peer registry and its guard
// maps. Every mutation happens under one mutex against the live maps, so
// interleaved completions never overwrite each other with stale snapshots.
//
// The joined flag gates all mutating operations. Once cleared it stays
// cleared for the lifetime of the State, and every asynchronous continuation
// re-checks it before committing.
type State struct {
	mu       sync.Mutex
	joined   bool
	sessions map[core.ParticipantID]*PeerSession
	adding   map[core.ParticipantID]struct{}
	answered map[core.ParticipantID]struct{}
}

func NewState() *State {
	return &State{
		sessions: make(map[core.ParticipantID]*PeerSession),
		adding:   make(map[core.ParticipantID]struct{}),
		answered: make(map[core.ParticipantID]struct{}),
	}
}

func (s *State) SetJoined(joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = joined
}

func (s *State) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// BeginAdd claims the add slot for id. It returns false if the room was
// left, a session already exists, or another add for the same id is in
// flight. The claim is taken before any asynchronous work starts.
func (s *State) BeginAdd(id core.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return false
	}
	if _, ok := s.sessions[id]; ok {
		return false
	}
	if _, ok := s.adding[id]; ok {
		return false
	}
	s.adding[id] = struct{}{}
	return true
}

// AbortAdd releases a claim taken by BeginAdd without inserting a session.
func (s *State) AbortAdd(id core.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adding, id)
}

// CommitSession inserts a completed session and releases the add claim. It
// returns false when the room was left while the handshake was in flight;
// the caller must then tear the session down instead of keeping it.
func (s *State) CommitSession(sess *PeerSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adding, sess.ID)
	if !s.joined {
		return false
	}
	s.sessions[sess.ID] = sess
	return true
}

func (s *State) HasParticipant(id core.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *State) AddingParticipant(id core.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.adding[id]
	return ok
}

func (s *State) Session(id core.ParticipantID) (*PeerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// TakeSession removes the session for id along with its guard flags. The
// second return value is false when no session existed, which makes removal
// idempotent for the caller.
func (s *State) TakeSession(id core.ParticipantID) (*PeerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	delete(s.adding, id)
	delete(s.answered, id)
	return sess, ok
}

// MarkAnswered records that an answer for id has been applied. The first
// caller wins; redelivered answers observe false and must not re-apply.
func (s *State) MarkAnswered(id core.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.answered[id]; ok {
		return false
	}
	s.answered[id] = struct{}{}
	return true
}

func (s *State) SetSessionState(id core.ParticipantID, state core.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.State = state
	}
}

// Sessions returns a snapshot of the current sessions. The slice is a copy;
// the sessions themselves are shared.
func (s *State) Sessions() []*PeerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PeerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
