package relay

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"

	"github.com/meshrtc/meshcall/internal/signaling"
)

func TestStoreRoomLifecycle(t *testing.T) {
	store := NewStore()

	room := store.CreateRoom()
	assert.NotEmpty(t, room)
	assert.True(t, store.RoomExists(room))
	assert.False(t, store.RoomExists("nope"))
}

func TestStorePresences(t *testing.T) {
	store := NewStore()
	room := store.CreateRoom()

	store.PublishPresence(room, signaling.Presence{ParticipantID: "alice"})
	store.PublishPresence(room, signaling.Presence{ParticipantID: "bob"})
	store.PublishPresence(room, signaling.Presence{ParticipantID: "bob", Inactive: true})

	presences := store.Presences(room)
	assert.Len(t, presences, 2)

	byID := map[string]signaling.Presence{}
	for _, presence := range presences {
		byID[string(presence.ParticipantID)] = presence
	}
	assert.False(t, byID["alice"].Inactive)
	assert.True(t, byID["bob"].Inactive, "republish overwrites the record")

	store.RemovePresence(room, "alice")
	assert.Len(t, store.Presences(room), 1)
}

func TestStoreOfferSlotReadOnce(t *testing.T) {
	store := NewStore()
	room := store.CreateRoom()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	store.SetOffer(room, "alice", "bob", desc)

	got, ok := store.TakeOffer(room, "alice", "bob")
	assert.True(t, ok)
	assert.Equal(t, desc, got)

	_, ok = store.TakeOffer(room, "alice", "bob")
	assert.False(t, ok, "offer slot is consumed on read")

	_, ok = store.TakeOffer(room, "bob", "alice")
	assert.False(t, ok, "slots are directional")
}

func TestStoreAnswerSlotReadOnce(t *testing.T) {
	store := NewStore()
	room := store.CreateRoom()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	store.SetAnswer(room, "bob", "alice", desc)

	got, ok := store.TakeAnswer(room, "bob", "alice")
	assert.True(t, ok)
	assert.Equal(t, desc, got)

	_, ok = store.TakeAnswer(room, "bob", "alice")
	assert.False(t, ok, "answer slot is consumed on read")

	_, ok = store.TakeAnswer(room, "alice", "bob")
	assert.False(t, ok, "slots are directional")
}

func TestStoreCandidateBacklogOrdered(t *testing.T) {
	store := NewStore()
	room := store.CreateRoom()

	first := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2"}
	store.AppendCandidate(room, "alice", "bob", first)
	store.AppendCandidate(room, "alice", "bob", second)

	got := store.TakeCandidates(room, "alice", "bob")
	assert.Equal(t, []webrtc.ICECandidateInit{first, second}, got)
	assert.Empty(t, store.TakeCandidates(room, "alice", "bob"))
}

func TestStoreCleanupPair(t *testing.T) {
	store := NewStore()
	room := store.CreateRoom()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	store.SetOffer(room, "alice", "bob", desc)
	store.SetOffer(room, "bob", "alice", desc)
	store.SetAnswer(room, "bob", "alice", desc)
	store.AppendCandidate(room, "alice", "bob", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	store.AppendCandidate(room, "bob", "alice", webrtc.ICECandidateInit{Candidate: "candidate:2"})
	store.AppendCandidate(room, "alice", "carol", webrtc.ICECandidateInit{Candidate: "candidate:3"})

	store.CleanupPair(room, "alice", "bob")

	_, ok := store.TakeOffer(room, "alice", "bob")
	assert.False(t, ok)
	_, ok = store.TakeOffer(room, "bob", "alice")
	assert.False(t, ok)
	_, ok = store.TakeAnswer(room, "bob", "alice")
	assert.False(t, ok)
	assert.Empty(t, store.TakeCandidates(room, "alice", "bob"))
	assert.Empty(t, store.TakeCandidates(room, "bob", "alice"))

	assert.Len(t, store.TakeCandidates(room, "alice", "carol"), 1, "other pairs are untouched")
}
