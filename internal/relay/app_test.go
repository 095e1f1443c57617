package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/signaling"
)

func startTestRelay(t *testing.T) *httptest.Server {
	t.Helper()

	app := New(AppOptions{Env: core.DevelopmentEnv})
	server := httptest.NewServer(app.initRouter())
	t.Cleanup(server.Close)

	return server
}

func dialTestRelay(t *testing.T, server *httptest.Server) *signaling.RelayChannel {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := signaling.DialRelay(ctx, url)
	if err != nil {
		t.Fatalf("can't dial relay: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func nextMessage(t *testing.T, sub *signaling.Subscription) signaling.Message {
	t.Helper()

	select {
	case m, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func assertNoMessage(t *testing.T, sub *signaling.Subscription) {
	t.Helper()

	select {
	case m := <-sub.Messages():
		t.Fatalf("unexpected message: %s", m.GetMethod())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayRoundTrip(t *testing.T) {
	server := startTestRelay(t)
	client := dialTestRelay(t, server)
	ctx := context.Background()

	room, err := client.CreateRoom(ctx)
	assert.Nil(t, err)
	assert.NotEmpty(t, room)

	exists, err := client.RoomExists(ctx, room)
	assert.Nil(t, err)
	assert.True(t, exists)

	exists, err = client.RoomExists(ctx, "nope")
	assert.Nil(t, err)
	assert.False(t, exists)

	assert.Nil(t, client.PublishPresence(ctx, room, signaling.Presence{ParticipantID: "alice"}))
	presences, err := client.Presences(ctx, room)
	assert.Nil(t, err)
	assert.Equal(t, []signaling.Presence{{ParticipantID: "alice"}}, presences)

	assert.Nil(t, client.RemovePresence(ctx, room, "alice"))
	presences, err = client.Presences(ctx, room)
	assert.Nil(t, err)
	assert.Empty(t, presences)

	_, ok, err := client.OfferFor(ctx, room, "bob", "alice")
	assert.Nil(t, err)
	assert.False(t, ok)

	candidates, err := client.CandidatesFor(ctx, room, "bob", "alice")
	assert.Nil(t, err)
	assert.Empty(t, candidates)
}

func TestRelaySnapshotReplay(t *testing.T) {
	server := startTestRelay(t)
	alice := dialTestRelay(t, server)
	ctx := context.Background()

	room, err := alice.CreateRoom(ctx)
	assert.Nil(t, err)
	assert.Nil(t, alice.PublishPresence(ctx, room, signaling.Presence{ParticipantID: "alice"}))

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	assert.Nil(t, alice.SendOffer(ctx, room, "alice", "bob", offer))

	first := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2"}
	assert.Nil(t, alice.SendCandidate(ctx, room, "alice", "bob", first))
	assert.Nil(t, alice.SendCandidate(ctx, room, "alice", "bob", second))

	bob := dialTestRelay(t, server)
	sub, err := bob.Subscribe(ctx, room, "bob")
	assert.Nil(t, err)

	pm, ok := nextMessage(t, sub).(*signaling.PresenceMessage)
	assert.True(t, ok)
	assert.Equal(t, core.ParticipantID("alice"), pm.Params.ParticipantID)

	om, ok := nextMessage(t, sub).(*signaling.OfferMessage)
	assert.True(t, ok)
	assert.Equal(t, core.ParticipantID("alice"), om.Params.From)
	assert.Equal(t, offer, om.Params.Payload)

	cm, ok := nextMessage(t, sub).(*signaling.ICECandidateMessage)
	assert.True(t, ok)
	assert.Equal(t, first, cm.Params.Candidate)

	cm, ok = nextMessage(t, sub).(*signaling.ICECandidateMessage)
	assert.True(t, ok)
	assert.Equal(t, second, cm.Params.Candidate)
}

func TestRelaySnapshotReplaysPendingAnswer(t *testing.T) {
	server := startTestRelay(t)
	alice := dialTestRelay(t, server)
	ctx := context.Background()

	room, err := alice.CreateRoom(ctx)
	assert.Nil(t, err)
	assert.Nil(t, alice.PublishPresence(ctx, room, signaling.Presence{ParticipantID: "alice"}))

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	assert.Nil(t, alice.SendAnswer(ctx, room, "alice", "bob", answer))

	bob := dialTestRelay(t, server)
	sub, err := bob.Subscribe(ctx, room, "bob")
	assert.Nil(t, err)

	_, ok := nextMessage(t, sub).(*signaling.PresenceMessage)
	assert.True(t, ok)

	am, ok := nextMessage(t, sub).(*signaling.AnswerMessage)
	assert.True(t, ok)
	assert.Equal(t, core.ParticipantID("alice"), am.Params.From)
	assert.Equal(t, answer, am.Params.Payload)
}

func TestRelayDirectedNotifications(t *testing.T) {
	server := startTestRelay(t)
	ctx := context.Background()

	alice := dialTestRelay(t, server)
	bob := dialTestRelay(t, server)
	carol := dialTestRelay(t, server)

	room, err := alice.CreateRoom(ctx)
	assert.Nil(t, err)

	subA, err := alice.Subscribe(ctx, room, "alice")
	assert.Nil(t, err)
	subB, err := bob.Subscribe(ctx, room, "bob")
	assert.Nil(t, err)
	subC, err := carol.Subscribe(ctx, room, "carol")
	assert.Nil(t, err)

	// Presence fans out to every member except the publisher.
	assert.Nil(t, alice.PublishPresence(ctx, room, signaling.Presence{ParticipantID: "alice"}))
	pm, ok := nextMessage(t, subB).(*signaling.PresenceMessage)
	assert.True(t, ok)
	assert.Equal(t, core.ParticipantID("alice"), pm.Params.ParticipantID)
	_, ok = nextMessage(t, subC).(*signaling.PresenceMessage)
	assert.True(t, ok)
	assertNoMessage(t, subA)

	// Descriptions and candidates only reach the addressee.
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	assert.Nil(t, alice.SendOffer(ctx, room, "alice", "bob", offer))
	om, ok := nextMessage(t, subB).(*signaling.OfferMessage)
	assert.True(t, ok)
	assert.Equal(t, offer, om.Params.Payload)
	assertNoMessage(t, subC)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	assert.Nil(t, bob.SendAnswer(ctx, room, "bob", "alice", answer))
	am, ok := nextMessage(t, subA).(*signaling.AnswerMessage)
	assert.True(t, ok)
	assert.Equal(t, core.ParticipantID("bob"), am.Params.From)

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	assert.Nil(t, bob.SendCandidate(ctx, room, "bob", "alice", candidate))
	cm, ok := nextMessage(t, subA).(*signaling.ICECandidateMessage)
	assert.True(t, ok)
	assert.Equal(t, candidate, cm.Params.Candidate)
}
