package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/rtc"
	"github.com/meshrtc/meshcall/internal/signaling"
)

const minimalTestSdp = `v=0
o=- 143082287 1645700618 IN IP4 0.0.0.0
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=mid:0
`

type fakeTransport struct {
	mu              sync.Mutex
	localDesc       *webrtc.SessionDescription
	remoteDesc      *webrtc.SessionDescription
	remoteSetCount  int
	candidates      []webrtc.ICECandidateInit
	replaced        map[webrtc.RTPCodecType]webrtc.TrackLocal
	stable          bool
	closed          bool
	onCandidate     func(webrtc.ICECandidateInit)
	onStateChange   func(webrtc.PeerConnectionState)
	failSetRemote   error
	failCreateOffer error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replaced: make(map[webrtc.RTPCodecType]webrtc.TrackLocal)}
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.failCreateOffer != nil {
		return webrtc.SessionDescription{}, t.failCreateOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: minimalTestSdp}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: minimalTestSdp}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDesc = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSetRemote != nil {
		return t.failSetRemote
	}
	t.remoteDesc = &desc
	t.remoteSetCount++
	if desc.Type == webrtc.SDPTypeAnswer {
		t.stable = true
	}
	return nil
}

func (t *fakeTransport) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaced[kind] = track
	return nil
}

func (t *fakeTransport) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	t.onCandidate = handler
}

func (t *fakeTransport) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	t.onStateChange = handler
}

func (t *fakeTransport) SignalingStable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stable
}

func (t *fakeTransport) Remote() rtc.RemoteMedia {
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSetCount
}

func (t *fakeTransport) replacedTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replaced[kind]
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	trackSets  [][]webrtc.TrackLocal
	onCreate   func()
}

func (f *fakeFactory) Create(tracks []webrtc.TrackLocal) (rtc.Transport, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	transport := newFakeTransport()
	f.transports = append(f.transports, transport)
	f.trackSets = append(f.trackSets, tracks)
	return transport, nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) lastTransport() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

type sentDescription struct {
	from, to core.ParticipantID
	desc     webrtc.SessionDescription
}

type sentCandidate struct {
	from, to  core.ParticipantID
	candidate webrtc.ICECandidateInit
}

type fakeChannel struct {
	mu           sync.Mutex
	exists       bool
	presencesErr error
	presences    map[core.ParticipantID]signaling.Presence
	offers       []sentDescription
	answers      []sentDescription
	candidates   []sentCandidate
	backlog      map[string][]webrtc.ICECandidateInit
	cleaned      [][2]core.ParticipantID
	feed         chan signaling.Message
	feedOnce     sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exists:    true,
		presences: make(map[core.ParticipantID]signaling.Presence),
		backlog:   make(map[string][]webrtc.ICECandidateInit),
		feed:      make(chan signaling.Message, 16),
	}
}

func (c *fakeChannel) CreateRoom(context.Context) (core.RoomID, error) {
	return core.RoomID("test-room"), nil
}

func (c *fakeChannel) RoomExists(context.Context, core.RoomID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exists, nil
}

func (c *fakeChannel) PublishPresence(_ context.Context, _ core.RoomID, presence signaling.Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presences[presence.ParticipantID] = presence
	return nil
}

func (c *fakeChannel) RemovePresence(_ context.Context, _ core.RoomID, id core.ParticipantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presences, id)
	return nil
}

func (c *fakeChannel) Presences(context.Context, core.RoomID) ([]signaling.Presence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presencesErr != nil {
		return nil, c.presencesErr
	}
	out := make([]signaling.Presence, 0, len(c.presences))
	for _, presence := range c.presences {
		out = append(out, presence)
	}
	return out, nil
}

func (c *fakeChannel) SendOffer(_ context.Context, _ core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = append(c.offers, sentDescription{from: from, to: to, desc: desc})
	return nil
}

func (c *fakeChannel) SendAnswer(_ context.Context, _ core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, sentDescription{from: from, to: to, desc: desc})
	return nil
}

func (c *fakeChannel) SendCandidate(_ context.Context, _ core.RoomID, from, to core.ParticipantID, candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, sentCandidate{from: from, to: to, candidate: candidate})
	return nil
}

func (c *fakeChannel) OfferFor(context.Context, core.RoomID, core.ParticipantID, core.ParticipantID) (webrtc.SessionDescription, bool, error) {
	return webrtc.SessionDescription{}, false, nil
}

func (c *fakeChannel) CandidatesFor(_ context.Context, _ core.RoomID, from, to core.ParticipantID) ([]webrtc.ICECandidateInit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(from) + ":" + string(to)
	out := c.backlog[key]
	delete(c.backlog, key)
	return out, nil
}

func (c *fakeChannel) Subscribe(context.Context, core.RoomID, core.ParticipantID) (*signaling.Subscription, error) {
	return signaling.NewSubscription(c.feed, func() error {
		c.feedOnce.Do(func() { close(c.feed) })
		return nil
	}), nil
}

func (c *fakeChannel) CleanupPair(_ context.Context, _ core.RoomID, a, b core.ParticipantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, [2]core.ParticipantID{a, b})
	return nil
}

func (c *fakeChannel) Close() error {
	c.feedOnce.Do(func() { close(c.feed) })
	return nil
}

func (c *fakeChannel) setBacklog(from, to core.ParticipantID, candidates []webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlog[string(from)+":"+string(to)] = candidates
}

func (c *fakeChannel) sentOffers() []sentDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentDescription(nil), c.offers...)
}

func (c *fakeChannel) sentAnswers() []sentDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentDescription(nil), c.answers...)
}

func (c *fakeChannel) cleanedPairs() [][2]core.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]core.ParticipantID(nil), c.cleaned...)
}

func (c *fakeChannel) presenceOf(id core.ParticipantID) (signaling.Presence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	presence, ok := c.presences[id]
	return presence, ok
}

type fakeBundle struct {
	mu     sync.Mutex
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	ended  func()
	closed bool
}

func (b *fakeBundle) AudioTrack() webrtc.TrackLocal { return b.audio }
func (b *fakeBundle) VideoTrack() webrtc.TrackLocal { return b.video }

func (b *fakeBundle) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, 2)
	if b.audio != nil {
		tracks = append(tracks, b.audio)
	}
	if b.video != nil {
		tracks = append(tracks, b.video)
	}
	return tracks
}

func (b *fakeBundle) OnEnded(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = handler
}

func (b *fakeBundle) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBundle) fireEnded() {
	b.mu.Lock()
	handler := b.ended
	b.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (b *fakeBundle) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func testVideoTrack(id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		id, "mesh-test",
	)
	if err != nil {
		panic(err)
	}
	return track
}

func testAudioTrack(id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		id, "mesh-test",
	)
	if err != nil {
		panic(err)
	}
	return track
}

func newTestHandshake(channel *fakeChannel, factory *fakeFactory, camera rtc.Bundle, timeout ...time.Duration) (*Handshake, *State, *Monitor, *Router) {
	state := NewState()
	state.SetJoined(true)
	router := NewRouter(state, camera)

	inviteTimeout := 5 * time.Second
	if len(timeout) > 0 {
		inviteTimeout = timeout[0]
	}
	var handshake *Handshake
	monitor := NewMonitor(inviteTimeout, func(id core.ParticipantID) {
		handshake.RemoveParticipant(context.Background(), id)
	})
	handshake = NewHandshake(HandshakeParams{
		State:   state,
		Channel: channel,
		Factory: factory,
		Monitor: monitor,
		Router:  router,
		Room:    "test-room",
		Self:    "alice",
	})
	return handshake, state, monitor, router
}
