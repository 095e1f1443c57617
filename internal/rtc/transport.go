package rtc

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshcall/internal/config"
)

const (
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default
)

// Transport is the per-remote-participant object performing negotiation and
// carrying media. A transport is exclusively owned by one peer session; no
// other component may call its operations.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	// ReplaceTrack swaps the outbound sender track of the given kind without
	// renegotiation.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	OnICECandidate(handler func(webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(webrtc.PeerConnectionState))
	SignalingStable() bool
	Remote() RemoteMedia
	Close() error
}

// Factory builds transports with a set of outbound tracks attached.
type Factory interface {
	Create(tracks []webrtc.TrackLocal) (Transport, error)
}

// EngineOption mutates the media engine before the API is built, e.g. to
// register capture codecs.
type EngineOption func(*webrtc.MediaEngine)

type TransportParams struct {
	EnabledCodecs []config.CodecSpec
	RTC           config.RTCConfig
	EngineOptions []EngineOption
}

// PCFactory builds pion-backed transports sharing one API object.
type PCFactory struct {
	api           *webrtc.API
	configuration webrtc.Configuration
}

func NewPCFactory(params TransportParams) (*PCFactory, error) {
	me, err := createMediaEngine(params.EnabledCodecs)
	if err != nil {
		return nil, err
	}
	for _, opt := range params.EngineOptions {
		opt(me)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.DisableMediaEngineCopy(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)
	se.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6,
	})
	if params.RTC.ICEPortRangeStart > 0 && params.RTC.ICEPortRangeEnd > 0 {
		if err := se.SetEphemeralUDPPortRange(params.RTC.ICEPortRangeStart, params.RTC.ICEPortRangeEnd); err != nil {
			return nil, err
		}
	}

	configuration := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if len(params.RTC.StunServers) > 0 {
		configuration.ICEServers = []webrtc.ICEServer{
			{URLs: params.RTC.StunServers},
		}
	}

	return &PCFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithSettingEngine(se),
			webrtc.WithInterceptorRegistry(registry),
		),
		configuration: configuration,
	}, nil
}

func (f *PCFactory) Create(tracks []webrtc.TrackLocal) (Transport, error) {
	pc, err := f.api.NewPeerConnection(f.configuration)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		pc:                pc,
		pendingCandidates: make([]webrtc.ICECandidateInit, 0),
		remote:            newRemoteMedia(pc),
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnTrack(t.remote.watch)

	return t, nil
}

// PCTransport wraps a pion peer connection. Remote candidates arriving
// before the remote description are buffered and flushed on
// SetRemoteDescription; the transport is the authority on candidate
// uniqueness, callers do not deduplicate.
type PCTransport struct {
	pc *webrtc.PeerConnection

	lock              sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit

	remote *remoteMedia
}

func (t *PCTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *PCTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *PCTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *PCTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	for _, candidate := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(candidate); err != nil {
			return err
		}
	}
	t.pendingCandidates = make([]webrtc.ICECandidateInit, 0)

	return nil
}

func (t *PCTransport) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	if t.pc.RemoteDescription() != nil {
		return t.pc.AddICECandidate(candidate)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.pendingCandidates = append(t.pendingCandidates, candidate)

	return nil
}

func (t *PCTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	for _, sender := range t.pc.GetSenders() {
		current := sender.Track()
		if current == nil || current.Kind() != kind {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return err
		}
	}

	return nil
}

func (t *PCTransport) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// End of gathering.
			return
		}
		handler(candidate.ToJSON())
	})
}

func (t *PCTransport) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(handler)
}

func (t *PCTransport) SignalingStable() bool {
	return t.pc.SignalingState() == webrtc.SignalingStateStable
}

func (t *PCTransport) Remote() RemoteMedia {
	return t.remote
}

func (t *PCTransport) Close() error {
	t.remote.Stop()
	return t.pc.Close()
}
