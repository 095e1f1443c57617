package rtc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const rtcpPLIInterval = time.Second * 3

// RemoteMedia is the locally-held handle on a peer's inbound tracks. Stop
// releases the readers and the keyframe ticker; it is safe to call more than
// once.
type RemoteMedia interface {
	Stop()
}

type remoteMedia struct {
	pc *webrtc.PeerConnection

	stop chan struct{}
	once sync.Once

	bytesReceived uint64
}

func newRemoteMedia(pc *webrtc.PeerConnection) *remoteMedia {
	return &remoteMedia{
		pc:   pc,
		stop: make(chan struct{}),
	}
}

func (m *remoteMedia) Stop() {
	m.once.Do(func() {
		close(m.stop)
	})
}

func (m *remoteMedia) watch(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Debug().Str("service", "rtc").Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("remote track added")

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask the sender for a keyframe on an interval so late watchers are
		// not stuck on a stale reference frame.
		go m.pliLoop(uint32(track.SSRC()))
	}
	go m.drain(track)
}

func (m *remoteMedia) pliLoop(ssrc uint32) {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				log.Debug().Err(err).Str("service", "rtc").Msg("stop PLI loop")
				return
			}
		}
	}
}

func (m *remoteMedia) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			// Track ended or connection closed.
			return
		}
		m.observe(pkt)
	}
}

func (m *remoteMedia) observe(pkt *rtp.Packet) {
	atomic.AddUint64(&m.bytesReceived, uint64(pkt.MarshalSize()))
}
