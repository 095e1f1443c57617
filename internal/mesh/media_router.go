package mesh

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/meshcall/internal/rtc"
)

// ShareOptions controls which kinds a screen share takes over. A suppressed
// kind keeps sending the camera bundle's track.
type ShareOptions struct {
	SuppressAudio bool
	SuppressVideo bool
}

// Router owns the outbound media source. New transports are created with
// whatever Tracks returns, so peers joining mid-share receive the screen
// track; active transports are retargeted with ReplaceTrack, no
// renegotiation involved.
type Router struct {
	mu      sync.Mutex
	state   *State
	camera  rtc.Bundle
	screen  rtc.Bundle
	options ShareOptions
}

func NewRouter(state *State, camera rtc.Bundle) *Router {
	return &Router{state: state, camera: camera}
}

// Tracks returns the outbound track set for a new transport, reflecting an
// active screen share.
func (r *Router) Tracks() []webrtc.TrackLocal {
	r.mu.Lock()
	defer r.mu.Unlock()

	audio, video := r.activeTracks()
	tracks := make([]webrtc.TrackLocal, 0, 2)
	if audio != nil {
		tracks = append(tracks, audio)
	}
	if video != nil {
		tracks = append(tracks, video)
	}
	return tracks
}

// ShareScreen retargets every active session to the screen bundle. The
// bundle's ended signal reverts automatically, e.g. when the capture source
// disappears underneath us.
func (r *Router) ShareScreen(screen rtc.Bundle, options ShareOptions) {
	r.mu.Lock()
	if r.screen != nil {
		prev := r.screen
		r.screen = nil
		prev.Close()
	}
	r.screen = screen
	r.options = options
	r.mu.Unlock()

	screen.OnEnded(func() {
		log.Debug().Str("service", "router").Msg("screen capture ended")
		r.endShare(screen)
	})
	r.retargetAll()
	log.Debug().Str("service", "router").Msg("screen share started")
}

// EndScreenShare reverts every session to the camera bundle and releases
// the screen capture. A second call is a no-op.
func (r *Router) EndScreenShare() {
	r.endShare(nil)
}

// endShare tears the share down. A non-nil expect restricts it to one
// specific bundle, so the ended signal of an already replaced capture
// cannot kill its successor.
func (r *Router) endShare(expect rtc.Bundle) {
	r.mu.Lock()
	if expect != nil && r.screen != expect {
		r.mu.Unlock()
		return
	}
	screen := r.screen
	r.screen = nil
	r.options = ShareOptions{}
	r.mu.Unlock()
	if screen == nil {
		return
	}

	r.retargetAll()
	if err := screen.Close(); err != nil {
		log.Error().Err(err).Str("service", "router").Msg("error on close screen capture")
	}
	log.Debug().Str("service", "router").Msg("screen share ended")
}

func (r *Router) Sharing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.screen != nil
}

// retargetAll swaps the outbound senders of every active session to the
// current source.
func (r *Router) retargetAll() {
	r.mu.Lock()
	audio, video := r.activeTracks()
	r.mu.Unlock()

	for _, sess := range r.state.Sessions() {
		if audio != nil {
			if err := sess.Transport.ReplaceTrack(webrtc.RTPCodecTypeAudio, audio); err != nil {
				log.Error().Err(err).Str("service", "router").Str("ID", string(sess.ID)).Msg("error on replace audio track")
			}
		}
		if video != nil {
			if err := sess.Transport.ReplaceTrack(webrtc.RTPCodecTypeVideo, video); err != nil {
				log.Error().Err(err).Str("service", "router").Str("ID", string(sess.ID)).Msg("error on replace video track")
			}
		}
	}
}

// activeTracks resolves the outbound audio and video tracks from the
// current source. Callers hold r.mu.
func (r *Router) activeTracks() (audio, video webrtc.TrackLocal) {
	if r.camera != nil {
		audio = r.camera.AudioTrack()
		video = r.camera.VideoTrack()
	}
	if r.screen == nil {
		return audio, video
	}
	if !r.options.SuppressVideo {
		if track := r.screen.VideoTrack(); track != nil {
			video = track
		}
	}
	if !r.options.SuppressAudio {
		if track := r.screen.AudioTrack(); track != nil {
			audio = track
		}
	}
	return audio, video
}
