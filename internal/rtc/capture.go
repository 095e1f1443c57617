package rtc

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"

	// Register capture adapters.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

// Bundle is a local capture source: at most one audio and one video track.
// The camera bundle is acquired once per process; screen bundles are
// acquired on demand and fire OnEnded when the capture stops underneath us.
type Bundle interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	Tracks() []webrtc.TrackLocal
	OnEnded(handler func())
	Close() error
}

type deviceBundle struct {
	stream mediadevices.MediaStream
}

func (b *deviceBundle) AudioTrack() webrtc.TrackLocal {
	for _, track := range b.stream.GetAudioTracks() {
		return track
	}
	return nil
}

func (b *deviceBundle) VideoTrack() webrtc.TrackLocal {
	for _, track := range b.stream.GetVideoTracks() {
		return track
	}
	return nil
}

func (b *deviceBundle) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, 2)
	for _, track := range b.stream.GetTracks() {
		tracks = append(tracks, track)
	}
	return tracks
}

func (b *deviceBundle) OnEnded(handler func()) {
	for _, track := range b.stream.GetTracks() {
		track.OnEnded(func(error) {
			handler()
		})
	}
}

func (b *deviceBundle) Close() error {
	var first error
	for _, track := range b.stream.GetTracks() {
		if err := track.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewCodecSelector builds the encoder set shared by all capture bundles.
func NewCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// SelectorEngineOption registers the selector's codecs on the media engine,
// so captured tracks bind to the transports the factory builds.
func SelectorEngineOption(selector *mediadevices.CodecSelector) EngineOption {
	return func(me *webrtc.MediaEngine) {
		selector.Populate(me)
	}
}

// CameraBundle acquires the camera+microphone capture source.
func CameraBundle(selector *mediadevices.CodecSelector) (Bundle, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}

	return &deviceBundle{stream: stream}, nil
}

// ScreenBundle acquires an on-demand screen capture source (video only).
func ScreenBundle(selector *mediadevices.CodecSelector) (Bundle, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}

	return &deviceBundle{stream: stream}, nil
}
