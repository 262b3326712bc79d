package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen adapter
)

// Constraints carries the preferred capture settings per device class.
type Constraints struct {
	VideoWidth    int
	VideoHeight   int
	Framerate     float32
	VideoBitRate  int
	AudioBitRate  int
	ScreenWidth   int
	ScreenHeight  int
	ScreenBitRate int
}

// DeviceProvider opens real captures through pion/mediadevices. Each capture
// encodes to VP8/Opus and is exposed as a TrackLocalStaticRTP fed by an RTP
// pump goroutine, so mute gating happens at the packet level without touching
// the device.
type DeviceProvider struct {
	constraints   Constraints
	logger        *zap.Logger
	codecSelector *mediadevices.CodecSelector
	screenCodecs  *mediadevices.CodecSelector
}

// NewDeviceProvider builds the provider and its codec selectors.
func NewDeviceProvider(constraints Constraints, logger *zap.Logger) (*DeviceProvider, error) {
	camera, err := newSelector(constraints.VideoBitRate, constraints.AudioBitRate)
	if err != nil {
		return nil, err
	}
	screen, err := newSelector(constraints.ScreenBitRate, constraints.AudioBitRate)
	if err != nil {
		return nil, err
	}
	return &DeviceProvider{
		constraints:   constraints,
		logger:        logger.Named("devices"),
		codecSelector: camera,
		screenCodecs:  screen,
	}, nil
}

func newSelector(videoBitRate, audioBitRate int) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = audioBitRate
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Open acquires one capture of the given kind.
func (p *DeviceProvider) Open(kind Kind) (Capture, error) {
	switch kind {
	case KindAudio:
		return p.openUserMedia(kind, mediadevices.MediaStreamConstraints{
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(48000)
				c.ChannelCount = prop.Int(1)
				c.SampleSize = prop.Int(16)
				c.IsFloat = prop.BoolExact(false)
				c.IsBigEndian = prop.BoolExact(false)
				c.IsInterleaved = prop.BoolExact(true)
				c.Latency = prop.Duration(20 * time.Millisecond)
			},
			Codec: p.codecSelector,
		})
	case KindVideo:
		return p.openUserMedia(kind, mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.IntRanged{Max: p.constraints.VideoWidth}
				c.Height = prop.IntRanged{Max: p.constraints.VideoHeight}
				c.FrameRate = prop.Float(p.constraints.Framerate)
			},
			Codec: p.codecSelector,
		})
	case KindScreen:
		return p.openDisplayMedia()
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrDeviceUnavailable, kind)
	}
}

func (p *DeviceProvider) openUserMedia(kind Kind, constraints mediadevices.MediaStreamConstraints) (Capture, error) {
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyAcquisitionError(err)
	}
	return p.wrapFirstTrack(kind, stream)
}

// openDisplayMedia starts a screen capture. System audio is not requested:
// the screen drivers expose video only.
func (p *DeviceProvider) openDisplayMedia() (Capture, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Max: p.constraints.ScreenWidth}
			c.Height = prop.IntRanged{Max: p.constraints.ScreenHeight}
			c.FrameRate = prop.Float(p.constraints.Framerate)
		},
		Codec: p.screenCodecs,
	})
	if err != nil {
		return nil, classifyAcquisitionError(err)
	}
	return p.wrapFirstTrack(KindScreen, stream)
}

func (p *DeviceProvider) wrapFirstTrack(kind Kind, stream mediadevices.MediaStream) (Capture, error) {
	var source mediadevices.Track
	if kind == KindAudio {
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, fmt.Errorf("%w: stream has no audio track", ErrDeviceUnavailable)
		}
		source = tracks[0]
	} else {
		tracks := stream.GetVideoTracks()
		if len(tracks) == 0 {
			return nil, fmt.Errorf("%w: stream has no video track", ErrDeviceUnavailable)
		}
		source = tracks[0]
	}

	capture, err := newDeviceCapture(kind, source, p.logger)
	if err != nil {
		source.Close()
		return nil, err
	}

	p.logger.Info("Capture opened",
		zap.String("kind", string(kind)),
		zap.String("track", capture.ID()))
	return capture, nil
}

// classifyAcquisitionError maps driver failures onto the two-error taxonomy.
// mediadevices has no structured permission error, so this goes by message.
func classifyAcquisitionError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") ||
		strings.Contains(msg, "denied") ||
		strings.Contains(msg, "not allowed") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

func localTrackCapability(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindAudio {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	}
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
}

func newLocalTrackID(kind Kind) string {
	return string(kind) + "-" + uuid.NewString()
}
