package media

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const pumpMTU = 1200

// deviceCapture bridges one mediadevices track to a TrackLocalStaticRTP. A
// pump goroutine reads encoded RTP from the device and forwards it to the
// local track; while the capture is disabled the pump drops packets instead,
// which gives mute/unmute without reacquiring or stopping the device.
type deviceCapture struct {
	kind   Kind
	source mediadevices.Track
	local  *webrtc.TrackLocalStaticRTP
	logger *zap.Logger

	enabled atomic.Bool
	cancel  context.CancelFunc

	endedMu    sync.Mutex
	endedFns   []func()
	endedFired bool
}

func newDeviceCapture(kind Kind, source mediadevices.Track, logger *zap.Logger) (*deviceCapture, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		localTrackCapability(kind),
		newLocalTrackID(kind),
		"quill-"+string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create local %s track: %w", kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &deviceCapture{
		kind:   kind,
		source: source,
		local:  local,
		logger: logger.Named("pump").With(zap.String("kind", string(kind))),
		cancel: cancel,
	}
	c.enabled.Store(true)

	source.OnEnded(func(err error) {
		if err != nil && err != io.EOF {
			c.logger.Warn("Capture source ended", zap.Error(err))
		}
		c.fireEnded()
	})

	// The SSRC here is rewritten by the sender binding on write, so a random
	// one is fine.
	reader, err := source.NewRTPReader(local.Codec().MimeType, uuid.New().ID(), pumpMTU)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create %s RTP reader: %w", kind, err)
	}

	go c.pump(ctx, reader)
	return c, nil
}

// pump forwards encoded packets from the device to the local track until the
// source ends or the capture is closed.
func (c *deviceCapture) pump(ctx context.Context, reader mediadevices.RTPReadCloser) {
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		packets, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				c.logger.Debug("Capture track ended")
				c.fireEnded()
				return
			}
			c.logger.Warn("Error reading RTP packet", zap.Error(err))
			continue
		}

		if c.enabled.Load() {
			if err := c.forward(packets); err != nil {
				if release != nil {
					release()
				}
				return
			}
		}
		if release != nil {
			release()
		}
	}
}

// forward writes encoded packets to the local track. The sender binding
// rewrites SSRC and sequence on the way out. A closed track ends the pump.
func (c *deviceCapture) forward(packets []*rtp.Packet) error {
	for _, packet := range packets {
		if err := c.local.WriteRTP(packet); err != nil {
			if strings.Contains(err.Error(), "closed") {
				return err
			}
			c.logger.Warn("Error writing RTP packet", zap.Error(err))
		}
	}
	return nil
}

func (c *deviceCapture) Kind() Kind               { return c.kind }
func (c *deviceCapture) ID() string               { return c.local.ID() }
func (c *deviceCapture) Local() webrtc.TrackLocal { return c.local }

func (c *deviceCapture) SetEnabled(enabled bool) { c.enabled.Store(enabled) }
func (c *deviceCapture) Enabled() bool           { return c.enabled.Load() }

func (c *deviceCapture) OnEnded(fn func()) {
	c.endedMu.Lock()
	c.endedFns = append(c.endedFns, fn)
	c.endedMu.Unlock()
}

func (c *deviceCapture) fireEnded() {
	c.endedMu.Lock()
	if c.endedFired {
		c.endedMu.Unlock()
		return
	}
	c.endedFired = true
	fns := c.endedFns
	c.endedMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *deviceCapture) Close() error {
	c.cancel()
	return c.source.Close()
}
