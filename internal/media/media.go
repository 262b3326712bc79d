// Package media owns local capture devices. The Manager is the only component
// allowed to acquire or release microphone, camera and screen captures; the
// call layer reaches devices exclusively through it.
//
// Device access sits behind the Provider capability interface so the call
// state machine is testable without real hardware.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Kind identifies a capture device class.
type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

var (
	// ErrPermissionDenied means the user or OS refused device access.
	// Recoverable: the call continues without that media kind.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceUnavailable covers every other acquisition failure.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// Capture is one live local capture. The underlying device stays open across
// SetEnabled toggles; only Close releases it.
type Capture interface {
	Kind() Kind
	// ID is stable for the lifetime of the capture. Toggling enabled state
	// never changes it.
	ID() string
	// Local returns the track to hand to the peer connection.
	Local() webrtc.TrackLocal
	// SetEnabled flips the cheap mute flag. Disabled captures keep the
	// device open but stop emitting media.
	SetEnabled(enabled bool)
	Enabled() bool
	// OnEnded registers a callback fired once when the capture ends on its
	// own (e.g. the user stops a screen share from the OS picker).
	OnEnded(fn func())
	Close() error
}

// Provider opens captures for a device class.
type Provider interface {
	Open(kind Kind) (Capture, error)
}
