// Package call implements the call lifecycle state machine. The Manager is
// the single external control surface: the UI issues commands and observes a
// read-only snapshot plus an event stream, and never touches the signaling
// channel, media devices or peer connection directly.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quillchat/quill/internal/media"
	"github.com/quillchat/quill/internal/proto"
	"github.com/quillchat/quill/internal/rtc"
)

// Status is the lifecycle state of the one session a client may hold.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	// StatusEnded is transient: the session resets to idle after a short
	// cosmetic linger.
	StatusEnded Status = "ended"
)

// Role determines which side creates the initial offer.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

var (
	// ErrCallInProgress rejects a second concurrent call.
	ErrCallInProgress = errors.New("call: another call is in progress")
	// ErrInvalidState rejects a command the current status does not allow.
	ErrInvalidState = errors.New("call: invalid state for this operation")
)

// End reasons reported in snapshots, events and history records.
const (
	ReasonHangup           = "ended"
	ReasonDeclined         = "declined"
	ReasonTimeout          = "timeout"
	ReasonConnectionFailed = "connection_failed"
	ReasonCallError        = "call_error"
)

// Session is the value object behind one call. It is replaced wholesale on
// each transition; the Manager never hands out a pointer to live state.
type Session struct {
	CallID        string
	Kind          proto.CallKind
	Role          Role
	Remote        proto.Participant
	Status        Status
	StartedAt     time.Time
	ConnectedAt   time.Time // zero until active
	ScreenSharing bool
}

// CallInfo is the slice of a session exposed to the UI.
type CallInfo struct {
	CallID string
	Kind   proto.CallKind
	Remote proto.Participant
}

// State is the read-only snapshot the UI renders from.
type State struct {
	IsConnected            bool
	CallStatus             Status
	ActiveCall             *CallInfo
	IncomingCall           *CallInfo
	AudioEnabled           bool
	VideoEnabled           bool
	IsScreenSharing        bool
	RemoteScreenSharing    bool
	RemoteParticipantState *proto.ParticipantState
	// CallDuration counts from the moment the call went active, excluding
	// ringing and connecting time.
	CallDuration time.Duration
	EndReason    string
}

// Signaler is the surface the state machine needs from the signaling layer.
// *signaling.Client satisfies it.
type Signaler interface {
	Send(event string, payload any) error
	On(event string, h func(data json.RawMessage)) int
	Off(event string, id int)
	OnConnectionStateChange(fn func(connected bool))
	IsConnected() bool
}

// PeerLink is the surface the state machine needs from the peer connection
// layer. *rtc.Link satisfies it; tests inject fakes.
type PeerLink interface {
	Open(tracks []webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	ApplyRemoteOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	ReplaceOutgoingVideo(track webrtc.TrackLocal) error
	OnRemoteTrack(fn func(rtc.RemoteTrack))
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnRenegotiationOffer(fn func(webrtc.SessionDescription))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	OnFatal(fn func(error))
	Close() error
}

// LinkFactory builds one PeerLink per session, so a connection object exists
// exactly while the session is connecting or active.
type LinkFactory func() (PeerLink, error)

// LocalVideoSink receives the local capture for self-view rendering.
type LocalVideoSink interface {
	Attach(c media.Capture)
	Detach()
}

// RemoteVideoSink receives remote tracks as they arrive.
type RemoteVideoSink interface {
	Attach(t rtc.RemoteTrack)
	Detach()
}

// CallRecord summarizes one finished call for the history store.
type CallRecord struct {
	CallID      string
	PeerID      string
	PeerName    string
	Kind        proto.CallKind
	Role        Role
	Reason      string
	StartedAt   time.Time
	ConnectedAt time.Time // zero if the call never went active
	Duration    time.Duration
}

// HistorySink persists finished calls. Optional; a nil sink disables it.
type HistorySink interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}
