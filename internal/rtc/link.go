// Package rtc owns the peer-to-peer media connection of the active call: one
// Link per call session, created when the session enters connecting and
// closed when it ends.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	// ErrNegotiationFailed wraps offer/answer application errors. These are
	// fatal to the call.
	ErrNegotiationFailed = errors.New("rtc: negotiation failed")
	// ErrConnectionFailed is surfaced through the fatal callback after the
	// single ICE-restart retry also failed.
	ErrConnectionFailed = errors.New("rtc: connection failed")
)

// RemoteTrack is the read surface handed to video sinks when remote media
// arrives. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Config carries the connection-level settings for a Link.
type Config struct {
	ICEServers []string
}

// Link wraps exactly one webrtc.PeerConnection and the offer/answer/ICE
// dance around it. All mutating methods are safe for concurrent use.
type Link struct {
	logger *zap.Logger

	mu sync.Mutex
	pc *webrtc.PeerConnection

	opened        bool
	closed        bool
	remoteDescSet bool
	restartTried  bool

	// Candidates that arrived before the remote description; flushed once it
	// is set. Late or malformed candidates are dropped, never fatal.
	pendingCandidates []webrtc.ICECandidateInit

	onRemoteTrack        func(RemoteTrack)
	onLocalCandidate     func(webrtc.ICECandidateInit)
	onRenegotiationOffer func(webrtc.SessionDescription)
	onStateChange        func(webrtc.PeerConnectionState)
	onFatal              func(error)
}

// NewLink builds the underlying peer connection. Generous ICE timeouts keep
// a brief NAT or relay hiccup from terminating the call.
func NewLink(cfg Config, logger *zap.Logger) (*Link, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return &Link{
		logger: logger.Named("rtc"),
		pc:     pc,
	}, nil
}

// OnRemoteTrack registers the remote-track-arrival observer. Must be set
// before Open.
func (l *Link) OnRemoteTrack(fn func(RemoteTrack)) {
	l.mu.Lock()
	l.onRemoteTrack = fn
	l.mu.Unlock()
}

// OnLocalCandidate registers the trickle-ICE observer.
func (l *Link) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onLocalCandidate = fn
	l.mu.Unlock()
}

// OnRenegotiationOffer registers the observer for offers the link creates on
// its own, for ICE restarts and mid-call sender additions.
func (l *Link) OnRenegotiationOffer(fn func(webrtc.SessionDescription)) {
	l.mu.Lock()
	l.onRenegotiationOffer = fn
	l.mu.Unlock()
}

// OnStateChange registers the connection-state observer.
func (l *Link) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	l.mu.Lock()
	l.onStateChange = fn
	l.mu.Unlock()
}

// OnFatal registers the observer fired when the connection is beyond repair.
func (l *Link) OnFatal(fn func(error)) {
	l.mu.Lock()
	l.onFatal = fn
	l.mu.Unlock()
}

// Open attaches the local tracks and wires the connection callbacks. Calling
// it twice for the same link is a programming error, but races between accept
// and signaling arrival are expected, so the second call is logged and
// ignored instead of failing.
func (l *Link) Open(tracks []webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("rtc: link is closed")
	}
	if l.opened {
		l.logger.Warn("Ignoring duplicate Open on peer link")
		return nil
	}
	l.opened = true

	for _, track := range tracks {
		if _, err := l.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add local track %s: %w", track.ID(), err)
		}
	}

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info("Received remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		l.mu.Lock()
		fn := l.onRemoteTrack
		l.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	l.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete.
			return
		}
		l.mu.Lock()
		fn := l.onLocalCandidate
		l.mu.Unlock()
		if fn != nil {
			fn(candidate.ToJSON())
		}
	})

	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Info("PeerConnection state changed", zap.String("state", state.String()))

		l.mu.Lock()
		fn := l.onStateChange
		l.mu.Unlock()
		if fn != nil {
			fn(state)
		}

		if state == webrtc.PeerConnectionStateFailed {
			l.handleFailure()
		}
	})

	return nil
}

// CreateOffer produces and installs the initial offer. Caller role only.
func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.opened {
		return webrtc.SessionDescription{}, errors.New("rtc: link not open")
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}
	return *l.pc.LocalDescription(), nil
}

// ApplyRemoteOffer installs the remote offer and returns the local answer.
// Callee role only.
func (l *Link) ApplyRemoteOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.opened {
		return webrtc.SessionDescription{}, errors.New("rtc: link not open")
	}
	if err := checkDescription(&offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailed, err)
	}
	l.remoteDescSet = true
	l.flushPendingCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err)
	}
	return *l.pc.LocalDescription(), nil
}

// ApplyRemoteAnswer installs the remote answer to a previously sent offer.
func (l *Link) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.opened {
		return errors.New("rtc: link not open")
	}
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer without pending offer (state %s)",
			ErrNegotiationFailed, l.pc.SignalingState())
	}
	if err := checkDescription(&answer); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailed, err)
	}
	l.remoteDescSet = true
	l.flushPendingCandidates()
	return nil
}

// AddRemoteCandidate applies one trickled candidate. Candidates arriving
// before the remote description are queued; failures on individual
// candidates are logged and swallowed, never propagated.
func (l *Link) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if !l.remoteDescSet {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		return nil
	}
	if err := l.pc.AddICECandidate(candidate); err != nil {
		l.logger.Warn("Failed to add ICE candidate", zap.Error(err))
	}
	return nil
}

// flushPendingCandidates applies queued candidates. Caller holds l.mu.
func (l *Link) flushPendingCandidates() {
	if len(l.pendingCandidates) == 0 {
		return
	}
	l.logger.Debug("Flushing queued ICE candidates", zap.Int("count", len(l.pendingCandidates)))
	for _, candidate := range l.pendingCandidates {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.logger.Warn("Failed to add queued ICE candidate", zap.Error(err))
		}
	}
	l.pendingCandidates = nil
}

// ReplaceOutgoingVideo substitutes the outgoing video track, adding a sender
// if none exists yet. Used for the screen-share swap.
func (l *Link) ReplaceOutgoingVideo(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.opened {
		return errors.New("rtc: link not open")
	}

	for _, sender := range l.pc.GetSenders() {
		current := sender.Track()
		if current != nil && current.Kind() == webrtc.RTPCodecTypeVideo {
			if err := sender.ReplaceTrack(track); err != nil {
				return fmt.Errorf("failed to replace video track: %w", err)
			}
			return nil
		}
	}

	if track == nil {
		return nil
	}
	if _, err := l.pc.AddTrack(track); err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}
	// A sender added mid-call is invisible to the remote side until a fresh
	// offer goes out.
	return l.renegotiateLocked(nil)
}

// handleFailure runs the failure policy: one ICE restart, then fatal.
func (l *Link) handleFailure() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.restartTried {
		fn := l.onFatal
		l.mu.Unlock()
		l.logger.Error("PeerConnection failed after ICE restart")
		if fn != nil {
			fn(ErrConnectionFailed)
		}
		return
	}
	l.restartTried = true
	l.mu.Unlock()

	l.logger.Warn("PeerConnection failed, attempting ICE restart")
	if err := l.restartICE(); err != nil {
		l.logger.Error("ICE restart failed", zap.Error(err))
		l.mu.Lock()
		fn := l.onFatal
		l.mu.Unlock()
		if fn != nil {
			fn(ErrConnectionFailed)
		}
	}
}

// restartICE creates a restart offer and hands it to the renegotiation
// observer for delivery through signaling.
func (l *Link) restartICE() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renegotiateLocked(&webrtc.OfferOptions{ICERestart: true})
}

// renegotiateLocked creates a fresh offer and hands it to the renegotiation
// observer. Caller holds l.mu.
func (l *Link) renegotiateLocked(opts *webrtc.OfferOptions) error {
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("failed to create renegotiation offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set renegotiation offer: %w", err)
	}

	fn := l.onRenegotiationOffer
	if fn != nil {
		desc := *l.pc.LocalDescription()
		go fn(desc)
	}
	return nil
}

// Close tears down the connection and every sender/receiver. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pendingCandidates = nil
	pc := l.pc
	l.mu.Unlock()

	return pc.Close()
}
