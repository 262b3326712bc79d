package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/media"
	"github.com/quillchat/quill/internal/proto"
	"github.com/quillchat/quill/internal/rtc"
)

// Options tune the state machine timers.
type Options struct {
	// RingTimeout bounds ringing and connecting. Zero disables the timer.
	RingTimeout time.Duration
	// EndedLinger is the cosmetic delay before ended resets to idle.
	EndedLinger time.Duration
}

// Manager owns the single CallSession and mediates between the signaling
// channel, the media manager and the peer link.
type Manager struct {
	signaler Signaler
	media    *media.Manager
	newLink  LinkFactory
	logger   *zap.Logger
	opts     Options

	history    HistorySink
	localSink  LocalVideoSink
	remoteSink RemoteVideoSink

	mu            sync.Mutex
	sess          *Session
	link          PeerLink
	savedCamera   media.Capture
	remoteState   *proto.ParticipantState
	remoteShare   bool
	lastReason    string
	epoch         uint64
	phaseTimer    *time.Timer
	registrations []registration
	closed        bool

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

type registration struct {
	event string
	id    int
}

// NewManager wires the state machine to its collaborators and starts
// listening for inbound signaling events immediately.
func NewManager(sig Signaler, mediaMgr *media.Manager, newLink LinkFactory, logger *zap.Logger, opts Options) *Manager {
	m := &Manager{
		signaler:  sig,
		media:     mediaMgr,
		newLink:   newLink,
		logger:    logger.Named("call"),
		opts:      opts,
		listeners: make(map[chan Event]struct{}),
	}
	m.bindSignaling()
	sig.OnConnectionStateChange(func(bool) {
		m.mu.Lock()
		ev := m.stateEventLocked()
		m.mu.Unlock()
		m.publish(ev)
	})
	return m
}

// SetHistory installs the optional sink for finished-call records.
func (m *Manager) SetHistory(sink HistorySink) {
	m.mu.Lock()
	m.history = sink
	m.mu.Unlock()
}

// SetVideoSinks installs the opaque local/remote rendering handles. Either
// may be nil.
func (m *Manager) SetVideoSinks(local LocalVideoSink, remote RemoteVideoSink) {
	m.mu.Lock()
	m.localSink = local
	m.remoteSink = remote
	m.mu.Unlock()
}

// Close unregisters from signaling and tears down any live call.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	regs := m.registrations
	m.registrations = nil
	m.teardownLocked(ReasonHangup, true)
	m.sess = nil
	m.mu.Unlock()

	for _, reg := range regs {
		m.signaler.Off(reg.event, reg.id)
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Event]struct{})
	m.listenerMu.Unlock()
}

// ---- Commands -----------------------------------------------------------

// Initiate starts an outgoing call to targetUserID.
func (m *Manager) Initiate(targetUserID string, kind proto.CallKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.idleLocked() {
		return ErrCallInProgress
	}

	m.epoch++
	tracks, notices := m.acquireLocalMedia(kind)
	link, err := m.openLinkLocked(tracks)
	if err != nil {
		m.media.ReleaseAll()
		return err
	}

	m.link = link
	m.sess = &Session{
		Kind:      kind,
		Role:      RoleCaller,
		Remote:    proto.Participant{ID: targetUserID},
		Status:    StatusConnecting,
		StartedAt: time.Now(),
	}
	m.lastReason = ""
	m.remoteState = nil
	m.remoteShare = false

	m.send(proto.EventCallInitiate, proto.CallInitiate{
		TargetUserID: targetUserID,
		Type:         kind,
		IsDM:         true,
	})
	m.startPhaseTimerLocked()
	m.attachLocalSinkLocked()

	m.logger.Info("Initiating call",
		zap.String("target", targetUserID),
		zap.String("type", string(kind)))

	for _, n := range notices {
		m.publish(Event{Kind: EventNotice, Notice: n})
	}
	m.publish(m.stateEventLocked())
	return nil
}

// Accept answers the ringing incoming call.
func (m *Manager) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Status != StatusRinging || m.sess.Role != RoleCallee {
		return ErrInvalidState
	}

	tracks, notices := m.acquireLocalMedia(m.sess.Kind)
	link, err := m.openLinkLocked(tracks)
	if err != nil {
		m.media.ReleaseAll()
		return err
	}

	m.link = link
	next := *m.sess
	next.Status = StatusConnecting
	m.sess = &next

	m.send(proto.EventCallAccept, proto.CallAccept{CallID: m.sess.CallID})
	m.startPhaseTimerLocked()
	m.attachLocalSinkLocked()

	m.logger.Info("Accepted call", zap.String("call_id", m.sess.CallID))

	for _, n := range notices {
		m.publish(Event{Kind: EventNotice, Notice: n})
	}
	m.publish(m.stateEventLocked())
	return nil
}

// Decline rejects the ringing incoming call. It never acquires media.
func (m *Manager) Decline() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Status != StatusRinging || m.sess.Role != RoleCallee {
		return ErrInvalidState
	}

	m.send(proto.EventCallDecline, proto.CallDecline{CallID: m.sess.CallID})
	m.logger.Info("Declined call", zap.String("call_id", m.sess.CallID))

	m.stopPhaseTimerLocked()
	m.media.ReleaseAll()
	m.recordHistoryLocked(ReasonDeclined)
	m.sess = nil
	m.lastReason = ReasonDeclined
	m.publish(m.stateEventLocked())
	return nil
}

// End hangs up the current call from any non-idle state.
func (m *Manager) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Status == StatusEnded {
		return ErrInvalidState
	}
	m.endLocked(ReasonHangup, true)
	return nil
}

// ToggleAudio flips the microphone mute flag and broadcasts the new state.
// The device is never reacquired; only the track-enabled flag changes.
func (m *Manager) ToggleAudio() bool {
	return m.toggle(media.KindAudio)
}

// ToggleVideo flips the camera mute flag and broadcasts the new state.
func (m *Manager) ToggleVideo() bool {
	return m.toggle(media.KindVideo)
}

func (m *Manager) toggle(kind media.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Status != StatusActive {
		return m.media.Enabled(kind)
	}

	enabled := m.media.SetEnabled(kind, !m.media.Enabled(kind))
	m.send(proto.EventCallStateUpdate, proto.CallStateUpdate{
		CallID:       m.sess.CallID,
		AudioEnabled: m.media.Enabled(media.KindAudio),
		VideoEnabled: m.media.Enabled(media.KindVideo),
	})
	m.publish(m.stateEventLocked())
	return enabled
}

// StartScreenShare swaps the outgoing video track for a display capture.
// A denied prompt is a notice, not a call failure.
func (m *Manager) StartScreenShare() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Status != StatusActive || m.sess.ScreenSharing {
		return ErrInvalidState
	}

	capture, err := m.media.Acquire(media.KindScreen)
	if err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			m.publish(Event{Kind: EventNotice, Notice: "Screen share permission denied"})
		}
		m.logger.Warn("Screen capture failed", zap.Error(err))
		return err
	}

	previous, _ := m.media.Get(media.KindVideo)
	if err := m.link.ReplaceOutgoingVideo(capture.Local()); err != nil {
		m.media.Release(media.KindScreen)
		return err
	}
	m.savedCamera = previous

	next := *m.sess
	next.ScreenSharing = true
	m.sess = &next

	// The user can stop the share from the OS picker; fold that back into
	// the state machine.
	epoch := m.epoch
	capture.OnEnded(func() {
		go m.stopScreenShareIfCurrent(epoch)
	})

	if m.localSink != nil {
		m.localSink.Attach(capture)
	}
	m.send(proto.EventScreenShareStart, proto.ScreenShare{CallID: m.sess.CallID})
	m.logger.Info("Screen share started", zap.String("call_id", m.sess.CallID))
	m.publish(m.stateEventLocked())
	return nil
}

// StopScreenShare restores the saved camera track and releases the display
// capture.
func (m *Manager) StopScreenShare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopScreenShareLocked()
}

func (m *Manager) stopScreenShareLocked() error {
	if m.sess == nil || !m.sess.ScreenSharing {
		return ErrInvalidState
	}

	var restored webrtc.TrackLocal
	if m.savedCamera != nil {
		restored = m.savedCamera.Local()
	}
	if m.link != nil {
		if err := m.link.ReplaceOutgoingVideo(restored); err != nil {
			m.logger.Warn("Failed to restore camera track", zap.Error(err))
		}
	}
	if m.localSink != nil {
		if m.savedCamera != nil {
			m.localSink.Attach(m.savedCamera)
		} else {
			m.localSink.Detach()
		}
	}
	m.savedCamera = nil
	m.media.Release(media.KindScreen)

	next := *m.sess
	next.ScreenSharing = false
	m.sess = &next

	m.send(proto.EventScreenShareStop, proto.ScreenShare{CallID: m.sess.CallID})
	m.logger.Info("Screen share stopped", zap.String("call_id", m.sess.CallID))
	m.publish(m.stateEventLocked())
	return nil
}

func (m *Manager) stopScreenShareIfCurrent(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	_ = m.stopScreenShareLocked()
}

// Snapshot returns the current read-only state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ---- Inbound signaling --------------------------------------------------

func (m *Manager) bindSignaling() {
	on := func(event string, fn func(data json.RawMessage)) {
		id := m.signaler.On(event, fn)
		m.registrations = append(m.registrations, registration{event: event, id: id})
	}

	on(proto.EventCallIncoming, decode(m.handleCallIncoming))
	on(proto.EventCallInitiated, decode(m.handleCallInitiated))
	on(proto.EventCallAccepted, decode(m.handleCallAccepted))
	on(proto.EventCallEnded, decode(m.handleCallEnded))
	on(proto.EventCallError, decode(m.handleCallError))
	on(proto.EventWebRTCOffer, decode(m.handleOffer))
	on(proto.EventWebRTCAnswer, decode(m.handleAnswer))
	on(proto.EventWebRTCIceCandidate, decode(m.handleIceCandidate))
	on(proto.EventParticipantStateUpdate, decode(m.handleParticipantState))
	on(proto.EventScreenShareStarted, decode(m.handleRemoteShareStarted))
	on(proto.EventScreenShareStopped, decode(m.handleRemoteShareStopped))
}

// decode unmarshals the raw payload and drops malformed frames.
func decode[T any](fn func(T)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		fn(payload)
	}
}

func (m *Manager) handleCallIncoming(data proto.CallIncoming) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.idleLocked() {
		// Busy: one non-idle session per client. Politely refuse.
		m.logger.Info("Declining incoming call while busy", zap.String("call_id", data.CallID))
		m.send(proto.EventCallDecline, proto.CallDecline{CallID: data.CallID})
		return
	}

	m.epoch++
	m.sess = &Session{
		CallID:    data.CallID,
		Kind:      data.Type,
		Role:      RoleCallee,
		Remote:    data.Caller,
		Status:    StatusRinging,
		StartedAt: time.Now(),
	}
	m.lastReason = ""
	m.remoteState = nil
	m.remoteShare = false
	m.startPhaseTimerLocked()

	m.logger.Info("Incoming call",
		zap.String("call_id", data.CallID),
		zap.String("from", data.Caller.Username),
		zap.String("type", string(data.Type)))

	m.publish(Event{Kind: EventIncomingCall, State: m.snapshotLocked()})
	m.publish(m.stateEventLocked())
}

func (m *Manager) handleCallInitiated(data proto.CallInitiated) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Role != RoleCaller || m.sess.Status != StatusConnecting || m.sess.CallID != "" {
		return
	}

	next := *m.sess
	next.CallID = data.CallID
	next.Remote = data.Callee
	m.sess = &next

	m.logger.Info("Call registered by server",
		zap.String("call_id", data.CallID),
		zap.String("callee", data.Callee.Username))
	m.publish(m.stateEventLocked())
}

func (m *Manager) handleCallAccepted(data proto.CallAccepted) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Status != StatusConnecting {
		return
	}
	if m.sess.CallID != data.CallID {
		// A caller that never saw the call_initiated ack (lost across a
		// signaling reconnect) has no id yet; the acceptance carries it.
		if m.sess.Role != RoleCaller || m.sess.CallID != "" {
			return
		}
	}

	m.stopPhaseTimerLocked()
	next := *m.sess
	next.CallID = data.CallID
	next.Status = StatusActive
	next.ConnectedAt = time.Now()
	m.sess = &next

	if m.sess.Role == RoleCaller {
		offer, err := m.link.CreateOffer()
		if err != nil {
			m.logger.Error("Failed to create offer", zap.Error(err))
			m.endLocked(ReasonConnectionFailed, true)
			return
		}
		m.send(proto.EventWebRTCOffer, proto.Offer{
			CallID:       m.sess.CallID,
			TargetUserID: m.sess.Remote.ID,
			Offer:        offer,
		})
	}

	m.logger.Info("Call accepted", zap.String("call_id", data.CallID))
	m.publish(m.stateEventLocked())
}

func (m *Manager) handleOffer(data proto.Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentCallLocked(data.CallID) || m.link == nil {
		m.logger.Debug("Dropping offer for unknown call", zap.String("call_id", data.CallID))
		return
	}

	answer, err := m.link.ApplyRemoteOffer(data.Offer)
	if err != nil {
		m.logger.Error("Failed to apply remote offer", zap.Error(err))
		m.endLocked(ReasonConnectionFailed, true)
		return
	}

	m.send(proto.EventWebRTCAnswer, proto.Answer{
		CallID:       m.sess.CallID,
		TargetUserID: m.sess.Remote.ID,
		Answer:       answer,
	})
}

func (m *Manager) handleAnswer(data proto.Answer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentCallLocked(data.CallID) || m.link == nil {
		m.logger.Debug("Dropping answer for unknown call", zap.String("call_id", data.CallID))
		return
	}

	if err := m.link.ApplyRemoteAnswer(data.Answer); err != nil {
		m.logger.Error("Failed to apply remote answer", zap.Error(err))
		m.endLocked(ReasonConnectionFailed, true)
		return
	}

	if m.sess.Status == StatusConnecting {
		m.stopPhaseTimerLocked()
		next := *m.sess
		next.Status = StatusActive
		next.ConnectedAt = time.Now()
		m.sess = &next
		m.publish(m.stateEventLocked())
	}
}

func (m *Manager) handleIceCandidate(data proto.IceCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Candidates for a cancelled or unknown call are silently discarded.
	if !m.currentCallLocked(data.CallID) || m.link == nil {
		return
	}
	_ = m.link.AddRemoteCandidate(data.Candidate)
}

func (m *Manager) handleCallEnded(data proto.CallEnded) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || (data.CallID != "" && m.sess.CallID != data.CallID) {
		return
	}
	reason := data.Reason
	if reason == "" {
		reason = ReasonHangup
	}
	m.logger.Info("Call ended by remote",
		zap.String("call_id", data.CallID),
		zap.String("reason", reason))
	m.endLocked(reason, false)
}

func (m *Manager) handleCallError(data proto.CallError) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		m.publish(Event{Kind: EventNotice, Notice: data.Message})
		return
	}
	m.logger.Error("Fatal call error from server",
		zap.String("message", data.Message),
		zap.String("code", data.Code))
	m.endLocked(ReasonCallError, false)
	m.mu.Unlock()
	m.publish(Event{Kind: EventNotice, Notice: data.Message})
}

func (m *Manager) handleParticipantState(data proto.ParticipantState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	state := data
	m.remoteState = &state
	m.publish(m.stateEventLocked())
}

func (m *Manager) handleRemoteShareStarted(data proto.ScreenShareStarted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	m.remoteShare = true
	m.publish(m.stateEventLocked())
}

func (m *Manager) handleRemoteShareStopped(data proto.ScreenShareStopped) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	m.remoteShare = false
	m.publish(m.stateEventLocked())
}

// ---- Internals ----------------------------------------------------------

func (m *Manager) idleLocked() bool {
	return m.sess == nil || m.sess.Status == StatusEnded
}

func (m *Manager) currentCallLocked(callID string) bool {
	return m.sess != nil && m.sess.Status != StatusEnded &&
		m.sess.CallID != "" && m.sess.CallID == callID
}

// acquireLocalMedia opens the microphone and, for video calls, the camera.
// Device failures degrade the call instead of blocking it: each failed kind
// becomes a user notice and the call proceeds without that media.
func (m *Manager) acquireLocalMedia(kind proto.CallKind) ([]webrtc.TrackLocal, []string) {
	var tracks []webrtc.TrackLocal
	var notices []string

	if capture, err := m.media.Acquire(media.KindAudio); err != nil {
		m.logger.Warn("Microphone unavailable", zap.Error(err))
		notices = append(notices, "Microphone unavailable")
	} else {
		tracks = append(tracks, capture.Local())
	}

	if kind == proto.CallKindVideo {
		if capture, err := m.media.Acquire(media.KindVideo); err != nil {
			m.logger.Warn("Camera unavailable", zap.Error(err))
			notices = append(notices, "Camera unavailable")
		} else {
			tracks = append(tracks, capture.Local())
		}
	}
	return tracks, notices
}

func (m *Manager) openLinkLocked(tracks []webrtc.TrackLocal) (PeerLink, error) {
	link, err := m.newLink()
	if err != nil {
		return nil, err
	}

	epoch := m.epoch // the session this link belongs to

	link.OnLocalCandidate(func(candidate webrtc.ICECandidateInit) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.sess == nil || m.sess.CallID == "" {
			return
		}
		m.send(proto.EventWebRTCIceCandidate, proto.IceCandidate{
			CallID:       m.sess.CallID,
			TargetUserID: m.sess.Remote.ID,
			Candidate:    candidate,
		})
	})

	link.OnRenegotiationOffer(func(offer webrtc.SessionDescription) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.sess == nil || m.sess.CallID == "" {
			return
		}
		m.logger.Info("Sending renegotiation offer", zap.String("call_id", m.sess.CallID))
		m.send(proto.EventWebRTCOffer, proto.Offer{
			CallID:       m.sess.CallID,
			TargetUserID: m.sess.Remote.ID,
			Offer:        offer,
		})
	})

	link.OnRemoteTrack(func(track rtc.RemoteTrack) {
		m.mu.Lock()
		if m.epoch == epoch && m.remoteSink != nil {
			m.remoteSink.Attach(track)
		}
		ev := Event{Kind: EventRemoteTrack, State: m.snapshotLocked(), Track: track}
		m.mu.Unlock()
		m.publish(ev)
	})

	link.OnStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("Peer link state", zap.String("state", state.String()))
	})

	link.OnFatal(func(err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.sess == nil {
			return
		}
		m.logger.Error("Peer link beyond repair", zap.Error(err))
		m.endLocked(ReasonConnectionFailed, true)
	})

	if err := link.Open(tracks); err != nil {
		link.Close()
		return nil, err
	}
	return link, nil
}

// endLocked is the single teardown path for every way a call can finish.
// Cleanup is unconditional; it runs the same on error paths.
func (m *Manager) endLocked(reason string, locallyInitiated bool) {
	if m.sess == nil {
		return
	}
	m.teardownLocked(reason, locallyInitiated)

	next := *m.sess
	next.Status = StatusEnded
	next.ScreenSharing = false
	m.sess = &next
	m.lastReason = reason
	m.publish(m.stateEventLocked())

	// Reset to idle after the cosmetic linger, unless a new session has
	// taken over in the meantime.
	epoch := m.epoch
	linger := m.opts.EndedLinger
	if linger <= 0 {
		m.resetLocked(epoch)
		return
	}
	time.AfterFunc(linger, func() {
		m.mu.Lock()
		m.resetLocked(epoch)
		m.mu.Unlock()
	})
}

func (m *Manager) resetLocked(epoch uint64) {
	if m.epoch != epoch || m.sess == nil || m.sess.Status != StatusEnded {
		return
	}
	m.sess = nil
	m.remoteState = nil
	m.remoteShare = false
	m.publish(m.stateEventLocked())
}

// teardownLocked releases every call-scoped resource. Safe to run twice.
func (m *Manager) teardownLocked(reason string, locallyInitiated bool) {
	m.stopPhaseTimerLocked()

	if m.sess != nil && locallyInitiated && m.sess.CallID != "" && m.sess.Status != StatusEnded {
		m.send(proto.EventCallEnd, proto.CallEnd{CallID: m.sess.CallID})
	}

	if m.link != nil {
		if err := m.link.Close(); err != nil {
			m.logger.Warn("Failed to close peer link", zap.Error(err))
		}
		m.link = nil
	}
	m.media.ReleaseAll()
	m.savedCamera = nil

	if m.localSink != nil {
		m.localSink.Detach()
	}
	if m.remoteSink != nil {
		m.remoteSink.Detach()
	}

	m.recordHistoryLocked(reason)
}

func (m *Manager) recordHistoryLocked(reason string) {
	if m.history == nil || m.sess == nil || m.sess.Status == StatusEnded {
		return
	}
	rec := CallRecord{
		CallID:      m.sess.CallID,
		PeerID:      m.sess.Remote.ID,
		PeerName:    m.sess.Remote.Username,
		Kind:        m.sess.Kind,
		Role:        m.sess.Role,
		Reason:      reason,
		StartedAt:   m.sess.StartedAt,
		ConnectedAt: m.sess.ConnectedAt,
	}
	if !rec.ConnectedAt.IsZero() {
		rec.Duration = time.Since(rec.ConnectedAt)
	}
	sink := m.history
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.RecordCall(ctx, rec); err != nil {
			m.logger.Warn("Failed to record call history", zap.Error(err))
		}
	}()
}

func (m *Manager) startPhaseTimerLocked() {
	m.stopPhaseTimerLocked()
	if m.opts.RingTimeout <= 0 {
		return
	}
	epoch := m.epoch
	m.phaseTimer = time.AfterFunc(m.opts.RingTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.sess == nil {
			return
		}
		switch m.sess.Status {
		case StatusRinging:
			m.logger.Info("Incoming call timed out", zap.String("call_id", m.sess.CallID))
			m.send(proto.EventCallDecline, proto.CallDecline{CallID: m.sess.CallID})
			m.endLocked(ReasonTimeout, false)
		case StatusConnecting:
			m.logger.Info("Call setup timed out", zap.String("call_id", m.sess.CallID))
			m.endLocked(ReasonTimeout, true)
		}
	})
}

func (m *Manager) stopPhaseTimerLocked() {
	if m.phaseTimer != nil {
		m.phaseTimer.Stop()
		m.phaseTimer = nil
	}
}

func (m *Manager) attachLocalSinkLocked() {
	if m.localSink == nil {
		return
	}
	if capture, ok := m.media.Get(media.KindVideo); ok {
		m.localSink.Attach(capture)
	}
}

// send is fire-and-forget; a dropped frame is the transport's concern.
func (m *Manager) send(event string, payload any) {
	if err := m.signaler.Send(event, payload); err != nil {
		m.logger.Warn("Signaling send failed", zap.String("event", event), zap.Error(err))
	}
}

func (m *Manager) stateEventLocked() Event {
	return Event{Kind: EventStateChanged, State: m.snapshotLocked()}
}

func (m *Manager) snapshotLocked() State {
	state := State{
		IsConnected:            m.signaler.IsConnected(),
		CallStatus:             StatusIdle,
		AudioEnabled:           m.media.Enabled(media.KindAudio),
		VideoEnabled:           m.media.Enabled(media.KindVideo),
		RemoteScreenSharing:    m.remoteShare,
		RemoteParticipantState: m.remoteState,
		EndReason:              m.lastReason,
	}
	if m.sess == nil {
		return state
	}

	state.CallStatus = m.sess.Status
	state.IsScreenSharing = m.sess.ScreenSharing

	info := &CallInfo{
		CallID: m.sess.CallID,
		Kind:   m.sess.Kind,
		Remote: m.sess.Remote,
	}
	if m.sess.Status == StatusRinging && m.sess.Role == RoleCallee {
		state.IncomingCall = info
	} else {
		state.ActiveCall = info
	}
	if m.sess.Status == StatusActive && !m.sess.ConnectedAt.IsZero() {
		state.CallDuration = time.Since(m.sess.ConnectedAt)
	}
	return state
}
