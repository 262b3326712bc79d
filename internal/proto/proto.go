// Package proto defines the call-signaling wire contract: every event name
// exchanged over the websocket channel and the JSON payload for each.
package proto

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Envelope frames every message on the signaling channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound (client -> server) event names.
const (
	EventCallInitiate     = "call_initiate"
	EventCallAccept       = "call_accept"
	EventCallDecline      = "call_decline"
	EventCallEnd          = "call_end"
	EventCallStateUpdate  = "call_state_update"
	EventScreenShareStart = "screen_share_start"
	EventScreenShareStop  = "screen_share_stop"
)

// Bidirectional WebRTC negotiation event names. Outbound payloads carry
// targetUserId; inbound ones carry senderId.
const (
	EventWebRTCOffer        = "webrtc_offer"
	EventWebRTCAnswer       = "webrtc_answer"
	EventWebRTCIceCandidate = "webrtc_ice_candidate"
)

// Inbound (server -> client) event names.
const (
	EventCallIncoming           = "call_incoming"
	EventCallInitiated          = "call_initiated"
	EventCallAccepted           = "call_accepted"
	EventCallEnded              = "call_ended"
	EventCallError              = "call_error"
	EventParticipantStateUpdate = "participant_state_update"
	EventScreenShareStarted     = "screen_share_started"
	EventScreenShareStopped     = "screen_share_stopped"
)

// CallKind is the media profile of a call.
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

// Participant identifies the other party of a call.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// CallInitiate asks the server to ring targetUserId.
type CallInitiate struct {
	TargetUserID string   `json:"targetUserId"`
	Type         CallKind `json:"type"`
	IsDM         bool     `json:"isDM"`
}

// CallAccept accepts a ringing call.
type CallAccept struct {
	CallID string `json:"callId"`
}

// CallDecline rejects a ringing call.
type CallDecline struct {
	CallID string `json:"callId"`
}

// CallEnd hangs up a call in any non-idle state.
type CallEnd struct {
	CallID string `json:"callId"`
}

// CallStateUpdate broadcasts local mute state to the other participant.
type CallStateUpdate struct {
	CallID       string `json:"callId"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// ScreenShare notifies start/stop of a screen share, keyed by call.
type ScreenShare struct {
	CallID string `json:"callId"`
}

// Offer carries a session description to the remote peer.
type Offer struct {
	CallID       string                    `json:"callId"`
	TargetUserID string                    `json:"targetUserId,omitempty"`
	SenderID     string                    `json:"senderId,omitempty"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

// Answer carries the response session description.
type Answer struct {
	CallID       string                    `json:"callId"`
	TargetUserID string                    `json:"targetUserId,omitempty"`
	SenderID     string                    `json:"senderId,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
}

// IceCandidate carries one trickled ICE candidate.
type IceCandidate struct {
	CallID       string                  `json:"callId"`
	TargetUserID string                  `json:"targetUserId,omitempty"`
	SenderID     string                  `json:"senderId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// CallIncoming notifies the callee of a ringing call.
type CallIncoming struct {
	CallID    string      `json:"callId"`
	Caller    Participant `json:"caller"`
	Type      CallKind    `json:"type"`
	Timestamp string      `json:"timestamp"`
}

// CallInitiated acknowledges call_initiate to the caller and assigns the
// server-side call id.
type CallInitiated struct {
	CallID string      `json:"callId"`
	Callee Participant `json:"callee"`
	Type   CallKind    `json:"type"`
	Status string      `json:"status"`
}

// CallAccepted is broadcast to both participants once the callee accepts.
type CallAccepted struct {
	CallID       string   `json:"callId"`
	Type         CallKind `json:"type"`
	Participants []string `json:"participants"`
}

// CallEnded is broadcast when a call terminates for any reason.
type CallEnded struct {
	CallID  string `json:"callId"`
	Reason  string `json:"reason"`
	EndedBy string `json:"endedBy,omitempty"`
}

// CallError reports a fatal server-side call failure.
type CallError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ParticipantState mirrors the remote participant's mute flags.
type ParticipantState struct {
	UserID       string `json:"userId"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// ScreenShareStarted notifies that the remote participant began sharing.
type ScreenShareStarted struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ScreenShareStopped notifies that the remote participant stopped sharing.
type ScreenShareStopped struct {
	UserID string `json:"userId"`
}
