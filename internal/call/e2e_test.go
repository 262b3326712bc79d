package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/media"
	"github.com/quillchat/quill/internal/proto"
)

// relaySignaler is one client's end of an in-memory call server. Outbound
// client events are translated into the inbound broadcasts a real server
// would produce and delivered to the right peer. Delivery is asynchronous,
// like a network, so neither manager runs its handlers on the other's stack.
type relaySignaler struct {
	server *relayServer
	userID string

	mu       sync.Mutex
	handlers map[string]map[int]func(json.RawMessage)
	nextID   int
}

type relayServer struct {
	mu      sync.Mutex
	clients map[string]*relaySignaler
	nextID  int
	calls   map[string][2]string // callId -> [caller, callee]
}

func newRelayServer() *relayServer {
	return &relayServer{
		clients: make(map[string]*relaySignaler),
		calls:   make(map[string][2]string),
	}
}

func (s *relayServer) client(userID string) *relaySignaler {
	c := &relaySignaler{
		server:   s,
		userID:   userID,
		handlers: make(map[string]map[int]func(json.RawMessage)),
	}
	s.mu.Lock()
	s.clients[userID] = c
	s.mu.Unlock()
	return c
}

func (c *relaySignaler) Send(event string, payload any) error {
	go c.server.route(c.userID, event, payload)
	return nil
}

func (c *relaySignaler) On(event string, h func(json.RawMessage)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.nextID++
	c.handlers[event][c.nextID] = h
	return c.nextID
}

func (c *relaySignaler) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[event], id)
}

func (c *relaySignaler) OnConnectionStateChange(func(bool)) {}
func (c *relaySignaler) IsConnected() bool                  { return true }

func (c *relaySignaler) inject(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

// route implements just enough server behavior for two clients.
func (s *relayServer) route(from, event string, payload any) {
	switch event {
	case proto.EventCallInitiate:
		p := payload.(proto.CallInitiate)
		s.mu.Lock()
		s.nextID++
		callID := fmt.Sprintf("relay-call-%d", s.nextID)
		s.calls[callID] = [2]string{from, p.TargetUserID}
		caller := s.clients[from]
		callee := s.clients[p.TargetUserID]
		s.mu.Unlock()
		caller.inject(proto.EventCallInitiated, proto.CallInitiated{
			CallID: callID,
			Callee: proto.Participant{ID: p.TargetUserID, Username: p.TargetUserID},
			Type:   p.Type,
		})
		callee.inject(proto.EventCallIncoming, proto.CallIncoming{
			CallID: callID,
			Caller: proto.Participant{ID: from, Username: from},
			Type:   p.Type,
		})
	case proto.EventCallAccept:
		p := payload.(proto.CallAccept)
		for _, peer := range s.participants(p.CallID) {
			peer.inject(proto.EventCallAccepted, proto.CallAccepted{CallID: p.CallID})
		}
	case proto.EventCallEnd:
		p := payload.(proto.CallEnd)
		for _, peer := range s.participants(p.CallID) {
			if peer.userID != from {
				peer.inject(proto.EventCallEnded, proto.CallEnded{
					CallID: p.CallID, Reason: "ended", EndedBy: from,
				})
			}
		}
	case proto.EventWebRTCOffer:
		p := payload.(proto.Offer)
		p.SenderID = from
		s.toOther(p.CallID, from, proto.EventWebRTCOffer, p)
	case proto.EventWebRTCAnswer:
		p := payload.(proto.Answer)
		p.SenderID = from
		s.toOther(p.CallID, from, proto.EventWebRTCAnswer, p)
	case proto.EventWebRTCIceCandidate:
		p := payload.(proto.IceCandidate)
		p.SenderID = from
		s.toOther(p.CallID, from, proto.EventWebRTCIceCandidate, p)
	case proto.EventCallStateUpdate:
		p := payload.(proto.CallStateUpdate)
		s.toOther(p.CallID, from, proto.EventParticipantStateUpdate, proto.ParticipantState{
			UserID:       from,
			AudioEnabled: p.AudioEnabled,
			VideoEnabled: p.VideoEnabled,
		})
	case proto.EventScreenShareStart:
		p := payload.(proto.ScreenShare)
		s.toOther(p.CallID, from, proto.EventScreenShareStarted, proto.ScreenShareStarted{UserID: from})
	case proto.EventScreenShareStop:
		p := payload.(proto.ScreenShare)
		s.toOther(p.CallID, from, proto.EventScreenShareStopped, proto.ScreenShareStopped{UserID: from})
	}
}

func (s *relayServer) participants(callID string) []*relaySignaler {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.calls[callID]
	if !ok {
		return nil
	}
	return []*relaySignaler{s.clients[pair[0]], s.clients[pair[1]]}
}

func (s *relayServer) toOther(callID, from, event string, payload any) {
	for _, peer := range s.participants(callID) {
		if peer.userID != from {
			peer.inject(event, payload)
		}
	}
}

type peer struct {
	mgr      *Manager
	provider *fakeProvider
	mu       sync.Mutex
	links    []*fakeLink
}

func newPeer(t *testing.T, server *relayServer, userID string) *peer {
	t.Helper()
	p := &peer{provider: newFakeProvider()}
	factory := func() (PeerLink, error) {
		link := &fakeLink{}
		p.mu.Lock()
		p.links = append(p.links, link)
		p.mu.Unlock()
		return link, nil
	}
	p.mgr = NewManager(server.client(userID), media.NewManager(p.provider, zap.NewNop()),
		factory, zap.NewNop(), Options{RingTimeout: time.Minute, EndedLinger: 10 * time.Millisecond})
	t.Cleanup(p.mgr.Close)
	return p
}

func (p *peer) link(t *testing.T) *fakeLink {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		t.Fatal("peer created no link")
	}
	return p.links[len(p.links)-1]
}

func (p *peer) waitStatus(t *testing.T, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.mgr.Snapshot().CallStatus == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, still %s", want, p.mgr.Snapshot().CallStatus)
}

func TestVoiceCallEndToEnd(t *testing.T) {
	server := newRelayServer()
	alice := newPeer(t, server, "alice")
	bob := newPeer(t, server, "bob")

	if err := alice.mgr.Initiate("bob", proto.CallKindVoice); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	bob.waitStatus(t, StatusRinging)
	if info := bob.mgr.Snapshot().IncomingCall; info == nil || info.Remote.ID != "alice" {
		t.Fatalf("bob's incoming call info wrong: %+v", info)
	}

	if err := bob.mgr.Accept(); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// call_accepted is broadcast: both sides go active, alice offers, bob
	// answers, alice applies the answer.
	alice.waitStatus(t, StatusActive)
	bob.waitStatus(t, StatusActive)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, aAnswers := alice.link(t).counts()
		_, bOffers, _ := bob.link(t).counts()
		if aAnswers == 1 && bOffers == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	aCreated, _, aAnswers := alice.link(t).counts()
	if aCreated != 1 || aAnswers != 1 {
		t.Fatalf("caller negotiation incomplete: offers=%d answers=%d", aCreated, aAnswers)
	}
	bCreated, bOffers, _ := bob.link(t).counts()
	if bOffers != 1 || bCreated != 0 {
		t.Fatal("callee must apply the offer and never create one")
	}

	// Mute on alice shows up as remote participant state on bob.
	alice.mgr.ToggleAudio()
	muteDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(muteDeadline) {
		rs := bob.mgr.Snapshot().RemoteParticipantState
		if rs != nil && !rs.AudioEnabled {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if rs := bob.mgr.Snapshot().RemoteParticipantState; rs == nil || rs.AudioEnabled {
		t.Fatalf("alice's mute not mirrored on bob: %+v", rs)
	}

	// Hangup on one side tears both down.
	if err := alice.mgr.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	alice.waitStatus(t, StatusIdle)
	bob.waitStatus(t, StatusIdle)

	if !alice.link(t).isClosed() || !bob.link(t).isClosed() {
		t.Fatal("links must be closed on both sides after hangup")
	}
}

func TestScreenShareEndToEnd(t *testing.T) {
	server := newRelayServer()
	alice := newPeer(t, server, "alice")
	bob := newPeer(t, server, "bob")

	if err := alice.mgr.Initiate("bob", proto.CallKindVideo); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	bob.waitStatus(t, StatusRinging)
	if err := bob.mgr.Accept(); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	alice.waitStatus(t, StatusActive)
	bob.waitStatus(t, StatusActive)

	if err := alice.mgr.StartScreenShare(); err != nil {
		t.Fatalf("StartScreenShare failed: %v", err)
	}
	if !alice.mgr.Snapshot().IsScreenSharing {
		t.Fatal("alice does not report sharing")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !bob.mgr.Snapshot().RemoteScreenSharing {
		time.Sleep(2 * time.Millisecond)
	}
	if !bob.mgr.Snapshot().RemoteScreenSharing {
		t.Fatal("bob never observed the share start")
	}
	// The call never leaves active during the swap.
	if got := alice.mgr.Snapshot().CallStatus; got != StatusActive {
		t.Fatalf("share must not disturb call status, got %s", got)
	}

	if err := alice.mgr.StopScreenShare(); err != nil {
		t.Fatalf("StopScreenShare failed: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && bob.mgr.Snapshot().RemoteScreenSharing {
		time.Sleep(2 * time.Millisecond)
	}
	if bob.mgr.Snapshot().RemoteScreenSharing {
		t.Fatal("bob never observed the share stop")
	}
}
