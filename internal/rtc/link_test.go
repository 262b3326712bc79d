package rtc

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

func newTestLink(t *testing.T) *Link {
	t.Helper()
	l, err := NewLink(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLink failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, "test-stream",
	)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticRTP failed: %v", err)
	}
	return track
}

func TestOfferAnswerExchange(t *testing.T) {
	caller := newTestLink(t)
	callee := newTestLink(t)

	if err := caller.Open([]webrtc.TrackLocal{newTestTrack(t, "caller-video")}); err != nil {
		t.Fatalf("caller Open failed: %v", err)
	}
	if err := callee.Open([]webrtc.TrackLocal{newTestTrack(t, "callee-video")}); err != nil {
		t.Fatalf("callee Open failed: %v", err)
	}

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("expected offer type, got %s", offer.Type)
	}

	answer, err := callee.ApplyRemoteOffer(offer)
	if err != nil {
		t.Fatalf("ApplyRemoteOffer failed: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected answer type, got %s", answer.Type)
	}

	if err := caller.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer failed: %v", err)
	}
}

func TestAnswerWithoutPendingOffer(t *testing.T) {
	l := newTestLink(t)
	if err := l.Open(nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err := l.ApplyRemoteAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0",
	})
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
}

func TestDuplicateOpenIsIgnored(t *testing.T) {
	l := newTestLink(t)

	if err := l.Open([]webrtc.TrackLocal{newTestTrack(t, "v1")}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := l.Open([]webrtc.TrackLocal{newTestTrack(t, "v2")}); err != nil {
		t.Fatalf("duplicate Open should be a no-op, got %v", err)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	caller := newTestLink(t)
	callee := newTestLink(t)

	if err := caller.Open([]webrtc.TrackLocal{newTestTrack(t, "cv")}); err != nil {
		t.Fatalf("caller Open failed: %v", err)
	}
	if err := callee.Open(nil); err != nil {
		t.Fatalf("callee Open failed: %v", err)
	}

	// Trickled candidates routinely beat the offer over signaling.
	early := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
	}
	if err := callee.AddRemoteCandidate(early); err != nil {
		t.Fatalf("queued candidate must not error: %v", err)
	}
	callee.mu.Lock()
	queued := len(callee.pendingCandidates)
	callee.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 queued candidate, got %d", queued)
	}

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if _, err := callee.ApplyRemoteOffer(offer); err != nil {
		t.Fatalf("ApplyRemoteOffer failed: %v", err)
	}

	callee.mu.Lock()
	queued = len(callee.pendingCandidates)
	callee.mu.Unlock()
	if queued != 0 {
		t.Fatalf("expected queue flushed, got %d pending", queued)
	}
}

func TestCandidateAfterCloseIsBenign(t *testing.T) {
	l := newTestLink(t)
	if err := l.Open(nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}); err != nil {
		t.Fatalf("candidate after close must be dropped silently, got %v", err)
	}
	// Close is idempotent.
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestReplaceOutgoingVideo(t *testing.T) {
	l := newTestLink(t)
	camera := newTestTrack(t, "camera")
	if err := l.Open([]webrtc.TrackLocal{camera}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	screen := newTestTrack(t, "screen")
	if err := l.ReplaceOutgoingVideo(screen); err != nil {
		t.Fatalf("ReplaceOutgoingVideo failed: %v", err)
	}

	senders := l.pc.GetSenders()
	if len(senders) != 1 {
		t.Fatalf("expected 1 sender, got %d", len(senders))
	}
	if got := senders[0].Track().ID(); got != "screen" {
		t.Fatalf("expected screen track bound, got %q", got)
	}

	// Swap back to the camera.
	if err := l.ReplaceOutgoingVideo(camera); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if got := l.pc.GetSenders()[0].Track().ID(); got != "camera" {
		t.Fatalf("expected camera restored, got %q", got)
	}
}

func TestReplaceOutgoingVideoWithoutSender(t *testing.T) {
	l := newTestLink(t)
	offers := make(chan webrtc.SessionDescription, 1)
	l.OnRenegotiationOffer(func(desc webrtc.SessionDescription) { offers <- desc })
	if err := l.Open(nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Nothing to replace and nothing to add: tolerated.
	if err := l.ReplaceOutgoingVideo(nil); err != nil {
		t.Fatalf("nil replacement without sender must be a no-op, got %v", err)
	}
	select {
	case <-offers:
		t.Fatal("no-op replacement must not renegotiate")
	case <-time.After(50 * time.Millisecond):
	}

	// A fresh track gets its own sender and an offer announcing it.
	if err := l.ReplaceOutgoingVideo(newTestTrack(t, "late")); err != nil {
		t.Fatalf("adding video sender failed: %v", err)
	}
	if len(l.pc.GetSenders()) != 1 {
		t.Fatal("expected a sender after late video add")
	}
	select {
	case desc := <-offers:
		if desc.Type != webrtc.SDPTypeOffer {
			t.Fatalf("expected offer type, got %s", desc.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no renegotiation offer after late video add")
	}
}
