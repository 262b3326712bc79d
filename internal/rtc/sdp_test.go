package rtc

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

const validSDP = `v=0
o=- 123 2 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
a=ice-ufrag:abcd
a=ice-pwd:efghijklmnopqrstuvwx
a=fingerprint:sha-256 AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99
`

func TestCheckDescription(t *testing.T) {
	cases := []struct {
		name    string
		sdp     string
		wantErr string // offending field, empty means valid
	}{
		{"valid", validSDP, ""},
		{"empty", "", "sdp"},
		{"no media sections", "v=0\na=ice-ufrag:abcd\na=fingerprint:sha-256 AA\n", "media"},
		{"no ice credentials", "v=0\nm=audio 9 UDP/TLS/RTP/SAVPF 111\na=fingerprint:sha-256 AA\n", "ice"},
		{"no dtls fingerprint", "v=0\nm=audio 9 UDP/TLS/RTP/SAVPF 111\na=ice-ufrag:abcd\n", "dtls"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sd := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: tc.sdp}
			err := checkDescription(sd)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid description, got %v", err)
				}
				return
			}
			var de *DescriptionError
			if !errors.As(err, &de) || de.Field != tc.wantErr {
				t.Fatalf("expected %s error, got %v", tc.wantErr, err)
			}
		})
	}

	t.Run("nil description", func(t *testing.T) {
		if err := checkDescription(nil); err == nil {
			t.Fatal("expected error for nil description")
		}
	})
}
