package rtc

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// DescriptionError reports why a remote session description was rejected
// before it reached the peer connection.
type DescriptionError struct {
	Field   string
	Message string
}

func (e *DescriptionError) Error() string {
	return "invalid session description: " + e.Field + ": " + e.Message
}

// checkDescription is a cheap sanity pass over a remote description. It
// rejects obviously broken SDP so the error surfaces as a negotiation
// failure instead of an opaque pion error deep in SetRemoteDescription.
func checkDescription(sd *webrtc.SessionDescription) error {
	if sd == nil || sd.SDP == "" {
		return &DescriptionError{Field: "sdp", Message: "empty"}
	}

	var (
		mediaCount int
		hasICE     bool
		hasDTLS    bool
	)
	for _, line := range strings.Split(sd.SDP, "\n") {
		switch {
		case strings.HasPrefix(line, "m="):
			mediaCount++
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			hasICE = true
		case strings.HasPrefix(line, "a=fingerprint:"):
			hasDTLS = true
		}
	}

	if mediaCount == 0 {
		return &DescriptionError{Field: "media", Message: "no media sections found"}
	}
	if !hasICE {
		return &DescriptionError{Field: "ice", Message: "no ICE credentials found"}
	}
	if !hasDTLS {
		return &DescriptionError{Field: "dtls", Message: "no DTLS fingerprint found"}
	}
	return nil
}
