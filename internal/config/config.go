package config

import (
	"os"
	"time"
)

// Config holds all application configuration
type Config struct {
	// SignalingURL is the websocket endpoint of the call server.
	SignalingURL string
	// AuthToken is the bearer credential used to open the signaling channel.
	// Taken from the QUILL_TOKEN environment variable.
	AuthToken string
	LogLevel  string

	// RingTimeout bounds how long an outgoing or answered call may stay in
	// ringing/connecting before it is ended with reason "timeout".
	RingTimeout time.Duration
	// EndedLinger is the cosmetic delay between entering "ended" and
	// resetting the session to idle.
	EndedLinger time.Duration

	ICEServers []string

	// HistoryDSN, when set (QUILL_HISTORY_DSN), enables the postgres call
	// history store.
	HistoryDSN string

	MediaConfig MediaConfig
}

type MediaConfig struct {
	VideoWidth    int
	VideoHeight   int
	Framerate     float32
	VideoBitRate  int
	AudioBitRate  int
	ScreenWidth   int
	ScreenHeight  int
	ScreenBitRate int
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "ws://localhost:3000/ws",
		AuthToken:    os.Getenv("QUILL_TOKEN"),
		LogLevel:     "info",
		RingTimeout:  45 * time.Second,
		EndedLinger:  2 * time.Second,
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		HistoryDSN: os.Getenv("QUILL_HISTORY_DSN"),
		MediaConfig: MediaConfig{
			VideoWidth:    1280,
			VideoHeight:   720,
			Framerate:     30,
			VideoBitRate:  1_000_000,
			AudioBitRate:  32_000,
			ScreenWidth:   1920,
			ScreenHeight:  1080,
			ScreenBitRate: 1_500_000,
		},
	}
}
