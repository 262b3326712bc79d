package call

import "github.com/quillchat/quill/internal/rtc"

// EventKind classifies what a published Event describes.
type EventKind int

const (
	// EventStateChanged fires on every transition; State carries the fresh
	// snapshot.
	EventStateChanged EventKind = iota
	// EventIncomingCall fires once when a ringing call arrives.
	EventIncomingCall
	// EventRemoteTrack fires when remote media arrives.
	EventRemoteTrack
	// EventNotice carries a non-fatal, user-visible message (e.g. a denied
	// screen-share prompt) that does not change call state.
	EventNotice
)

// Event is published to every subscriber. Slow subscribers never block the
// state machine; their events are dropped instead.
type Event struct {
	Kind   EventKind
	State  State
	Notice string
	Track  rtc.RemoteTrack
}

// Subscribe registers an event listener. The returned cancel removes it and
// closes the channel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			// Listener is not keeping up; drop rather than stall signaling.
		}
	}
}
