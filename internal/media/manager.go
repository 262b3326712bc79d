package media

import (
	"sync"

	"go.uber.org/zap"
)

// Manager tracks at most one capture per kind and enforces the acquisition
// rules: acquiring audio or video twice returns the existing capture instead
// of re-prompting, release is always safe, toggling never reopens a device.
type Manager struct {
	provider Provider
	logger   *zap.Logger

	mu       sync.Mutex
	captures map[Kind]Capture
}

func NewManager(provider Provider, logger *zap.Logger) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger.Named("media"),
		captures: make(map[Kind]Capture),
	}
}

// Acquire opens a capture for kind, or returns the live one if it already
// exists.
func (m *Manager) Acquire(kind Kind) (Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.captures[kind]; ok {
		return c, nil
	}

	c, err := m.provider.Open(kind)
	if err != nil {
		return nil, err
	}
	m.captures[kind] = c
	m.logger.Info("Acquired capture", zap.String("kind", string(kind)), zap.String("track", c.ID()))
	return c, nil
}

// Get returns the live capture for kind, if any.
func (m *Manager) Get(kind Kind) (Capture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[kind]
	return c, ok
}

// SetEnabled toggles the mute flag of the capture for kind and returns the
// resulting state. Safe no-op (false) when no such capture exists.
func (m *Manager) SetEnabled(kind Kind, enabled bool) bool {
	m.mu.Lock()
	c, ok := m.captures[kind]
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.SetEnabled(enabled)
	return c.Enabled()
}

// Enabled reports the mute flag of the capture for kind.
func (m *Manager) Enabled(kind Kind) bool {
	m.mu.Lock()
	c, ok := m.captures[kind]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return c.Enabled()
}

// Release stops and discards the capture for kind. Safe when nothing is
// active.
func (m *Manager) Release(kind Kind) {
	m.mu.Lock()
	c, ok := m.captures[kind]
	delete(m.captures, kind)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		m.logger.Warn("Failed to close capture", zap.String("kind", string(kind)), zap.Error(err))
	}
	m.logger.Info("Released capture", zap.String("kind", string(kind)))
}

// ReleaseAll stops every live capture. Always safe.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	captures := m.captures
	m.captures = make(map[Kind]Capture)
	m.mu.Unlock()

	for kind, c := range captures {
		if err := c.Close(); err != nil {
			m.logger.Warn("Failed to close capture", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}
