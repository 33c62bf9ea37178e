package state

import (
	"fmt"
	"strings"
)

func pauseKey(module string) []byte {
	return []byte("pause/" + strings.ToLower(strings.TrimSpace(module)))
}

// SetPaused toggles the pause flag of module.
func (m *Manager) SetPaused(module string, paused bool) error {
	if strings.TrimSpace(module) == "" {
		return fmt.Errorf("module must not be empty")
	}
	if !paused {
		return m.KVDelete(pauseKey(module))
	}
	return m.KVPut(pauseKey(module), true)
}

// IsPaused reports whether module has been paused. Read errors count as not
// paused.
func (m *Manager) IsPaused(module string) bool {
	var paused bool
	ok, err := m.KVGet(pauseKey(module), &paused)
	return err == nil && ok && paused
}
