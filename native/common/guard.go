package common

import (
	"errors"
	"fmt"
)

// ErrModulePaused is returned by Guard when an operator paused the module.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes per-module pause flags. *state.Manager implements it.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects entry into a paused module. A nil view or an empty module
// name never blocks. The returned error names the module.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}
