package common

import (
	"errors"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a native module is administratively halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the operation when the module is paused. A nil view or empty
// module name disables the check.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is a static PauseView built from a list of module names, typically
// sourced from daemon configuration.
type PauseSet map[string]struct{}

// NewPauseSet normalises the supplied module names into a PauseSet.
func NewPauseSet(modules []string) PauseSet {
	set := make(PauseSet, len(modules))
	for _, name := range modules {
		trimmed := strings.ToLower(strings.TrimSpace(name))
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return set
}

func (p PauseSet) IsPaused(module string) bool {
	if len(p) == 0 {
		return false
	}
	_, ok := p[strings.ToLower(strings.TrimSpace(module))]
	return ok
}
