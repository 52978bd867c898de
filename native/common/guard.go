package common

import (
	"errors"
	"strings"

	"kusd/core/state"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses persists module pause switches in ledger state.
type Pauses struct {
	state *state.Manager
}

func NewPauses(mgr *state.Manager) *Pauses {
	return &Pauses{state: mgr}
}

func pauseKey(module string) []byte {
	return []byte("pause/" + strings.ToLower(strings.TrimSpace(module)))
}

// IsPaused reports whether module is switched off. Read failures report
// paused so guarded operations fail closed.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil || p.state == nil {
		return false
	}
	var paused bool
	if _, err := p.state.KVGet(pauseKey(module), &paused); err != nil {
		return true
	}
	return paused
}

// SetPaused flips the switch for module.
func (p *Pauses) SetPaused(module string, paused bool) error {
	if !paused {
		return p.state.KVDelete(pauseKey(module))
	}
	return p.state.KVPut(pauseKey(module), true)
}
