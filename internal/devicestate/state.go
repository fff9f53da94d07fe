// Package devicestate holds the values shared between the device-facing
// command handlers and the observers of one running bridge.
package devicestate

import (
	"sync"
	"sync/atomic"
)

// DisplayHook is notified after every display buffer update.
type DisplayHook func(buffer string)

type State struct {
	button atomic.Int64

	mu         sync.RWMutex
	display    string
	hasDisplay bool
	onDisplay  DisplayHook
}

func New() *State {
	return &State{}
}

func (s *State) Button() int64 {
	return s.button.Load()
}

func (s *State) SetButton(v int64) {
	s.button.Store(v)
}

// ReadButton returns the button value for the device, clamping and storing
// negative values as zero.
func (s *State) ReadButton() int64 {
	for {
		v := s.button.Load()
		if v >= 0 {
			return v
		}
		if s.button.CompareAndSwap(v, 0) {
			return 0
		}
	}
}

func (s *State) SetDisplay(buffer string) {
	s.mu.Lock()
	s.display = buffer
	s.hasDisplay = true
	hook := s.onDisplay
	s.mu.Unlock()

	if hook != nil {
		hook(buffer)
	}
}

// RestoreDisplay seeds the cache without notifying the hook.
func (s *State) RestoreDisplay(buffer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.display = buffer
	s.hasDisplay = true
}

func (s *State) Display() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.display, s.hasDisplay
}

func (s *State) OnDisplay(hook DisplayHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisplay = hook
}
