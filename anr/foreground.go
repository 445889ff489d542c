package anr

import "sync/atomic"

// ForegroundProvider reports whether the process is currently active. It is
// sampled on every check that timed out.
type ForegroundProvider interface {
	IsForeground() bool
}

// ForegroundFunc adapts a function to ForegroundProvider.
type ForegroundFunc func() bool

// IsForeground calls f.
func (f ForegroundFunc) IsForeground() bool {
	return f()
}

// AlwaysForeground treats the process as permanently active.
var AlwaysForeground ForegroundProvider = ForegroundFunc(func() bool { return true })

// ForegroundState is a settable ForegroundProvider for hosts that learn about
// activation changes through callbacks or signals.
type ForegroundState struct {
	active atomic.Bool
}

// NewForegroundState returns a state holding the given activation flag.
func NewForegroundState(active bool) *ForegroundState {
	s := &ForegroundState{}
	s.active.Store(active)
	return s
}

// Set records the current activation state.
func (s *ForegroundState) Set(active bool) {
	s.active.Store(active)
}

// IsForeground implements ForegroundProvider.
func (s *ForegroundState) IsForeground() bool {
	return s.active.Load()
}
