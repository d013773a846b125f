package telemetry

import "sync"

// Override is the operator-supplied telemetry state.
type Override struct {
	X        float64
	Y        float64
	Blinking bool
}

// DefaultOverride is the state before the operator changes anything.
var DefaultOverride = Override{X: 0.5, Y: 0.0, Blinking: false}

// OverrideState is shared between the console (writer) and the emitter
// (reader). Last write wins.
type OverrideState struct {
	mu sync.RWMutex
	v  Override
}

func NewOverrideState() *OverrideState {
	return &OverrideState{v: DefaultOverride}
}

func (s *OverrideState) Get() Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

func (s *OverrideState) SetGaze(x, y float64) Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.X = x
	s.v.Y = y
	return s.v
}

// ToggleBlink flips the blink flag and returns the new state.
func (s *OverrideState) ToggleBlink() Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Blinking = !s.v.Blinking
	return s.v
}
