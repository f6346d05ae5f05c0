package shutdown

import "sync"

// SignalCounter counts interrupt signals. The first starts a graceful
// shutdown; reaching forceAfter calls onForce.
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	forceAfter int
	onForce    func()
}

// NewSignalCounter creates a counter. onForce may be nil.
func NewSignalCounter(forceAfter int, onForce func()) *SignalCounter {
	return &SignalCounter{forceAfter: forceAfter, onForce: onForce}
}

// Increment records one signal and returns the new count. onForce runs
// under the lock, so it should exit the process or return quickly.
func (s *SignalCounter) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.forceAfter > 0 && s.count >= s.forceAfter && s.onForce != nil {
		s.onForce()
	}
	return s.count
}

// Count returns the number of signals seen.
func (s *SignalCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
