package timing

import "sync"

// cancelSet tracks which scheduled events are still pending and which of
// them have been cancelled.
type cancelSet struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	cancelled map[string]struct{}
}

func newCancelSet() *cancelSet {
	return &cancelSet{
		pending:   make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
	}
}

func (s *cancelSet) scheduled(evt Event) {
	s.mu.Lock()
	s.pending[evt.ID()] = struct{}{}
	s.mu.Unlock()
}

func (s *cancelSet) cancel(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[evt.ID()]; !ok {
		return
	}

	s.cancelled[evt.ID()] = struct{}{}
}

// popped reports whether evt should be dispatched, and forgets it.
func (s *cancelSet) popped(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, evt.ID())

	if _, ok := s.cancelled[evt.ID()]; ok {
		delete(s.cancelled, evt.ID())
		return false
	}

	return true
}
