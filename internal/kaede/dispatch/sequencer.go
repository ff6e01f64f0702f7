package dispatch

import "sync"

// sequencer runs submitted functions one at a time per key, in submission
// order. Submission never blocks on the work itself: the first submission
// for an idle key spawns a drainer goroutine, later ones append to its
// queue. The drainer exits and the key's queue entry is removed once the
// queue empties, so the map does not accumulate a slot per key ever seen.
type sequencer struct {
	mu     sync.Mutex
	queues map[string][]func()
}

func newSequencer() *sequencer {
	return &sequencer{queues: make(map[string][]func())}
}

// submit schedules fn behind everything already submitted for key.
func (s *sequencer) submit(key string, fn func()) {
	s.mu.Lock()
	if q, running := s.queues[key]; running {
		s.queues[key] = append(q, fn)
		s.mu.Unlock()
		return
	}
	s.queues[key] = nil
	s.mu.Unlock()
	go s.drain(key, fn)
}

func (s *sequencer) drain(key string, fn func()) {
	for {
		fn()
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn = q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()
	}
}
