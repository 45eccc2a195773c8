// Package stopdetect decides where a paginated crawl should end.
package stopdetect

import (
	"sync"

	"github.com/samber/mo"
)

// State holds the authoritative stop page shared by every worker.
// The lowest recorded page wins.
type State struct {
	mu   sync.Mutex
	page int
	set  bool

	once sync.Once
	done chan struct{}
}

// NewState returns an empty State.
func NewState() *State {
	return &State{done: make(chan struct{})}
}

// TryRecordStop records page as the stop point if no stop is known yet or page
// is lower than the current one. It reports whether the stored page changed.
func (s *State) TryRecordStop(page int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set && page >= s.page {
		return false
	}
	s.page = page
	s.set = true
	s.once.Do(func() { close(s.done) })
	return true
}

// CurrentStop returns the recorded stop page, if any.
func (s *State) CurrentStop() mo.Option[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return mo.None[int]()
	}
	return mo.Some(s.page)
}

// Done is closed the first time a stop page is recorded.
func (s *State) Done() <-chan struct{} {
	return s.done
}

// Beyond reports whether page sits strictly after the recorded stop page.
func (s *State) Beyond(page int) bool {
	stop, ok := s.CurrentStop().Get()
	return ok && page > stop
}
