// Package viewer is the boundary to the embedded panorama viewer.
package viewer

import (
	"sync"
)

// Listener receives the viewer's current URL after every navigation.
type Listener func(url string)

// Viewer is an embedded map viewer. Navigate is fire-and-forget; the viewer
// reports where it ended up through its listeners, possibly on another
// goroutine and possibly more than once.
type Viewer interface {
	Navigate(url string)
	OnSourceChanged(l Listener) (unsubscribe func())
}

// Scripted is a Viewer driven by code: navigations are echoed back to the
// listeners and Emit replays user movement.
type Scripted struct {
	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	history   []string
	async     bool
	wg        sync.WaitGroup
}

// NewScripted creates a Scripted viewer. When async is set, listeners are
// notified on a new goroutine, as a browser widget would.
func NewScripted(async bool) *Scripted {
	return &Scripted{
		listeners: make(map[int]Listener),
		async:     async,
	}
}

// Navigate records url and reports it as the new source.
func (s *Scripted) Navigate(url string) {
	s.mu.Lock()
	s.history = append(s.history, url)
	s.mu.Unlock()
	s.Emit(url)
}

// Emit notifies listeners that the viewer now shows url.
func (s *Scripted) Emit(url string) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	notify := func() {
		for _, l := range listeners {
			l(url)
		}
	}
	if !s.async {
		notify()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		notify()
	}()
}

func (s *Scripted) OnSourceChanged(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// History returns the URLs passed to Navigate.
func (s *Scripted) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// Wait blocks until every asynchronous notification has been delivered.
func (s *Scripted) Wait() {
	s.wg.Wait()
}
