package artnet

import "sync"

// State is the last level of every forwarded universe, keyed by sACN universe.
type State struct {
	mu        sync.Mutex
	universes UniverseStateMap
}

func NewState() *State {
	return &State{universes: UniverseStateMap{}}
}

func (s *State) SetUniverse(universe uint16, data [512]byte) {
	s.mu.Lock()
	s.universes[universe] = data
	s.mu.Unlock()
}

func (s *State) Universe(universe uint16) (Universe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	return u, ok
}

func (s *State) Delete(universe uint16) {
	s.mu.Lock()
	delete(s.universes, universe)
	s.mu.Unlock()
}

// Get returns a copy of all universes.
func (s *State) Get() UniverseStateMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(UniverseStateMap, len(s.universes))
	for k, v := range s.universes {
		m[k] = v
	}
	return m
}
