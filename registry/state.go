package registry

import (
	"sync"
	"time"
)

// RegistryState is shared between the Ingestor workers and the Server.
type RegistryState struct {
	mu                sync.RWMutex
	lastCommittedTime time.Time
	mirroring         bool
}

func NewRegistryState(mirroring bool) *RegistryState {
	return &RegistryState{mirroring: mirroring}
}

func (s *RegistryState) SetLastCommittedTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastCommittedTime) {
		s.lastCommittedTime = t
	}
}

func (s *RegistryState) LastCommittedTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCommittedTime
}

// Mirroring registries accept entries from their upstream only
func (s *RegistryState) Mirroring() bool {
	return s.mirroring
}
