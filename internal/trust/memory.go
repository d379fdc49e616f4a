package trust

import (
	"context"
	"sync"
)

type scoreSlot struct {
	mu    sync.Mutex
	value float64
}

// MemoryStore keeps scores in process with one lock per agent.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]*scoreSlot
}

// NewMemoryStore returns an empty store, optionally seeded with scores.
func NewMemoryStore(seed map[string]float64) *MemoryStore {
	s := &MemoryStore{slots: make(map[string]*scoreSlot)}
	for id, v := range seed {
		if v < 0 {
			v = 0
		}
		s.slots[id] = &scoreSlot{value: v}
	}
	return s
}

// lookup returns the agent's slot, or nil when it has no score yet.
func (s *MemoryStore) lookup(agentID string) *scoreSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[agentID]
}

// slot returns the agent's slot, creating it on first use.
func (s *MemoryStore) slot(agentID string) *scoreSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[agentID]
	if !ok {
		sl = &scoreSlot{}
		s.slots[agentID] = sl
	}
	return sl
}

// Get implements Store. Unknown agents score 0 and are not recorded.
func (s *MemoryStore) Get(_ context.Context, agentID string) (float64, error) {
	sl := s.lookup(agentID)
	if sl == nil {
		return 0, nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.value, nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, agentID string, delta float64) (float64, error) {
	sl := s.slot(agentID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.value += delta
	if sl.value < 0 {
		sl.value = 0
	}
	return sl.value, nil
}
