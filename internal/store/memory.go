package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/agentlink/internal/models"
)

// MemoryStore is an in-process DataStore. Protocols live in an append-only
// arena of slots addressed through an id -> slot index; every mutation goes
// through mu.
type MemoryStore struct {
	mu sync.RWMutex

	agents      map[string]*models.Agent
	agentsByKey map[string]string

	slots []*models.Protocol
	index map[string]int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*models.Agent),
		agentsByKey: make(map[string]string),
		index:       make(map[string]int),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// CreateAgent registers an agent with a random UUID.
func (s *MemoryStore) CreateAgent(ctx context.Context, publicKey, name string, capabilities []string) (*models.Agent, error) {
	return s.PutAgent(ctx, &models.Agent{
		ID:           uuid.New().String(),
		PublicKey:    publicKey,
		Name:         name,
		Capabilities: capabilities,
	})
}

// PutAgent inserts or replaces an agent under its own ID.
func (s *MemoryStore) PutAgent(_ context.Context, a *models.Agent) (*models.Agent, error) {
	now := time.Now()
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[cp.ID] = &cp
	s.agentsByKey[cp.PublicKey] = cp.ID

	out := cp
	return &out, nil
}

// Exists implements Directory.
func (s *MemoryStore) Exists(_ context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[agentID]
	return ok, nil
}

// GetAgent implements Directory.
func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp, nil
}

// GetAgentByPublicKey retrieves an agent by public key.
func (s *MemoryStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	s.mu.RLock()
	id, ok := s.agentsByKey[publicKey]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetAgent(ctx, id)
}

// CountAgents returns the number of registered agents.
func (s *MemoryStore) CountAgents(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.agents)), nil
}

// Capabilities implements capability.Source.
func (s *MemoryStore) Capabilities(_ context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.agents[agentID]; ok {
		return append([]string(nil), a.Capabilities...), nil
	}
	return nil, nil
}

// SaveProtocol appends p to the arena.
func (s *MemoryStore) SaveProtocol(_ context.Context, p *models.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[p.ID]; ok {
		return ErrProtocolExists
	}
	s.index[p.ID] = len(s.slots)
	s.slots = append(s.slots, p.Clone())
	return nil
}

// GetProtocol returns a copy of the stored protocol.
func (s *MemoryStore) GetProtocol(_ context.Context, id string) (*models.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, nil
	}
	return s.slots[i].Clone(), nil
}

func (s *MemoryStore) slot(id string) (*models.Protocol, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, ErrProtocolNotFound
	}
	return s.slots[i], nil
}

// UpdateStatus sets the status unconditionally.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status models.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.slot(id)
	if err != nil {
		return err
	}
	p.Status = status
	p.Reason = reason
	p.UpdatedAt = time.Now()
	return nil
}

// CompareAndSwapStatus implements ProtocolStore.
func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, from, to models.Status, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.slot(id)
	if err != nil {
		return false, err
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.Reason = reason
	p.UpdatedAt = time.Now()
	return true, nil
}

// UpdateLastMessage records the most recent envelope.
func (s *MemoryStore) UpdateLastMessage(_ context.Context, id string, meta models.MessageMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.slot(id)
	if err != nil {
		return err
	}
	p.LastMessage = meta
	p.UpdatedAt = time.Now()
	return nil
}

// ListOpen returns non-terminal protocols involving agentID.
func (s *MemoryStore) ListOpen(_ context.Context, agentID string) ([]*models.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Protocol
	for _, p := range s.slots {
		if !p.Status.Terminal() && p.Involves(agentID) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}
