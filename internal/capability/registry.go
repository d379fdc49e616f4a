// Package capability answers which capability tokens an agent holds.
// Capability sets are provisioned elsewhere; this package only reads them.
package capability

import (
	"context"
	"sort"
	"sync"
)

// Set is an unordered collection of capability tokens.
type Set map[string]struct{}

// NewSet builds a Set from tokens.
func NewSet(tokens ...string) Set {
	s := make(Set, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether token is in s.
func (s Set) Has(token string) bool {
	_, ok := s[token]
	return ok
}

// Sorted returns the tokens in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Diff returns the entries of required missing from s, keeping their order
// and dropping duplicates.
func (s Set) Diff(required []string) []string {
	var missing []string
	seen := make(map[string]bool, len(required))
	for _, r := range required {
		if seen[r] {
			continue
		}
		seen[r] = true
		if !s.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// Source provides an agent's provisioned capability tokens.
type Source interface {
	Capabilities(ctx context.Context, agentID string) ([]string, error)
}

// Registry looks up capability sets from a Source.
type Registry struct {
	src Source
}

// NewRegistry creates a registry reading from src.
func NewRegistry(src Source) *Registry {
	return &Registry{src: src}
}

// CapabilitiesOf returns the tokens agentID currently holds. Unknown agents hold none.
func (r *Registry) CapabilitiesOf(ctx context.Context, agentID string) (Set, error) {
	tokens, err := r.src.Capabilities(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return NewSet(tokens...), nil
}

// Missing returns the subset of required that agentID does not hold, in order.
func (r *Registry) Missing(ctx context.Context, agentID string, required []string) ([]string, error) {
	if len(required) == 0 {
		return nil, nil
	}
	set, err := r.CapabilitiesOf(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return set.Diff(required), nil
}

// StaticSource is a fixed in-memory Source.
type StaticSource struct {
	mu   sync.RWMutex
	caps map[string][]string
}

// NewStaticSource copies caps into a new source.
func NewStaticSource(caps map[string][]string) *StaticSource {
	s := &StaticSource{caps: make(map[string][]string, len(caps))}
	for id, tokens := range caps {
		s.caps[id] = append([]string(nil), tokens...)
	}
	return s
}

// Capabilities implements Source.
func (s *StaticSource) Capabilities(_ context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.caps[agentID]...), nil
}

// Set replaces the tokens for agentID.
func (s *StaticSource) Set(agentID string, tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[agentID] = append([]string(nil), tokens...)
}
