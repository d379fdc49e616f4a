// Package trust keeps a per-agent reputation score used to gate protocols.
package trust

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/metrics"
)

// Kind classifies an interaction between two agents.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Score deltas applied per interaction kind. Binary fractions keep
// accumulated scores exact.
const (
	DeltaRequest  = 0.25
	DeltaResponse = 0.5
	DeltaError    = -1.0
)

// Store holds scores. Add must apply delta atomically with respect to other
// Adds on the same agent and never leave a score below zero.
type Store interface {
	Get(ctx context.Context, agentID string) (float64, error)
	Add(ctx context.Context, agentID string, delta float64) (float64, error)
}

// Registry records interactions and publishes score changes.
type Registry struct {
	store  Store
	bus    *events.Bus
	logger zerolog.Logger
}

// NewRegistry creates a registry. bus may be nil.
func NewRegistry(store Store, bus *events.Bus, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		bus:    bus,
		logger: logger.With().Str("component", "trust").Logger(),
	}
}

// Score returns agentID's current score, 0 if never seen.
func (r *Registry) Score(ctx context.Context, agentID string) (float64, error) {
	return r.store.Get(ctx, agentID)
}

// RecordInteraction applies the delta for kind. Requests and responses credit
// both parties; an error debits the sender of the failed message only.
func (r *Registry) RecordInteraction(ctx context.Context, senderID, receiverID string, kind Kind) error {
	var targets []string
	var delta float64

	switch kind {
	case KindRequest:
		delta = DeltaRequest
		targets = parties(senderID, receiverID)
	case KindResponse:
		delta = DeltaResponse
		targets = parties(senderID, receiverID)
	case KindError:
		delta = DeltaError
		targets = []string{senderID}
	default:
		return fmt.Errorf("unknown interaction kind %q", kind)
	}

	metrics.TrustUpdates.WithLabelValues(string(kind)).Inc()

	for _, id := range targets {
		score, err := r.store.Add(ctx, id, delta)
		if err != nil {
			return fmt.Errorf("update trust for %s: %w", id, err)
		}

		r.logger.Debug().
			Str("agent", id).
			Str("kind", string(kind)).
			Float64("score", score).
			Msg("trust updated")

		if r.bus != nil {
			r.bus.Publish(ctx, events.Event{
				Topic:      events.TopicTrustUpdate,
				AgentID:    id,
				TrustScore: score,
			})
		}
	}
	return nil
}

func parties(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}
