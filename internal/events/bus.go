// Package events distributes protocol lifecycle events in process.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
)

// Topic names a stream of events.
type Topic string

const (
	TopicProtocolRequest  Topic = "protocolRequest"
	TopicProtocolResponse Topic = "protocolResponse"
	TopicProtocolError    Topic = "protocolError"
	TopicTrustUpdate      Topic = "trustUpdate"
)

// Topics lists every topic the bus accepts.
var Topics = []Topic{TopicProtocolRequest, TopicProtocolResponse, TopicProtocolError, TopicTrustUpdate}

// DefaultMaxSubscribers bounds the handlers attached to one topic.
const DefaultMaxSubscribers = 32

var (
	ErrUnknownTopic       = errors.New("unknown topic")
	ErrTooManySubscribers = errors.New("too many subscribers for topic")
)

// Event is a single lifecycle notification. Fields irrelevant to a topic are zero.
type Event struct {
	Topic      Topic                   `json:"topic"`
	ProtocolID string                  `json:"protocol_id,omitempty"`
	AgentID    string                  `json:"agent_id,omitempty"`
	Status     models.Status           `json:"status,omitempty"`
	Inbound    bool                    `json:"inbound"` // received from a peer rather than produced locally
	TrustScore float64                 `json:"trust_score"`
	Message    *models.ProtocolMessage `json:"message,omitempty"`
	Delivery   *models.Delivery        `json:"delivery,omitempty"` // set when an inbound envelope was rejected
	Err        error                   `json:"-"`
	Error      string                  `json:"error,omitempty"`
	Time       time.Time               `json:"time"`
}

// Handler receives events. A returned error is logged and does not stop delivery.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe hub with bounded subscriber lists.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64
	max    int
	logger zerolog.Logger
}

// NewBus creates a bus allowing at most maxSubscribers handlers per topic.
// A non-positive value selects DefaultMaxSubscribers.
func NewBus(logger zerolog.Logger, maxSubscribers int) *Bus {
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultMaxSubscribers
	}
	return &Bus{
		subs:   make(map[Topic][]subscription),
		max:    maxSubscribers,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

func knownTopic(t Topic) bool {
	for _, k := range Topics {
		if k == t {
			return true
		}
	}
	return false
}

// Subscribe attaches h to topic. Handlers run in subscription order.
// The returned function detaches the handler.
func (b *Bus) Subscribe(topic Topic, h Handler) (func(), error) {
	if !knownTopic(topic) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs[topic]) >= b.max {
		return nil, fmt.Errorf("%w: %s (max %d)", ErrTooManySubscribers, topic, b.max)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	return func() { b.unsubscribe(topic, id) }, nil
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			// Copy so a concurrent Publish keeps iterating its own snapshot.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			b.subs[topic] = append(next, subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every handler of ev.Topic in order.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}

	b.mu.RLock()
	subs := b.subs[ev.Topic]
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Topic)).Inc()

	for _, s := range subs {
		b.dispatch(ctx, s, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventHandlerFailures.WithLabelValues(string(ev.Topic)).Inc()
			b.logger.Error().
				Str("topic", string(ev.Topic)).
				Str("protocol_id", ev.ProtocolID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()

	if err := s.handler(ctx, ev); err != nil {
		metrics.EventHandlerFailures.WithLabelValues(string(ev.Topic)).Inc()
		b.logger.Warn().
			Err(err).
			Str("topic", string(ev.Topic)).
			Str("protocol_id", ev.ProtocolID).
			Msg("event handler failed")
	}
}

// Subscribers returns the number of handlers attached to topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
