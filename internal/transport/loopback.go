// Package transport moves sealed deliveries between agents: in process, via
// Redis inboxes, or over signed HTTP.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
)

// Handler consumes an inbound delivery.
type Handler func(ctx context.Context, d *models.Delivery) error

// ErrNoHandler is returned by Send before a handler is attached.
var ErrNoHandler = errors.New("transport: no handler attached")

// Loopback hands deliveries to a local handler, one goroutine per delivery.
type Loopback struct {
	mu      sync.RWMutex
	handler Handler
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewLoopback creates an in-process transport.
func NewLoopback(logger zerolog.Logger) *Loopback {
	return &Loopback{logger: logger.With().Str("transport", "loopback").Logger()}
}

// Handle attaches the inbound handler.
func (l *Loopback) Handle(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Send delivers d asynchronously. The handler runs detached from ctx since
// the sender does not wait for it.
func (l *Loopback) Send(_ context.Context, d *models.Delivery) error {
	l.mu.RLock()
	h := l.handler
	l.mu.RUnlock()
	if h == nil {
		return ErrNoHandler
	}

	cp := *d
	metrics.DeliveriesSent.WithLabelValues("loopback", string(d.Type)).Inc()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := h(context.Background(), &cp); err != nil {
			l.logger.Debug().
				Err(err).
				Str("protocol_id", cp.ProtocolID).
				Str("delivery_id", cp.ID).
				Msg("delivery rejected")
		}
	}()
	return nil
}

// Wait blocks until every delivery sent so far has been handled.
func (l *Loopback) Wait() {
	l.wg.Wait()
}
