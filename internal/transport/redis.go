package transport

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
	"github.com/eldtechnologies/agentlink/internal/store"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 100
)

// RedisInbox queues deliveries in per-agent Redis inboxes. Any node sharing
// the Redis instance can send; the node hosting the recipient polls.
type RedisInbox struct {
	store    *store.RedisStore
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

// NewRedisInbox creates an inbox transport. A non-positive interval selects
// the default poll interval.
func NewRedisInbox(s *store.RedisStore, interval time.Duration, logger zerolog.Logger) *RedisInbox {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &RedisInbox{
		store:    s,
		interval: interval,
		batch:    defaultBatchSize,
		logger:   logger.With().Str("transport", "redis").Logger(),
	}
}

// Send queues d in the recipient's inbox.
func (r *RedisInbox) Send(ctx context.Context, d *models.Delivery) error {
	if err := r.store.StoreDelivery(ctx, d); err != nil {
		return err
	}
	metrics.DeliveriesSent.WithLabelValues("redis", string(d.Type)).Inc()
	return nil
}

// Poll drains the inboxes of agents once, handling each delivery in its own
// goroutine, and waits for them. It returns the number of deliveries handled.
func (r *RedisInbox) Poll(ctx context.Context, agents []string, h Handler) (int, error) {
	var wg sync.WaitGroup
	total := 0

	for _, agentID := range agents {
		deliveries, err := r.store.PopDeliveries(ctx, agentID, r.batch)
		if err != nil {
			wg.Wait()
			return total, err
		}
		for _, d := range deliveries {
			total++
			wg.Add(1)
			go func(d *models.Delivery) {
				defer wg.Done()
				if err := h(ctx, d); err != nil {
					r.logger.Debug().
						Err(err).
						Str("protocol_id", d.ProtocolID).
						Str("delivery_id", d.ID).
						Msg("delivery rejected")
				}
			}(d)
		}
	}

	wg.Wait()
	return total, nil
}

// Run polls until ctx is cancelled.
func (r *RedisInbox) Run(ctx context.Context, agents []string, h Handler) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Poll(ctx, agents, h); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("inbox poll failed")
			}
		}
	}
}
