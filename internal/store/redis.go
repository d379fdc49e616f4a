package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
)

const (
	protocolTTL = 7 * 24 * time.Hour
	inboxTTL    = 24 * time.Hour
	casRetries  = 8
)

// RedisStore holds protocol records, capability sets, request nonces and
// per-agent delivery inboxes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying client so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func protocolKey(id string) string {
	return fmt.Sprintf("protocol:%s", id)
}

// openKey returns the set of non-terminal protocol IDs for an agent.
func openKey(agentID string) string {
	return fmt.Sprintf("agent:%s:open", agentID)
}

func capabilitiesKey(agentID string) string {
	return fmt.Sprintf("agent:%s:capabilities", agentID)
}

func observeRedis(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// SaveProtocol stores p if no protocol with the same ID exists.
func (s *RedisStore) SaveProtocol(ctx context.Context, p *models.Protocol) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, protocolKey(p.ID), data, protocolTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrProtocolExists
	}

	if !p.Status.Terminal() {
		pipe := s.client.Pipeline()
		pipe.SAdd(ctx, openKey(p.SenderID), p.ID)
		pipe.SAdd(ctx, openKey(p.ReceiverID), p.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// GetProtocol retrieves a protocol by ID.
func (s *RedisStore) GetProtocol(ctx context.Context, id string) (*models.Protocol, error) {
	defer observeRedis(time.Now())

	data, err := s.client.Get(ctx, protocolKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var p models.Protocol
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// mutate applies fn to the stored protocol inside WATCH/MULTI, retrying when
// another client changed the key first. fn returns false to leave it as is.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(p *models.Protocol) bool) (bool, error) {
	defer observeRedis(time.Now())

	key := protocolKey(id)
	applied := false

	txf := func(tx *redis.Tx) error {
		applied = false
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrProtocolNotFound
			}
			return err
		}

		var p models.Protocol
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if !fn(&p) {
			return nil
		}
		p.UpdatedAt = time.Now()

		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			if p.Status.Terminal() {
				pipe.SRem(ctx, openKey(p.SenderID), p.ID)
				pipe.SRem(ctx, openKey(p.ReceiverID), p.ID)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return applied, err
	}
	return false, redis.TxFailedErr
}

// UpdateStatus sets the status unconditionally.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status models.Status, reason string) error {
	_, err := s.mutate(ctx, id, func(p *models.Protocol) bool {
		p.Status = status
		p.Reason = reason
		return true
	})
	return err
}

// CompareAndSwapStatus implements ProtocolStore.
func (s *RedisStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status, reason string) (bool, error) {
	return s.mutate(ctx, id, func(p *models.Protocol) bool {
		if p.Status != from {
			return false
		}
		p.Status = to
		p.Reason = reason
		return true
	})
}

// UpdateLastMessage records the most recent envelope.
func (s *RedisStore) UpdateLastMessage(ctx context.Context, id string, meta models.MessageMeta) error {
	_, err := s.mutate(ctx, id, func(p *models.Protocol) bool {
		p.LastMessage = meta
		return true
	})
	return err
}

// ListOpen returns non-terminal protocols involving agentID.
func (s *RedisStore) ListOpen(ctx context.Context, agentID string) ([]*models.Protocol, error) {
	ids, err := s.client.SMembers(ctx, openKey(agentID)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*models.Protocol, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProtocol(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil || p.Status.Terminal() {
			// Expired or finalized by a writer that crashed before SREM.
			s.client.SRem(ctx, openKey(agentID), id)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SetCapabilities replaces an agent's provisioned capability set.
func (s *RedisStore) SetCapabilities(ctx context.Context, agentID string, capabilities ...string) error {
	key := capabilitiesKey(agentID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(capabilities) > 0 {
			members := make([]any, len(capabilities))
			for i, c := range capabilities {
				members[i] = c
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	return err
}

// Capabilities implements capability.Source.
func (s *RedisStore) Capabilities(ctx context.Context, agentID string) ([]string, error) {
	return s.client.SMembers(ctx, capabilitiesKey(agentID)).Result()
}

// nonceKey returns the key for nonce tracking.
func nonceKey(agentID, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", agentID, nonce)
}

// ClaimNonce records a nonce for ttl. It reports false when the nonce was
// already claimed.
func (s *RedisStore) ClaimNonce(ctx context.Context, agentID, nonce string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return s.client.SetNX(ctx, nonceKey(agentID, nonce), "1", ttl).Result()
}

// inboxKey returns the key for an agent's delivery inbox.
func inboxKey(agentID string) string {
	return fmt.Sprintf("inbox:%s", agentID)
}

// StoreDelivery queues a delivery in the recipient's inbox, oldest first.
func (s *RedisStore) StoreDelivery(ctx context.Context, d *models.Delivery) error {
	defer observeRedis(time.Now())

	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.SentAt == 0 {
		d.SentAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(d)
	if err != nil {
		return err
	}

	key := inboxKey(d.To)
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(d.SentAt),
		Member: string(data),
	})
	pipe.Expire(ctx, key, inboxTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PopDeliveries removes and returns up to limit of the oldest deliveries.
// Undecodable entries are dropped.
func (s *RedisStore) PopDeliveries(ctx context.Context, agentID string, limit int) ([]*models.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	results, err := s.client.ZPopMin(ctx, inboxKey(agentID), int64(limit)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*models.Delivery, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		var d models.Delivery
		if err := json.Unmarshal([]byte(member), &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}
