package trust

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/agentlink/internal/metrics"
)

// addScript increments and clamps at zero in one atomic step.
var addScript = redis.NewScript(`
local v = tonumber(redis.call('INCRBYFLOAT', KEYS[1], ARGV[1]))
if v < 0 then
	redis.call('SET', KEYS[1], '0')
	return '0'
end
return tostring(v)
`)

// RedisStore keeps scores in Redis so several nodes share them.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// trustKey returns the key holding an agent's score.
func trustKey(agentID string) string {
	return fmt.Sprintf("trust:%s", agentID)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, agentID string) (float64, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	v, err := s.client.Get(ctx, trustKey(agentID)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, agentID string, delta float64) (float64, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	res, err := addScript.Run(ctx, s.client, []string{trustKey(agentID)}, strconv.FormatFloat(delta, 'f', -1, 64)).Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(res, 64)
}
