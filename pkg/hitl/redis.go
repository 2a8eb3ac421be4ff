package hitl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tenure/pkg/models"
)

// consumeScript performs the check-and-consume in one round trip so two
// concurrent consumers cannot both succeed.
var consumeScript = redis.NewScript(`
local tool = redis.call("HGET", KEYS[1], "tool")
if not tool then
  return "not_found"
end
if tool ~= ARGV[1] then
  return "wrong_tool"
end
if redis.call("HGET", KEYS[1], "consumed") == "1" then
  return "consumed"
end
redis.call("HSET", KEYS[1], "consumed", "1")
return "ok"
`)

// RedisStore keeps tokens in Redis with the TTL enforced by key expiry.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{Client: client, TTL: ttl, Prefix: "hitl:"}
}

func (s *RedisStore) Issue(ctx context.Context, toolName string) (models.HITLToken, error) {
	now := time.Now().UTC()
	tok := models.HITLToken{
		Value:     uuid.NewString(),
		ToolName:  toolName,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.TTL),
	}
	key := s.Prefix + tok.Value
	pipe := s.Client.TxPipeline()
	pipe.HSet(ctx, key, "tool", toolName, "issued_at", now.Format(time.RFC3339Nano), "consumed", "0")
	pipe.Expire(ctx, key, s.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.HITLToken{}, fmt.Errorf("hitl issue: %w", err)
	}
	return tok, nil
}

func (s *RedisStore) Consume(ctx context.Context, value, toolName string) error {
	res, err := consumeScript.Run(ctx, s.Client, []string{s.Prefix + value}, toolName).Result()
	if err != nil {
		return fmt.Errorf("hitl consume: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "wrong_tool":
		return ErrWrongTool
	case "consumed":
		return ErrConsumed
	default:
		// Expired keys vanish, so expiry reads as not found here.
		return ErrNotFound
	}
}
