package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisCallRepository keeps the current call snapshot of one client. The key
// expires after ttl, past which a snapshot would be stale anyway.
type RedisCallRepository struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisCallRepository(client *redis.Client, userID domain.UserID, ttl time.Duration) ports.CallRepository {
	return &RedisCallRepository{
		client: client,
		key:    fmt.Sprintf("%sclient:%s:call", keyPrefix, userID),
		ttl:    ttl,
	}
}

func (r *RedisCallRepository) Save(ctx context.Context, snapshot domain.CallSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal call snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save call snapshot in Redis: %w", err)
	}
	return nil
}

func (r *RedisCallRepository) Load(ctx context.Context) (*domain.CallSnapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call snapshot from Redis: %w", err)
	}

	var snapshot domain.CallSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call snapshot: %w", err)
	}
	return &snapshot, nil
}

func (r *RedisCallRepository) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to delete call snapshot from Redis: %w", err)
	}
	return nil
}
