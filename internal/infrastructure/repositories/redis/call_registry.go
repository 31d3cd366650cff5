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

// sessions outlive any sane call; the TTL only reclaims calls orphaned by a
// crashed relay.
const sessionTTL = 12 * time.Hour

// RedisCallRegistry shares call sessions between relay instances. Each
// session is a JSON value; per-user sets index the calls a user is in or
// invited to.
type RedisCallRegistry struct {
	client *redis.Client
}

func NewRedisCallRegistry(client *redis.Client) ports.CallRegistry {
	return &RedisCallRegistry{client: client}
}

func (r *RedisCallRegistry) callKey(id domain.CallID) string {
	return keyPrefix + "call:" + string(id)
}

func (r *RedisCallRegistry) userCallsKey(id domain.UserID) string {
	return keyPrefix + "user:" + string(id) + ":calls"
}

func participants(session *domain.CallSession) []domain.UserID {
	seen := make(map[domain.UserID]struct{})
	var out []domain.UserID
	for id := range session.Members {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for id := range session.Invites {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *RedisCallRegistry) Create(ctx context.Context, session *domain.CallSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal call session: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.callKey(session.ID), data, sessionTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to create call in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("call already exists: %s", session.ID)
	}
	return r.index(ctx, session)
}

func (r *RedisCallRegistry) index(ctx context.Context, session *domain.CallSession) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, activeCallsKey, string(session.ID))
		for _, id := range participants(session) {
			pipe.SAdd(ctx, r.userCallsKey(id), string(session.ID))
			pipe.Expire(ctx, r.userCallsKey(id), sessionTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index call in Redis: %w", err)
	}
	return nil
}

func (r *RedisCallRegistry) Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	data, err := r.client.Get(ctx, r.callKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call from Redis: %w", err)
	}

	var session domain.CallSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call session: %w", err)
	}
	return &session, nil
}

func (r *RedisCallRegistry) Update(ctx context.Context, session *domain.CallSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal call session: %w", err)
	}

	updated, err := r.client.SetXX(ctx, r.callKey(session.ID), data, sessionTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to update call in Redis: %w", err)
	}
	if !updated {
		return domain.ErrCallNotFound
	}
	return r.index(ctx, session)
}

func (r *RedisCallRegistry) Delete(ctx context.Context, id domain.CallID) error {
	session, err := r.Get(ctx, id)
	if err == domain.ErrCallNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.callKey(id))
		pipe.SRem(ctx, activeCallsKey, string(id))
		for _, userID := range participants(session) {
			pipe.SRem(ctx, r.userCallsKey(userID), string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete call from Redis: %w", err)
	}
	return nil
}

func (r *RedisCallRegistry) FindByUser(ctx context.Context, userID domain.UserID) ([]*domain.CallSession, error) {
	ids, err := r.client.SMembers(ctx, r.userCallsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls from Redis: %w", err)
	}

	var out []*domain.CallSession
	for _, id := range ids {
		session, err := r.Get(ctx, domain.CallID(id))
		if err == domain.ErrCallNotFound {
			// expired session, drop the stale index entry
			r.client.SRem(ctx, r.userCallsKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.IsMember(userID) {
			out = append(out, session)
			continue
		}
		if st, invited := session.Invites[userID]; invited && st == domain.InviteRinging {
			out = append(out, session)
		}
	}
	return out, nil
}

// ActiveCalls counts sessions known to the registry.
func (r *RedisCallRegistry) ActiveCalls(ctx context.Context) (int64, error) {
	return r.client.SCard(ctx, activeCallsKey).Result()
}
