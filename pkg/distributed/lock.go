package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("lock acquisition timeout")

// only the holder may release
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// DistributedLock is a Redis SET NX lock renewed while held.
type DistributedLock struct {
	client    *redis.Client
	key       string
	value     string
	ttl       time.Duration
	stopRenew chan struct{}
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     uuid.NewString(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

// LockWithTimeout polls until the lock is acquired, timeout elapses or ctx
// is done.
func (l *DistributedLock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if acquired {
		go l.renew()
	}
	return acquired, nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	close(l.stopRenew)

	released, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if released == 0 {
		return fmt.Errorf("lock %s was not held", l.key)
	}
	return nil
}

func (l *DistributedLock) renew() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ticker.C:
			ok, err := renewScript.Run(context.Background(), l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
			if err != nil || ok == 0 {
				return
			}
		}
	}
}

// LockManager hands out short lived locks under one key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewLockManager(client *redis.Client, prefix string, ttl, wait time.Duration) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
	}
}

// Lock blocks until key is held and returns its release function.
func (lm *LockManager) Lock(ctx context.Context, key string) (func(), error) {
	l := NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
	if err := l.LockWithTimeout(ctx, lm.wait); err != nil {
		return nil, err
	}
	return func() { _ = l.Unlock(context.Background()) }, nil
}
