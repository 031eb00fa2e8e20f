package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// unlockLua deletes a lock key only when its value matches the caller's
// token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends a lock's TTL only when the caller still holds it.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// EngineLock is a Redis-held mutual exclusion guard. Two engine instances
// trading the same markets would double-spend against the same venue
// balances; the lock makes the second instance refuse to start.
type EngineLock struct {
	rdb       *redis.Client
	key       string
	token     string
	ttl       time.Duration
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

// NewEngineLock creates an EngineLock for the given key; ttl <= 0 defaults
// to 30 seconds.
func NewEngineLock(c *Client, key string, ttl time.Duration) *EngineLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EngineLock{
		rdb:       c.Underlying(),
		key:       "fletcher:lock:" + key,
		token:     uuid.New().String(),
		ttl:       ttl,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

// Acquire takes the lock, returning ErrLockHeld when another instance holds
// it.
func (l *EngineLock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("redis: lock %s: %w", l.key, domain.ErrLockHeld)
	}
	return nil
}

// Hold refreshes the lock's TTL until the context is cancelled, then
// releases it. A refresh that finds the lock lost returns an error; the
// caller should treat that as fatal, another instance may be trading.
func (l *EngineLock) Hold(ctx context.Context) error {
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.release()
			return ctx.Err()
		case <-ticker.C:
			held, err := l.refreshSc.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil {
				return fmt.Errorf("redis: refresh lock %s: %w", l.key, err)
			}
			if held == 0 {
				return fmt.Errorf("redis: lock %s: lease lost", l.key)
			}
		}
	}
}

// release deletes the lock if still held. Runs on a background context so
// shutdown can release even after the run context is cancelled.
func (l *EngineLock) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.unlockSc.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
