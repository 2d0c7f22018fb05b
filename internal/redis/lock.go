package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("participant lock not acquired")
)

// Locker serializes the conflict-check-then-write window per
// participant. A booking locks both the doctor and the patient, so two
// concurrent bookings sharing either party contend on the same key.
type Locker interface {
	WithParticipantLocks(ctx context.Context, participantIDs []uuid.UUID, fn func(ctx context.Context) error) error
}

type redisParticipantLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisParticipantLocker creates a locker backed by one Redis key
// per participant id.
func NewRedisParticipantLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisParticipantLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisParticipantLocker) WithParticipantLocks(ctx context.Context, participantIDs []uuid.UUID, fn func(ctx context.Context) error) error {
	// Dedupe and sort so every caller acquires in the same order.
	// Without this, two requests sharing both participants could
	// deadlock each other until the TTL fires.
	keys := lockKeys(participantIDs)
	token := uuid.NewString()

	var held []string
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.release(ctx, held[i], token)
		}
	}()

	for _, key := range keys {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire participant lock: %w", err)
		}
		if !ok {
			return ErrLockNotAcquired
		}
		held = append(held, key)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisParticipantLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release participant lock: %w", err)
	}
	return nil
}

func lockKeys(participantIDs []uuid.UUID) []string {
	seen := make(map[uuid.UUID]struct{}, len(participantIDs))
	keys := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, fmt.Sprintf("lock:participant:%s", id))
	}
	sort.Strings(keys)
	return keys
}
