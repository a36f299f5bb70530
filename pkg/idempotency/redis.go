package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	deliveryKeyPrefix   = "archiver:delivery:"
	ticketLockKeyPrefix = "archiver:ticket-lock:"

	// TicketLockTTL bounds how long a crashed worker can hold a ticket.
	TicketLockTTL = 5 * time.Minute
)

// RedisRegistry claims delivery identifiers across processes using SET NX
// with the configured TTL.
type RedisRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRegistry creates a registry backed by client. A TTL of zero or
// below disables deduplication.
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

// Claim atomically claims the delivery identifier.
func (r *RedisRegistry) Claim(ctx context.Context, deliveryID string) (bool, error) {
	if r.ttl <= 0 {
		return true, nil
	}
	claimed, err := r.client.SetNX(ctx, deliveryKeyPrefix+deliveryID, "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery id: %w", err)
	}
	return claimed, nil
}

// releaseScript deletes the lock only when it still carries our token, so a
// worker that lost its lock to TTL expiry cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisTicketLock serialises ticket processing across processes. The lock
// is advisory and TTL-bounded: if a holder crashes, the ticket becomes
// available again after TicketLockTTL.
type RedisTicketLock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisTicketLock creates a distributed ticket lock.
func NewRedisTicketLock(client redis.UniversalClient) *RedisTicketLock {
	return &RedisTicketLock{client: client, ttl: TicketLockTTL}
}

// TryAcquire takes the lock for ticketID. On success the returned release
// function deletes the lock if this holder still owns it.
func (l *RedisTicketLock) TryAcquire(ctx context.Context, ticketID int64) (release func(context.Context), ok bool, err error) {
	key := fmt.Sprintf("%s%d", ticketLockKeyPrefix, ticketID)
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire ticket lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func(ctx context.Context) {
		// best effort; the TTL reclaims abandoned locks
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, true, nil
}
