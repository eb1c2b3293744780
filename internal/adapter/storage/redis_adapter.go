package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

const (
	billSequenceKey      = "bill:seq"
	idempotencyKeyPrefix = "idem:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// seedSequenceScript raises the counter to at least ARGV[1] before
// incrementing, so a restarted Redis never reissues a persisted number.
var seedSequenceScript = redis.NewScript(`
local key = KEYS[1]
local floor = tonumber(ARGV[1])

local current = tonumber(redis.call('GET', key) or '0')
if current < floor then
	redis.call('SET', key, floor)
end

return redis.call('INCR', key)
`)

// RedisAdapter provides the bill sequence and the idempotency guard when
// REDIS_ADDR is configured.
type RedisAdapter struct {
	client *redis.Client
	floor  int64
}

var (
	_ port.Sequencer        = (*RedisAdapter)(nil)
	_ port.IdempotencyGuard = (*RedisAdapter)(nil)
)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// WithSequenceFloor makes NextBillNumber start above floor.
func (r *RedisAdapter) WithSequenceFloor(floor int64) *RedisAdapter {
	r.floor = floor
	return r
}

func (r *RedisAdapter) NextBillNumber(ctx context.Context) (string, error) {
	var (
		seq int64
		err error
	)
	if r.floor > 0 {
		seq, err = seedSequenceScript.Run(ctx, r.client, []string{billSequenceKey}, r.floor).Int64()
	} else {
		seq, err = r.client.Incr(ctx, billSequenceKey).Result()
	}
	if err != nil {
		return "", err
	}
	return domain.FormatBillNumber(seq), nil
}

func (r *RedisAdapter) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
