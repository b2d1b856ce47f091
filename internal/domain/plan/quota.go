package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// quotaKeyTTL keeps counters around past the week boundary for debugging.
const quotaKeyTTL = 14 * 24 * time.Hour

// QuotaCounter tracks weekly image usage per user.
type QuotaCounter interface {
	// Used returns how many images the user generated in the current ISO week.
	Used(ctx context.Context, userID uuid.UUID) (int, error)

	// Consume records n generated images against the current week.
	Consume(ctx context.Context, userID uuid.UUID, n int) error
}

// RedisQuotaCounter implements QuotaCounter over a Redis counter keyed by
// ISO week so counters roll over without any reset job.
type RedisQuotaCounter struct {
	client *redis.Client
}

func NewRedisQuotaCounter(client *redis.Client) *RedisQuotaCounter {
	return &RedisQuotaCounter{client: client}
}

func (q *RedisQuotaCounter) Used(ctx context.Context, userID uuid.UUID) (int, error) {
	if q.client == nil {
		return 0, nil
	}
	used, err := q.client.Get(ctx, quotaKey(userID, time.Now().UTC())).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota lookup: %w", err)
	}
	return used, nil
}

func (q *RedisQuotaCounter) Consume(ctx context.Context, userID uuid.UUID, n int) error {
	if q.client == nil || n <= 0 {
		return nil
	}
	key := quotaKey(userID, time.Now().UTC())
	pipe := q.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, quotaKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota consume: %w", err)
	}
	return nil
}

func quotaKey(userID uuid.UUID, now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("quota:images:%d-%02d:%s", year, week, userID)
}
