// internal/policy/throttle.go
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notification-service/internal/common/logger"
)

// ThrottleCounter tracks per-user delivery counts over a sliding window using
// a Redis sorted set keyed by user. Members are scored by send time so the
// window is trimmed with a single ZREMRANGEBYSCORE before counting.
type ThrottleCounter struct {
	client *redis.Client
	logger logger.Logger
	now    func() time.Time
}

func NewThrottleCounter(client *redis.Client, log logger.Logger) *ThrottleCounter {
	return &ThrottleCounter{
		client: client,
		logger: log.WithFields(map[string]interface{}{"component": "throttle-counter"}),
		now:    time.Now,
	}
}

func throttleKey(userID string) string {
	return fmt.Sprintf("throttle:%s", userID)
}

// CountInWindow returns how many notifications the user received inside the
// window ending now.
func (c *ThrottleCounter) CountInWindow(ctx context.Context, userID string, window time.Duration) (int64, error) {
	now := c.now().UTC()
	key := throttleKey(userID)
	cutoff := now.Add(-window).UnixMilli()

	if err := c.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return 0, err
	}
	count, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Record registers one admitted notification against the user's window. The
// key expires after the window plus slack so idle users cost nothing.
func (c *ThrottleCounter) Record(ctx context.Context, userID string, window time.Duration) error {
	now := c.now().UTC()
	key := throttleKey(userID)

	member := redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.New().String()),
	}
	if err := c.client.ZAdd(ctx, key, member).Err(); err != nil {
		return err
	}
	if err := c.client.Expire(ctx, key, window+time.Minute).Err(); err != nil {
		c.logger.Warn("Failed to set throttle key TTL", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
	}
	return nil
}
