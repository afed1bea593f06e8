// internal/policy/throttle_test.go
package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-service/internal/common/logger"
)

func newTestThrottleCounter(t *testing.T) (*ThrottleCounter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewThrottleCounter(client, logger.NewNoOpLogger()), mr
}

func TestThrottleCounter_RecordAndCount(t *testing.T) {
	counter, _ := newTestThrottleCounter(t)
	ctx := context.Background()

	count, err := counter.CountInWindow(ctx, "user-001", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, counter.Record(ctx, "user-001", time.Hour))
	require.NoError(t, counter.Record(ctx, "user-001", time.Hour))
	require.NoError(t, counter.Record(ctx, "user-002", time.Hour))

	count, err = counter.CountInWindow(ctx, "user-001", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "counts are per user")
}

func TestThrottleCounter_SlidingWindowTrimsOldEntries(t *testing.T) {
	counter, _ := newTestThrottleCounter(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return base }
	require.NoError(t, counter.Record(ctx, "user-001", time.Hour))

	counter.now = func() time.Time { return base.Add(30 * time.Minute) }
	require.NoError(t, counter.Record(ctx, "user-001", time.Hour))

	// 90 minutes in, only the second entry is still inside the hour window.
	counter.now = func() time.Time { return base.Add(90 * time.Minute) }
	count, err := counter.CountInWindow(ctx, "user-001", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestThrottleCounter_CountInWindow_SurfacesRedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	counter := NewThrottleCounter(db, logger.NewNoOpLogger())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return base }

	cutoff := fmt.Sprintf("%d", base.Add(-time.Hour).UnixMilli())
	mock.ExpectZRemRangeByScore("throttle:user-001", "0", cutoff).
		SetErr(errors.New("connection refused"))

	_, err := counter.CountInWindow(context.Background(), "user-001", time.Hour)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestThrottleCounter_CountInWindow_ZCardError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	counter := NewThrottleCounter(db, logger.NewNoOpLogger())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return base }

	cutoff := fmt.Sprintf("%d", base.Add(-time.Hour).UnixMilli())
	mock.ExpectZRemRangeByScore("throttle:user-001", "0", cutoff).SetVal(0)
	mock.ExpectZCard("throttle:user-001").SetErr(errors.New("connection reset"))

	_, err := counter.CountInWindow(context.Background(), "user-001", time.Hour)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
