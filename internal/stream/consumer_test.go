// internal/stream/consumer_test.go
package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-service/internal/common/config"
	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

type mockAdmitter struct {
	mu       sync.Mutex
	admitted []*models.Notification
	admitErr error
}

func (m *mockAdmitter) Admit(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitErr != nil {
		return m.admitErr
	}
	m.admitted = append(m.admitted, n)
	return nil
}

func newTestConsumer(t *testing.T, admitter Admitter) (*Consumer, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.StreamConfig{
		Key:          "notifications:events",
		Group:        "notification-processors",
		Consumer:     "worker-1",
		BatchSize:    10,
		BlockTimeout: 10,
	}
	c := NewConsumer(client, cfg, admitter, logger.NewNoOpLogger())
	require.NoError(t, c.EnsureGroup(context.Background()))
	return c, client
}

func addEvent(t *testing.T, client *redis.Client, payload string) {
	t.Helper()
	err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "notifications:events",
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	require.NoError(t, err)
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), "notifications:events", "notification-processors").Result()
	require.NoError(t, err)
	return pending.Count
}

func TestConsumer_ReadBatch_AdmitsAndAcks(t *testing.T) {
	admitter := &mockAdmitter{}
	c, client := newTestConsumer(t, admitter)

	addEvent(t, client, `{"id":"notif-001","userId":"user-001","title":"Hello","body":"World","priority":"high"}`)

	require.NoError(t, c.ReadBatch(context.Background()))

	require.Len(t, admitter.admitted, 1)
	n := admitter.admitted[0]
	assert.Equal(t, "notif-001", n.ID)
	assert.Equal(t, models.PriorityHigh, n.Priority)
	assert.Zero(t, pendingCount(t, client))
}

func TestConsumer_ReadBatch_InvalidEventAckedAndDropped(t *testing.T) {
	admitter := &mockAdmitter{}
	c, client := newTestConsumer(t, admitter)

	addEvent(t, client, `{"title":"no user"}`)
	addEvent(t, client, `not json at all`)

	require.NoError(t, c.ReadBatch(context.Background()))

	assert.Empty(t, admitter.admitted)
	assert.Zero(t, pendingCount(t, client), "invalid events are acked, not redelivered")
}

func TestConsumer_ReadBatch_RetryableFailureLeftPending(t *testing.T) {
	admitter := &mockAdmitter{
		admitErr: stderrors.NewQueryExecutionFailedError("insert", errors.New("connection refused")),
	}
	c, client := newTestConsumer(t, admitter)

	addEvent(t, client, `{"userId":"user-001","title":"Hello","body":"World"}`)

	require.NoError(t, c.ReadBatch(context.Background()))

	assert.Equal(t, int64(1), pendingCount(t, client), "store faults leave the entry for redelivery")
}

func TestConsumer_StartStop(t *testing.T) {
	admitter := &mockAdmitter{}
	c, client := newTestConsumer(t, admitter)

	addEvent(t, client, `{"userId":"user-001","title":"Hello","body":"World"}`)

	require.NoError(t, c.Start(context.Background()))
	assert.Eventually(t, func() bool {
		admitter.mu.Lock()
		defer admitter.mu.Unlock()
		return len(admitter.admitted) == 1
	}, time.Second, 10*time.Millisecond)
	c.Stop()
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantErr  bool
		validate func(t *testing.T, n *models.Notification)
	}{
		{
			name:    "full event",
			payload: `{"id":"notif-001","userId":"user-001","title":"T","body":"B","priority":"urgent","channels":["email","sms"],"scheduledFor":"2025-06-01T12:00:00Z","metadata":{"source":"ci"}}`,
			validate: func(t *testing.T, n *models.Notification) {
				assert.Equal(t, models.PriorityUrgent, n.Priority)
				assert.Equal(t, []models.Channel{models.ChannelEmail, models.ChannelSMS}, n.Channels)
				assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), n.ScheduledFor)
				assert.Equal(t, "ci", n.Metadata["source"])
			},
		},
		{
			name:    "missing priority defaults to medium",
			payload: `{"userId":"user-001","title":"T","body":"B"}`,
			validate: func(t *testing.T, n *models.Notification) {
				assert.Equal(t, models.PriorityMedium, n.Priority)
			},
		},
		{
			name:    "missing userId rejected",
			payload: `{"title":"T","body":"B"}`,
			wantErr: true,
		},
		{
			name:    "unknown priority rejected by schema",
			payload: `{"userId":"user-001","title":"T","body":"B","priority":"critical"}`,
			wantErr: true,
		},
		{
			name:    "unknown channel rejected by schema",
			payload: `{"userId":"user-001","title":"T","body":"B","channels":["fax"]}`,
			wantErr: true,
		},
		{
			name:    "malformed json rejected",
			payload: `{"userId":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseEvent(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, n)
		})
	}
}
