// internal/store/notifications.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

// NotificationStore persists notification records. Every mutation is a
// single conditional statement so concurrent processor instances and
// redelivered events cannot corrupt state.
type NotificationStore struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

func NewNotificationStore(db *sql.DB, log logger.Logger) *NotificationStore {
	return &NotificationStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "notification-store"}),
		now:    time.Now,
	}
}

const notificationColumns = `id, user_id, title, body, type, metadata, priority, channels,
	scheduled_for, status, retry_count, last_retry_at, processed_at, delivered_at,
	duplicate_of, created_at, updated_at`

// Insert creates a notification record. Redelivered creates are no-ops; the
// bool reports whether a row was actually written.
func (s *NotificationStore) Insert(ctx context.Context, n *models.Notification) (bool, error) {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("insert notification", err)
	}

	now := s.now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = n.CreatedAt
	}
	if n.Status == "" {
		n.Status = models.StatusPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, body, type, metadata, priority,
			channels, scheduled_for, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.Title, n.Body, n.Type, metadata, string(n.Priority),
		pq.Array(channelStrings(n.Channels)), n.ScheduledFor, n.Status, now,
	)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("insert notification", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// GetByID loads one notification record.
func (s *NotificationStore) GetByID(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications WHERE id = $1`, id)

	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, stderrors.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get notification", err)
	}
	return n, nil
}

// CompareAndSetStatus transitions id from expected to next atomically. The
// bool reports whether the transition applied; false means another instance
// got there first.
func (s *NotificationStore) CompareAndSetStatus(ctx context.Context, id, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, expected, next, s.now().UTC(),
	)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("cas status", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkRescheduled moves a pending notification back to the deferred path
// with an updated schedule.
func (s *NotificationStore) MarkRescheduled(ctx context.Context, id string, scheduledFor time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2, scheduled_for = $3, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, models.StatusRescheduled, scheduledFor.UTC(), s.now().UTC(), models.StatusPending,
	)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("mark rescheduled", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkSuppressed terminally suppresses a duplicate, keeping a back-reference
// to the matching notification.
func (s *NotificationStore) MarkSuppressed(ctx context.Context, id, duplicateOf string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2, duplicate_of = $3, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, models.StatusSuppressed, duplicateOf, s.now().UTC(), models.StatusPending,
	)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("mark suppressed", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkProcessing stamps processed_at and stores the resolved channel set.
// Applies from pending or rescheduled only.
func (s *NotificationStore) MarkProcessing(ctx context.Context, id string, channels []models.Channel) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2, channels = $3, processed_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6)`,
		id, models.StatusProcessing, pq.Array(channelStrings(channels)), now,
		models.StatusPending, models.StatusRescheduled,
	)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("mark processing", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkDelivered finalizes a successfully delivered notification.
func (s *NotificationStore) MarkDelivered(ctx context.Context, id string) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2, delivered_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4`,
		id, models.StatusDelivered, now, models.StatusProcessing,
	)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("mark delivered", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkFailed terminally fails a notification from any non-terminal status.
func (s *NotificationStore) MarkFailed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN ($4, $5, $6, $7)`,
		id, models.StatusFailed, s.now().UTC(),
		models.StatusDelivered, models.StatusFailed, models.StatusSuppressed, models.StatusAggregated,
	)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("mark failed", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// IncrementRetry bumps retry_count atomically and stamps last_retry_at.
func (s *NotificationStore) IncrementRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET retry_count = retry_count + 1, last_retry_at = $2, updated_at = $2
		WHERE id = $1`,
		id, s.now().UTC(),
	)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("increment retry", err)
	}
	return nil
}

// FindRecentDuplicate returns the id of a delivered notification with
// identical content for the same user created after since, or "" when none
// exists.
func (s *NotificationStore) FindRecentDuplicate(ctx context.Context, userID, title, body string, since time.Time) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM notifications
		WHERE user_id = $1 AND title = $2 AND body = $3
		  AND status = $4 AND created_at >= $5
		ORDER BY created_at DESC
		LIMIT 1`,
		userID, title, body, models.StatusDelivered, since.UTC(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", stderrors.NewQueryExecutionFailedError("find duplicate", err)
	}
	return id, nil
}

// CountCreatedSince counts the user's notifications created after since,
// excluding suppressed and aggregated records. Used as the throttle count
// fallback when the Redis counter is unavailable.
func (s *NotificationStore) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND created_at >= $2
		  AND status NOT IN ($3, $4)`,
		userID, since.UTC(), models.StatusSuppressed, models.StatusAggregated,
	).Scan(&count)
	if err != nil {
		return 0, stderrors.NewQueryExecutionFailedError("count since", err)
	}
	return count, nil
}

// FindPendingLowIDsInHour returns ids of the user's pending low-priority
// non-summary notifications scheduled in [hourStart, hourEnd), excluding
// excludeID.
func (s *NotificationStore) FindPendingLowIDsInHour(ctx context.Context, userID string, hourStart, hourEnd time.Time, excludeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM notifications
		WHERE user_id = $1 AND priority = $2 AND status = $3 AND type <> $4
		  AND scheduled_for >= $5 AND scheduled_for < $6 AND id <> $7
		ORDER BY created_at`,
		userID, string(models.PriorityLow), models.StatusPending, models.TypeSummary,
		hourStart.UTC(), hourEnd.UTC(), excludeID,
	)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("find pending low", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("find pending low", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("find pending low", err)
	}
	return ids, nil
}

// MarkPendingAggregation parks pending notifications for the batch
// aggregator. Returns how many rows transitioned.
func (s *NotificationStore) MarkPendingAggregation(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2, updated_at = $3
		WHERE id = ANY($1) AND status = $4`,
		pq.Array(ids), models.StatusPendingAggregation, s.now().UTC(), models.StatusPending,
	)
	if err != nil {
		return 0, stderrors.NewQueryExecutionFailedError("mark pending aggregation", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

// FindAggregationCandidates loads all low-priority notifications parked for
// aggregation, oldest first.
func (s *NotificationStore) FindAggregationCandidates(ctx context.Context) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = $1 AND priority = $2
		ORDER BY user_id, scheduled_for`,
		models.StatusPendingAggregation, string(models.PriorityLow),
	)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("find aggregation candidates", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("find aggregation candidates", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("find aggregation candidates", err)
	}
	return out, nil
}

// MarkAggregated terminally folds originals into a summary notification.
func (s *NotificationStore) MarkAggregated(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2, updated_at = $3
		WHERE id = ANY($1) AND status = $4`,
		pq.Array(ids), models.StatusAggregated, s.now().UTC(), models.StatusPendingAggregation,
	)
	if err != nil {
		return 0, stderrors.NewQueryExecutionFailedError("mark aggregated", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var (
		n           models.Notification
		priority    string
		channels    pq.StringArray
		metadata    []byte
		lastRetryAt sql.NullTime
		processedAt sql.NullTime
		deliveredAt sql.NullTime
		duplicateOf sql.NullString
	)

	err := row.Scan(
		&n.ID, &n.UserID, &n.Title, &n.Body, &n.Type, &metadata, &priority, &channels,
		&n.ScheduledFor, &n.Status, &n.RetryCount, &lastRetryAt, &processedAt, &deliveredAt,
		&duplicateOf, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Priority = models.Priority(priority)
	for _, ch := range channels {
		n.Channels = append(n.Channels, models.Channel(ch))
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &n.Metadata)
	}
	if lastRetryAt.Valid {
		n.LastRetryAt = &lastRetryAt.Time
	}
	if processedAt.Valid {
		n.ProcessedAt = &processedAt.Time
	}
	if deliveredAt.Valid {
		n.DeliveredAt = &deliveredAt.Time
	}
	if duplicateOf.Valid {
		n.DuplicateOf = duplicateOf.String
	}
	return &n, nil
}

func channelStrings(channels []models.Channel) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = string(ch)
	}
	return out
}
