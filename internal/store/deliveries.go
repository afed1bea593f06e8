// internal/store/deliveries.go
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

// DeliveryStore persists the per-notification attempt ledger. Writes here
// are the critical path: errors propagate instead of failing open, because
// silently losing an attempt record is worse than surfacing an error.
type DeliveryStore struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

func NewDeliveryStore(db *sql.DB, log logger.Logger) *DeliveryStore {
	return &DeliveryStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "delivery-store"}),
		now:    time.Now,
	}
}

// EnsureLedger creates the ledger for a notification if it does not exist
// yet and returns the current record. Redelivered events reuse the existing
// ledger, keeping admission idempotent.
func (s *DeliveryStore) EnsureLedger(ctx context.Context, notificationID, userID string, channels []models.Channel) (*models.DeliveryStatus, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_statuses (notification_id, user_id, status, channels,
			attempts, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '[]'::jsonb, 0, $5, $5)
		ON CONFLICT (notification_id) DO NOTHING`,
		notificationID, userID, models.DeliveryProcessing,
		pq.Array(channelStrings(channels)), now,
	)
	if err != nil {
		return nil, stderrors.NewLedgerWriteFailedError(notificationID, err)
	}
	return s.GetByNotificationID(ctx, notificationID)
}

// GetByNotificationID loads the ledger for one notification.
func (s *DeliveryStore) GetByNotificationID(ctx context.Context, notificationID string) (*models.DeliveryStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT notification_id, user_id, status, channels, attempts, retry_count,
			last_attempt_at, delivered_at, failure_reason, created_at, updated_at
		FROM delivery_statuses WHERE notification_id = $1`, notificationID)

	var (
		d             models.DeliveryStatus
		channels      pq.StringArray
		attempts      []byte
		lastAttemptAt sql.NullTime
		deliveredAt   sql.NullTime
		failureReason sql.NullString
	)
	err := row.Scan(
		&d.NotificationID, &d.UserID, &d.Status, &channels, &attempts, &d.RetryCount,
		&lastAttemptAt, &deliveredAt, &failureReason, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, stderrors.NewNotificationNotFoundError(notificationID)
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get ledger", err)
	}

	for _, ch := range channels {
		d.Channels = append(d.Channels, models.Channel(ch))
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &d.Attempts); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("decode attempts", err)
		}
	}
	if lastAttemptAt.Valid {
		d.LastAttemptAt = &lastAttemptAt.Time
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Time
	}
	if failureReason.Valid {
		d.FailureReason = failureReason.String
	}
	return &d, nil
}

// AppendAttempt appends one attempt entry to the ledger atomically. Attempts
// for a notification are appended strictly in order; the orchestrator
// serializes callers per notification id.
func (s *DeliveryStore) AppendAttempt(ctx context.Context, notificationID string, attempt models.DeliveryAttempt) error {
	entry, err := json.Marshal(attempt)
	if err != nil {
		return stderrors.NewLedgerWriteFailedError(notificationID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_statuses
		SET attempts = attempts || $2::jsonb, last_attempt_at = $3, updated_at = $3
		WHERE notification_id = $1`,
		notificationID, string(entry), attempt.Timestamp.UTC(),
	)
	if err != nil {
		return stderrors.NewLedgerWriteFailedError(notificationID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return stderrors.NewNotificationNotFoundError(notificationID)
	}
	return nil
}

// IncrementRetry bumps the ledger retry counter atomically.
func (s *DeliveryStore) IncrementRetry(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_statuses
		SET retry_count = retry_count + 1, updated_at = $2
		WHERE notification_id = $1`,
		notificationID, s.now().UTC(),
	)
	if err != nil {
		return stderrors.NewLedgerWriteFailedError(notificationID, err)
	}
	return nil
}

// MarkDelivered finalizes the ledger after every tracked channel succeeded.
func (s *DeliveryStore) MarkDelivered(ctx context.Context, notificationID string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_statuses
		SET status = $2, delivered_at = $3, updated_at = $3
		WHERE notification_id = $1 AND status = $4`,
		notificationID, models.DeliveryDelivered, now, models.DeliveryProcessing,
	)
	if err != nil {
		return stderrors.NewLedgerWriteFailedError(notificationID, err)
	}
	return nil
}

// MarkFailed finalizes the ledger after retry exhaustion, recording the
// concatenated per-channel failure reasons.
func (s *DeliveryStore) MarkFailed(ctx context.Context, notificationID, failureReason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_statuses
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE notification_id = $1 AND status = $5`,
		notificationID, models.DeliveryFailed, failureReason, s.now().UTC(), models.DeliveryProcessing,
	)
	if err != nil {
		return stderrors.NewLedgerWriteFailedError(notificationID, err)
	}
	return nil
}
