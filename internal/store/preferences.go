// internal/store/preferences.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/common/validation"
	"notification-service/internal/models"
)

// PreferenceStore persists per-user policy configuration. A user with no
// record reads as the synthesized default, so policy calls are total over
// userId; defaults are only persisted by an explicit upsert.
type PreferenceStore struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

func NewPreferenceStore(db *sql.DB, log logger.Logger) *PreferenceStore {
	return &PreferenceStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "preference-store"}),
		now:    time.Now,
	}
}

// Get loads a user's preferences, synthesizing the default when absent.
func (s *PreferenceStore) Get(ctx context.Context, userID string) (*models.UserPreference, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, channels, quiet_hours, throttling, priority_thresholds,
			active, created_at, updated_at
		FROM user_preferences WHERE user_id = $1`, userID)

	var (
		p          models.UserPreference
		email      sql.NullString
		channels   []byte
		quietHours []byte
		throttling []byte
		thresholds []byte
	)
	err := row.Scan(&p.UserID, &email, &channels, &quietHours, &throttling, &thresholds,
		&p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.DefaultPreference(userID), nil
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get preference", err)
	}

	if email.Valid {
		p.Email = email.String
	}
	if err := json.Unmarshal(channels, &p.Channels); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("decode channels", err)
	}
	if err := json.Unmarshal(quietHours, &p.QuietHours); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("decode quiet hours", err)
	}
	if err := json.Unmarshal(throttling, &p.Throttling); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("decode throttling", err)
	}
	if err := json.Unmarshal(thresholds, &p.PriorityThresholds); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("decode thresholds", err)
	}
	return &p, nil
}

// Upsert validates and applies a partial update on top of the stored record
// (or the synthesized default for a first write) and returns the merged
// preferences.
func (s *PreferenceStore) Upsert(ctx context.Context, userID string, patch *models.PreferencePatch) (*models.UserPreference, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	merged := applyPatch(current, patch)

	channels, err := json.Marshal(merged.Channels)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("encode channels", err)
	}
	quietHours, err := json.Marshal(merged.QuietHours)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("encode quiet hours", err)
	}
	throttling, err := json.Marshal(merged.Throttling)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("encode throttling", err)
	}
	thresholds, err := json.Marshal(merged.PriorityThresholds)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("encode thresholds", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, email, channels, quiet_hours, throttling,
			priority_thresholds, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			channels = EXCLUDED.channels,
			quiet_hours = EXCLUDED.quiet_hours,
			throttling = EXCLUDED.throttling,
			priority_thresholds = EXCLUDED.priority_thresholds,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		userID, merged.Email, channels, quietHours, throttling, thresholds, merged.Active, now,
	)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("upsert preference", err)
	}

	merged.UpdatedAt = now
	return merged, nil
}

func validatePatch(patch *models.PreferencePatch) error {
	if patch == nil {
		return stderrors.NewInvalidPreferenceError("empty patch")
	}
	if patch.Email != nil && *patch.Email != "" && !validation.ValidateEmail(*patch.Email) {
		return stderrors.NewInvalidPreferenceError(fmt.Sprintf("invalid email: %s", *patch.Email))
	}
	for ch, setting := range patch.Channels {
		switch ch {
		case models.ChannelEmail, models.ChannelSMS, models.ChannelPush:
		default:
			return stderrors.NewInvalidPreferenceError(fmt.Sprintf("unknown channel: %s", ch))
		}
		if setting.Address != "" && !validation.ValidateEmail(setting.Address) {
			return stderrors.NewInvalidPreferenceError(fmt.Sprintf("invalid address for %s", ch))
		}
		if setting.PhoneNumber != "" && !validation.ValidatePhone(setting.PhoneNumber) {
			return stderrors.NewInvalidPreferenceError(fmt.Sprintf("invalid phone number for %s", ch))
		}
	}
	if patch.QuietHours != nil {
		if !validation.ValidateTimeOfDay(patch.QuietHours.Start) {
			return stderrors.NewInvalidPreferenceError(fmt.Sprintf("quiet hours start must be HH:mm, got %q", patch.QuietHours.Start))
		}
		if !validation.ValidateTimeOfDay(patch.QuietHours.End) {
			return stderrors.NewInvalidPreferenceError(fmt.Sprintf("quiet hours end must be HH:mm, got %q", patch.QuietHours.End))
		}
	}
	if patch.Throttling != nil {
		if patch.Throttling.MaxNotifications < 1 {
			return stderrors.NewInvalidPreferenceError("throttling maxNotifications must be >= 1")
		}
		if patch.Throttling.Window <= 0 {
			return stderrors.NewInvalidPreferenceError("throttling window must be positive")
		}
	}
	for ch, threshold := range patch.PriorityThresholds {
		if !threshold.IsValid() {
			return stderrors.NewInvalidPreferenceError(fmt.Sprintf("invalid threshold %q for %s", threshold, ch))
		}
	}
	return nil
}

func applyPatch(current *models.UserPreference, patch *models.PreferencePatch) *models.UserPreference {
	merged := *current
	merged.Channels = make(map[models.Channel]models.ChannelSetting, len(current.Channels))
	for ch, setting := range current.Channels {
		merged.Channels[ch] = setting
	}
	merged.PriorityThresholds = make(map[models.Channel]models.Priority, len(current.PriorityThresholds))
	for ch, t := range current.PriorityThresholds {
		merged.PriorityThresholds[ch] = t
	}

	if patch.Email != nil {
		merged.Email = *patch.Email
	}
	for ch, setting := range patch.Channels {
		merged.Channels[ch] = setting
	}
	if patch.QuietHours != nil {
		merged.QuietHours = *patch.QuietHours
	}
	if patch.Throttling != nil {
		merged.Throttling = *patch.Throttling
	}
	for ch, t := range patch.PriorityThresholds {
		merged.PriorityThresholds[ch] = t
	}
	if patch.Active != nil {
		merged.Active = *patch.Active
	}
	return &merged
}
