// internal/store/preferences_test.go
package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

func newTestPreferenceStore(t *testing.T) (*PreferenceStore, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	s := NewPreferenceStore(db, logger.NewNoOpLogger())
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, mock, func() { db.Close() }
}

func TestPreferenceStore_Get_SynthesizesDefault(t *testing.T) {
	s, mock, cleanup := newTestPreferenceStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT (.+) FROM user_preferences WHERE user_id = \$1`).
		WithArgs("user-001").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	pref, err := s.Get(context.Background(), "user-001")
	require.NoError(t, err)

	assert.Equal(t, "user-001", pref.UserID)
	assert.True(t, pref.Channels[models.ChannelEmail].Enabled, "default enables email only")
	assert.False(t, pref.Channels[models.ChannelSMS].Enabled)
	assert.False(t, pref.Channels[models.ChannelPush].Enabled)
	assert.False(t, pref.QuietHours.Enabled)
	assert.False(t, pref.Throttling.Enabled)
	assert.Equal(t, models.PriorityLow, pref.Threshold(models.ChannelEmail))
	assert.Equal(t, models.PriorityHigh, pref.Threshold(models.ChannelSMS))
	assert.Equal(t, models.PriorityMedium, pref.Threshold(models.ChannelPush))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreferenceStore_Get_LoadsStoredRecord(t *testing.T) {
	s, mock, cleanup := newTestPreferenceStore(t)
	defer cleanup()

	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"user_id", "email", "channels", "quiet_hours", "throttling", "priority_thresholds",
		"active", "created_at", "updated_at",
	}).AddRow(
		"user-001", "dev@example.com",
		[]byte(`{"email":{"enabled":true,"address":"dev@example.com"},"sms":{"enabled":true,"phoneNumber":"+15550001111"}}`),
		[]byte(`{"enabled":true,"start":"22:00","end":"07:00"}`),
		[]byte(`{"enabled":true,"maxNotifications":5,"window":3600000000000}`),
		[]byte(`{"email":"low","sms":"high","push":"medium"}`),
		true, created, created,
	)

	mock.ExpectQuery(`SELECT (.+) FROM user_preferences WHERE user_id = \$1`).
		WithArgs("user-001").
		WillReturnRows(rows)

	pref, err := s.Get(context.Background(), "user-001")
	require.NoError(t, err)

	assert.Equal(t, "dev@example.com", pref.Email)
	assert.True(t, pref.Channels[models.ChannelSMS].Enabled)
	assert.Equal(t, "+15550001111", pref.Channels[models.ChannelSMS].PhoneNumber)
	assert.True(t, pref.QuietHours.Enabled)
	assert.Equal(t, "22:00", pref.QuietHours.Start)
	assert.Equal(t, 5, pref.Throttling.MaxNotifications)
	assert.Equal(t, time.Hour, pref.Throttling.Window)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreferenceStore_Upsert_MergesPatch(t *testing.T) {
	s, mock, cleanup := newTestPreferenceStore(t)
	defer cleanup()

	// First write: no stored record, patch merges onto defaults.
	mock.ExpectQuery(`SELECT (.+) FROM user_preferences WHERE user_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectExec(`INSERT INTO user_preferences`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	quietHours := models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	merged, err := s.Upsert(context.Background(), "user-001", &models.PreferencePatch{
		QuietHours: &quietHours,
		Channels: map[models.Channel]models.ChannelSetting{
			models.ChannelSMS: {Enabled: true, PhoneNumber: "+15550001111"},
		},
	})
	require.NoError(t, err)

	assert.True(t, merged.QuietHours.Enabled)
	assert.True(t, merged.Channels[models.ChannelSMS].Enabled)
	assert.True(t, merged.Channels[models.ChannelEmail].Enabled, "untouched defaults survive the merge")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreferenceStore_Upsert_RejectsInvalidPatch(t *testing.T) {
	s, _, cleanup := newTestPreferenceStore(t)
	defer cleanup()

	badEmail := "not-an-email"
	badQuiet := models.QuietHours{Enabled: true, Start: "25:99", End: "07:00"}
	badThrottle := models.Throttling{Enabled: true, MaxNotifications: 0, Window: time.Hour}

	tests := []struct {
		name  string
		patch *models.PreferencePatch
	}{
		{name: "nil patch", patch: nil},
		{name: "invalid email", patch: &models.PreferencePatch{Email: &badEmail}},
		{
			name: "unknown channel",
			patch: &models.PreferencePatch{Channels: map[models.Channel]models.ChannelSetting{
				"fax": {Enabled: true},
			}},
		},
		{
			name: "invalid phone",
			patch: &models.PreferencePatch{Channels: map[models.Channel]models.ChannelSetting{
				models.ChannelSMS: {Enabled: true, PhoneNumber: "abc"},
			}},
		},
		{name: "malformed quiet hours", patch: &models.PreferencePatch{QuietHours: &badQuiet}},
		{name: "zero throttle limit", patch: &models.PreferencePatch{Throttling: &badThrottle}},
		{
			name: "unknown threshold priority",
			patch: &models.PreferencePatch{PriorityThresholds: map[models.Channel]models.Priority{
				models.ChannelEmail: "critical",
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(context.Background(), "user-001", tt.patch)
			require.Error(t, err)
			stdErr := stderrors.AsStandard(err)
			require.NotNil(t, stdErr)
			assert.Equal(t, stderrors.ErrCodeInvalidPreference, stdErr.Code)
		})
	}
}
