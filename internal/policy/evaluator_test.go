// internal/policy/evaluator_test.go
package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

type mockThrottleSource struct {
	countFunc func(ctx context.Context, userID string, window time.Duration) (int64, error)
}

func (m *mockThrottleSource) CountInWindow(ctx context.Context, userID string, window time.Duration) (int64, error) {
	return m.countFunc(ctx, userID, window)
}

func quietPref(start, end string) *models.UserPreference {
	pref := models.DefaultPreference("user-001")
	pref.QuietHours = models.QuietHours{Enabled: true, Start: start, End: end}
	return pref
}

func TestEvaluator_InQuietHours(t *testing.T) {
	e := NewEvaluator(nil, logger.NewNoOpLogger())
	day := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		pref *models.UserPreference
		at   time.Time
		want bool
	}{
		{name: "disabled window never matches", pref: models.DefaultPreference("user-001"), at: day(23, 0), want: false},
		{name: "wrapped window late evening", pref: quietPref("22:00", "07:00"), at: day(23, 0), want: true},
		{name: "wrapped window early morning", pref: quietPref("22:00", "07:00"), at: day(3, 30), want: true},
		{name: "wrapped window daytime", pref: quietPref("22:00", "07:00"), at: day(12, 0), want: false},
		{name: "wrapped start boundary inclusive", pref: quietPref("22:00", "07:00"), at: day(22, 0), want: true},
		{name: "wrapped end boundary inclusive", pref: quietPref("22:00", "07:00"), at: day(7, 0), want: true},
		{name: "just past end boundary", pref: quietPref("22:00", "07:00"), at: day(7, 1), want: false},
		{name: "same-day window inside", pref: quietPref("09:00", "17:00"), at: day(12, 0), want: true},
		{name: "same-day window outside", pref: quietPref("09:00", "17:00"), at: day(18, 0), want: false},
		{name: "same-day boundaries inclusive", pref: quietPref("09:00", "17:00"), at: day(17, 0), want: true},
		{name: "malformed start fails open", pref: quietPref("25:99", "07:00"), at: day(23, 0), want: false},
		{name: "malformed end fails open", pref: quietPref("22:00", "late"), at: day(23, 0), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.InQuietHours(tt.pref, tt.at))
		})
	}
}

func TestEvaluator_NextWindowEnd(t *testing.T) {
	e := NewEvaluator(nil, logger.NewNoOpLogger())

	tests := []struct {
		name string
		pref *models.UserPreference
		at   time.Time
		want time.Time
	}{
		{
			name: "wrapped window before midnight resolves to next day",
			pref: quietPref("22:00", "07:00"),
			at:   time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC),
		},
		{
			name: "wrapped window after midnight resolves same day",
			pref: quietPref("22:00", "07:00"),
			at:   time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC),
		},
		{
			name: "same-day window resolves same day",
			pref: quietPref("09:00", "17:00"),
			at:   time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
			want: time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.NextWindowEnd(tt.pref, tt.at))
		})
	}
}

func TestEvaluator_ShouldThrottle(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.Throttling = models.Throttling{Enabled: true, MaxNotifications: 2, Window: time.Hour}

	tests := []struct {
		name      string
		pref      *models.UserPreference
		countFunc func(ctx context.Context, userID string, window time.Duration) (int64, error)
		want      bool
	}{
		{
			name: "under limit allows",
			pref: pref,
			countFunc: func(ctx context.Context, userID string, window time.Duration) (int64, error) {
				return 1, nil
			},
			want: false,
		},
		{
			name: "at limit throttles",
			pref: pref,
			countFunc: func(ctx context.Context, userID string, window time.Duration) (int64, error) {
				return 2, nil
			},
			want: true,
		},
		{
			name: "counter outage fails open",
			pref: pref,
			countFunc: func(ctx context.Context, userID string, window time.Duration) (int64, error) {
				return 0, errors.New("connection refused")
			},
			want: false,
		},
		{
			name: "disabled throttling never limits",
			pref: models.DefaultPreference("user-001"),
			countFunc: func(ctx context.Context, userID string, window time.Duration) (int64, error) {
				t.Fatal("counter must not be queried when throttling is disabled")
				return 0, nil
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(&mockThrottleSource{countFunc: tt.countFunc}, logger.NewNoOpLogger())
			assert.Equal(t, tt.want, e.ShouldThrottle(context.Background(), tt.pref))
		})
	}
}

type mockCountFallback struct {
	count int
	err   error
	calls int
}

func (m *mockCountFallback) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	m.calls++
	return m.count, m.err
}

func TestEvaluator_ShouldThrottle_CountFallback(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.Throttling = models.Throttling{Enabled: true, MaxNotifications: 2, Window: time.Hour}

	brokenCounter := &mockThrottleSource{
		countFunc: func(ctx context.Context, userID string, window time.Duration) (int64, error) {
			return 0, errors.New("connection refused")
		},
	}

	tests := []struct {
		name     string
		fallback *mockCountFallback
		want     bool
	}{
		{name: "fallback at limit throttles", fallback: &mockCountFallback{count: 2}, want: true},
		{name: "fallback under limit allows", fallback: &mockCountFallback{count: 1}, want: false},
		{name: "fallback outage fails open", fallback: &mockCountFallback{err: errors.New("db down")}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(brokenCounter, logger.NewNoOpLogger())
			e.UseCountFallback(tt.fallback)
			assert.Equal(t, tt.want, e.ShouldThrottle(context.Background(), pref))
			assert.Equal(t, 1, tt.fallback.calls)
		})
	}
}

func TestEvaluator_ShouldThrottle_FallbackNotConsultedWhenCounterHealthy(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.Throttling = models.Throttling{Enabled: true, MaxNotifications: 2, Window: time.Hour}

	counter := &mockThrottleSource{
		countFunc: func(ctx context.Context, userID string, window time.Duration) (int64, error) {
			return 1, nil
		},
	}
	fallback := &mockCountFallback{count: 99}

	e := NewEvaluator(counter, logger.NewNoOpLogger())
	e.UseCountFallback(fallback)

	assert.False(t, e.ShouldThrottle(context.Background(), pref))
	assert.Zero(t, fallback.calls)
}

func TestEvaluator_SelectChannels(t *testing.T) {
	e := NewEvaluator(nil, logger.NewNoOpLogger())

	allEnabled := models.DefaultPreference("user-001")
	allEnabled.Channels[models.ChannelSMS] = models.ChannelSetting{Enabled: true, PhoneNumber: "+15550001111"}
	allEnabled.Channels[models.ChannelPush] = models.ChannelSetting{Enabled: true}

	pushOnly := models.DefaultPreference("user-001")
	pushOnly.Channels[models.ChannelEmail] = models.ChannelSetting{Enabled: false}
	pushOnly.Channels[models.ChannelPush] = models.ChannelSetting{Enabled: true}

	noneEnabled := models.DefaultPreference("user-001")
	noneEnabled.Channels[models.ChannelEmail] = models.ChannelSetting{Enabled: false}

	tests := []struct {
		name      string
		pref      *models.UserPreference
		priority  models.Priority
		requested []models.Channel
		want      []models.Channel
		wantErr   bool
	}{
		{
			name:     "high priority routes to sms when enabled",
			pref:     allEnabled,
			priority: models.PriorityHigh,
			want:     []models.Channel{models.ChannelSMS},
		},
		{
			name:     "urgent routes to sms when enabled",
			pref:     allEnabled,
			priority: models.PriorityUrgent,
			want:     []models.Channel{models.ChannelSMS},
		},
		{
			name:     "low priority routes to email",
			pref:     allEnabled,
			priority: models.PriorityLow,
			want:     []models.Channel{models.ChannelEmail},
		},
		{
			name:     "medium on default prefs falls back to first enabled",
			pref:     models.DefaultPreference("user-001"),
			priority: models.PriorityMedium,
			want:     []models.Channel{models.ChannelEmail},
		},
		{
			name:     "medium with only push enabled uses push",
			pref:     pushOnly,
			priority: models.PriorityMedium,
			want:     []models.Channel{models.ChannelPush},
		},
		{
			name:      "explicit request narrows to enabled subset",
			pref:      allEnabled,
			priority:  models.PriorityMedium,
			requested: []models.Channel{models.ChannelEmail, models.ChannelSMS},
			want:      []models.Channel{models.ChannelEmail, models.ChannelSMS},
		},
		{
			name:      "explicit request with all channels disabled errors",
			pref:      pushOnly,
			priority:  models.PriorityMedium,
			requested: []models.Channel{models.ChannelEmail, models.ChannelSMS},
			wantErr:   true,
		},
		{
			name:     "no enabled channel is a deterministic policy error",
			pref:     noneEnabled,
			priority: models.PriorityMedium,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.SelectChannels(tt.pref, tt.priority, tt.requested)
			if tt.wantErr {
				require.Error(t, err)
				stdErr := stderrors.AsStandard(err)
				require.NotNil(t, stdErr)
				assert.Equal(t, stderrors.ErrCodeNoChannelEnabled, stdErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
