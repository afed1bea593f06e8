// internal/policy/evaluator.go
package policy

import (
	"context"
	"strconv"
	"strings"
	"time"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

// ThrottleSource counts recent deliveries for throttle decisions.
type ThrottleSource interface {
	CountInWindow(ctx context.Context, userID string, window time.Duration) (int64, error)
}

// CountFallback answers throttle counts from the record store when the
// primary counter is unreachable.
type CountFallback interface {
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Evaluator applies user policy to admission decisions: quiet hours,
// throttling, and channel selection. Lookups that fail (counter outages,
// malformed stored windows) resolve in favor of delivery rather than
// silently dropping notifications.
type Evaluator struct {
	counter  ThrottleSource
	fallback CountFallback
	logger   logger.Logger
	now      func() time.Time
}

func NewEvaluator(counter ThrottleSource, log logger.Logger) *Evaluator {
	return &Evaluator{
		counter: counter,
		logger:  log.WithFields(map[string]interface{}{"component": "policy-evaluator"}),
		now:     time.Now,
	}
}

// InQuietHours reports whether the instant falls inside the user's quiet
// window. Windows may wrap midnight: 22:00-07:00 covers late evening through
// early morning. Both boundaries are inclusive.
func (e *Evaluator) InQuietHours(pref *models.UserPreference, at time.Time) bool {
	if pref == nil || !pref.QuietHours.Enabled {
		return false
	}
	start, ok := parseMinutes(pref.QuietHours.Start)
	if !ok {
		e.logger.Warn("Malformed quiet hours start, skipping window", map[string]interface{}{
			"userId": pref.UserID,
			"start":  pref.QuietHours.Start,
		})
		return false
	}
	end, ok := parseMinutes(pref.QuietHours.End)
	if !ok {
		e.logger.Warn("Malformed quiet hours end, skipping window", map[string]interface{}{
			"userId": pref.UserID,
			"end":    pref.QuietHours.End,
		})
		return false
	}

	t := at.Hour()*60 + at.Minute()
	if start > end {
		return t >= start || t <= end
	}
	return t >= start && t <= end
}

// NextWindowEnd returns the instant the user's quiet window closes, used as
// the reschedule target for deferred notifications. For a wrapped window
// observed before midnight the end lands on the next day.
func (e *Evaluator) NextWindowEnd(pref *models.UserPreference, at time.Time) time.Time {
	start, okStart := parseMinutes(pref.QuietHours.Start)
	end, okEnd := parseMinutes(pref.QuietHours.End)
	if !okStart || !okEnd {
		return at
	}

	target := time.Date(at.Year(), at.Month(), at.Day(), end/60, end%60, 0, 0, at.Location())
	t := at.Hour()*60 + at.Minute()
	if start > end && t >= start {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

// UseCountFallback installs a store-backed count source consulted when the
// primary counter errors.
func (e *Evaluator) UseCountFallback(fallback CountFallback) {
	e.fallback = fallback
}

// ShouldThrottle reports whether admitting one more notification would push
// the user past their configured rate. Counter errors fall back to the record
// store; if that fails too the decision fails open.
func (e *Evaluator) ShouldThrottle(ctx context.Context, pref *models.UserPreference) bool {
	if pref == nil || !pref.Throttling.Enabled {
		return false
	}
	count, err := e.counter.CountInWindow(ctx, pref.UserID, pref.Throttling.Window)
	if err != nil {
		e.logger.Warn("Throttle count lookup failed", map[string]interface{}{
			"userId": pref.UserID,
			"error":  err.Error(),
		})
		if e.fallback == nil {
			return false
		}
		since := e.now().UTC().Add(-pref.Throttling.Window)
		stored, fallbackErr := e.fallback.CountCreatedSince(ctx, pref.UserID, since)
		if fallbackErr != nil {
			e.logger.Warn("Throttle count fallback failed, allowing delivery", map[string]interface{}{
				"userId": pref.UserID,
				"error":  fallbackErr.Error(),
			})
			return false
		}
		count = int64(stored)
	}
	return count >= int64(pref.Throttling.MaxNotifications)
}

// SelectChannels resolves the channels a notification ships on. An explicit
// request narrows to the enabled subset; otherwise one channel is chosen by
// priority against the user's thresholds. SMS is reserved for notifications
// at or above its threshold, email handles anything at or below its own, and
// the first enabled channel covers the rest.
func (e *Evaluator) SelectChannels(pref *models.UserPreference, priority models.Priority, requested []models.Channel) ([]models.Channel, error) {
	if len(requested) > 0 {
		var selected []models.Channel
		for _, ch := range requested {
			if pref.Channels[ch].Enabled {
				selected = append(selected, ch)
			}
		}
		if len(selected) == 0 {
			return nil, stderrors.NewNoChannelEnabledError(pref.UserID)
		}
		return selected, nil
	}

	weight := priority.Weight()
	if s := pref.Channels[models.ChannelSMS]; s.Enabled && weight >= pref.Threshold(models.ChannelSMS).Weight() {
		return []models.Channel{models.ChannelSMS}, nil
	}
	if s := pref.Channels[models.ChannelEmail]; s.Enabled && weight <= pref.Threshold(models.ChannelEmail).Weight() {
		return []models.Channel{models.ChannelEmail}, nil
	}
	if enabled := pref.EnabledChannels(); len(enabled) > 0 {
		return enabled[:1], nil
	}
	return nil, stderrors.NewNoChannelEnabledError(pref.UserID)
}

func parseMinutes(value string) (int, bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
