// internal/delivery/orchestrator.go
package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/common/metrics"
	"notification-service/internal/models"
)

// NotificationRecords is the record-store slice the orchestrator mutates.
type NotificationRecords interface {
	MarkDelivered(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
	IncrementRetry(ctx context.Context, id string) error
}

// Ledger is the attempt-ledger slice the orchestrator writes.
type Ledger interface {
	EnsureLedger(ctx context.Context, notificationID, userID string, channels []models.Channel) (*models.DeliveryStatus, error)
	AppendAttempt(ctx context.Context, notificationID string, attempt models.DeliveryAttempt) error
	IncrementRetry(ctx context.Context, notificationID string) error
	MarkDelivered(ctx context.Context, notificationID string) error
	MarkFailed(ctx context.Context, notificationID, failureReason string) error
}

// Orchestrator drives multi-channel delivery with bounded retries. A
// notification is delivered only when every selected channel succeeds;
// channels that already succeeded are never re-sent on later rounds.
type Orchestrator struct {
	registry    *Registry
	records     NotificationRecords
	ledger      Ledger
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	sendTimeout time.Duration
	logger      logger.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[string]*deliveryLock
}

// deliveryLock is a per-notification mutex with a waiter count, so the map
// entry is only dropped once the last queued delivery has released it.
type deliveryLock struct {
	mu   sync.Mutex
	refs int
}

func NewOrchestrator(registry *Registry, records NotificationRecords, ledger Ledger, maxRetries int, backoffBase, backoffCap, sendTimeout time.Duration, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		registry:    registry,
		records:     records,
		ledger:      ledger,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		sendTimeout: sendTimeout,
		logger:      log.WithFields(map[string]interface{}{"component": "delivery-orchestrator"}),
		now:         time.Now,
		sleep:       sleepContext,
		locks:       make(map[string]*deliveryLock),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lockFor serializes delivery work per notification id so ledger appends for
// one notification are strictly ordered even with concurrent callers. The
// returned lock is not yet held; the caller locks it outside the map mutex.
func (o *Orchestrator) lockFor(notificationID string) *deliveryLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[notificationID]
	if !ok {
		l = &deliveryLock{}
		o.locks[notificationID] = l
	}
	l.refs++
	return l
}

func (o *Orchestrator) releaseLock(notificationID string, l *deliveryLock) {
	o.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, notificationID)
	}
	o.mu.Unlock()
}

// Backoff returns the wait before round n: base doubled n times, capped.
// Round 1 (the first retry) waits 2x the base, matching 2^retryCount.
func (o *Orchestrator) Backoff(round int) time.Duration {
	d := o.backoffBase
	for i := 0; i < round; i++ {
		d *= 2
		if d >= o.backoffCap {
			return o.backoffCap
		}
	}
	if d > o.backoffCap {
		return o.backoffCap
	}
	return d
}

// Deliver attempts the notification on every channel, retrying failed
// channels with exponential backoff for at most maxRetries rounds in total.
// Terminal state lands in both the record store and the ledger.
func (o *Orchestrator) Deliver(ctx context.Context, n *models.Notification, pref *models.UserPreference) error {
	if len(n.Channels) == 0 {
		return stderrors.NewNoChannelEnabledError(n.UserID)
	}

	lock := o.lockFor(n.ID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		o.releaseLock(n.ID, lock)
	}()

	status, err := o.ledger.EnsureLedger(ctx, n.ID, n.UserID, n.Channels)
	if err != nil {
		return err
	}

	succeeded := status.SucceededChannels()
	lastErrors := make(map[models.Channel]string)

	for round := 0; ; round++ {
		pending := o.pendingChannels(n, succeeded)
		if len(pending) == 0 {
			break
		}

		if round > 0 {
			if err := o.sleep(ctx, o.Backoff(round)); err != nil {
				return err
			}
		}

		for _, ch := range pending {
			if err := o.attemptChannel(ctx, n, pref, ch); err != nil {
				lastErrors[ch] = err.Error()
				o.logger.Warn("Channel attempt failed", map[string]interface{}{
					"notificationId": n.ID,
					"channel":        string(ch),
					"round":          round,
					"error":          err.Error(),
				})
				continue
			}
			succeeded[ch] = true
			delete(lastErrors, ch)
		}

		if len(o.pendingChannels(n, succeeded)) == 0 {
			break
		}
		if err := o.ledger.IncrementRetry(ctx, n.ID); err != nil {
			return err
		}
		if err := o.records.IncrementRetry(ctx, n.ID); err != nil {
			return err
		}
		if round+1 >= o.maxRetries {
			reason := failureReason(n.Channels, lastErrors)
			if err := o.ledger.MarkFailed(ctx, n.ID, reason); err != nil {
				return err
			}
			if _, err := o.records.MarkFailed(ctx, n.ID); err != nil {
				return err
			}
			return stderrors.NewDeliveryExhaustedError(n.ID, reason)
		}
	}

	if err := o.ledger.MarkDelivered(ctx, n.ID); err != nil {
		return err
	}
	if _, err := o.records.MarkDelivered(ctx, n.ID); err != nil {
		return err
	}
	o.logger.Info("Notification delivered", map[string]interface{}{
		"notificationId": n.ID,
		"channels":       len(n.Channels),
	})
	return nil
}

func (o *Orchestrator) pendingChannels(n *models.Notification, succeeded map[models.Channel]bool) []models.Channel {
	var pending []models.Channel
	for _, ch := range n.Channels {
		if !succeeded[ch] {
			pending = append(pending, ch)
		}
	}
	return pending
}

// attemptChannel sends on one channel and appends the outcome to the ledger.
// Ledger write failures override the send outcome: an unrecorded attempt is
// treated as a failure.
func (o *Orchestrator) attemptChannel(ctx context.Context, n *models.Notification, pref *models.UserPreference, ch models.Channel) error {
	sender, err := o.registry.Resolve(ch)
	if err != nil {
		metrics.DeliveryAttempts.WithLabelValues(string(ch), models.AttemptFailure).Inc()
		if appendErr := o.appendFailure(ctx, n.ID, ch, err, 0); appendErr != nil {
			return appendErr
		}
		return err
	}

	sendCtx := ctx
	if o.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, o.sendTimeout)
		defer cancel()
	}

	start := o.now()
	result, sendErr := sender.Send(sendCtx, n, pref)
	duration := o.now().Sub(start)
	metrics.DeliveryDuration.WithLabelValues(string(ch)).Observe(duration.Seconds())

	if sendErr != nil {
		metrics.DeliveryAttempts.WithLabelValues(string(ch), models.AttemptFailure).Inc()
		if appendErr := o.appendFailure(ctx, n.ID, ch, sendErr, duration); appendErr != nil {
			return appendErr
		}
		return sendErr
	}

	metrics.DeliveryAttempts.WithLabelValues(string(ch), models.AttemptSuccess).Inc()
	attempt := models.DeliveryAttempt{
		Timestamp:  result.Timestamp,
		Channel:    ch,
		Outcome:    models.AttemptSuccess,
		DurationMs: duration.Milliseconds(),
		MessageID:  result.MessageID,
	}
	return o.ledger.AppendAttempt(ctx, n.ID, attempt)
}

func (o *Orchestrator) appendFailure(ctx context.Context, notificationID string, ch models.Channel, cause error, duration time.Duration) error {
	attempt := models.DeliveryAttempt{
		Timestamp:    o.now().UTC(),
		Channel:      ch,
		Outcome:      models.AttemptFailure,
		ErrorMessage: cause.Error(),
		DurationMs:   duration.Milliseconds(),
	}
	if stdErr := stderrors.AsStandard(cause); stdErr != nil {
		attempt.ErrorCode = string(stdErr.Code)
	}
	return o.ledger.AppendAttempt(ctx, notificationID, attempt)
}

func failureReason(channels []models.Channel, lastErrors map[models.Channel]string) string {
	var parts []string
	for _, ch := range channels {
		if msg, ok := lastErrors[ch]; ok {
			parts = append(parts, string(ch)+": "+msg)
		}
	}
	return strings.Join(parts, "; ")
}
