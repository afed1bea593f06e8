// internal/processor/processor.go
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"notification-service/internal/common/logger"
	"notification-service/internal/common/metrics"
	"notification-service/internal/models"
	"notification-service/internal/policy"
	"notification-service/internal/queue"
)

const (
	outcomeProcessing         = "processing"
	outcomeDeferred           = "deferred"
	outcomeRescheduled        = "rescheduled"
	outcomeSuppressed         = "suppressed"
	outcomeThrottled          = "throttled"
	outcomePendingAggregation = "pending_aggregation"
	outcomeFailed             = "failed"
	outcomeNoop               = "noop"
)

// RecordStore is the notification-store slice the processor drives.
type RecordStore interface {
	Insert(ctx context.Context, n *models.Notification) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Notification, error)
	CompareAndSetStatus(ctx context.Context, id, expected, next string) (bool, error)
	MarkRescheduled(ctx context.Context, id string, scheduledFor time.Time) (bool, error)
	MarkSuppressed(ctx context.Context, id, duplicateOf string) (bool, error)
	MarkProcessing(ctx context.Context, id string, channels []models.Channel) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
	IncrementRetry(ctx context.Context, id string) error
	FindRecentDuplicate(ctx context.Context, userID, title, body string, since time.Time) (string, error)
	FindPendingLowIDsInHour(ctx context.Context, userID string, hourStart, hourEnd time.Time, excludeID string) ([]string, error)
	MarkPendingAggregation(ctx context.Context, ids []string) (int, error)
}

// PreferenceProvider loads user policy for admission and delivery.
type PreferenceProvider interface {
	Get(ctx context.Context, userID string) (*models.UserPreference, error)
}

// ThrottleRecorder registers admitted notifications against the user's
// sliding window.
type ThrottleRecorder interface {
	Record(ctx context.Context, userID string, window time.Duration) error
}

// Deliverer executes delivery for an admitted notification.
type Deliverer interface {
	Deliver(ctx context.Context, n *models.Notification, pref *models.UserPreference) error
}

// SearchIndexer mirrors admitted notifications into the search index.
type SearchIndexer interface {
	IndexNotification(ctx context.Context, n *models.Notification) error
}

// Processor owns admission: every inbound notification passes through the
// policy pipeline exactly once and lands in a queue or a terminal state.
// Urgent notifications bypass quiet hours, dedup and throttling.
type Processor struct {
	records     RecordStore
	prefs       PreferenceProvider
	evaluator   *policy.Evaluator
	throttle    ThrottleRecorder
	deliverer   Deliverer
	indexer     SearchIndexer
	immediate   *queue.PriorityQueue
	deferred    *queue.PriorityQueue
	dedupWindow time.Duration
	logger      logger.Logger
	now         func() time.Time

	wg sync.WaitGroup
}

func New(records RecordStore, prefs PreferenceProvider, evaluator *policy.Evaluator, throttle ThrottleRecorder, deliverer Deliverer, indexer SearchIndexer, dedupWindow time.Duration, log logger.Logger) *Processor {
	return &Processor{
		records:     records,
		prefs:       prefs,
		evaluator:   evaluator,
		throttle:    throttle,
		deliverer:   deliverer,
		indexer:     indexer,
		immediate:   queue.New(),
		deferred:    queue.New(),
		dedupWindow: dedupWindow,
		logger:      log.WithFields(map[string]interface{}{"component": "processor"}),
		now:         time.Now,
	}
}

// Admit runs one notification through the admission pipeline. Safe to call
// again for the same id: redelivered events re-enter only while the record
// is still pending. A nil return means the event reached a decision and can
// be acknowledged; errors mean the store faulted and the event should be
// redelivered.
func (p *Processor) Admit(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	created, err := p.records.Insert(ctx, n)
	if err != nil {
		return p.failAdmission(ctx, n.ID, err)
	}
	if !created {
		existing, err := p.records.GetByID(ctx, n.ID)
		if err != nil {
			return err
		}
		if existing.Status != models.StatusPending {
			p.logger.Debug("Admission no-op, notification already decided", map[string]interface{}{
				"notificationId": n.ID,
				"status":         existing.Status,
			})
			metrics.NotificationsAdmitted.WithLabelValues(outcomeNoop).Inc()
			return nil
		}
		n = existing
	}

	pref := p.loadPreference(ctx, n.UserID)
	now := p.now().UTC()
	urgent := n.Priority == models.PriorityUrgent

	// Policy windows apply at the moment the notification would go out, not
	// the moment it arrives.
	effective := now
	if n.ScheduledFor.After(now) {
		effective = n.ScheduledFor
	}

	if !urgent {
		if done, err := p.applyQuietHours(ctx, n, pref, effective); done || err != nil {
			return err
		}
		if done, err := p.applyDedup(ctx, n, now); done || err != nil {
			return err
		}
		if done, err := p.applyThrottle(ctx, n, pref); done || err != nil {
			return err
		}
	}

	if n.Priority == models.PriorityLow && !n.IsSummary() {
		if done, err := p.applyBatchEligibility(ctx, n); done || err != nil {
			return err
		}
	}

	if n.ScheduledFor.After(now) && n.Priority.Weight() < models.PriorityHigh.Weight() {
		// Not due yet: the record stays pending so later low-priority
		// arrivals in the same hour can still find it for aggregation.
		// Channel selection and the processing transition run at promotion.
		p.indexBestEffort(ctx, n)
		metrics.NotificationsAdmitted.WithLabelValues(outcomeDeferred).Inc()
		p.deferred.Enqueue(n, n.Priority.Weight())
		p.observeDepth()
		return nil
	}

	ok, err := p.startProcessing(ctx, n, pref)
	if err != nil {
		return p.failAdmission(ctx, n.ID, err)
	}
	if !ok {
		return nil
	}
	p.indexBestEffort(ctx, n)

	metrics.NotificationsAdmitted.WithLabelValues(outcomeProcessing).Inc()
	p.immediate.Enqueue(n, n.Priority.Weight())
	p.observeDepth()
	p.DrainImmediate(ctx)
	return nil
}

// startProcessing resolves the channel set and transitions the record to
// processing. False with a nil error means the notification is done here:
// policy terminally failed it, or another worker already moved it on.
func (p *Processor) startProcessing(ctx context.Context, n *models.Notification, pref *models.UserPreference) (bool, error) {
	channels, err := p.evaluator.SelectChannels(pref, n.Priority, n.Channels)
	if err != nil {
		// Policy errors are deterministic; retrying cannot fix them.
		if _, markErr := p.records.MarkFailed(ctx, n.ID); markErr != nil {
			return false, markErr
		}
		p.logger.Warn("No suitable channel, notification failed", map[string]interface{}{
			"notificationId": n.ID,
			"userId":         n.UserID,
		})
		metrics.NotificationsAdmitted.WithLabelValues(outcomeFailed).Inc()
		return false, nil
	}
	n.Channels = channels

	applied, err := p.records.MarkProcessing(ctx, n.ID, channels)
	if err != nil {
		return false, err
	}
	if !applied {
		metrics.NotificationsAdmitted.WithLabelValues(outcomeNoop).Inc()
		return false, nil
	}
	n.Status = models.StatusProcessing

	if err := p.throttle.Record(ctx, n.UserID, pref.Throttling.Window); err != nil {
		p.logger.Warn("Throttle record failed", map[string]interface{}{
			"notificationId": n.ID,
			"error":          err.Error(),
		})
	}
	return true, nil
}

func (p *Processor) applyQuietHours(ctx context.Context, n *models.Notification, pref *models.UserPreference, now time.Time) (bool, error) {
	if !p.evaluator.InQuietHours(pref, now) {
		return false, nil
	}
	next := p.evaluator.NextWindowEnd(pref, now)
	applied, err := p.records.MarkRescheduled(ctx, n.ID, next)
	if err != nil {
		return false, p.failAdmission(ctx, n.ID, err)
	}
	if !applied {
		metrics.NotificationsAdmitted.WithLabelValues(outcomeNoop).Inc()
		return true, nil
	}
	n.Status = models.StatusRescheduled
	n.ScheduledFor = next
	p.deferred.Enqueue(n, n.Priority.Weight())
	p.observeDepth()
	p.logger.Info("Notification rescheduled past quiet hours", map[string]interface{}{
		"notificationId": n.ID,
		"scheduledFor":   next,
	})
	metrics.NotificationsAdmitted.WithLabelValues(outcomeRescheduled).Inc()
	return true, nil
}

func (p *Processor) applyDedup(ctx context.Context, n *models.Notification, now time.Time) (bool, error) {
	duplicateOf, err := p.records.FindRecentDuplicate(ctx, n.UserID, n.Title, n.Body, now.Add(-p.dedupWindow))
	if err != nil {
		p.logger.Warn("Dedup lookup failed, allowing delivery", map[string]interface{}{
			"notificationId": n.ID,
			"error":          err.Error(),
		})
		return false, nil
	}
	if duplicateOf == "" {
		return false, nil
	}
	if _, err := p.records.MarkSuppressed(ctx, n.ID, duplicateOf); err != nil {
		return false, p.failAdmission(ctx, n.ID, err)
	}
	p.logger.Info("Duplicate notification suppressed", map[string]interface{}{
		"notificationId": n.ID,
		"duplicateOf":    duplicateOf,
	})
	metrics.NotificationsAdmitted.WithLabelValues(outcomeSuppressed).Inc()
	return true, nil
}

func (p *Processor) applyThrottle(ctx context.Context, n *models.Notification, pref *models.UserPreference) (bool, error) {
	if !p.evaluator.ShouldThrottle(ctx, pref) {
		return false, nil
	}
	if _, err := p.records.CompareAndSetStatus(ctx, n.ID, models.StatusPending, models.StatusThrottled); err != nil {
		return false, p.failAdmission(ctx, n.ID, err)
	}
	p.logger.Info("Notification throttled", map[string]interface{}{
		"notificationId": n.ID,
		"userId":         n.UserID,
	})
	metrics.NotificationsAdmitted.WithLabelValues(outcomeThrottled).Inc()
	return true, nil
}

// applyBatchEligibility marks this notification and any other pending low
// notifications in the same hour bucket for aggregation, so the hourly job
// can fold them into one summary.
func (p *Processor) applyBatchEligibility(ctx context.Context, n *models.Notification) (bool, error) {
	hourStart := n.ScheduledFor.UTC().Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	ids, err := p.records.FindPendingLowIDsInHour(ctx, n.UserID, hourStart, hourEnd, n.ID)
	if err != nil {
		p.logger.Warn("Batch eligibility lookup failed, delivering individually", map[string]interface{}{
			"notificationId": n.ID,
			"error":          err.Error(),
		})
		return false, nil
	}
	if len(ids) == 0 {
		return false, nil
	}

	marked, err := p.records.MarkPendingAggregation(ctx, append(ids, n.ID))
	if err != nil {
		return false, p.failAdmission(ctx, n.ID, err)
	}
	p.logger.Info("Low notifications parked for aggregation", map[string]interface{}{
		"notificationId": n.ID,
		"userId":         n.UserID,
		"groupSize":      marked,
	})
	metrics.NotificationsAdmitted.WithLabelValues(outcomePendingAggregation).Inc()
	return true, nil
}

// failAdmission records the fault on the notification and hands the original
// error back so the inbound event is redelivered or dead-lettered upstream.
func (p *Processor) failAdmission(ctx context.Context, id string, cause error) error {
	if err := p.records.IncrementRetry(ctx, id); err != nil {
		p.logger.Error("Failed to record admission retry", map[string]interface{}{
			"notificationId": id,
			"error":          err.Error(),
		})
	}
	if _, err := p.records.MarkFailed(ctx, id); err != nil {
		p.logger.Error("Failed to mark notification failed", map[string]interface{}{
			"notificationId": id,
			"error":          err.Error(),
		})
	}
	metrics.NotificationsAdmitted.WithLabelValues(outcomeFailed).Inc()
	return cause
}

func (p *Processor) loadPreference(ctx context.Context, userID string) *models.UserPreference {
	pref, err := p.prefs.Get(ctx, userID)
	if err != nil {
		p.logger.Warn("Preference lookup failed, using defaults", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
		return models.DefaultPreference(userID)
	}
	return pref
}

func (p *Processor) indexBestEffort(ctx context.Context, n *models.Notification) {
	if p.indexer == nil {
		return
	}
	if err := p.indexer.IndexNotification(ctx, n); err != nil {
		p.logger.Warn("Search indexing failed", map[string]interface{}{
			"notificationId": n.ID,
			"error":          err.Error(),
		})
	}
}

// PromoteDue moves deferred notifications whose schedule has arrived into
// the immediate queue. The deferred queue orders by priority, not schedule,
// so the whole queue is scanned and not-due items are re-enqueued.
func (p *Processor) PromoteDue(now time.Time) int {
	var notDue []*models.Notification
	promoted := 0
	for {
		n := p.deferred.Dequeue()
		if n == nil {
			break
		}
		if n.ScheduledFor.After(now) {
			notDue = append(notDue, n)
			continue
		}
		p.immediate.Enqueue(n, n.Priority.Weight())
		promoted++
	}
	for _, n := range notDue {
		p.deferred.Enqueue(n, n.Priority.Weight())
	}
	p.observeDepth()
	return promoted
}

// DrainImmediate dispatches everything in the immediate queue, one delivery
// goroutine per notification.
func (p *Processor) DrainImmediate(ctx context.Context) {
	for {
		n := p.immediate.Dequeue()
		if n == nil {
			break
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.deliver(ctx, n)
		}()
	}
	p.observeDepth()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// QueueSizes reports (immediate, deferred) depths.
func (p *Processor) QueueSizes() (int, int) {
	return p.immediate.Size(), p.deferred.Size()
}

func (p *Processor) deliver(ctx context.Context, n *models.Notification) {
	pref := p.loadPreference(ctx, n.UserID)

	// Deferred and rescheduled items carry no resolved channels yet; they go
	// through channel selection and the processing transition now. A failed
	// transition means the record moved on (parked for aggregation, decided
	// by another worker) and this copy is dropped.
	if n.Status != models.StatusProcessing {
		ok, err := p.startProcessing(ctx, n, pref)
		if err != nil {
			p.logger.Error("Promotion failed", map[string]interface{}{
				"notificationId": n.ID,
				"error":          err.Error(),
			})
			return
		}
		if !ok {
			return
		}
		p.indexBestEffort(ctx, n)
	}

	if err := p.deliverer.Deliver(ctx, n, pref); err != nil {
		p.logger.Error("Delivery failed", map[string]interface{}{
			"notificationId": n.ID,
			"error":          err.Error(),
		})
		return
	}
	n.Status = models.StatusDelivered
	p.indexBestEffort(ctx, n)
}

func (p *Processor) observeDepth() {
	metrics.QueueDepth.WithLabelValues("immediate").Set(float64(p.immediate.Size()))
	metrics.QueueDepth.WithLabelValues("deferred").Set(float64(p.deferred.Size()))
}
