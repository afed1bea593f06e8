// internal/batch/aggregator.go
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notification-service/internal/common/logger"
	"notification-service/internal/common/metrics"
	"notification-service/internal/models"
	"notification-service/internal/policy"
)

// CandidateStore is the record-store slice the aggregator scans.
type CandidateStore interface {
	FindAggregationCandidates(ctx context.Context) ([]*models.Notification, error)
	MarkAggregated(ctx context.Context, ids []string) (int, error)
}

// Admitter feeds summary notifications back through the admission pipeline.
type Admitter interface {
	Admit(ctx context.Context, n *models.Notification) error
}

// PreferenceProvider loads user policy for summary scheduling.
type PreferenceProvider interface {
	Get(ctx context.Context, userID string) (*models.UserPreference, error)
}

// Aggregator folds parked low-priority notifications into per-user hourly
// summaries. Groups below the minimum size are left alone for the next run.
type Aggregator struct {
	store     CandidateStore
	admitter  Admitter
	prefs     PreferenceProvider
	evaluator *policy.Evaluator
	interval  time.Duration
	minBatch  int
	logger    logger.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewAggregator(store CandidateStore, admitter Admitter, prefs PreferenceProvider, evaluator *policy.Evaluator, interval time.Duration, minBatch int, log logger.Logger) *Aggregator {
	return &Aggregator{
		store:     store,
		admitter:  admitter,
		prefs:     prefs,
		evaluator: evaluator,
		interval:  interval,
		minBatch:  minBatch,
		logger:    log.WithFields(map[string]interface{}{"component": "batch-aggregator"}),
		now:       time.Now,
	}
}

// Start launches the periodic aggregation loop.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Run(ctx); err != nil {
					a.logger.Error("Aggregation run failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		}
	}()
	a.logger.Info("Batch aggregator started", map[string]interface{}{
		"interval": a.interval.String(),
		"minBatch": a.minBatch,
	})
}

func (a *Aggregator) Stop() {
	a.once.Do(func() {
		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
	})
}

type groupKey struct {
	userID string
	hour   time.Time
}

// Run executes one aggregation pass. Per-group failures are logged and do
// not abort the pass or touch the group's notifications.
func (a *Aggregator) Run(ctx context.Context) error {
	candidates, err := a.store.FindAggregationCandidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	groups := make(map[groupKey][]*models.Notification)
	for _, n := range candidates {
		key := groupKey{userID: n.UserID, hour: n.ScheduledFor.UTC().Truncate(time.Hour)}
		groups[key] = append(groups[key], n)
	}

	for key, group := range groups {
		if len(group) < a.minBatch {
			continue
		}
		if err := a.aggregateGroup(ctx, key.userID, group); err != nil {
			a.logger.Error("Failed to aggregate group", map[string]interface{}{
				"userId": key.userID,
				"hour":   key.hour,
				"size":   len(group),
				"error":  err.Error(),
			})
		}
	}
	return nil
}

func (a *Aggregator) aggregateGroup(ctx context.Context, userID string, group []*models.Notification) error {
	summary := a.buildSummary(ctx, userID, group)
	if err := a.admitter.Admit(ctx, summary); err != nil {
		return err
	}

	ids := make([]string, 0, len(group))
	for _, n := range group {
		ids = append(ids, n.ID)
	}
	marked, err := a.store.MarkAggregated(ctx, ids)
	if err != nil {
		return err
	}

	metrics.BatchSummariesCreated.Inc()
	a.logger.Info("Summary notification created", map[string]interface{}{
		"summaryId":  summary.ID,
		"userId":     userID,
		"aggregated": marked,
	})
	return nil
}

// buildSummary composes the summary notification, scheduled outside the
// user's quiet window when one is active.
func (a *Aggregator) buildSummary(ctx context.Context, userID string, group []*models.Notification) *models.Notification {
	var lines []string
	for _, n := range group {
		lines = append(lines, "- "+n.Title)
	}
	body := fmt.Sprintf("You have %d notifications:\n\n%s", len(group), strings.Join(lines, "\n"))

	scheduledFor := a.now().UTC()
	pref, err := a.prefs.Get(ctx, userID)
	if err != nil {
		a.logger.Warn("Preference lookup failed, scheduling summary now", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
	} else if a.evaluator.InQuietHours(pref, scheduledFor) {
		scheduledFor = a.evaluator.NextWindowEnd(pref, scheduledFor)
	}

	return &models.Notification{
		ID:           uuid.New().String(),
		UserID:       userID,
		Title:        "Notification Summary",
		Body:         body,
		Type:         models.TypeSummary,
		Priority:     models.PriorityLow,
		ScheduledFor: scheduledFor,
	}
}
