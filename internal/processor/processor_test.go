// internal/processor/processor_test.go
package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-service/internal/common/logger"
	"notification-service/internal/models"
	"notification-service/internal/policy"
	"notification-service/internal/store"
)

type mockRecordStore struct {
	mu sync.Mutex

	insertFunc         func(ctx context.Context, n *models.Notification) (bool, error)
	getByIDFunc        func(ctx context.Context, id string) (*models.Notification, error)
	findDuplicateFunc  func(ctx context.Context, userID, title, body string, since time.Time) (string, error)
	findPendingLowFunc func(ctx context.Context, userID string, hourStart, hourEnd time.Time, excludeID string) ([]string, error)
	markProcessingFunc func(ctx context.Context, id string, channels []models.Channel) (bool, error)
	rescheduled        map[string]time.Time
	suppressed         map[string]string
	processing         map[string][]models.Channel
	failed             []string
	throttled          []string
	pendingAggregation []string
	retryIncrements    int
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{
		rescheduled: make(map[string]time.Time),
		suppressed:  make(map[string]string),
		processing:  make(map[string][]models.Channel),
	}
}

func (m *mockRecordStore) Insert(ctx context.Context, n *models.Notification) (bool, error) {
	if m.insertFunc != nil {
		return m.insertFunc(ctx, n)
	}
	n.Status = models.StatusPending
	return true, nil
}

func (m *mockRecordStore) GetByID(ctx context.Context, id string) (*models.Notification, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockRecordStore) CompareAndSetStatus(ctx context.Context, id, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next == models.StatusThrottled {
		m.throttled = append(m.throttled, id)
	}
	return true, nil
}

func (m *mockRecordStore) MarkRescheduled(ctx context.Context, id string, scheduledFor time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescheduled[id] = scheduledFor
	return true, nil
}

func (m *mockRecordStore) MarkSuppressed(ctx context.Context, id, duplicateOf string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed[id] = duplicateOf
	return true, nil
}

func (m *mockRecordStore) MarkProcessing(ctx context.Context, id string, channels []models.Channel) (bool, error) {
	if m.markProcessingFunc != nil {
		return m.markProcessingFunc(ctx, id, channels)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processing[id] = channels
	return true, nil
}

func (m *mockRecordStore) MarkFailed(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, id)
	return true, nil
}

func (m *mockRecordStore) IncrementRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryIncrements++
	return nil
}

func (m *mockRecordStore) FindRecentDuplicate(ctx context.Context, userID, title, body string, since time.Time) (string, error) {
	if m.findDuplicateFunc != nil {
		return m.findDuplicateFunc(ctx, userID, title, body, since)
	}
	return "", nil
}

func (m *mockRecordStore) FindPendingLowIDsInHour(ctx context.Context, userID string, hourStart, hourEnd time.Time, excludeID string) ([]string, error) {
	if m.findPendingLowFunc != nil {
		return m.findPendingLowFunc(ctx, userID, hourStart, hourEnd, excludeID)
	}
	return nil, nil
}

func (m *mockRecordStore) MarkPendingAggregation(ctx context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingAggregation = append(m.pendingAggregation, ids...)
	return len(ids), nil
}

type mockPrefs struct {
	pref *models.UserPreference
}

func (m *mockPrefs) Get(ctx context.Context, userID string) (*models.UserPreference, error) {
	if m.pref != nil {
		return m.pref, nil
	}
	return models.DefaultPreference(userID), nil
}

type mockThrottleRecorder struct {
	mu      sync.Mutex
	records []string
}

func (m *mockThrottleRecorder) Record(ctx context.Context, userID string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, userID)
	return nil
}

type mockDeliverer struct {
	mu        sync.Mutex
	delivered []string
	channels  map[string][]models.Channel
}

func (m *mockDeliverer) Deliver(ctx context.Context, n *models.Notification, pref *models.UserPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, n.ID)
	if m.channels == nil {
		m.channels = make(map[string][]models.Channel)
	}
	m.channels[n.ID] = append([]models.Channel(nil), n.Channels...)
	return nil
}

func (m *mockDeliverer) deliveredIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered...)
}

func (m *mockDeliverer) deliveredChannels(id string) []models.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

type fixedCount struct{ count int64 }

func (f *fixedCount) CountInWindow(ctx context.Context, userID string, window time.Duration) (int64, error) {
	return f.count, nil
}

type testPipeline struct {
	processor *Processor
	records   *mockRecordStore
	deliverer *mockDeliverer
	throttle  *mockThrottleRecorder
}

func newTestPipeline(t *testing.T, pref *models.UserPreference, throttleCount int64) *testPipeline {
	t.Helper()
	records := newMockRecordStore()
	deliverer := &mockDeliverer{}
	throttle := &mockThrottleRecorder{}
	evaluator := policy.NewEvaluator(&fixedCount{count: throttleCount}, logger.NewNoOpLogger())

	p := New(records, &mockPrefs{pref: pref}, evaluator, throttle, deliverer, nil, time.Hour, logger.NewNoOpLogger())
	return &testPipeline{processor: p, records: records, deliverer: deliverer, throttle: throttle}
}

func notification(id string, priority models.Priority) *models.Notification {
	return &models.Notification{
		ID:       id,
		UserID:   "user-001",
		Title:    "Deploy complete",
		Body:     "Version 1.4.2 is live",
		Priority: priority,
	}
}

func TestProcessor_Admit_UrgentDeliversImmediately(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.QuietHours = models.QuietHours{Enabled: true, Start: "00:00", End: "23:59"}
	pref.Throttling = models.Throttling{Enabled: true, MaxNotifications: 1, Window: time.Hour}

	tp := newTestPipeline(t, pref, 10)
	tp.records.findDuplicateFunc = func(ctx context.Context, userID, title, body string, since time.Time) (string, error) {
		t.Fatal("dedup must be skipped for urgent notifications")
		return "", nil
	}

	n := notification("notif-001", models.PriorityUrgent)
	require.NoError(t, tp.processor.Admit(context.Background(), n))
	tp.processor.Wait()

	assert.Equal(t, []string{"notif-001"}, tp.deliverer.deliveredIDs())
	assert.Empty(t, tp.records.rescheduled)
	assert.Empty(t, tp.records.throttled)
	assert.Contains(t, tp.records.processing, "notif-001")
}

func TestProcessor_Admit_QuietHoursReschedules(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.QuietHours = models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	tp := newTestPipeline(t, pref, 0)
	tp.processor.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	}

	n := notification("notif-001", models.PriorityMedium)
	require.NoError(t, tp.processor.Admit(context.Background(), n))
	tp.processor.Wait()

	want := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, want, tp.records.rescheduled["notif-001"])
	assert.Empty(t, tp.deliverer.deliveredIDs())

	immediate, deferred := tp.processor.QueueSizes()
	assert.Zero(t, immediate)
	assert.Equal(t, 1, deferred)
}

func TestProcessor_Admit_FutureScheduleInsideQuietHours(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.QuietHours = models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	tp := newTestPipeline(t, pref, 0)
	tp.processor.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	n := notification("notif-001", models.PriorityMedium)
	n.ScheduledFor = time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	require.NoError(t, tp.processor.Admit(context.Background(), n))
	tp.processor.Wait()

	want := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, want, tp.records.rescheduled["notif-001"],
		"quiet hours apply at the scheduled send time, not at admission")
	assert.Empty(t, tp.deliverer.deliveredIDs())
}

func TestProcessor_PromotedRescheduledResolvesChannels(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.QuietHours = models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	tp := newTestPipeline(t, pref, 0)
	tp.processor.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	}

	n := notification("notif-001", models.PriorityMedium)
	require.NoError(t, tp.processor.Admit(context.Background(), n))
	require.Empty(t, tp.records.processing, "rescheduled notification must not start processing yet")

	promoted := tp.processor.PromoteDue(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	require.Equal(t, 1, promoted)
	tp.processor.DrainImmediate(context.Background())
	tp.processor.Wait()

	assert.Equal(t, []string{"notif-001"}, tp.deliverer.deliveredIDs())
	assert.Equal(t, []models.Channel{models.ChannelEmail}, tp.deliverer.deliveredChannels("notif-001"),
		"promotion must resolve channels before delivery")
	assert.Equal(t, []models.Channel{models.ChannelEmail}, tp.records.processing["notif-001"])
	assert.Equal(t, []string{"user-001"}, tp.throttle.records)
}

func TestProcessor_PromotedCopyDroppedWhenRecordMovedOn(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tp.processor.now = func() time.Time { return base }
	tp.records.markProcessingFunc = func(ctx context.Context, id string, channels []models.Channel) (bool, error) {
		return false, nil
	}

	n := notification("notif-001", models.PriorityMedium)
	n.ScheduledFor = base.Add(30 * time.Minute)
	require.NoError(t, tp.processor.Admit(context.Background(), n))

	tp.processor.PromoteDue(base.Add(time.Hour))
	tp.processor.DrainImmediate(context.Background())
	tp.processor.Wait()

	assert.Empty(t, tp.deliverer.deliveredIDs(),
		"a record decided elsewhere must not be delivered again")
}

func TestProcessor_Admit_DeferredStaysPending(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tp.processor.now = func() time.Time { return base }

	n := notification("notif-001", models.PriorityLow)
	n.ScheduledFor = base.Add(30 * time.Minute)
	require.NoError(t, tp.processor.Admit(context.Background(), n))

	assert.Empty(t, tp.records.processing)
	assert.Empty(t, tp.throttle.records)
	assert.Empty(t, tp.deliverer.deliveredIDs())

	immediate, deferred := tp.processor.QueueSizes()
	assert.Zero(t, immediate)
	assert.Equal(t, 1, deferred)
}

func TestProcessor_Admit_DuplicateSuppressed(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	tp.records.findDuplicateFunc = func(ctx context.Context, userID, title, body string, since time.Time) (string, error) {
		return "notif-000", nil
	}

	n := notification("notif-001", models.PriorityMedium)
	require.NoError(t, tp.processor.Admit(context.Background(), n))

	assert.Equal(t, "notif-000", tp.records.suppressed["notif-001"])
	assert.Empty(t, tp.deliverer.deliveredIDs())
}

func TestProcessor_Admit_ThrottledAtLimit(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.Throttling = models.Throttling{Enabled: true, MaxNotifications: 1, Window: time.Hour}

	tp := newTestPipeline(t, pref, 1)

	n := notification("notif-002", models.PriorityMedium)
	require.NoError(t, tp.processor.Admit(context.Background(), n))

	assert.Equal(t, []string{"notif-002"}, tp.records.throttled)
	assert.Empty(t, tp.deliverer.deliveredIDs())
	assert.Empty(t, tp.throttle.records, "throttled notifications must not count against the window")
}

func TestProcessor_Admit_IdempotentReAdmit(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	tp.records.insertFunc = func(ctx context.Context, n *models.Notification) (bool, error) {
		return false, nil
	}
	tp.records.getByIDFunc = func(ctx context.Context, id string) (*models.Notification, error) {
		n := notification(id, models.PriorityMedium)
		n.Status = models.StatusDelivered
		return n, nil
	}

	require.NoError(t, tp.processor.Admit(context.Background(), notification("notif-001", models.PriorityMedium)))
	tp.processor.Wait()

	assert.Empty(t, tp.deliverer.deliveredIDs(), "already-delivered notification must not be re-processed")
	assert.Empty(t, tp.records.processing)
}

func TestProcessor_Admit_TwoLowSameHourParkedForAggregation(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	tp.records.findPendingLowFunc = func(ctx context.Context, userID string, hourStart, hourEnd time.Time, excludeID string) ([]string, error) {
		assert.Equal(t, "notif-002", excludeID)
		return []string{"notif-001"}, nil
	}

	require.NoError(t, tp.processor.Admit(context.Background(), notification("notif-002", models.PriorityLow)))

	assert.ElementsMatch(t, []string{"notif-001", "notif-002"}, tp.records.pendingAggregation)
	assert.Empty(t, tp.deliverer.deliveredIDs())
}

func TestProcessor_Admit_TwoDeferredLowsSameHourAggregate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	records := store.NewNotificationStore(db, logger.NewNoOpLogger())
	deliverer := &mockDeliverer{}
	evaluator := policy.NewEvaluator(&fixedCount{}, logger.NewNoOpLogger())
	p := New(records, &mockPrefs{}, evaluator, &mockThrottleRecorder{}, deliverer, nil, time.Hour, logger.NewNoOpLogger())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	first := notification("low-001", models.PriorityLow)
	first.ScheduledFor = base.Add(30 * time.Minute)
	second := notification("low-002", models.PriorityLow)
	second.ScheduledFor = base.Add(45 * time.Minute)

	// First low lands in the deferred queue still pending, so the second
	// one's peer scan can see it.
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM notifications").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM notifications").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM notifications").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("low-001"))
	mock.ExpectExec("UPDATE notifications SET status =").
		WithArgs(pq.Array([]string{"low-001", "low-002"}), models.StatusPendingAggregation, sqlmock.AnyArg(), models.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, p.Admit(context.Background(), first))
	require.NoError(t, p.Admit(context.Background(), second))
	p.Wait()

	assert.Empty(t, deliverer.deliveredIDs(), "parked lows must wait for the aggregator")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessor_Admit_SummaryBypassesBatchEligibility(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	tp.records.findPendingLowFunc = func(ctx context.Context, userID string, hourStart, hourEnd time.Time, excludeID string) ([]string, error) {
		t.Fatal("summary notifications must not be considered for aggregation")
		return nil, nil
	}

	n := notification("summary-001", models.PriorityLow)
	n.Type = models.TypeSummary
	require.NoError(t, tp.processor.Admit(context.Background(), n))
	tp.processor.Wait()

	assert.Equal(t, []string{"summary-001"}, tp.deliverer.deliveredIDs())
}

func TestProcessor_Admit_NoChannelFailsTerminally(t *testing.T) {
	pref := models.DefaultPreference("user-001")
	pref.Channels[models.ChannelEmail] = models.ChannelSetting{Enabled: false}

	tp := newTestPipeline(t, pref, 0)

	err := tp.processor.Admit(context.Background(), notification("notif-001", models.PriorityMedium))
	assert.NoError(t, err, "policy errors are terminal, not redeliverable")
	assert.Equal(t, []string{"notif-001"}, tp.records.failed)
	assert.Empty(t, tp.deliverer.deliveredIDs())
}

func TestProcessor_Admit_RecordsThrottleEntry(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)

	require.NoError(t, tp.processor.Admit(context.Background(), notification("notif-001", models.PriorityMedium)))
	tp.processor.Wait()

	assert.Equal(t, []string{"user-001"}, tp.throttle.records)
}

func TestProcessor_PromoteDue(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tp.processor.now = func() time.Time { return base }

	due := notification("notif-due", models.PriorityMedium)
	due.ScheduledFor = base.Add(5 * time.Minute)
	notDue := notification("notif-later", models.PriorityMedium)
	notDue.ScheduledFor = base.Add(2 * time.Hour)
	tp.records.insertFunc = func(ctx context.Context, n *models.Notification) (bool, error) {
		n.Status = models.StatusPending
		return true, nil
	}

	require.NoError(t, tp.processor.Admit(context.Background(), due))
	require.NoError(t, tp.processor.Admit(context.Background(), notDue))

	_, deferred := tp.processor.QueueSizes()
	require.Equal(t, 2, deferred)

	promoted := tp.processor.PromoteDue(base.Add(10 * time.Minute))
	assert.Equal(t, 1, promoted)

	tp.processor.DrainImmediate(context.Background())
	tp.processor.Wait()

	assert.Equal(t, []string{"notif-due"}, tp.deliverer.deliveredIDs())
	_, deferred = tp.processor.QueueSizes()
	assert.Equal(t, 1, deferred)
}

func TestScheduler_TickPromotesAndDrains(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tp.processor.now = func() time.Time { return base }

	n := notification("notif-001", models.PriorityMedium)
	n.ScheduledFor = base.Add(5 * time.Minute)
	require.NoError(t, tp.processor.Admit(context.Background(), n))

	s := NewScheduler(tp.processor, 10*time.Millisecond, logger.NewNoOpLogger())
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	s.Tick(context.Background())
	tp.processor.Wait()

	assert.Equal(t, []string{"notif-001"}, tp.deliverer.deliveredIDs())
}

func TestScheduler_StartStop(t *testing.T) {
	tp := newTestPipeline(t, nil, 0)
	s := NewScheduler(tp.processor, 5*time.Millisecond, logger.NewNoOpLogger())

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}
