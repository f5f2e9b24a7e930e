package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"creatorflow/models"
	"creatorflow/utils"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:workertest%d?mode=memory&cache=shared&_pragma=busy_timeout(10000)",
		atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.MigrateDB(db))
	return db
}

// fakeMailer records sends and can be told to fail.
type fakeMailer struct {
	mu    sync.Mutex
	sent  []utils.Email
	fail  bool
	calls int
}

func (fm *fakeMailer) Send(email utils.Email) (utils.SendResult, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.calls++
	if fm.fail {
		return utils.SendResult{
			MessageID:     fmt.Sprintf("msg-%d", fm.calls),
			Status:        utils.SendStatusFailed,
			ProviderError: "relay unavailable",
		}, fmt.Errorf("relay unavailable")
	}
	fm.sent = append(fm.sent, email)
	return utils.SendResult{
		MessageID: fmt.Sprintf("msg-%d", fm.calls),
		Status:    utils.SendStatusSent,
	}, nil
}

func (fm *fakeMailer) callCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.calls
}

type dispatchFixture struct {
	db         *gorm.DB
	worker     *DispatchWorker
	mailer     *fakeMailer
	brand      *models.Brand
	creator    *models.Creator
	sequence   *models.Sequence
	enrollment *models.SequenceEnrollment
}

// newDispatchFixture seeds one brand, creator and sequence (one step per
// delay given, in days) and enrolls the creator.
func newDispatchFixture(t *testing.T, delayDays ...int) *dispatchFixture {
	t.Helper()

	db := setupTestDB(t)
	logger := log.New(os.Stdout, "DISPATCH-TEST: ", log.LstdFlags)

	brand := models.Brand{Name: "Acme", FromEmail: "hello@acme.test", FromName: "Acme"}
	require.NoError(t, db.Create(&brand).Error)

	creator := models.Creator{
		BrandID: brand.ID,
		Name:    "Jordan",
		Email:   "jordan@creators.test",
		Status:  models.StatusAdded,
	}
	require.NoError(t, db.Create(&creator).Error)

	sequence := models.Sequence{
		BrandID:      brand.ID,
		Name:         "Onboarding",
		TriggerEvent: "status_added",
		IsActive:     true,
	}
	for i, days := range delayDays {
		sequence.Steps = append(sequence.Steps, models.SequenceStep{
			StepOrder:   i + 1,
			DelayDays:   days,
			Subject:     fmt.Sprintf("Step %d for {{.CreatorName}}", i+1),
			HTMLContent: fmt.Sprintf("<p>Step %d</p>", i+1),
			TextContent: fmt.Sprintf("Step %d", i+1),
		})
	}
	require.NoError(t, db.Create(&sequence).Error)

	manager := utils.NewEnrollmentManager(db, utils.NewCommLog(db), logger)
	enrollment, err := manager.Enroll(creator.ID, sequence.ID, "status_added", models.EnrollmentMetadata{Source: "test"})
	require.NoError(t, err)

	mailer := &fakeMailer{}
	dw := NewDispatchWorker(db, mailer, logger)
	dw.RetryDelay = time.Minute

	return &dispatchFixture{
		db:         db,
		worker:     dw,
		mailer:     mailer,
		brand:      &brand,
		creator:    &creator,
		sequence:   &sequence,
		enrollment: enrollment,
	}
}

// makeDue backdates the enrollment's next_send_at so a cycle picks it up.
func (fx *dispatchFixture) makeDue(t *testing.T, ago time.Duration) {
	t.Helper()
	require.NoError(t, fx.db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", fx.enrollment.ID).
		Update("next_send_at", time.Now().Add(-ago)).Error)
}

func (fx *dispatchFixture) reload(t *testing.T) *models.SequenceEnrollment {
	t.Helper()
	var got models.SequenceEnrollment
	require.NoError(t, fx.db.First(&got, fx.enrollment.ID).Error)
	return &got
}

func (fx *dispatchFixture) sendLogEntries(t *testing.T) []models.CommunicationLog {
	t.Helper()
	var entries []models.CommunicationLog
	require.NoError(t, fx.db.
		Where("creator_id = ? AND log_type = ?", fx.creator.ID, models.LogTypeSend).
		Order("id ASC").
		Find(&entries).Error)
	return entries
}

func TestDispatchSendsDueStepAndAdvances(t *testing.T) {
	fx := newDispatchFixture(t, 0, 1)
	fx.makeDue(t, time.Second)

	before := time.Now()
	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))

	got := fx.reload(t)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Equal(t, 1, got.CurrentStep)

	// Step 2 is due one day after this send's actual timestamp.
	require.NotNil(t, got.NextSendAt)
	assert.WithinDuration(t, before.Add(24*time.Hour), *got.NextSendAt, 10*time.Second)

	entries := fx.sendLogEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Metadata.StepOrder)
	assert.NotEmpty(t, entries[0].MessageID)
	assert.Equal(t, "Step 1 for Jordan", entries[0].Subject)

	require.Len(t, fx.mailer.sent, 1)
	assert.Equal(t, "jordan@creators.test", fx.mailer.sent[0].To)
	assert.Contains(t, fx.mailer.sent[0].From, "hello@acme.test")
}

func TestDispatchExactlyOnceUnderConcurrentCycles(t *testing.T) {
	fx := newDispatchFixture(t, 0, 1)
	fx.makeDue(t, time.Second)

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Claim conflicts are swallowed inside the cycle; store
			// contention aborts a cycle cleanly, which is also fine here.
			_ = fx.worker.RunDispatchCycle(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fx.mailer.callCount(), "the claimed step must be sent exactly once")
	assert.Len(t, fx.sendLogEntries(t), 1)

	got := fx.reload(t)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestDispatchRespectsStepOrder(t *testing.T) {
	fx := newDispatchFixture(t, 0, 0, 0)

	for i := 0; i < 3; i++ {
		fx.makeDue(t, time.Second)
		require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))
	}

	entries := fx.sendLogEntries(t)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Metadata.StepOrder)
	}

	got := fx.reload(t)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
	assert.Nil(t, got.NextSendAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestDispatchLastStepCompletesEnrollment(t *testing.T) {
	fx := newDispatchFixture(t, 0)
	fx.makeDue(t, time.Second)

	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))

	got := fx.reload(t)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
	assert.Nil(t, got.NextSendAt)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestDispatchIgnoresFutureEnrollments(t *testing.T) {
	fx := newDispatchFixture(t, 0)
	require.NoError(t, fx.db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", fx.enrollment.ID).
		Update("next_send_at", time.Now().Add(time.Hour)).Error)

	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))
	assert.Zero(t, fx.mailer.callCount())
}

func TestDispatchRetriesThenMarksFailed(t *testing.T) {
	fx := newDispatchFixture(t, 0)
	fx.mailer.fail = true
	fx.worker.MaxSendAttempts = 3

	for attempt := 1; attempt <= 3; attempt++ {
		fx.makeDue(t, time.Second)
		require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))

		got := fx.reload(t)
		assert.Equal(t, attempt, got.FailureCount)
		if attempt < 3 {
			assert.Equal(t, models.EnrollmentActive, got.Status)
			require.NotNil(t, got.NextSendAt, "retry must stay scheduled")
		}
	}

	got := fx.reload(t)
	assert.Equal(t, models.EnrollmentFailed, got.Status)
	assert.Nil(t, got.NextSendAt)
	assert.Contains(t, got.FailureReason, "relay unavailable")

	// No fourth attempt even when another cycle runs.
	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))
	assert.Equal(t, 3, fx.mailer.callCount())

	entries := fx.sendLogEntries(t)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		assert.Equal(t, string(utils.SendStatusFailed), entry.Metadata.SendStatus)
	}
}

func TestDispatchSkipsCancelledEnrollment(t *testing.T) {
	fx := newDispatchFixture(t, 0)
	fx.makeDue(t, time.Second)

	// Cancellation raced in after the enrollment became due.
	require.NoError(t, fx.db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", fx.enrollment.ID).
		Update("cancel_requested", true).Error)

	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))

	assert.Zero(t, fx.mailer.callCount(), "cancelled enrollments must not be sent to")

	got := fx.reload(t)
	assert.Equal(t, models.EnrollmentCancelled, got.Status)
	assert.Nil(t, got.NextSendAt)

	var notes []models.CommunicationLog
	require.NoError(t, fx.db.
		Where("creator_id = ? AND log_type = ?", fx.creator.ID, models.LogTypeNote).
		Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Subject, "cancelled")
}

func TestDispatchAppliesStatusChangeAction(t *testing.T) {
	fx := newDispatchFixture(t, 0)
	require.NoError(t, fx.db.Model(&models.SequenceStep{}).
		Where("sequence_id = ? AND step_order = ?", fx.sequence.ID, 1).
		Update("status_change_action", models.StatusContentDue).Error)
	fx.makeDue(t, time.Second)

	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))

	var creator models.Creator
	require.NoError(t, fx.db.First(&creator, fx.creator.ID).Error)
	assert.Equal(t, models.StatusContentDue, creator.Status)
	assert.NotNil(t, creator.LastContactAt)

	var changes []models.CommunicationLog
	require.NoError(t, fx.db.
		Where("creator_id = ? AND log_type = ?", fx.creator.ID, models.LogTypeStatusChange).
		Find(&changes).Error)
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusContentDue, changes[0].Metadata.NewStatus)
}

func TestDispatchReclaimsExpiredClaim(t *testing.T) {
	fx := newDispatchFixture(t, 0)

	// Simulate a worker that died mid-dispatch: claim held past its deadline.
	require.NoError(t, fx.db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", fx.enrollment.ID).
		Updates(map[string]interface{}{
			"status":           models.EnrollmentDispatching,
			"claim_expires_at": time.Now().Add(-time.Minute),
			"next_send_at":     time.Now().Add(-time.Hour),
		}).Error)

	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))

	assert.Equal(t, 1, fx.mailer.callCount(), "expired claims must be reclaimed")
	got := fx.reload(t)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
}

func TestDispatchHeldClaimIsNotStolen(t *testing.T) {
	fx := newDispatchFixture(t, 0)

	require.NoError(t, fx.db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", fx.enrollment.ID).
		Updates(map[string]interface{}{
			"status":           models.EnrollmentDispatching,
			"claim_expires_at": time.Now().Add(5 * time.Minute),
			"next_send_at":     time.Now().Add(-time.Hour),
		}).Error)

	require.NoError(t, fx.worker.RunDispatchCycle(context.Background()))
	assert.Zero(t, fx.mailer.callCount(), "a live claim belongs to its holder")
}
