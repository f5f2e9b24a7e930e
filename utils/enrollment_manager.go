package utils

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"creatorflow/models"

	"github.com/getsentry/sentry-go"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyEnrolled means a non-terminal enrollment already exists for
	// the (creator, sequence) pair. Recoverable; reported to the caller.
	ErrAlreadyEnrolled = errors.New("creator is already enrolled in this sequence")

	// ErrEnrollmentTerminal means the enrollment already reached a terminal
	// state and cannot be cancelled again.
	ErrEnrollmentTerminal = errors.New("enrollment is already terminal")

	// ErrSequenceLocked means step replacement was rejected because live
	// enrollments still reference the current step set.
	ErrSequenceLocked = errors.New("sequence has active enrollments; step replacement is frozen")

	// ErrSequenceInactive means the sequence is not accepting enrollments.
	ErrSequenceInactive = errors.New("sequence is not active")
)

// CatalogIntegrityError marks a sequence whose step set is unusable (missing
// step 1, gaps or duplicates in step_order). Fatal for that sequence:
// enrollment into it is blocked and the error is reported to Sentry rather
// than silently skipped.
type CatalogIntegrityError struct {
	SequenceID uint
	Reason     string
}

func (e *CatalogIntegrityError) Error() string {
	return fmt.Sprintf("sequence %d catalog integrity error: %s", e.SequenceID, e.Reason)
}

// ValidateSequenceSteps checks that the step set forms a contiguous 1-based
// order. Returns a CatalogIntegrityError describing the first violation.
func ValidateSequenceSteps(seq *models.Sequence) error {
	if len(seq.Steps) == 0 {
		return &CatalogIntegrityError{SequenceID: seq.ID, Reason: "sequence has no steps"}
	}
	steps := make([]models.SequenceStep, len(seq.Steps))
	copy(steps, seq.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

	for i, step := range steps {
		want := i + 1
		if step.StepOrder == want {
			continue
		}
		if i > 0 && step.StepOrder == steps[i-1].StepOrder {
			return &CatalogIntegrityError{SequenceID: seq.ID, Reason: fmt.Sprintf("duplicate step_order %d", step.StepOrder)}
		}
		if want == 1 {
			return &CatalogIntegrityError{SequenceID: seq.ID, Reason: "missing step 1"}
		}
		return &CatalogIntegrityError{SequenceID: seq.ID, Reason: fmt.Sprintf("step_order gap: expected %d, found %d", want, step.StepOrder)}
	}
	return nil
}

// StepDelay converts a step's (days, hours) delay to a duration.
func StepDelay(step *models.SequenceStep) time.Duration {
	return time.Duration(step.DelayDays)*24*time.Hour + time.Duration(step.DelayHours)*time.Hour
}

// EnrollmentManager turns recommended actions into durable enrollments and
// owns administrative sequence edits.
type EnrollmentManager struct {
	DB     *gorm.DB
	Log    *CommLog
	Logger *log.Logger
}

func NewEnrollmentManager(db *gorm.DB, commLog *CommLog, logger *log.Logger) *EnrollmentManager {
	return &EnrollmentManager{DB: db, Log: commLog, Logger: logger}
}

// Enroll creates an enrollment and its ledger entry in one transaction.
// Atomic against concurrent callers: the partial unique index on
// (creator_id, sequence_id) over non-terminal rows guarantees that of N
// simultaneous calls exactly one row is created; the rest get
// ErrAlreadyEnrolled.
func (em *EnrollmentManager) Enroll(creatorID, sequenceID uint, trigger string, metadata models.EnrollmentMetadata) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment

	err := em.DB.Transaction(func(tx *gorm.DB) error {
		var creator models.Creator
		if err := tx.First(&creator, creatorID).Error; err != nil {
			return fmt.Errorf("creator %d not found: %w", creatorID, err)
		}

		var sequence models.Sequence
		if err := tx.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).First(&sequence, sequenceID).Error; err != nil {
			return fmt.Errorf("sequence %d not found: %w", sequenceID, err)
		}

		if !sequence.IsActive {
			return ErrSequenceInactive
		}

		if err := ValidateSequenceSteps(&sequence); err != nil {
			sentry.CaptureException(err)
			em.Logger.Printf("Blocking enrollment into sequence %d: %v", sequenceID, err)
			return err
		}

		firstStep := sequence.Steps[0]
		nextSendAt := time.Now().Add(StepDelay(&firstStep))

		enrollment = models.SequenceEnrollment{
			CreatorID:         creatorID,
			SequenceID:        sequenceID,
			BrandID:           creator.BrandID,
			EnrollmentTrigger: trigger,
			Status:            models.EnrollmentActive,
			CurrentStep:       0,
			NextSendAt:        &nextSendAt,
			Metadata:          metadata,
		}

		if err := tx.Create(&enrollment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyEnrolled
			}
			return fmt.Errorf("failed to create enrollment: %w", err)
		}

		// Both-or-neither with the enrollment row.
		return em.Log.Append(tx, &models.CommunicationLog{
			CreatorID:    creatorID,
			BrandID:      creator.BrandID,
			LogType:      models.LogTypeEnrollment,
			Source:       metadata.Source,
			Subject:      fmt.Sprintf("Enrolled in %q", sequence.Name),
			Content:      metadata.Reasoning,
			EnrollmentID: &enrollment.ID,
			Metadata: models.LogMetadata{
				Trigger:   trigger,
				Reasoning: metadata.Reasoning,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// RecordRejection surfaces a refused enrollment through the communication
// log. Runs outside the failed enrollment transaction; rejections are part of
// normal operation, not an error state of the system.
func (em *EnrollmentManager) RecordRejection(creatorID, brandID, sequenceID uint, trigger, reason string) {
	err := em.Log.Append(em.DB, &models.CommunicationLog{
		CreatorID: creatorID,
		BrandID:   brandID,
		LogType:   models.LogTypeRejection,
		Source:    "enrollment",
		Subject:   fmt.Sprintf("Enrollment into sequence %d rejected", sequenceID),
		Content:   reason,
		Metadata: models.LogMetadata{
			Trigger:   trigger,
			Reasoning: reason,
		},
	})
	if err != nil {
		em.Logger.Printf("Failed to record enrollment rejection for creator %d: %v", creatorID, err)
	}
}

// errCancelRaced means the enrollment's status changed between the read and
// the guarded update. Internal; Cancel retries on the fresh state.
var errCancelRaced = errors.New("enrollment state changed during cancellation")

// Cancel requests cancellation of an enrollment. Safe against an in-flight
// dispatch claim: if a worker currently holds the enrollment, only the
// cancel flag is set and the worker finalizes the cancellation after it
// re-checks the flag. A status change racing between the read and the guarded
// update triggers a retry against the fresh state.
func (em *EnrollmentManager) Cancel(enrollmentID uint, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := em.cancelOnce(enrollmentID, reason)
		if !errors.Is(err, errCancelRaced) {
			return err
		}
	}
	return fmt.Errorf("enrollment %d kept changing state during cancellation", enrollmentID)
}

func (em *EnrollmentManager) cancelOnce(enrollmentID uint, reason string) error {
	return em.DB.Transaction(func(tx *gorm.DB) error {
		var enrollment models.SequenceEnrollment
		if err := tx.First(&enrollment, enrollmentID).Error; err != nil {
			return fmt.Errorf("enrollment %d not found: %w", enrollmentID, err)
		}
		if enrollment.Status.IsTerminal() {
			return ErrEnrollmentTerminal
		}

		updates := map[string]interface{}{
			"cancel_requested": true,
		}
		if enrollment.Status == models.EnrollmentActive {
			updates["status"] = models.EnrollmentCancelled
			updates["next_send_at"] = nil
			updates["completed_at"] = time.Now()
		}
		res := tx.Model(&models.SequenceEnrollment{}).
			Where("id = ? AND status = ?", enrollmentID, enrollment.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errCancelRaced
		}

		return em.Log.Append(tx, &models.CommunicationLog{
			CreatorID:    enrollment.CreatorID,
			BrandID:      enrollment.BrandID,
			LogType:      models.LogTypeNote,
			Source:       "admin",
			Subject:      "Enrollment cancellation requested",
			Content:      reason,
			EnrollmentID: &enrollment.ID,
		})
	})
}

// SequenceUpdate carries administrative edits to a sequence. Nil fields are
// left untouched. A non-nil Steps replaces the full step list.
type SequenceUpdate struct {
	Name         *string
	Description  *string
	TriggerEvent *string
	IsActive     *bool
	Steps        *[]models.SequenceStep
}

// ModifySequence applies metadata updates and, optionally, a full step
// replacement (delete-all then insert-all, never a partial patch) in one
// transaction. Step replacement is frozen while non-terminal enrollments
// reference the current step set, so in-flight enrollments never see their
// ordinals remapped underneath them.
func (em *EnrollmentManager) ModifySequence(sequenceID uint, update SequenceUpdate) error {
	return em.DB.Transaction(func(tx *gorm.DB) error {
		// Touch the row first so concurrent edits to the same sequence
		// serialize on its lock.
		res := tx.Model(&models.Sequence{}).
			Where("id = ?", sequenceID).
			Update("updated_at", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		fields := map[string]interface{}{}
		if update.Name != nil {
			fields["name"] = *update.Name
		}
		if update.Description != nil {
			fields["description"] = *update.Description
		}
		if update.TriggerEvent != nil {
			fields["trigger_event"] = *update.TriggerEvent
		}
		if update.IsActive != nil {
			fields["is_active"] = *update.IsActive
		}
		if len(fields) > 0 {
			if err := tx.Model(&models.Sequence{}).Where("id = ?", sequenceID).Updates(fields).Error; err != nil {
				return err
			}
		}

		if update.Steps == nil {
			return nil
		}

		var live int64
		err := tx.Model(&models.SequenceEnrollment{}).
			Where("sequence_id = ? AND status IN ?", sequenceID,
				[]models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentDispatching}).
			Count(&live).Error
		if err != nil {
			return err
		}
		if live > 0 {
			return ErrSequenceLocked
		}

		replacement := models.Sequence{Steps: *update.Steps}
		replacement.ID = sequenceID
		if err := ValidateSequenceSteps(&replacement); err != nil {
			sentry.CaptureException(err)
			return err
		}

		// Hard delete so the unique (sequence_id, step_order) index does not
		// collide with soft-deleted rows.
		if err := tx.Unscoped().Where("sequence_id = ?", sequenceID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		for i := range *update.Steps {
			step := (*update.Steps)[i]
			step.ID = 0
			step.SequenceID = sequenceID
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
