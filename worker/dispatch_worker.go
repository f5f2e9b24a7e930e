package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"creatorflow/models"
	"creatorflow/utils"

	"github.com/badoux/checkmail"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrClaimConflict means another worker claimed the enrollment first.
// Expected under concurrency; the loser simply moves on.
var ErrClaimConflict = errors.New("enrollment claimed by another worker")

// DispatchWorker scans for due enrollments on a fixed cadence, sends the due
// step and advances or completes the enrollment. Multiple instances may run
// concurrently: the enrollment row is the unit of mutual exclusion and every
// send is preceded by an atomic claim.
type DispatchWorker struct {
	DB            *gorm.DB
	Mailer        utils.MailSender
	Renderer      utils.ContentGenerator
	StatusMutator utils.StatusMutator
	CommLog       *utils.CommLog
	Logger        *log.Logger

	// Interval is the scan cadence (design target 1-5 minutes).
	Interval time.Duration

	// ClaimTimeout bounds how long a claim may be held before other workers
	// may reclaim the enrollment.
	ClaimTimeout time.Duration

	// RetryDelay is the offset applied after a failed send.
	RetryDelay time.Duration

	// MaxSendAttempts bounds retries for one step before the enrollment is
	// marked failed.
	MaxSendAttempts int

	// DefaultFromEmail is used when the brand has no sender address.
	DefaultFromEmail string
	DefaultFromName  string
}

func NewDispatchWorker(db *gorm.DB, mailer utils.MailSender, logger *log.Logger) *DispatchWorker {
	return &DispatchWorker{
		DB:              db,
		Mailer:          mailer,
		Renderer:        utils.NewTemplateRenderer(logger),
		StatusMutator:   utils.DBStatusMutator{},
		CommLog:         utils.NewCommLog(db),
		Logger:          logger,
		Interval:        time.Minute,
		ClaimTimeout:    5 * time.Minute,
		RetryDelay:      30 * time.Minute,
		MaxSendAttempts: 3,
	}
}

func (dw *DispatchWorker) Start(ctx context.Context) {
	dw.Logger.Println("Dispatch worker started")

	ticker := time.NewTicker(dw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dw.Logger.Println("Dispatch worker shutting down...")
			return
		case <-ticker.C:
			if err := dw.RunDispatchCycle(ctx); err != nil {
				dw.Logger.Printf("Dispatch cycle aborted: %v", err)
			}
		}
	}
}

// RunDispatchCycle processes every enrollment that owes a send, in due order.
// A store error aborts the whole cycle cleanly; nothing is half-written
// because every mutation below runs in its own transaction.
func (dw *DispatchWorker) RunDispatchCycle(ctx context.Context) error {
	now := time.Now()

	var due []models.SequenceEnrollment
	err := dw.DB.
		Where("(status = ? AND next_send_at IS NOT NULL AND next_send_at <= ?) OR (status = ? AND claim_expires_at < ?)",
			models.EnrollmentActive, now, models.EnrollmentDispatching, now).
		Order("next_send_at ASC").
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("failed to scan due enrollments: %w", err)
	}

	for i := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := dw.dispatchEnrollment(&due[i]); err != nil {
			if errors.Is(err, ErrClaimConflict) {
				continue
			}
			dw.Logger.Printf("Error dispatching enrollment %d: %v", due[i].ID, err)
		}
	}
	return nil
}

// claim atomically reserves the enrollment for this worker. The conditional
// update only succeeds against an unclaimed due row or an expired claim, so
// two concurrent workers can never both win.
func (dw *DispatchWorker) claim(enrollmentID uint) error {
	now := time.Now()
	res := dw.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND ((status = ? AND next_send_at IS NOT NULL AND next_send_at <= ?) OR (status = ? AND claim_expires_at < ?))",
			enrollmentID, models.EnrollmentActive, now, models.EnrollmentDispatching, now).
		Updates(map[string]interface{}{
			"status":           models.EnrollmentDispatching,
			"claim_expires_at": now.Add(dw.ClaimTimeout),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (dw *DispatchWorker) dispatchEnrollment(candidate *models.SequenceEnrollment) error {
	if err := dw.claim(candidate.ID); err != nil {
		return err
	}

	// Re-read under the claim; the candidate row may be stale.
	var enrollment models.SequenceEnrollment
	if err := dw.DB.First(&enrollment, candidate.ID).Error; err != nil {
		return fmt.Errorf("claimed enrollment %d vanished: %w", candidate.ID, err)
	}

	// Cancellation may have raced the claim. Never send to a cancelled
	// enrollment; log the skip instead.
	if enrollment.CancelRequested {
		return dw.finalizeCancelled(&enrollment)
	}

	var creator models.Creator
	if err := dw.DB.First(&creator, enrollment.CreatorID).Error; err != nil {
		return dw.failEnrollment(&enrollment, fmt.Sprintf("creator %d not found", enrollment.CreatorID))
	}

	var brand models.Brand
	if err := dw.DB.First(&brand, enrollment.BrandID).Error; err != nil {
		return dw.failEnrollment(&enrollment, fmt.Sprintf("brand %d not found", enrollment.BrandID))
	}

	var sequence models.Sequence
	err := dw.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&sequence, enrollment.SequenceID).Error
	if err != nil {
		return dw.failEnrollment(&enrollment, fmt.Sprintf("sequence %d not found", enrollment.SequenceID))
	}

	step := findStep(sequence.Steps, enrollment.CurrentStep+1)
	if step == nil {
		integrity := &utils.CatalogIntegrityError{
			SequenceID: sequence.ID,
			Reason:     fmt.Sprintf("step %d missing for enrollment %d", enrollment.CurrentStep+1, enrollment.ID),
		}
		sentry.CaptureException(integrity)
		return dw.failEnrollment(&enrollment, integrity.Error())
	}
	isLastStep := findStep(sequence.Steps, step.StepOrder+1) == nil

	if err := checkmail.ValidateFormat(creator.Email); err != nil {
		return dw.recordFailure(&enrollment, &creator, step, "", fmt.Sprintf("invalid recipient address: %v", err))
	}

	content, renderErr := dw.Renderer.Render(step, utils.RenderContext{
		CreatorName:  creator.Name,
		CreatorEmail: creator.Email,
		BrandName:    brand.Name,
		Handle:       creator.Handle,
	})
	if renderErr != nil {
		// Degraded to the raw template; dispatch proceeds.
		dw.Logger.Printf("Rendering degraded for enrollment %d step %d: %v", enrollment.ID, step.StepOrder, renderErr)
	}

	from := brand.FromEmail
	if from == "" {
		from = dw.DefaultFromEmail
	}
	if brand.FromName != "" {
		from = fmt.Sprintf("%s <%s>", brand.FromName, from)
	} else if dw.DefaultFromName != "" {
		from = fmt.Sprintf("%s <%s>", dw.DefaultFromName, from)
	}

	result, sendErr := dw.Mailer.Send(utils.Email{
		From:    from,
		To:      creator.Email,
		Subject: content.Subject,
		HTML:    content.HTML,
		Text:    content.Text,
	})

	logrus.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"creator_id":    creator.ID,
		"sequence_id":   sequence.ID,
		"step_order":    step.StepOrder,
		"status":        result.Status,
	}).Info("dispatch attempt finished")

	if sendErr != nil || result.Status != utils.SendStatusSent {
		reason := result.ProviderError
		if reason == "" && sendErr != nil {
			reason = sendErr.Error()
		}
		return dw.recordFailure(&enrollment, &creator, step, result.MessageID, reason)
	}

	return dw.recordSuccess(&enrollment, &creator, &sequence, step, isLastStep, result.MessageID, content)
}

// recordSuccess logs the send and advances or completes the enrollment in one
// transaction. The next step's due time is computed from this send's actual
// timestamp, not the originally scheduled one, so delays never compound drift.
func (dw *DispatchWorker) recordSuccess(enrollment *models.SequenceEnrollment, creator *models.Creator, sequence *models.Sequence, step *models.SequenceStep, isLastStep bool, messageID string, content utils.RenderedContent) error {
	sentAt := time.Now()

	return dw.DB.Transaction(func(tx *gorm.DB) error {
		if err := dw.CommLog.Append(tx, &models.CommunicationLog{
			CreatorID:    creator.ID,
			BrandID:      enrollment.BrandID,
			LogType:      models.LogTypeSend,
			Source:       "dispatch",
			Subject:      content.Subject,
			Content:      content.Text,
			EnrollmentID: &enrollment.ID,
			StepID:       &step.ID,
			MessageID:    messageID,
			Metadata: models.LogMetadata{
				StepOrder:  step.StepOrder,
				SendStatus: string(utils.SendStatusSent),
			},
		}); err != nil {
			return err
		}

		if step.StatusChangeAction != "" {
			oldStatus := creator.Status
			if err := dw.StatusMutator.SetStatus(tx, creator.ID, step.StatusChangeAction); err != nil {
				return err
			}
			if err := dw.CommLog.Append(tx, &models.CommunicationLog{
				CreatorID:    creator.ID,
				BrandID:      enrollment.BrandID,
				LogType:      models.LogTypeStatusChange,
				Source:       "dispatch",
				Subject:      fmt.Sprintf("Status changed to %s", step.StatusChangeAction),
				EnrollmentID: &enrollment.ID,
				StepID:       &step.ID,
				Metadata: models.LogMetadata{
					StepOrder: step.StepOrder,
					OldStatus: oldStatus,
					NewStatus: step.StatusChangeAction,
				},
			}); err != nil {
				return err
			}
		}

		if err := tx.Model(&models.Creator{}).Where("id = ?", creator.ID).
			Update("last_contact_at", sentAt).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"current_step":     step.StepOrder,
			"failure_count":    0,
			"failure_reason":   "",
			"claim_expires_at": nil,
		}
		if isLastStep {
			updates["status"] = models.EnrollmentCompleted
			updates["next_send_at"] = nil
			updates["completed_at"] = sentAt
		} else {
			next := findStep(sequence.Steps, step.StepOrder+1)
			updates["status"] = models.EnrollmentActive
			updates["next_send_at"] = sentAt.Add(utils.StepDelay(next))
		}

		res := tx.Model(&models.SequenceEnrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentDispatching).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("lost claim on enrollment %d while finishing dispatch", enrollment.ID)
		}
		return nil
	})
}

// recordFailure logs the failed attempt and either schedules a bounded retry
// or marks the enrollment failed. The enrollment is never silently dropped.
func (dw *DispatchWorker) recordFailure(enrollment *models.SequenceEnrollment, creator *models.Creator, step *models.SequenceStep, messageID, reason string) error {
	attempts := enrollment.FailureCount + 1
	terminal := attempts >= dw.MaxSendAttempts

	return dw.DB.Transaction(func(tx *gorm.DB) error {
		if err := dw.CommLog.Append(tx, &models.CommunicationLog{
			CreatorID:    creator.ID,
			BrandID:      enrollment.BrandID,
			LogType:      models.LogTypeSend,
			Source:       "dispatch",
			Subject:      fmt.Sprintf("Send failed for step %d", step.StepOrder),
			Content:      reason,
			EnrollmentID: &enrollment.ID,
			StepID:       &step.ID,
			MessageID:    messageID,
			Metadata: models.LogMetadata{
				StepOrder:     step.StepOrder,
				SendStatus:    string(utils.SendStatusFailed),
				ProviderError: reason,
				FailureCount:  attempts,
			},
		}); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"failure_count":    attempts,
			"claim_expires_at": nil,
		}
		if terminal {
			updates["status"] = models.EnrollmentFailed
			updates["next_send_at"] = nil
			updates["failure_reason"] = fmt.Sprintf("send failed %d times: %s", attempts, reason)
			updates["completed_at"] = time.Now()
			sentry.CaptureException(fmt.Errorf("enrollment %d failed permanently: %s", enrollment.ID, reason))
		} else {
			updates["status"] = models.EnrollmentActive
			updates["next_send_at"] = time.Now().Add(dw.RetryDelay)
			dw.Logger.Printf("Retrying enrollment %d step %d in %s (attempt %d/%d)",
				enrollment.ID, step.StepOrder, utils.FormatDuration(dw.RetryDelay), attempts, dw.MaxSendAttempts)
		}

		res := tx.Model(&models.SequenceEnrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentDispatching).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("lost claim on enrollment %d while recording failure", enrollment.ID)
		}
		return nil
	})
}

// finalizeCancelled closes out a claimed enrollment whose cancellation raced
// the claim. The skip is logged; nothing is sent.
func (dw *DispatchWorker) finalizeCancelled(enrollment *models.SequenceEnrollment) error {
	return dw.DB.Transaction(func(tx *gorm.DB) error {
		if err := dw.CommLog.Append(tx, &models.CommunicationLog{
			CreatorID:    enrollment.CreatorID,
			BrandID:      enrollment.BrandID,
			LogType:      models.LogTypeNote,
			Source:       "dispatch",
			Subject:      "Send skipped: enrollment cancelled",
			EnrollmentID: &enrollment.ID,
		}); err != nil {
			return err
		}

		res := tx.Model(&models.SequenceEnrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentDispatching).
			Updates(map[string]interface{}{
				"status":           models.EnrollmentCancelled,
				"next_send_at":     nil,
				"claim_expires_at": nil,
				"completed_at":     time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("lost claim on enrollment %d while cancelling", enrollment.ID)
		}
		return nil
	})
}

// failEnrollment terminates an enrollment that can never dispatch (missing
// creator, broken catalog). Distinct from recordFailure: no retry applies.
func (dw *DispatchWorker) failEnrollment(enrollment *models.SequenceEnrollment, reason string) error {
	dw.Logger.Printf("Failing enrollment %d: %s", enrollment.ID, reason)

	return dw.DB.Transaction(func(tx *gorm.DB) error {
		if err := dw.CommLog.Append(tx, &models.CommunicationLog{
			CreatorID:    enrollment.CreatorID,
			BrandID:      enrollment.BrandID,
			LogType:      models.LogTypeNote,
			Source:       "dispatch",
			Subject:      "Enrollment failed",
			Content:      reason,
			EnrollmentID: &enrollment.ID,
		}); err != nil {
			return err
		}

		res := tx.Model(&models.SequenceEnrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentDispatching).
			Updates(map[string]interface{}{
				"status":           models.EnrollmentFailed,
				"next_send_at":     nil,
				"claim_expires_at": nil,
				"failure_reason":   reason,
				"completed_at":     time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("lost claim on enrollment %d while failing it", enrollment.ID)
		}
		return nil
	})
}

func findStep(steps []models.SequenceStep, order int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepOrder == order {
			return &steps[i]
		}
	}
	return nil
}
