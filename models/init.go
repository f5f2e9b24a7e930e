package models

import "gorm.io/gorm"

// StarterBrandID scopes the shared starter catalog. Brands get their own copy
// of these sequences on first use; edits to a brand's copy never touch the
// templates.
const StarterBrandID uint = 0

// MigrateDB creates the engine's tables and the constraints GORM tags cannot
// express.
func MigrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Brand{},
		&Creator{},
		&Sequence{},
		&SequenceStep{},
		&SequenceEnrollment{},
		&CommunicationLog{},
	); err != nil {
		return err
	}

	// At most one non-terminal enrollment per (creator, sequence). Concurrent
	// enroll calls race on this index and the loser gets a duplicate-key
	// error, which the enrollment manager reports as AlreadyEnrolled.
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollment_active_pair
		ON sequence_enrollments (creator_id, sequence_id)
		WHERE status IN ('active', 'dispatching') AND deleted_at IS NULL
	`).Error
}

// CreateStarterSequences seeds the brand-agnostic starter catalog. Idempotent;
// run at migration time.
func CreateStarterSequences(db *gorm.DB) error {
	starters := []Sequence{
		{
			BrandID:      StarterBrandID,
			Name:         "Creator Onboarding",
			Description:  "Welcome series for newly added creators",
			TriggerEvent: "status_added",
			IsActive:     true,
			Steps: []SequenceStep{
				{
					StepOrder:   1,
					DelayDays:   0,
					DelayHours:  0,
					Subject:     "Welcome to {{.BrandName}}, {{.CreatorName}}!",
					HTMLContent: "<p>Hi {{.CreatorName}},</p><p>We're excited to work with you. Here's what happens next.</p>",
					TextContent: "Hi {{.CreatorName}}, we're excited to work with you. Here's what happens next.",
				},
				{
					StepOrder:   2,
					DelayDays:   2,
					DelayHours:  0,
					Subject:     "Quick question, {{.CreatorName}}",
					HTMLContent: "<p>Hi {{.CreatorName}},</p><p>Did you get a chance to look over our intro? We'd love to set up a call.</p>",
					TextContent: "Hi {{.CreatorName}}, did you get a chance to look over our intro? We'd love to set up a call.",
				},
			},
		},
		{
			BrandID:      StarterBrandID,
			Name:         "Call Scheduling",
			Description:  "Nudges a creator to book an intro call",
			TriggerEvent: "status_schedule_call",
			IsActive:     true,
			Steps: []SequenceStep{
				{
					StepOrder:          1,
					DelayDays:          0,
					DelayHours:         1,
					Subject:            "Let's find a time to talk",
					HTMLContent:        "<p>Hi {{.CreatorName}},</p><p>Grab a slot on our calendar whenever works for you.</p>",
					TextContent:        "Hi {{.CreatorName}}, grab a slot on our calendar whenever works for you.",
					StatusChangeAction: StatusCallCompleted,
				},
			},
		},
		{
			BrandID:      StarterBrandID,
			Name:         "Contract Follow-up",
			Description:  "Chases an unsigned contract",
			TriggerEvent: "status_contract_sent",
			IsActive:     true,
			Steps: []SequenceStep{
				{
					StepOrder:   1,
					DelayDays:   1,
					DelayHours:  0,
					Subject:     "Your {{.BrandName}} agreement",
					HTMLContent: "<p>Hi {{.CreatorName}},</p><p>Just checking you received the agreement. Let us know if anything is unclear.</p>",
					TextContent: "Hi {{.CreatorName}}, just checking you received the agreement. Let us know if anything is unclear.",
				},
				{
					StepOrder:   2,
					DelayDays:   3,
					DelayHours:  0,
					Subject:     "Still interested, {{.CreatorName}}?",
					HTMLContent: "<p>Hi {{.CreatorName}},</p><p>We'd hate to lose you. Reply here and we'll sort out any blockers.</p>",
					TextContent: "Hi {{.CreatorName}}, we'd hate to lose you. Reply here and we'll sort out any blockers.",
				},
			},
		},
		{
			BrandID:      StarterBrandID,
			Name:         "Shipping Notification",
			Description:  "Keeps a creator posted while product ships",
			TriggerEvent: "status_shipping_product",
			IsActive:     true,
			Steps: []SequenceStep{
				{
					StepOrder:          1,
					DelayDays:          0,
					DelayHours:         0,
					Subject:            "Your product is on the way",
					HTMLContent:        "<p>Hi {{.CreatorName}},</p><p>Your product has shipped. Tracking details are on their way separately.</p>",
					TextContent:        "Hi {{.CreatorName}}, your product has shipped. Tracking details are on their way separately.",
					StatusChangeAction: StatusContentDue,
				},
			},
		},
		{
			BrandID:      StarterBrandID,
			Name:         "Script Revision",
			Description:  "Sent when a creator's script needs changes",
			TriggerEvent: "status_script_rejected",
			IsActive:     true,
			Steps: []SequenceStep{
				{
					StepOrder:   1,
					DelayDays:   0,
					DelayHours:  0,
					Subject:     "Feedback on your script",
					HTMLContent: "<p>Hi {{.CreatorName}},</p><p>We reviewed your script and left a few notes. A revised version would be great.</p>",
					TextContent: "Hi {{.CreatorName}}, we reviewed your script and left a few notes. A revised version would be great.",
				},
			},
		},
		{
			BrandID:      StarterBrandID,
			Name:         "No-Response Follow-up",
			Description:  "Re-engages creators who have gone quiet",
			TriggerEvent: "no_response_followup",
			TriggerConditions: TriggerConditions{
				RequirePriorSend:    false,
				MinDaysSinceContact: 3,
			},
			IsActive: true,
			Steps: []SequenceStep{
				{
					StepOrder:   1,
					DelayDays:   0,
					DelayHours:  0,
					Subject:     "Checking in, {{.CreatorName}}",
					HTMLContent: "<p>Hi {{.CreatorName}},</p><p>It's been a little while. Still interested in working together?</p>",
					TextContent: "Hi {{.CreatorName}}, it's been a little while. Still interested in working together?",
				},
				{
					StepOrder:   2,
					DelayDays:   4,
					DelayHours:  0,
					Subject:     "Last check-in from {{.BrandName}}",
					HTMLContent: "<p>Hi {{.CreatorName}},</p><p>We'll close out your spot soon, but the door is always open.</p>",
					TextContent: "Hi {{.CreatorName}}, we'll close out your spot soon, but the door is always open.",
				},
			},
		},
	}

	for _, seq := range starters {
		// Map conditions so brand_id = 0 is not dropped as a zero value.
		err := db.FirstOrCreate(&seq, map[string]interface{}{
			"brand_id": StarterBrandID,
			"name":     seq.Name,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
