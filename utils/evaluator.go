package utils

import (
	"fmt"
	"time"

	"creatorflow/models"
)

// ActionType classifies recommended actions.
type ActionType string

const ActionEnroll ActionType = "enroll"

// RecommendedAction is one candidate action emitted by the trigger evaluator.
// The evaluator never mutates state; acting on recommendations is entirely the
// caller's responsibility.
type RecommendedAction struct {
	Type         ActionType `json:"type"`
	SequenceID   uint       `json:"sequence_id"`
	TriggerEvent string     `json:"trigger_event"`
	Priority     int        `json:"priority"`
	Reasoning    string     `json:"reasoning"`
}

// statusRule maps one lifecycle status to the trigger event of the sequence
// it should enroll the creator into. Rules are data: adding a lifecycle state
// means adding a row here, not new branching logic.
type statusRule struct {
	TriggerEvent string
	Priority     int
}

var statusRules = map[models.CreatorStatus]statusRule{
	models.StatusAdded:           {TriggerEvent: "status_added", Priority: 100},
	models.StatusScheduleCall:    {TriggerEvent: "status_schedule_call", Priority: 90},
	models.StatusContractSent:    {TriggerEvent: "status_contract_sent", Priority: 80},
	models.StatusShippingProduct: {TriggerEvent: "status_shipping_product", Priority: 70},
	models.StatusScriptRejected:  {TriggerEvent: "status_script_rejected", Priority: 85},
}

// FollowupTriggerEvent is the trigger of the inactivity fallback sequence.
const FollowupTriggerEvent = "no_response_followup"

const followupPriority = 10

// DefaultInactivityThreshold is how long a creator may go without contact
// before the no-response follow-up becomes eligible.
const DefaultInactivityThreshold = 3 * 24 * time.Hour

// TriggerEvaluator maps a creator's status and communication history to
// candidate enrollments. Pure and deterministic; no I/O.
type TriggerEvaluator struct {
	InactivityThreshold time.Duration
}

func NewTriggerEvaluator() *TriggerEvaluator {
	return &TriggerEvaluator{InactivityThreshold: DefaultInactivityThreshold}
}

// Evaluate returns zero or more enroll recommendations for the creator.
// recentLog must be ordered newest-first. The evaluator emits at most one
// action per sequence; when the status rule and the inactivity fallback would
// pick the same sequence, only the higher-priority action survives.
func (te *TriggerEvaluator) Evaluate(creator *models.Creator, recentLog []models.CommunicationLog, sequences []models.Sequence, now time.Time) []RecommendedAction {
	byTrigger := indexByTrigger(sequences)

	age, hasContact := contactAge(recentLog, now)

	var actions []RecommendedAction

	statusFired := false
	if rule, ok := statusRules[creator.Status]; ok {
		if seq, ok := byTrigger[rule.TriggerEvent]; ok && te.conditionsMet(seq, recentLog, age, hasContact) {
			actions = append(actions, RecommendedAction{
				Type:         ActionEnroll,
				SequenceID:   seq.ID,
				TriggerEvent: rule.TriggerEvent,
				Priority:     rule.Priority,
				Reasoning:    fmt.Sprintf("creator status is %q, matching sequence %q", creator.Status, seq.Name),
			})
			statusFired = true
		}
	}

	// Fallback: no status-specific rule fired and the creator has been quiet
	// longer than the threshold. An empty log counts as infinitely quiet.
	if !statusFired && age >= te.InactivityThreshold {
		if seq, ok := byTrigger[FollowupTriggerEvent]; ok && te.conditionsMet(seq, recentLog, age, hasContact) {
			reasoning := "no prior contact on record"
			if hasContact {
				reasoning = fmt.Sprintf("last contact %d days ago exceeds inactivity threshold", int(age.Hours()/24))
			}
			actions = append(actions, RecommendedAction{
				Type:         ActionEnroll,
				SequenceID:   seq.ID,
				TriggerEvent: FollowupTriggerEvent,
				Priority:     followupPriority,
				Reasoning:    reasoning,
			})
		}
	}

	return dedupeBySequence(actions)
}

// conditionsMet applies the sequence's structured trigger conditions.
func (te *TriggerEvaluator) conditionsMet(seq *models.Sequence, recentLog []models.CommunicationLog, age time.Duration, hasContact bool) bool {
	cond := seq.TriggerConditions
	if cond.RequirePriorSend && !hasPriorSend(recentLog) {
		return false
	}
	if cond.MinDaysSinceContact > 0 && hasContact {
		if age < time.Duration(cond.MinDaysSinceContact)*24*time.Hour {
			return false
		}
	}
	return true
}

// indexByTrigger picks one best-matching active sequence per trigger event.
// Ties break toward the oldest sequence so evaluation stays deterministic.
func indexByTrigger(sequences []models.Sequence) map[string]*models.Sequence {
	byTrigger := make(map[string]*models.Sequence, len(sequences))
	for i := range sequences {
		seq := &sequences[i]
		if !seq.IsActive {
			continue
		}
		if existing, ok := byTrigger[seq.TriggerEvent]; ok && existing.ID <= seq.ID {
			continue
		}
		byTrigger[seq.TriggerEvent] = seq
	}
	return byTrigger
}

// contactAge returns the age of the newest log entry. With an empty log the
// age is effectively infinite: always old enough for the follow-up, never
// satisfying rules that require a prior send.
func contactAge(recentLog []models.CommunicationLog, now time.Time) (time.Duration, bool) {
	if len(recentLog) == 0 {
		return 1 << 62, false
	}
	return now.Sub(recentLog[0].CreatedAt), true
}

func hasPriorSend(recentLog []models.CommunicationLog) bool {
	for _, entry := range recentLog {
		if entry.LogType == models.LogTypeSend {
			return true
		}
	}
	return false
}

// dedupeBySequence keeps only the highest-priority action per sequence.
func dedupeBySequence(actions []RecommendedAction) []RecommendedAction {
	if len(actions) < 2 {
		return actions
	}
	best := make(map[uint]RecommendedAction, len(actions))
	var order []uint
	for _, a := range actions {
		existing, ok := best[a.SequenceID]
		if !ok {
			order = append(order, a.SequenceID)
			best[a.SequenceID] = a
			continue
		}
		if a.Priority > existing.Priority {
			best[a.SequenceID] = a
		}
	}
	out := make([]RecommendedAction, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}
