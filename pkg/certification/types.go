package certification

import "time"

// State is a finding's position in review.
type State string

const (
	StatePendingSubmission     State = "PENDING_SUBMISSION"
	StateLowConfidenceRejected State = "LOW_CONFIDENCE_REJECTED"
	StateHighDuplicateRejected State = "HIGH_DUPLICATE_REJECTED"
	StatePendingHumanReview    State = "PENDING_HUMAN_REVIEW"
	StateHumanApproved         State = "HUMAN_APPROVED"
	StateHumanRejected         State = "HUMAN_REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateLowConfidenceRejected, StateHighDuplicateRejected, StateHumanApproved, StateHumanRejected:
		return true
	}
	return false
}

// Thresholds are the automatic rejection limits applied at submission.
type Thresholds struct {
	MinConfidence    float64
	MaxDuplicateRisk float64
}

// DefaultThresholds returns the production limits.
func DefaultThresholds() Thresholds {
	return Thresholds{MinConfidence: 0.93, MaxDuplicateRisk: 0.75}
}

// Submission is what a caller supplies for review. Scores are in [0, 1].
type Submission struct {
	FindingID     string  `json:"finding_id"`
	FieldID       int64   `json:"field_id"`
	Confidence    float64 `json:"confidence"`
	DuplicateRisk float64 `json:"duplicate_risk"`
	Severity      string  `json:"severity,omitempty"`
	ModelHash     string  `json:"model_hash,omitempty"`
}

// Finding is a submission plus its review state.
type Finding struct {
	Submission

	State State `json:"state"`
	// StateReason explains an automatic rejection ("LOW_CONFIDENCE: ...").
	StateReason string `json:"state_reason,omitempty"`
	// LastError is the most recent failed approval attempt, if any.
	LastError string `json:"last_error,omitempty"`

	SubmittedAt    time.Time `json:"submitted_at"`
	DecisionID     string    `json:"decision_id,omitempty"`
	DecidedAt      time.Time `json:"decided_at,omitempty"`
	ApproverID     string    `json:"approver_id,omitempty"`
	LedgerSequence uint64    `json:"ledger_sequence,omitempty"`
	EntryHash      string    `json:"entry_hash,omitempty"`
}
