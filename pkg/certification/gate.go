// Package certification decides whether a finding may become HUMAN_APPROVED.
//
// The Gate applies the automatic thresholds at submission time, then waits
// for a human decision. Approval passes a double gate: a fresh clock-integrity
// check (run before any ledger lock is taken) and the ledger's own anti-replay
// validation inside Append. The approved state is irreversible.
package certification

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-certify/pkg/approval"
	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
	"github.com/Mindburn-Labs/helm-certify/pkg/ledger"
	"github.com/Mindburn-Labs/helm-certify/pkg/observability"
)

// Autonomy switches. They are untyped constants so no configuration path can
// turn them on.
const (
	AllowAutoSubmit      = false
	AllowAutoNegotiate   = false
	AllowAuthorityUnlock = false
)

// ClockChecker is satisfied by *clockguard.Guard.
type ClockChecker interface {
	CertificationAllowed(ctx context.Context) (bool, string)
}

// TokenSigner is satisfied by *approval.Signer.
type TokenSigner interface {
	SignApproval(fieldID int64, approverID, reason string, opts ...approval.SignOption) (approval.Token, error)
}

// ApprovalLedger is satisfied by *ledger.Ledger.
type ApprovalLedger interface {
	AppendForField(ctx context.Context, tok approval.Token, fieldID int64) (ledger.Entry, error)
	GetApproval(fieldID int64) (ledger.Entry, bool)
	HasApproval(fieldID int64) bool
}

// Gate tracks findings through review. It is safe for concurrent use.
type Gate struct {
	guard  ClockChecker
	signer TokenSigner
	ledger ApprovalLedger

	thresholds  Thresholds
	tokenWindow time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	obs         *observability.Provider

	// mu guards findings, order and inFlight. It is never held across a
	// clock check, a signing call or a ledger call.
	mu       sync.Mutex
	findings map[string]*Finding
	order    []string
	inFlight map[string]struct{}
}

// NewGate wires a gate to its collaborators.
func NewGate(guard ClockChecker, signer TokenSigner, l ApprovalLedger) *Gate {
	return &Gate{
		guard:       guard,
		signer:      signer,
		ledger:      l,
		thresholds:  DefaultThresholds(),
		tokenWindow: approval.DefaultExpirationWindow,
		clock:       time.Now,
		logger:      slog.Default().With("component", "certification"),
		findings:    make(map[string]*Finding),
		inFlight:    make(map[string]struct{}),
	}
}

// WithThresholds overrides DefaultThresholds.
func (g *Gate) WithThresholds(t Thresholds) *Gate {
	g.thresholds = t
	return g
}

// WithTokenWindow sets the expiration window of tokens minted on approval.
func (g *Gate) WithTokenWindow(d time.Duration) *Gate {
	g.tokenWindow = d
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithLogger replaces the component logger.
func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	g.logger = logger.With("component", "certification")
	return g
}

// WithObservability attaches a telemetry provider.
func (g *Gate) WithObservability(p *observability.Provider) *Gate {
	g.obs = p
	return g
}

// Thresholds returns the active automatic thresholds.
func (g *Gate) Thresholds() Thresholds { return g.thresholds }

// SubmitForReview records a finding and applies the automatic thresholds.
// An automatic rejection is a terminal state, not an error.
func (g *Gate) SubmitForReview(ctx context.Context, s Submission) (Finding, error) {
	ctx, done := g.obs.TrackOperation(ctx, "gate.submit", attribute.String("certify.finding_id", s.FindingID))
	f, err := g.submit(ctx, s)
	done(err)
	g.obs.RecordDecision(ctx, "gate.submit", outcomeOf(f.StateReason, err))
	return f, err
}

func (g *Gate) submit(ctx context.Context, s Submission) (Finding, error) {
	if s.FindingID == "" {
		return Finding{}, certerr.New(certerr.ApprovalRejected, "finding_id is required")
	}
	if !inUnitRange(s.Confidence) || !inUnitRange(s.DuplicateRisk) {
		return Finding{}, certerr.New(certerr.ApprovalRejected,
			"confidence %v and duplicate_risk %v must be within [0, 1]", s.Confidence, s.DuplicateRisk)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.findings[s.FindingID]; exists {
		return Finding{}, certerr.New(certerr.DuplicateSubmission, "finding %q already submitted", s.FindingID)
	}

	f := &Finding{
		Submission:  s,
		State:       StatePendingSubmission,
		SubmittedAt: g.clock().UTC(),
	}
	switch {
	case s.Confidence < g.thresholds.MinConfidence:
		f.State = StateLowConfidenceRejected
		f.StateReason = fmt.Sprintf("%s: confidence %.4f below minimum %.4f",
			certerr.LowConfidence, s.Confidence, g.thresholds.MinConfidence)
	case s.DuplicateRisk > g.thresholds.MaxDuplicateRisk:
		f.State = StateHighDuplicateRejected
		f.StateReason = fmt.Sprintf("%s: duplicate risk %.4f above maximum %.4f",
			certerr.HighDuplicateRisk, s.DuplicateRisk, g.thresholds.MaxDuplicateRisk)
	default:
		f.State = StatePendingHumanReview
	}
	if f.State.Terminal() {
		f.DecisionID = uuid.NewString()
		f.DecidedAt = f.SubmittedAt
	}

	g.findings[s.FindingID] = f
	g.order = append(g.order, s.FindingID)

	g.logger.InfoContext(ctx, "finding submitted",
		"finding_id", s.FindingID,
		"field_id", s.FieldID,
		"severity", s.Severity,
		"state", f.State,
		"reason", f.StateReason,
	)
	return *f, nil
}

// HumanApprove certifies a pending finding. On any failure the finding stays
// PENDING_HUMAN_REVIEW and the error carries the typed rejection.
func (g *Gate) HumanApprove(ctx context.Context, findingID, approverID, reason string) (Finding, error) {
	ctx, done := g.obs.TrackOperation(ctx, "gate.approve", attribute.String("certify.finding_id", findingID))
	f, err := g.approve(ctx, findingID, approverID, reason)
	done(err)
	g.obs.RecordDecision(ctx, "gate.approve", outcomeOf("", err))
	if err != nil {
		g.logger.WarnContext(ctx, "approval refused",
			"finding_id", findingID,
			"approver_id", approverID,
			"code", certerr.CodeOf(err),
			"error", err,
		)
	}
	return f, err
}

func (g *Gate) approve(ctx context.Context, findingID, approverID, reason string) (Finding, error) {
	sub, err := g.claim(findingID)
	if err != nil {
		return Finding{}, err
	}

	entry, err := g.certify(ctx, sub, approverID, reason)

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, findingID)
	f := g.findings[findingID]
	if err != nil {
		f.LastError = err.Error()
		return *f, err
	}

	f.State = StateHumanApproved
	f.StateReason = ""
	f.LastError = ""
	f.DecisionID = uuid.NewString()
	f.DecidedAt = g.clock().UTC()
	f.ApproverID = entry.Token.ApproverID
	f.LedgerSequence = entry.Sequence
	f.EntryHash = entry.EntryHash

	g.logger.InfoContext(ctx, "finding certified",
		"finding_id", findingID,
		"field_id", sub.FieldID,
		"approver_id", f.ApproverID,
		"decision_id", f.DecisionID,
		"ledger_sequence", entry.Sequence,
	)
	return *f, nil
}

// claim marks a pending finding in flight and returns its submission.
func (g *Gate) claim(findingID string) (Submission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.findings[findingID]
	if !ok {
		return Submission{}, certerr.New(certerr.FindingNotFound, "finding %q", findingID)
	}
	if _, busy := g.inFlight[findingID]; busy {
		return Submission{}, certerr.New(certerr.ApprovalInProgress, "finding %q has a decision in progress", findingID)
	}
	if f.State != StatePendingHumanReview {
		return Submission{}, certerr.New(certerr.InvalidState, "finding %q is %s, not %s",
			findingID, f.State, StatePendingHumanReview)
	}
	g.inFlight[findingID] = struct{}{}
	return f.Submission, nil
}

// certify runs the clock check, mints the token and appends it. No gate lock
// is held here.
func (g *Gate) certify(ctx context.Context, sub Submission, approverID, reason string) (ledger.Entry, error) {
	if ok, why := g.guard.CertificationAllowed(ctx); !ok {
		if e := certerr.Parse(why); e != nil {
			return ledger.Entry{}, e
		}
		return ledger.Entry{}, certerr.New(certerr.ClockSkewExceeded, "%s", why)
	}

	opts := []approval.SignOption{approval.WithExpirationWindow(g.tokenWindow)}
	if sub.ModelHash != "" {
		opts = append(opts, approval.WithModelHash(sub.ModelHash))
	}
	tok, err := g.signer.SignApproval(sub.FieldID, approverID, reason, opts...)
	if err != nil {
		return ledger.Entry{}, err
	}
	return g.ledger.AppendForField(ctx, tok, sub.FieldID)
}

// HumanReject closes a pending finding without touching the ledger.
func (g *Gate) HumanReject(ctx context.Context, findingID string) (Finding, error) {
	_, done := g.obs.TrackOperation(ctx, "gate.reject", attribute.String("certify.finding_id", findingID))
	f, err := g.reject(ctx, findingID)
	done(err)
	g.obs.RecordDecision(ctx, "gate.reject", outcomeOf("", err))
	return f, err
}

func (g *Gate) reject(ctx context.Context, findingID string) (Finding, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.findings[findingID]
	if !ok {
		return Finding{}, certerr.New(certerr.FindingNotFound, "finding %q", findingID)
	}
	if _, busy := g.inFlight[findingID]; busy {
		return Finding{}, certerr.New(certerr.ApprovalInProgress, "finding %q has a decision in progress", findingID)
	}
	if f.State != StatePendingHumanReview {
		return Finding{}, certerr.New(certerr.InvalidState, "finding %q is %s, not %s",
			findingID, f.State, StatePendingHumanReview)
	}

	f.State = StateHumanRejected
	f.DecisionID = uuid.NewString()
	f.DecidedAt = g.clock().UTC()
	g.logger.InfoContext(ctx, "finding rejected by reviewer",
		"finding_id", findingID,
		"decision_id", f.DecisionID,
	)
	return *f, nil
}

// Finding returns a snapshot of one finding.
func (g *Gate) Finding(findingID string) (Finding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.findings[findingID]
	if !ok {
		return Finding{}, false
	}
	return *f, true
}

// Pending returns findings awaiting a human decision in submission order.
func (g *Gate) Pending() []Finding {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Finding
	for _, id := range g.order {
		if f := g.findings[id]; f.State == StatePendingHumanReview {
			out = append(out, *f)
		}
	}
	return out
}

// HasApproval reports whether fieldID has a ledger approval.
func (g *Gate) HasApproval(fieldID int64) bool {
	return g.ledger.HasApproval(fieldID)
}

// GetApproval returns the newest ledger entry for fieldID.
func (g *Gate) GetApproval(fieldID int64) (ledger.Entry, bool) {
	return g.ledger.GetApproval(fieldID)
}

// CertificationAllowed runs a fresh clock check.
func (g *Gate) CertificationAllowed(ctx context.Context) (bool, string) {
	return g.guard.CertificationAllowed(ctx)
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// outcomeOf maps a result to the decision metric label.
func outcomeOf(stateReason string, err error) string {
	if err != nil {
		if c := certerr.CodeOf(err); c != "" {
			return string(c)
		}
		return "ERROR"
	}
	if e := certerr.Parse(stateReason); e != nil {
		return string(e.Code)
	}
	return "OK"
}
