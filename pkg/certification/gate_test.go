package certification

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-certify/pkg/approval"
	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
	"github.com/Mindburn-Labs/helm-certify/pkg/clockguard"
	"github.com/Mindburn-Labs/helm-certify/pkg/keys"
	"github.com/Mindburn-Labs/helm-certify/pkg/ledger"
)

type stubClock struct {
	mu      sync.Mutex
	allowed bool
	reason  string
	calls   int
	// gate, when set, blocks each check until it is closed.
	gate chan struct{}
	// entered is signalled once a check has started.
	entered chan struct{}
}

func (c *stubClock) CertificationAllowed(ctx context.Context) (bool, string) {
	c.mu.Lock()
	c.calls++
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return c.allowed, c.reason
}

func okClock() *stubClock {
	return &stubClock{allowed: true, reason: "CLOCK_OK: skew 0.001s within max 5.000s (source stub)"}
}

type harness struct {
	gate   *Gate
	ledger *ledger.Ledger
	clock  *stubClock
}

func newHarness(t *testing.T, clock ClockChecker) *harness {
	t.Helper()
	km, err := keys.NewManager("k1", bytes.Repeat([]byte("g"), 32))
	require.NoError(t, err)
	signer := approval.NewSigner(km)
	l := ledger.New(ledger.NewMemoryStore(), signer)
	require.NoError(t, l.Load(context.Background()))
	h := &harness{gate: NewGate(clock, signer, l), ledger: l}
	if sc, ok := clock.(*stubClock); ok {
		h.clock = sc
	}
	return h
}

func pendingSubmission(id string, field int64) Submission {
	return Submission{FindingID: id, FieldID: field, Confidence: 0.97, DuplicateRisk: 0.1, Severity: "high", ModelHash: "sha256:model"}
}

func TestAutonomySwitchesAreOff(t *testing.T) {
	assert.False(t, AllowAutoSubmit)
	assert.False(t, AllowAutoNegotiate)
	assert.False(t, AllowAuthorityUnlock)
}

func TestSubmitAppliesThresholds(t *testing.T) {
	h := newHarness(t, okClock())
	ctx := context.Background()

	tests := []struct {
		name       string
		confidence float64
		dupRisk    float64
		want       State
		code       certerr.Code
	}{
		{"low confidence", 0.92, 0.1, StateLowConfidenceRejected, certerr.LowConfidence},
		{"confidence at minimum", 0.93, 0.1, StatePendingHumanReview, ""},
		{"high duplicate risk", 0.99, 0.76, StateHighDuplicateRejected, certerr.HighDuplicateRisk},
		{"duplicate risk at maximum", 0.99, 0.75, StatePendingHumanReview, ""},
		{"both failing reports confidence", 0.5, 0.9, StateLowConfidenceRejected, certerr.LowConfidence},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := h.gate.SubmitForReview(ctx, Submission{
				FindingID:     tt.name,
				FieldID:       int64(i),
				Confidence:    tt.confidence,
				DuplicateRisk: tt.dupRisk,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.State)
			if tt.code != "" {
				require.NotNil(t, certerr.Parse(f.StateReason))
				assert.Equal(t, tt.code, certerr.Parse(f.StateReason).Code)
				assert.NotEmpty(t, f.DecisionID)
			} else {
				assert.Empty(t, f.StateReason)
			}
		})
	}

	assert.Equal(t, 0, h.clock.calls, "automatic decisions never consult the clock")
	assert.Equal(t, 0, h.ledger.Len(), "automatic decisions never touch the ledger")
	assert.Len(t, h.gate.Pending(), 2)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	h := newHarness(t, okClock())
	ctx := context.Background()

	_, err := h.gate.SubmitForReview(ctx, Submission{Confidence: 0.99})
	assert.True(t, errors.Is(err, certerr.ErrApprovalRejected))

	_, err = h.gate.SubmitForReview(ctx, Submission{FindingID: "nan", Confidence: math.NaN()})
	assert.True(t, errors.Is(err, certerr.ErrApprovalRejected))

	_, err = h.gate.SubmitForReview(ctx, Submission{FindingID: "big", Confidence: 1.5})
	assert.True(t, errors.Is(err, certerr.ErrApprovalRejected))

	_, err = h.gate.SubmitForReview(ctx, pendingSubmission("dup", 1))
	require.NoError(t, err)
	_, err = h.gate.SubmitForReview(ctx, pendingSubmission("dup", 1))
	assert.True(t, errors.Is(err, certerr.ErrDuplicateSubmission))
}

func TestHumanApproveCertifies(t *testing.T) {
	h := newHarness(t, okClock())
	ctx := context.Background()

	_, err := h.gate.SubmitForReview(ctx, pendingSubmission("F-1", 5))
	require.NoError(t, err)

	f, err := h.gate.HumanApprove(ctx, "F-1", "alice", "verified exploit")
	require.NoError(t, err)
	assert.Equal(t, StateHumanApproved, f.State)
	assert.Equal(t, "alice", f.ApproverID)
	assert.Equal(t, uint64(0), f.LedgerSequence)
	assert.NotEmpty(t, f.DecisionID)

	assert.True(t, h.gate.HasApproval(5))
	entry, ok := h.gate.GetApproval(5)
	require.True(t, ok)
	assert.Equal(t, f.EntryHash, entry.EntryHash)
	assert.Equal(t, "sha256:model", entry.Token.ModelHash)
	assert.Equal(t, 1, h.clock.calls)

	_, err = h.gate.HumanApprove(ctx, "F-1", "bob", "again")
	assert.True(t, errors.Is(err, certerr.ErrInvalidState))
	_, err = h.gate.HumanReject(ctx, "F-1")
	assert.True(t, errors.Is(err, certerr.ErrInvalidState))
	assert.Equal(t, 1, h.ledger.Len())
}

func TestHumanApproveUnknownFinding(t *testing.T) {
	h := newHarness(t, okClock())
	_, err := h.gate.HumanApprove(context.Background(), "missing", "alice", "reason")
	assert.True(t, errors.Is(err, certerr.ErrFindingNotFound))
	_, err = h.gate.HumanReject(context.Background(), "missing")
	assert.True(t, errors.Is(err, certerr.ErrFindingNotFound))
}

func TestHumanApproveRequiresPendingReview(t *testing.T) {
	h := newHarness(t, okClock())
	ctx := context.Background()

	_, err := h.gate.SubmitForReview(ctx, Submission{FindingID: "low", FieldID: 1, Confidence: 0.5})
	require.NoError(t, err)
	_, err = h.gate.HumanApprove(ctx, "low", "alice", "override")
	assert.True(t, errors.Is(err, certerr.ErrInvalidState))
	assert.False(t, h.gate.HasApproval(1))
}

func TestClockFailureBlocksApproval(t *testing.T) {
	for _, tc := range []struct {
		reason string
		code   certerr.Code
	}{
		{"GOVERNANCE_CLOCK_SKEW: skew 10.000s exceeds max 5.000s (source SIMULATED) - CERTIFICATION BLOCKED", certerr.ClockSkewExceeded},
		{"GOVERNANCE_CLOCK_UNREACHABLE: no time source reachable (no servers configured) - CERTIFICATION BLOCKED", certerr.ClockSourceUnreachable},
		{"clock check failed", certerr.ClockSkewExceeded},
	} {
		h := newHarness(t, &stubClock{allowed: false, reason: tc.reason})
		ctx := context.Background()
		_, err := h.gate.SubmitForReview(ctx, pendingSubmission("F", 5))
		require.NoError(t, err)

		_, err = h.gate.HumanApprove(ctx, "F", "alice", "verified exploit")
		require.Error(t, err)
		assert.Equal(t, tc.code, certerr.CodeOf(err))

		f, ok := h.gate.Finding("F")
		require.True(t, ok)
		assert.Equal(t, StatePendingHumanReview, f.State)
		assert.Equal(t, err.Error(), f.LastError)
		assert.False(t, h.gate.HasApproval(5))
		assert.Equal(t, 0, h.ledger.Len())
	}
}

func TestApprovalRetriesAfterClockRecovers(t *testing.T) {
	clock := &stubClock{allowed: false, reason: "GOVERNANCE_CLOCK_SKEW: drift"}
	h := newHarness(t, clock)
	ctx := context.Background()
	_, err := h.gate.SubmitForReview(ctx, pendingSubmission("F", 5))
	require.NoError(t, err)

	_, err = h.gate.HumanApprove(ctx, "F", "alice", "verified exploit")
	require.Error(t, err)

	clock.mu.Lock()
	clock.allowed, clock.reason = true, "CLOCK_OK"
	clock.mu.Unlock()

	f, err := h.gate.HumanApprove(ctx, "F", "alice", "verified exploit")
	require.NoError(t, err)
	assert.Equal(t, StateHumanApproved, f.State)
	assert.Empty(t, f.LastError)
}

func TestBlankApproverLeavesFindingPending(t *testing.T) {
	h := newHarness(t, okClock())
	ctx := context.Background()
	_, err := h.gate.SubmitForReview(ctx, pendingSubmission("F", 5))
	require.NoError(t, err)

	_, err = h.gate.HumanApprove(ctx, "F", "  ", "reason")
	assert.True(t, errors.Is(err, certerr.ErrApprovalRejected))
	f, _ := h.gate.Finding("F")
	assert.Equal(t, StatePendingHumanReview, f.State)
}

func TestConcurrentDecisionIsRefused(t *testing.T) {
	clock := okClock()
	clock.gate = make(chan struct{})
	clock.entered = make(chan struct{}, 1)
	h := newHarness(t, clock)
	ctx := context.Background()
	_, err := h.gate.SubmitForReview(ctx, pendingSubmission("F", 5))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := h.gate.HumanApprove(ctx, "F", "alice", "verified exploit")
		result <- err
	}()
	<-clock.entered

	_, err = h.gate.HumanApprove(ctx, "F", "bob", "me too")
	assert.True(t, errors.Is(err, certerr.ErrApprovalInProgress))
	_, err = h.gate.HumanReject(ctx, "F")
	assert.True(t, errors.Is(err, certerr.ErrApprovalInProgress))

	// Other findings are not blocked by an in-flight decision.
	f, err := h.gate.SubmitForReview(ctx, pendingSubmission("G", 6))
	require.NoError(t, err)
	assert.Equal(t, StatePendingHumanReview, f.State)

	close(clock.gate)
	require.NoError(t, <-result)
	assert.Equal(t, 1, h.ledger.Len())
}

func TestHumanRejectNeverTouchesLedger(t *testing.T) {
	h := newHarness(t, okClock())
	ctx := context.Background()
	_, err := h.gate.SubmitForReview(ctx, pendingSubmission("F", 5))
	require.NoError(t, err)

	f, err := h.gate.HumanReject(ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, StateHumanRejected, f.State)
	assert.True(t, f.State.Terminal())
	assert.Equal(t, 0, h.clock.calls)
	assert.Equal(t, 0, h.ledger.Len())
	assert.Empty(t, h.gate.Pending())

	_, err = h.gate.HumanApprove(ctx, "F", "alice", "changed my mind")
	assert.True(t, errors.Is(err, certerr.ErrInvalidState))
}

type offsetSource time.Duration

func (o offsetSource) Query(context.Context, string, time.Duration) (time.Time, error) {
	return time.Now().Add(time.Duration(o)), nil
}

func TestGateWithClockGuard(t *testing.T) {
	drifted := clockguard.New(clockguard.Config{
		Servers: []string{"ref"},
		Source:  offsetSource(10 * time.Second),
		MaxSkew: 5 * time.Second,
	})
	h := newHarness(t, drifted)
	ctx := context.Background()
	_, err := h.gate.SubmitForReview(ctx, pendingSubmission("F", 5))
	require.NoError(t, err)

	_, err = h.gate.HumanApprove(ctx, "F", "alice", "verified exploit")
	require.Error(t, err)
	assert.True(t, errors.Is(err, certerr.ErrClockSkewExceeded))
	assert.Contains(t, err.Error(), "CERTIFICATION BLOCKED")

	allowed, reason := h.gate.CertificationAllowed(ctx)
	assert.False(t, allowed)
	assert.Contains(t, reason, "GOVERNANCE_CLOCK_SKEW")

	unreachable := clockguard.New(clockguard.Config{Servers: []string{}})
	h = newHarness(t, unreachable)
	_, err = h.gate.SubmitForReview(ctx, pendingSubmission("F", 5))
	require.NoError(t, err)
	_, err = h.gate.HumanApprove(ctx, "F", "alice", "verified exploit")
	assert.True(t, errors.Is(err, certerr.ErrClockSourceUnreachable))
}

func TestPendingKeepsSubmissionOrder(t *testing.T) {
	h := newHarness(t, okClock())
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := h.gate.SubmitForReview(ctx, pendingSubmission(id, 1))
		require.NoError(t, err)
	}
	var ids []string
	for _, f := range h.gate.Pending() {
		ids = append(ids, f.FindingID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}
