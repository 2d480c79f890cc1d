package clockguard

import (
	"log/slog"
	"math"
	"time"

	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
)

// Reference sources that are not network servers.
const (
	SourceSimulated = "SIMULATED"
	SourceNone      = "NONE"
)

// ClockSkewResult is one fresh skew evaluation. It is never reused.
type ClockSkewResult struct {
	CheckID         string
	CheckedAt       time.Time
	SkewSeconds     float64 // +Inf when no reference answered
	LocalTime       time.Time
	ReferenceTime   time.Time // zero when no reference answered
	ReferenceSource string
	Passed          bool
	Code            certerr.Code // empty when Passed
	Reason          string
}

// Err returns the categorized rejection for a failed check, or nil.
func (r ClockSkewResult) Err() error {
	if r.Passed {
		return nil
	}
	if e := certerr.Parse(r.Reason); e != nil {
		return e
	}
	return certerr.New(r.Code, "%s", r.Reason)
}

// Unreachable reports whether the check failed because no source answered.
func (r ClockSkewResult) Unreachable() bool {
	return r.ReferenceSource == SourceNone && math.IsInf(r.SkewSeconds, 1)
}

// LogValue implements slog.LogValuer.
func (r ClockSkewResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("check_id", r.CheckID),
		slog.Float64("skew_seconds", r.SkewSeconds),
		slog.String("source", r.ReferenceSource),
		slog.Bool("passed", r.Passed),
		slog.String("code", string(r.Code)),
	)
}
