// Package certerr defines the rejection taxonomy shared by the certification core.
//
// Every rejection is a *Error carrying a machine-checkable Code. The rendered
// form is always "<CODE>: <detail>", so humans, logs and tests can assert on the
// category by prefix without parsing free text. Anti-replay and gate rejections
// are expected outcomes and are returned as values, never raised as panics.
package certerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a rejection category. The string value is the reason prefix.
type Code string

const (
	ApprovalRejected       Code = "APPROVAL_REJECTED"
	InvalidSignature       Code = "INVALID_SIGNATURE"
	DuplicateNonce         Code = "DUPLICATE_NONCE"
	TokenExpired           Code = "TOKEN_EXPIRED"
	FieldMismatch          Code = "FIELD_MISMATCH"
	ReusedToken            Code = "REUSED_TOKEN"
	ClockSkewExceeded      Code = "GOVERNANCE_CLOCK_SKEW"
	ClockSourceUnreachable Code = "GOVERNANCE_CLOCK_UNREACHABLE"
	ChainTampered          Code = "CHAIN_TAMPERED"
	KeyDowngrade           Code = "KEY_DOWNGRADE"
	UnknownKey             Code = "UNKNOWN_KEY"
	FindingNotFound        Code = "FINDING_NOT_FOUND"

	LowConfidence       Code = "LOW_CONFIDENCE"
	HighDuplicateRisk   Code = "HIGH_DUPLICATE_RISK"
	InvalidState        Code = "INVALID_STATE"
	DuplicateSubmission Code = "DUPLICATE_SUBMISSION"
	ApprovalInProgress  Code = "APPROVAL_IN_PROGRESS"
	LedgerWriteFailed   Code = "LEDGER_WRITE_FAILED"
	LedgerNotLoaded     Code = "LEDGER_NOT_LOADED"
)

var knownCodes = []Code{
	ApprovalRejected, InvalidSignature, DuplicateNonce, TokenExpired, FieldMismatch, ReusedToken,
	ClockSkewExceeded, ClockSourceUnreachable, ChainTampered, KeyDowngrade, UnknownKey, FindingNotFound,
	LowConfidence, HighDuplicateRisk, InvalidState, DuplicateSubmission, ApprovalInProgress, LedgerWriteFailed,
	LedgerNotLoaded,
}

// Sentinels for errors.Is. Matching is by Code only; Detail is ignored.
var (
	ErrApprovalRejected       = &Error{Code: ApprovalRejected}
	ErrInvalidSignature       = &Error{Code: InvalidSignature}
	ErrDuplicateNonce         = &Error{Code: DuplicateNonce}
	ErrTokenExpired           = &Error{Code: TokenExpired}
	ErrFieldMismatch          = &Error{Code: FieldMismatch}
	ErrReusedToken            = &Error{Code: ReusedToken}
	ErrClockSkewExceeded      = &Error{Code: ClockSkewExceeded}
	ErrClockSourceUnreachable = &Error{Code: ClockSourceUnreachable}
	ErrChainTampered          = &Error{Code: ChainTampered}
	ErrKeyDowngrade           = &Error{Code: KeyDowngrade}
	ErrUnknownKey             = &Error{Code: UnknownKey}
	ErrFindingNotFound        = &Error{Code: FindingNotFound}
	ErrLowConfidence          = &Error{Code: LowConfidence}
	ErrHighDuplicateRisk      = &Error{Code: HighDuplicateRisk}
	ErrInvalidState           = &Error{Code: InvalidState}
	ErrDuplicateSubmission    = &Error{Code: DuplicateSubmission}
	ErrApprovalInProgress     = &Error{Code: ApprovalInProgress}
	ErrLedgerWriteFailed      = &Error{Code: LedgerWriteFailed}
	ErrLedgerNotLoaded        = &Error{Code: LedgerNotLoaded}
)

// Error is a categorized rejection.
type Error struct {
	Code   Code
	Detail string
	Err    error // optional underlying cause (I/O, driver)
}

// New builds a rejection with a formatted detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a rejection around an underlying cause.
func Wrap(code Code, err error, detail string) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the Code from err, or "" if err is not a categorized rejection.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Parse recovers a *Error from a prefixed reason string such as
// "GOVERNANCE_CLOCK_SKEW: skew 10.000s exceeds 5.000s". Unknown prefixes return nil.
func Parse(reason string) *Error {
	prefix, detail, _ := strings.Cut(reason, ":")
	prefix = strings.TrimSpace(prefix)
	for _, c := range knownCodes {
		if string(c) == prefix {
			return &Error{Code: c, Detail: strings.TrimSpace(detail)}
		}
	}
	return nil
}
