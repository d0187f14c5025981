package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller's handling policy.
type Kind int

const (
	// KindValidation is bad input shape or range. Rejected, no state change.
	KindValidation Kind = iota
	// KindProtocol is a turn-order, sequence or staleness violation.
	// Rejected, no state change, and counted against the player.
	KindProtocol
	// KindResource is a wallet-level refusal such as insufficient funds.
	KindResource
	// KindConsistency must never occur under correct operation; the match
	// is flagged for operator review instead of being retried.
	KindConsistency
	// KindTransient is a temporarily unavailable collaborator; retried
	// with backoff before surfacing.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindConsistency:
		return "consistency"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error codes reported to external callers.
const (
	CodeMatchNotFound      = "MatchNotFound"
	CodeMatchNotActive     = "MatchNotActive"
	CodeMatchFull          = "MatchFull"
	CodeAlreadyJoined      = "AlreadyJoined"
	CodeUnknownMode        = "UnknownMode"
	CodeStakeOutOfRange    = "StakeOutOfRange"
	CodeNotYourTurn        = "NotYourTurn"
	CodeSequenceGap        = "SequenceGap"
	CodeRateLimited        = "RateLimited"
	CodeInvalidPayload     = "InvalidPayload"
	CodeNotParticipant     = "NotParticipant"
	CodeInsufficientFunds  = "InsufficientFunds"
	CodeLockConflict       = "DuplicateLockConflict"
	CodeMissingWinner      = "MissingWinner"
	CodeAlreadySettled     = "AlreadySettled"
	CodeNeedsReview        = "NeedsReview"
	CodeServiceUnavailable = "ServiceUnavailable"
	CodeEngineClosed       = "EngineClosed"
)

// Error is the engine's error type: a kind for policy, a stable code for
// clients, and a human-readable reason for display.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Reason, e.err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports equality by code, so callers can match sentinel errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the kind from err, defaulting to transient for errors
// that did not originate in the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf extracts the stable code from err, or empty for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
