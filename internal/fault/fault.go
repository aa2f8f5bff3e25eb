// Package fault defines the structured failure model shared by the duel and
// live engines. Every rejected precondition carries a Kind (how the transport
// should classify it) and a Reason (the stable code clients branch on).
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for transport mapping. The gateway never logs
// client-visible preconditions at error level.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
	KindUnavailable
)

// Reason is the structured precondition code returned to callers and mapped
// to HTTP status codes or socket error events by the public surface.
type Reason string

const (
	ReasonGameNotFound     Reason = "GAME_NOT_FOUND"
	ReasonNotAPlayer       Reason = "NOT_A_PLAYER"
	ReasonNotYourTurn      Reason = "NOT_YOUR_TURN"
	ReasonWrongPhase       Reason = "WRONG_PHASE"
	ReasonDeadlinePassed   Reason = "DEADLINE_PASSED"
	ReasonVideoTooLong     Reason = "VIDEO_TOO_LONG"
	ReasonAlreadyJudged    Reason = "ALREADY_JUDGED"
	ReasonResponseRequired Reason = "RESPONSE_REQUIRED"
	ReasonValidation       Reason = "VALIDATION"
	ReasonSelfChallenge    Reason = "SELF_CHALLENGE"
	ReasonOpponentNotFound Reason = "OPPONENT_NOT_FOUND"
	ReasonDisputeQuota     Reason = "DISPUTE_QUOTA_USED"
	ReasonWrongJudgment    Reason = "WRONG_JUDGMENT"
	ReasonNotSetter        Reason = "NOT_SETTER"
	ReasonAlreadyResolved  Reason = "ALREADY_RESOLVED"
	ReasonTurnNotFound     Reason = "TURN_NOT_FOUND"
	ReasonDisputeNotFound  Reason = "DISPUTE_NOT_FOUND"
	ReasonNotRespondent    Reason = "NOT_RESPONDENT"
	ReasonRoomFull         Reason = "ROOM_FULL"
	ReasonSessionNotFound  Reason = "SESSION_NOT_FOUND"
	ReasonNotCreator       Reason = "NOT_CREATOR"
	ReasonNotEnoughPlayers Reason = "NOT_ENOUGH_PLAYERS"
	ReasonAlreadyJoined    Reason = "ALREADY_JOINED"
	ReasonRateLimited      Reason = "RATE_LIMITED"
)

// Error carries a failure kind and reason back through the gateway.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return string(e.Reason)
}

// Reject builds a precondition failure.
func Reject(kind Kind, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the structured reason from err, or "" for plain errors.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// KindOf extracts the failure kind from err. Plain errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
